package pushchan

import (
	"context"
	"errors"
	"sync"
)

// Hub is an in-process Conn used by tests and local wiring. Events pushed via
// Emit appear on Events; commands sent by the consumer are recorded and made
// available on Commands.
type Hub struct {
	events   chan Event
	commands chan Command

	mu     sync.Mutex
	closed bool
}

// NewHub builds a hub with buffered channels.
func NewHub() *Hub {
	return &Hub{
		events:   make(chan Event, 64),
		commands: make(chan Command, 64),
	}
}

// Events implements Conn.
func (h *Hub) Events() <-chan Event {
	return h.events
}

// Commands exposes the commands the consumer has sent.
func (h *Hub) Commands() <-chan Command {
	return h.commands
}

// Emit delivers an event to the consumer. Emitting on a closed hub is a no-op.
func (h *Hub) Emit(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.events <- event
}

// Send implements Conn by recording the command.
func (h *Hub) Send(ctx context.Context, cmd Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errors.New("push channel closed")
	}
	select {
	case h.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Conn.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.events)
	return nil
}
