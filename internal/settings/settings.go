// Package settings exposes the current conversion parameters to the
// pipeline and task-creation call sites without any ambient global state.
package settings

import (
	"sync"

	"ferry/internal/config"
)

// Provider supplies the conversion parameters applied to newly created tasks.
type Provider interface {
	Current() config.Conversion
}

// Static wraps a fixed parameter set; useful for tests and one-shot commands.
type Static config.Conversion

func (s Static) Current() config.Conversion { return config.Conversion(s) }

// Store is a mutable provider with change notification. Subscribers receive
// the full parameter set on every update.
type Store struct {
	mu      sync.RWMutex
	current config.Conversion
	subs    map[int]chan config.Conversion
	nextID  int
}

// NewStore builds a Store seeded with the provided parameters.
func NewStore(initial config.Conversion) *Store {
	return &Store{
		current: initial,
		subs:    make(map[int]chan config.Conversion),
	}
}

// Current returns the active conversion parameters.
func (s *Store) Current() config.Conversion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Set replaces the active parameters and notifies subscribers. Slow
// subscribers miss intermediate values rather than blocking the caller.
func (s *Store) Set(next config.Conversion) {
	s.mu.Lock()
	s.current = next
	subs := make([]chan config.Conversion, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- next:
		default:
		}
	}
}

// Subscribe registers for parameter change notifications. The returned
// cancel function must be called to release the subscription.
func (s *Store) Subscribe() (<-chan config.Conversion, func()) {
	ch := make(chan config.Conversion, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, cancel
}
