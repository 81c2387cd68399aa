package pushchan

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"ferry/internal/config"
	"ferry/internal/logging"
)

const (
	userAgent          = "Ferry/0.1.0"
	initialBackoff     = time.Second
	defaultMaxBackoff  = 60 * time.Second
	maxStreamLineBytes = 256 * 1024
)

// Conn is the push channel surface the relay consumes. The stream client and
// the in-memory hub used in tests both satisfy it.
type Conn interface {
	// Events yields server events plus a locally synthesized EventConnected
	// on every successful (re)connect. The channel closes when the
	// connection is closed for good.
	Events() <-chan Event
	// Send transmits a command to the service.
	Send(ctx context.Context, cmd Command) error
	Close() error
}

// Client streams newline-delimited JSON events from the conversion service
// and reconnects with capped exponential backoff when the stream drops.
type Client struct {
	logger     *slog.Logger
	baseURL    string
	token      string
	httpClient *http.Client
	maxBackoff time.Duration

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Dial starts a push channel client. The returned client immediately begins
// connecting in the background; callers read Events until they Close it.
func Dial(cfg *config.Config, logger *slog.Logger) *Client {
	maxBackoff := time.Duration(cfg.Remote.ReconnectMaxSeconds) * time.Second
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	timeout := time.Duration(cfg.Remote.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		logger:     logging.NewComponentLogger(logger, "push-channel"),
		baseURL:    strings.TrimRight(cfg.Remote.BaseURL, "/"),
		token:      cfg.Remote.APIToken,
		httpClient: &http.Client{Timeout: timeout},
		maxBackoff: maxBackoff,
		events:     make(chan Event, 64),
		done:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Events implements Conn.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Send posts a command to the service.
func (c *Client) Send(ctx context.Context, cmd Command) error {
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/events/commands", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build command request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send command %s: %w", cmd.Action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("command %s returned %d: %s", cmd.Action, resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close tears the stream down and closes the events channel.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
	close(c.events)
	return nil
}

func (c *Client) run() {
	defer c.wg.Done()

	backoff := initialBackoff
	for {
		select {
		case <-c.done:
			return
		default:
		}

		err := c.stream()
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		c.logger.Warn("push channel dropped; reconnecting",
			logging.Error(err),
			logging.Duration("backoff", backoff),
		)
		// Full jitter keeps simultaneous clients from reconnecting in step.
		sleep := time.Duration(rand.Int63n(int64(backoff)) + int64(backoff)/2)
		select {
		case <-c.done:
			return
		case <-time.After(sleep):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// stream opens one streaming connection and pumps events until it breaks.
// Returning nil means the client is shutting down.
func (c *Client) stream() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/events/stream", nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "application/x-ndjson")

	// The stream outlives any sane request timeout, so it gets its own
	// transport-sharing client without one.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if isClosed(c.done) {
			return nil
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("event stream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	if !c.deliver(Event{Type: EventConnected, Timestamp: time.Now().UTC()}) {
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxStreamLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			c.logger.Debug("dropping malformed push event", logging.Error(err))
			continue
		}
		if !c.deliver(event) {
			return nil
		}
	}
	if isClosed(c.done) {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read event stream: %w", err)
	}
	return errors.New("event stream closed by server")
}

func (c *Client) deliver(event Event) bool {
	select {
	case c.events <- event:
		return true
	case <-c.done:
		return false
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
