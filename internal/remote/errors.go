package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	// ErrNetwork marks transient transport failures and server-side outages.
	ErrNetwork = errors.New("network error")
	// ErrServerRejected marks requests the service refused outright; retrying
	// the same request will not help.
	ErrServerRejected = errors.New("server rejected request")
	// ErrNotFound marks lookups for tasks the service does not know.
	ErrNotFound = errors.New("task not found on server")
	// ErrTimeout marks requests that ran out of time.
	ErrTimeout = errors.New("request timeout")
)

// Wrap tags an error with one of the sentinel markers above while keeping
// operation context in the message.
func Wrap(marker error, operation, message string, err error) error {
	detail := buildDetail(operation, message)
	if marker == nil {
		marker = ErrNetwork
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the failure class is worth another automatic
// attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}

// classifyTransport maps a transport-level failure onto a sentinel marker.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ErrTimeout
	}
	return ErrNetwork
}

// classifyStatus maps an HTTP status outside 2xx onto a sentinel marker.
func classifyStatus(code int) error {
	switch {
	case code == 404:
		return ErrNotFound
	case code == 408 || code == 429:
		return ErrNetwork
	case code >= 400 && code < 500:
		return ErrServerRejected
	default:
		return ErrNetwork
	}
}

func buildDetail(operation, message string) string {
	parts := make([]string, 0, 2)
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "remote failure"
	}
	return strings.Join(parts, ": ")
}
