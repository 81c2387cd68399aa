package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ferry/internal/config"
)

const userAgent = "Ferry/0.1.0"

// Service defines the notification surface exposed to the engine.
type Service interface {
	NotifyTaskCompleted(ctx context.Context, displayName, outputPath string) error
	NotifyTaskFailed(ctx context.Context, displayName, message string) error
	NotifySpacePaused(ctx context.Context, usagePercent float64) error
	NotifySessionCompleted(ctx context.Context, completed, failed int, duration time.Duration) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
}

func (n *ntfyService) NotifyTaskCompleted(ctx context.Context, displayName, outputPath string) error {
	displayName = strings.TrimSpace(displayName)
	message := fmt.Sprintf("Conversion complete: %s", displayName)
	if outputPath = strings.TrimSpace(outputPath); outputPath != "" {
		message = fmt.Sprintf("%s\nFile: %s", message, outputPath)
	}
	data := payload{
		title:   "Ferry - Complete",
		message: message,
		tags:    []string{"ferry", "task", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyTaskFailed(ctx context.Context, displayName, message string) error {
	displayName = strings.TrimSpace(displayName)
	if message = strings.TrimSpace(message); message == "" {
		message = "unknown error"
	}
	data := payload{
		title:    "Ferry - Failed",
		message:  fmt.Sprintf("Conversion failed: %s\n%s", displayName, message),
		tags:     []string{"ferry", "task", "failed"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySpacePaused(ctx context.Context, usagePercent float64) error {
	data := payload{
		title:    "Ferry - Uploads Paused",
		message:  fmt.Sprintf("Storage %.1f%% full; uploads pause until space is freed", usagePercent),
		tags:     []string{"ferry", "space", "paused"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifySessionCompleted(ctx context.Context, completed, failed int, duration time.Duration) error {
	duration = duration.Round(time.Second)
	if duration < 0 {
		duration = 0
	}

	var title, message string
	if failed == 0 {
		title = "Ferry - Session Complete"
		message = fmt.Sprintf("Session complete: %d task(s) converted in %s", completed, duration)
	} else {
		title = "Ferry - Session Complete (with errors)"
		message = fmt.Sprintf("Session complete: %d succeeded, %d failed in %s", completed, failed, duration)
	}

	data := payload{
		title:   title,
		message: message,
		tags:    []string{"ferry", "session", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "Ferry - Test",
		message:  "Notification system test",
		tags:     []string{"ferry", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyTaskCompleted(context.Context, string, string) error { return nil }
func (noopService) NotifyTaskFailed(context.Context, string, string) error    { return nil }
func (noopService) NotifySpacePaused(context.Context, float64) error          { return nil }
func (noopService) NotifySessionCompleted(context.Context, int, int, time.Duration) error {
	return nil
}
func (noopService) TestNotification(context.Context) error { return nil }
