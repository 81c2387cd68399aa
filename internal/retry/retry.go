// Package retry decides what happens after a task attempt fails: another
// automatic attempt with backoff, or a terminal failure. Cancellation always
// wins over retry, and rejections the service will repeat are not retried at
// all.
package retry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"ferry/internal/logging"
	"ferry/internal/remote"
	"ferry/internal/task"
)

// ErrTaskActive is returned by Manual when the task is still being processed.
var ErrTaskActive = errors.New("task is in progress")

const (
	defaultBackoffBase = 5 * time.Second
	maxBackoff         = 5 * time.Minute
)

// Controller applies retry policy on top of the task store.
type Controller struct {
	logger      *slog.Logger
	store       *task.Store
	backoffBase time.Duration
}

// NewController builds a controller with the default backoff schedule.
func NewController(store *task.Store, logger *slog.Logger) *Controller {
	return &Controller{
		logger:      logging.NewComponentLogger(logger, "retry"),
		store:       store,
		backoffBase: defaultBackoffBase,
	}
}

// OnFailure records a failed attempt and decides its disposition. On
// DispositionRetry the record has been reset to pending and the caller should
// re-admit it after Backoff(record.RetryCount). Cancelled tasks are left
// alone: cancellation is user intent, never retried. Outright rejections go
// terminal regardless of remaining budget; the service would just repeat them.
func (c *Controller) OnFailure(id string, failure error) (task.Disposition, task.Record, error) {
	rec, ok := c.store.Resolve(id)
	if !ok {
		return task.DispositionTerminal, task.Record{}, fmt.Errorf("retry: %w: %s", task.ErrNotFound, id)
	}
	if rec.Status == task.StatusCancelled {
		return task.DispositionTerminal, rec, nil
	}

	if errors.Is(failure, remote.ErrServerRejected) {
		rec, _, err := c.store.UpdateStatus(rec.LocalID, task.StatusFailed, -1, failure.Error())
		if err != nil {
			return task.DispositionTerminal, rec, err
		}
		c.logger.Info("task failed permanently; not retrying",
			logging.String(logging.FieldTaskID, rec.LocalID),
			logging.Error(failure),
		)
		return task.DispositionTerminal, rec, nil
	}

	disposition, rec, err := c.store.RecordFailure(rec.LocalID, failure)
	if err != nil {
		return task.DispositionTerminal, rec, err
	}
	if disposition == task.DispositionTerminal {
		c.logger.Warn("retry budget exhausted",
			logging.String(logging.FieldTaskID, rec.LocalID),
			logging.Int("retry_count", rec.RetryCount),
			logging.Int("max_retries", rec.MaxRetries),
		)
		return disposition, rec, nil
	}

	rec, _, err = c.store.UpdateStatus(rec.LocalID, task.StatusPending, -1, "")
	if err != nil {
		return task.DispositionTerminal, rec, err
	}
	c.logger.Info("task scheduled for another attempt",
		logging.String(logging.FieldTaskID, rec.LocalID),
		logging.Int("retry_count", rec.RetryCount),
		logging.Duration("backoff", c.Backoff(rec.RetryCount)),
	)
	return task.DispositionRetry, rec, nil
}

// Backoff returns the delay before the given attempt number, doubling per
// attempt and capped at five minutes.
func (c *Controller) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := c.backoffBase
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Manual restarts a task on user request with fresh retry bookkeeping. Tasks
// the service is still working on must be cancelled first.
func (c *Controller) Manual(id string) (task.Record, error) {
	rec, ok := c.store.Resolve(id)
	if !ok {
		return task.Record{}, fmt.Errorf("manual retry: %w: %s", task.ErrNotFound, id)
	}
	if rec.Status.IsActive() {
		return rec, fmt.Errorf("manual retry: %w: %s", ErrTaskActive, rec.CurrentID())
	}
	return c.store.ManualRetry(rec.LocalID)
}
