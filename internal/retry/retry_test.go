package retry_test

import (
	"errors"
	"testing"
	"time"

	"ferry/internal/logging"
	"ferry/internal/remote"
	"ferry/internal/retry"
	"ferry/internal/task"
	"ferry/internal/testsupport"
)

func TestOnFailureRetriesTransientErrors(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	controller := retry.NewController(store, logging.NewNop())
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	failure := remote.Wrap(remote.ErrNetwork, "create task", "upload", errors.New("connection reset"))
	disposition, got, err := controller.OnFailure(rec.LocalID, failure)
	if err != nil {
		t.Fatalf("OnFailure: %v", err)
	}
	if disposition != task.DispositionRetry {
		t.Fatalf("expected retry, got %s", disposition)
	}
	if got.Status != task.StatusPending || got.RetryCount != 1 {
		t.Fatalf("unexpected state: %s retry=%d", got.Status, got.RetryCount)
	}
}

func TestOnFailureExhaustsBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	controller := retry.NewController(store, logging.NewNop())

	rec, err := store.Create(task.CreateRequest{SourcePath: "/videos/a.mp4", MaxRetries: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	failure := remote.Wrap(remote.ErrTimeout, "create task", "upload", nil)
	if disposition, _, err := controller.OnFailure(rec.LocalID, failure); err != nil || disposition != task.DispositionRetry {
		t.Fatalf("first failure: disposition=%v err=%v", disposition, err)
	}
	disposition, got, err := controller.OnFailure(rec.LocalID, failure)
	if err != nil {
		t.Fatalf("second failure: %v", err)
	}
	if disposition != task.DispositionTerminal || got.Status != task.StatusFailed {
		t.Fatalf("expected terminal failed, got %s/%s", disposition, got.Status)
	}
}

func TestOnFailurePermanentRejectionSkipsRetry(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	controller := retry.NewController(store, logging.NewNop())
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	failure := remote.Wrap(remote.ErrServerRejected, "create task", "server returned 422", nil)
	disposition, got, err := controller.OnFailure(rec.LocalID, failure)
	if err != nil {
		t.Fatalf("OnFailure: %v", err)
	}
	if disposition != task.DispositionTerminal {
		t.Fatalf("expected terminal, got %s", disposition)
	}
	if got.Status != task.StatusFailed || got.RetryCount != 0 {
		t.Fatalf("expected failed without consuming budget, got %s retry=%d", got.Status, got.RetryCount)
	}
}

func TestOnFailureLeavesCancelledAlone(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	controller := retry.NewController(store, logging.NewNop())
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusCancelled, -1, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	disposition, got, err := controller.OnFailure(rec.LocalID, errors.New("late failure"))
	if err != nil {
		t.Fatalf("OnFailure: %v", err)
	}
	if disposition != task.DispositionTerminal || got.Status != task.StatusCancelled {
		t.Fatalf("expected cancelled untouched, got %s/%s", disposition, got.Status)
	}
	if got.RetryCount != 0 {
		t.Fatalf("expected no retry bookkeeping on cancelled task, got %d", got.RetryCount)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	controller := retry.NewController(store, logging.NewNop())

	if got := controller.Backoff(1); got != 5*time.Second {
		t.Fatalf("attempt 1: got %s", got)
	}
	if got := controller.Backoff(3); got != 20*time.Second {
		t.Fatalf("attempt 3: got %s", got)
	}
	if got := controller.Backoff(20); got != 5*time.Minute {
		t.Fatalf("attempt 20: got %s", got)
	}
}

func TestManualRetryRejectsActiveTasks(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	controller := retry.NewController(store, logging.NewNop())
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusUploading, 10, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := controller.Manual(rec.LocalID); !errors.Is(err, retry.ErrTaskActive) {
		t.Fatalf("expected active rejection, got %v", err)
	}

	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusFailed, -1, "boom"); err != nil {
		t.Fatalf("fail task: %v", err)
	}
	got, err := controller.Manual(rec.LocalID)
	if err != nil {
		t.Fatalf("Manual: %v", err)
	}
	if got.Status != task.StatusPending || got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("unexpected state after manual retry: %+v", got)
	}
}
