package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ferry/internal/logging"
	"ferry/internal/task"
	"ferry/internal/testsupport"
)

func TestCreateAssignsLocalIdentity(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	rec, err := store.Create(task.CreateRequest{SourcePath: "/videos/a.mp4", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.LocalID == "" {
		t.Fatal("expected local id to be assigned")
	}
	if rec.CurrentID() != rec.LocalID {
		t.Fatalf("expected current id %q before linking, got %q", rec.LocalID, rec.CurrentID())
	}
	if rec.Status != task.StatusPending || rec.Progress != 0 {
		t.Fatalf("unexpected initial state: %s/%d", rec.Status, rec.Progress)
	}
	if rec.DisplayName != "a.mp4" {
		t.Fatalf("expected display name fallback, got %q", rec.DisplayName)
	}
}

func TestLinkServerIDIsOneTime(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	linked, err := store.LinkServerID(rec.LocalID, "srv-1")
	if err != nil {
		t.Fatalf("LinkServerID: %v", err)
	}
	if linked.CurrentID() != "srv-1" {
		t.Fatalf("expected current id srv-1, got %q", linked.CurrentID())
	}

	// Conflicting link is a logged no-op.
	again, err := store.LinkServerID(rec.LocalID, "srv-2")
	if err != nil {
		t.Fatalf("conflicting LinkServerID: %v", err)
	}
	if again.ServerID != "srv-1" {
		t.Fatalf("expected original link preserved, got %q", again.ServerID)
	}

	if _, ok := store.GetByServerID("srv-1"); !ok {
		t.Fatal("expected lookup by server id to succeed")
	}
	if _, ok := store.Resolve("srv-1"); !ok {
		t.Fatal("expected resolve by server id to succeed")
	}
	if _, ok := store.Resolve(rec.LocalID); !ok {
		t.Fatal("expected resolve by local id to succeed")
	}
}

func TestUpdateStatusIsIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	_, changed, err := store.UpdateStatus(rec.LocalID, task.StatusUploading, 10, "")
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if !changed {
		t.Fatal("expected first update to apply")
	}

	_, changed, err = store.UpdateStatus(rec.LocalID, task.StatusUploading, 10, "")
	if err != nil {
		t.Fatalf("repeat UpdateStatus: %v", err)
	}
	if changed {
		t.Fatal("expected repeated update to be a no-op")
	}
}

func TestUpdateStatusProgressNeverRegresses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusConverting, 60, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	_, changed, err := store.UpdateStatus(rec.LocalID, task.StatusConverting, 40, "")
	if err != nil {
		t.Fatalf("UpdateStatus lower: %v", err)
	}
	if changed {
		t.Fatal("expected lower progress to be dropped")
	}

	got, _ := store.Get(rec.LocalID)
	if got.Progress != 60 {
		t.Fatalf("expected progress 60, got %d", got.Progress)
	}
}

func TestPendingTransitionResetsAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	if _, err := store.LinkServerID(rec.LocalID, "srv-1"); err != nil {
		t.Fatalf("LinkServerID: %v", err)
	}
	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusConverting, 55, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	got, changed, err := store.UpdateStatus(rec.LocalID, task.StatusPending, -1, "")
	if err != nil || !changed {
		t.Fatalf("UpdateStatus pending: changed=%v err=%v", changed, err)
	}
	if got.Progress != 0 {
		t.Fatalf("expected progress reset to 0, got %d", got.Progress)
	}
	if got.ServerID != "" || got.CurrentID() != rec.LocalID {
		t.Fatalf("expected server link cleared, got server=%q current=%q", got.ServerID, got.CurrentID())
	}
	if got.Phase != task.PhaseNone {
		t.Fatalf("expected no phase while pending, got %q", got.Phase)
	}
	if _, ok := store.GetByServerID("srv-1"); ok {
		t.Fatal("expected stale server id lookup to fail after reset")
	}
}

func TestRecordFailureRetryBudget(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	rec, err := store.Create(task.CreateRequest{SourcePath: "/videos/a.mp4", MaxRetries: 2})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		disposition, got, err := store.RecordFailure(rec.LocalID, errors.New("upload reset"))
		if err != nil {
			t.Fatalf("RecordFailure %d: %v", attempt, err)
		}
		if disposition != task.DispositionRetry {
			t.Fatalf("attempt %d: expected retry, got %s", attempt, disposition)
		}
		if got.RetryCount != attempt {
			t.Fatalf("attempt %d: expected retry count %d, got %d", attempt, attempt, got.RetryCount)
		}
		if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusPending, -1, ""); err != nil {
			t.Fatalf("reset to pending: %v", err)
		}
	}

	disposition, got, err := store.RecordFailure(rec.LocalID, errors.New("upload reset"))
	if err != nil {
		t.Fatalf("final RecordFailure: %v", err)
	}
	if disposition != task.DispositionTerminal {
		t.Fatalf("expected terminal disposition, got %s", disposition)
	}
	if got.Status != task.StatusFailed {
		t.Fatalf("expected forced failed status, got %s", got.Status)
	}

	// Terminal state rejects further non-pending transitions.
	_, changed, err := store.UpdateStatus(rec.LocalID, task.StatusConverting, 80, "")
	if err != nil || changed {
		t.Fatalf("expected terminal state to drop converting update, changed=%v err=%v", changed, err)
	}
}

func TestLastErrorSurvivesRetryUntilSuccess(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	rec, err := store.Create(task.CreateRequest{SourcePath: "/videos/a.mp4", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for _, msg := range []string{"first failure", "second failure"} {
		if _, _, err := store.RecordFailure(rec.LocalID, errors.New(msg)); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusPending, -1, ""); err != nil {
			t.Fatalf("reset to pending: %v", err)
		}
	}

	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusConverting, 50, ""); err != nil {
		t.Fatalf("UpdateStatus converting: %v", err)
	}
	got, _, err := store.UpdateStatus(rec.LocalID, task.StatusCompleted, 100, "")
	if err != nil {
		t.Fatalf("UpdateStatus completed: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", got.RetryCount)
	}
	if got.LastError != "second failure" {
		t.Fatalf("expected last error from failure preceding success, got %q", got.LastError)
	}
}

func TestManualRetryStartsFreshAttempt(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	rec, err := store.Create(task.CreateRequest{SourcePath: "/videos/a.mp4", MaxRetries: 0})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.LinkServerID(rec.LocalID, "srv-9"); err != nil {
		t.Fatalf("LinkServerID: %v", err)
	}
	if _, _, err := store.RecordFailure(rec.LocalID, errors.New("rejected")); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	got, err := store.ManualRetry(rec.LocalID)
	if err != nil {
		t.Fatalf("ManualRetry: %v", err)
	}
	if got.Status != task.StatusPending || got.Progress != 0 {
		t.Fatalf("unexpected state after manual retry: %s/%d", got.Status, got.Progress)
	}
	if got.RetryCount != 0 || got.LastError != "" {
		t.Fatalf("expected retry bookkeeping reset, got count=%d err=%q", got.RetryCount, got.LastError)
	}
	if got.ServerID != "" {
		t.Fatalf("expected server link cleared, got %q", got.ServerID)
	}
	if got.Params.OutputFormat != rec.Params.OutputFormat {
		t.Fatal("expected conversion parameters preserved")
	}
}

func TestDownloadFlow(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusConverting, 90, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	got, err := store.BeginDownload(rec.LocalID, "https://convert.test.invalid/results/1")
	if err != nil {
		t.Fatalf("BeginDownload: %v", err)
	}
	if got.Phase != task.PhaseDownloading {
		t.Fatalf("expected downloading phase, got %q", got.Phase)
	}

	got, err = store.CompleteDownload(rec.LocalID, "/downloads/a.mp4")
	if err != nil {
		t.Fatalf("CompleteDownload: %v", err)
	}
	if got.Status != task.StatusCompleted || !got.Downloaded || got.Phase != task.PhaseNone {
		t.Fatalf("unexpected final state: %+v", got)
	}
	if got.OutputPath != "/downloads/a.mp4" {
		t.Fatalf("unexpected output path %q", got.OutputPath)
	}
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ch, cancel := store.Subscribe()
	defer cancel()

	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")
	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusUploading, 5, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	deadline := time.After(time.Second)
	var sawUploading bool
	for !sawUploading {
		select {
		case snap := <-ch:
			if snap.LocalID == rec.LocalID && snap.Status == task.StatusUploading {
				sawUploading = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		}
	}
}

func TestRestoreResetsInFlightAttempts(t *testing.T) {
	cfg := testsupport.NewConfig(t)

	store, err := task.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	rec, err := store.Create(task.CreateRequest{SourcePath: "/videos/a.mp4", MaxRetries: 3})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.LinkServerID(rec.LocalID, "srv-1"); err != nil {
		t.Fatalf("LinkServerID: %v", err)
	}
	if _, _, err := store.UpdateStatus(rec.LocalID, task.StatusConverting, 70, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := task.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.Get(rec.LocalID)
	if !ok {
		t.Fatal("expected record to survive restart")
	}
	if got.Status != task.StatusPending || got.Progress != 0 {
		t.Fatalf("expected in-flight attempt reset to pending, got %s/%d", got.Status, got.Progress)
	}
	if got.ServerID != "" {
		t.Fatalf("expected server link cleared on restore, got %q", got.ServerID)
	}
}

func TestRemoveDeletesRecord(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	rec := testsupport.NewRecord(t, store, "/videos/a.mp4")

	if !store.Remove(rec.LocalID) {
		t.Fatal("expected removal to succeed")
	}
	if _, ok := store.Get(rec.LocalID); ok {
		t.Fatal("expected record gone after removal")
	}
	if store.Remove(rec.LocalID) {
		t.Fatal("expected second removal to report false")
	}
}

func TestStatsCountsByStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	a := testsupport.NewRecord(t, store, "/videos/a.mp4")
	testsupport.NewRecord(t, store, "/videos/b.mp4")
	if _, _, err := store.UpdateStatus(a.LocalID, task.StatusUploading, 1, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	stats := store.Stats()
	if stats[task.StatusPending] != 1 || stats[task.StatusUploading] != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}

	active := store.Active()
	if len(active) != 1 || active[0].LocalID != a.LocalID {
		t.Fatalf("unexpected active set: %+v", active)
	}
}
