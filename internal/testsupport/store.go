package testsupport

import (
	"testing"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/task"
)

// MustOpenStore opens a task.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *task.Store {
	t.Helper()

	store, err := task.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("task.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// NewRecord creates a pending record for tests using the provided store.
func NewRecord(t testing.TB, store *task.Store, sourcePath string) task.Record {
	t.Helper()

	rec, err := store.Create(task.CreateRequest{
		SourcePath: sourcePath,
		SizeBytes:  1 << 20,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("store.Create: %v", err)
	}
	return rec
}
