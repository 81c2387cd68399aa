package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"ferry/internal/config"
	"ferry/internal/logging"
)

// ErrNotFound is returned when no record matches the given identifier.
var ErrNotFound = errors.New("task not found")

const flushRetryInterval = 2 * time.Second

// Store manages task records. The in-memory map is the source of truth;
// SQLite writes happen on a background writer and are retried until they
// succeed, so a persistence failure never rolls back applied state.
type Store struct {
	logger *slog.Logger
	db     *sql.DB
	path   string

	mu       sync.Mutex
	records  map[string]*Record
	byServer map[string]string
	dirty    map[string]struct{}
	removed  map[string]struct{}
	subs     map[int]chan Record
	nextSub  int

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// Open initializes or connects to the task database, restores persisted
// records, and resets attempts that were mid-flight when the process died.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.StateDir, "tasks.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		logger:   logging.NewComponentLogger(logger, "task-store"),
		db:       db,
		path:     dbPath,
		records:  make(map[string]*Record),
		byServer: make(map[string]string),
		dirty:    make(map[string]struct{}),
		removed:  make(map[string]struct{}),
		subs:     make(map[int]chan Record),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	if err := store.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.restore(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.wg.Add(1)
	go store.flushLoop()

	return store, nil
}

// Close stops the background writer, flushes outstanding changes on a best
// effort basis, and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	close(s.done)
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.logger.Warn("final flush failed; latest state may be lost", logging.Error(err))
	}
	return s.db.Close()
}

// restore loads persisted records and resets attempts that were active when
// the previous process stopped: those tasks return to pending so the next
// session can re-admit them cleanly.
func (s *Store) restore(ctx context.Context) error {
	records, err := s.loadAll(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Status.IsActive() {
			rec.Status = StatusPending
			rec.Progress = 0
			rec.Phase = PhaseNone
			rec.ServerID = ""
			s.dirty[rec.LocalID] = struct{}{}
		}
		s.records[rec.LocalID] = rec
		if rec.ServerID != "" {
			s.byServer[rec.ServerID] = rec.LocalID
		}
	}
	return nil
}

// Create allocates a new pending record with a fresh local id.
func (s *Store) Create(req CreateRequest) (Record, error) {
	if req.SourcePath == "" {
		return Record{}, errors.New("create task: source path required")
	}
	now := time.Now().UTC()
	rec := &Record{
		LocalID:              uuid.NewString(),
		SourcePath:           req.SourcePath,
		DisplayName:          req.DisplayName,
		SizeBytes:            req.SizeBytes,
		DurationSeconds:      req.DurationSeconds,
		Width:                req.Width,
		Height:               req.Height,
		CodecName:            req.CodecName,
		ThumbnailPath:        req.ThumbnailPath,
		EstimatedOutputBytes: req.EstimatedOutputBytes,
		Params:               req.Params,
		MaxRetries:           req.MaxRetries,
		SourceAction:         req.SourceAction,
		Status:               StatusPending,
		Phase:                PhaseNone,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if rec.DisplayName == "" {
		rec.DisplayName = filepath.Base(req.SourcePath)
	}
	if rec.SourceAction == "" {
		rec.SourceAction = SourceKeep
	}

	s.mu.Lock()
	s.records[rec.LocalID] = rec
	snapshot := s.touchLocked(rec)
	s.mu.Unlock()
	return snapshot, nil
}

// LinkServerID associates the remote task id with a record exactly once per
// attempt. Linking an already-linked record to a different server id is a
// logged no-op so that duplicate remote responses cannot corrupt identity.
func (s *Store) LinkServerID(localID, serverID string) (Record, error) {
	if serverID == "" {
		return Record{}, errors.New("link server id: empty server id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[localID]
	if !ok {
		return Record{}, fmt.Errorf("link server id: %w: %s", ErrNotFound, localID)
	}
	if rec.ServerID == serverID {
		return *rec, nil
	}
	if rec.ServerID != "" {
		s.logger.Warn("task already linked to a different server id; keeping existing link",
			logging.String(logging.FieldTaskID, localID),
			logging.String(logging.FieldServerID, rec.ServerID),
			logging.String("rejected_server_id", serverID),
		)
		return *rec, nil
	}
	rec.ServerID = serverID
	s.byServer[serverID] = localID
	return s.touchLocked(rec), nil
}

// UpdateStatus applies a status/progress change. It is idempotent: applying
// the current state again reports changed=false and notifies nobody.
// Progress never moves backwards within an attempt; a transition to pending
// starts a fresh attempt with progress 0 and the server link cleared.
func (s *Store) UpdateStatus(id string, status Status, progress int, errMsg string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.resolveLocked(id)
	if !ok {
		return Record{}, false, fmt.Errorf("update status: %w: %s", ErrNotFound, id)
	}

	effProgress := rec.Progress
	if progress >= 0 {
		effProgress = min(progress, 100)
	}

	if status == rec.Status && effProgress == rec.Progress && (errMsg == "" || errMsg == rec.LastError) {
		return *rec, false, nil
	}
	if rec.Status.IsTerminal() && status != StatusPending && status != rec.Status {
		// Terminal state is final; only an explicit retry re-enters pending.
		return *rec, false, nil
	}
	if status == rec.Status && effProgress < rec.Progress {
		return *rec, false, nil
	}

	now := time.Now().UTC()
	if status == StatusPending && rec.Status != StatusPending {
		rec.Progress = 0
		s.unlinkServerLocked(rec)
	} else {
		rec.Progress = effProgress
	}

	if status != rec.Status {
		switch status {
		case StatusUploading:
			rec.UploadStartedAt = &now
		case StatusConverting:
			if rec.UploadCompletedAt == nil || rec.Status == StatusUploading {
				rec.UploadCompletedAt = &now
			}
			rec.ConversionStartedAt = &now
		case StatusCompleted, StatusFailed, StatusCancelled:
			rec.CompletedAt = &now
		}
	}

	rec.Status = status
	rec.Phase = phaseForStatus(status)
	if errMsg != "" {
		rec.LastError = errMsg
	}
	return s.touchLocked(rec), true, nil
}

// RecordFailure increments the retry counter and decides whether another
// automatic attempt is allowed. On DispositionRetry the caller resets the
// task to pending via UpdateStatus; on DispositionTerminal the record has
// already been forced to failed.
func (s *Store) RecordFailure(id string, failure error) (Disposition, Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.resolveLocked(id)
	if !ok {
		return DispositionTerminal, Record{}, fmt.Errorf("record failure: %w: %s", ErrNotFound, id)
	}

	now := time.Now().UTC()
	rec.RetryCount++
	rec.LastRetryAt = &now
	if failure != nil {
		rec.LastError = failure.Error()
	}

	if rec.RetryCount <= rec.MaxRetries {
		return DispositionRetry, s.touchLocked(rec), nil
	}

	rec.Status = StatusFailed
	rec.Phase = PhaseNone
	rec.CompletedAt = &now
	return DispositionTerminal, s.touchLocked(rec), nil
}

// ManualRetry starts a fresh attempt on user request: retry bookkeeping is
// reset and the same parameters are reused. Unlike automatic retry it is
// always permitted, including from completed and cancelled.
func (s *Store) ManualRetry(id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.resolveLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("manual retry: %w: %s", ErrNotFound, id)
	}

	now := time.Now().UTC()
	s.unlinkServerLocked(rec)
	rec.Status = StatusPending
	rec.Phase = PhaseNone
	rec.Progress = 0
	rec.RetryCount = 0
	rec.LastError = ""
	rec.LastRetryAt = &now
	rec.Downloaded = false
	rec.DownloadURL = ""
	rec.OutputPath = ""
	rec.CompletedAt = nil
	return s.touchLocked(rec), nil
}

// BeginDownload marks the download phase for a task whose conversion has
// finished remotely. The status stays converting until the result is on disk.
func (s *Store) BeginDownload(id, downloadURL string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.resolveLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("begin download: %w: %s", ErrNotFound, id)
	}
	if rec.Status.IsTerminal() {
		return *rec, nil
	}
	rec.Phase = PhaseDownloading
	rec.DownloadURL = downloadURL
	return s.touchLocked(rec), nil
}

// CompleteDownload records the downloaded result and finishes the task.
func (s *Store) CompleteDownload(id, outputPath string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.resolveLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("complete download: %w: %s", ErrNotFound, id)
	}
	now := time.Now().UTC()
	rec.Downloaded = true
	rec.OutputPath = outputPath
	rec.Status = StatusCompleted
	rec.Progress = 100
	rec.Phase = PhaseNone
	rec.CompletedAt = &now
	return s.touchLocked(rec), nil
}

// SetArchivePath records where the source file was archived.
func (s *Store) SetArchivePath(id, archivePath string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.resolveLocked(id)
	if !ok {
		return Record{}, fmt.Errorf("set archive path: %w: %s", ErrNotFound, id)
	}
	rec.ArchivePath = archivePath
	return s.touchLocked(rec), nil
}

// Get fetches a record by local id.
func (s *Store) Get(localID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[localID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// GetByServerID fetches a record by its linked remote id.
func (s *Store) GetByServerID(serverID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	localID, ok := s.byServer[serverID]
	if !ok {
		return Record{}, false
	}
	rec, ok := s.records[localID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Resolve looks a record up by either identifier space.
func (s *Store) Resolve(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.resolveLocked(id)
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns snapshots of all records ordered by creation time.
func (s *Store) List() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].LocalID < out[j].LocalID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Active returns snapshots of tasks the remote service is working on.
func (s *Store) Active() []Record {
	all := s.List()
	out := all[:0]
	for _, rec := range all {
		if rec.Status.IsActive() {
			out = append(out, rec)
		}
	}
	return out
}

// Stats returns a count of records grouped by status.
func (s *Store) Stats() map[Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[Status]int)
	for _, rec := range s.records {
		stats[rec.Status]++
	}
	return stats
}

// Remove deletes a record by either identifier.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.resolveLocked(id)
	if !ok {
		return false
	}
	s.unlinkServerLocked(rec)
	delete(s.records, rec.LocalID)
	delete(s.dirty, rec.LocalID)
	s.removed[rec.LocalID] = struct{}{}
	s.kickWriter()
	return true
}

// Subscribe registers for record snapshots emitted on every applied change.
// Slow subscribers miss intermediate snapshots rather than blocking the store.
func (s *Store) Subscribe() (<-chan Record, func()) {
	ch := make(chan Record, 16)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) resolveLocked(id string) (*Record, bool) {
	if rec, ok := s.records[id]; ok {
		return rec, true
	}
	if localID, ok := s.byServer[id]; ok {
		rec, ok := s.records[localID]
		return rec, ok
	}
	return nil, false
}

func (s *Store) unlinkServerLocked(rec *Record) {
	if rec.ServerID == "" {
		return
	}
	delete(s.byServer, rec.ServerID)
	rec.ServerID = ""
}

// touchLocked stamps the record, marks it dirty for the background writer,
// and fans the snapshot out to subscribers. Callers hold s.mu.
func (s *Store) touchLocked(rec *Record) Record {
	rec.UpdatedAt = time.Now().UTC()
	s.dirty[rec.LocalID] = struct{}{}
	snapshot := *rec
	for _, ch := range s.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
	s.kickWriter()
	return snapshot
}

func (s *Store) kickWriter() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Store) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(flushRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushRetryInterval)
		if err := s.Flush(ctx); err != nil {
			s.logger.Warn("persist task state failed; will retry in background",
				logging.Error(err),
				logging.String(logging.FieldEventType, "persistence_retry"),
			)
		}
		cancel()
	}
}

// Flush writes all pending changes to SQLite. Records that fail to persist
// stay dirty and are retried; the in-memory state remains authoritative.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]Record, 0, len(s.dirty))
	for id := range s.dirty {
		if rec, ok := s.records[id]; ok {
			pending = append(pending, *rec)
		}
		delete(s.dirty, id)
	}
	deletes := make([]string, 0, len(s.removed))
	for id := range s.removed {
		deletes = append(deletes, id)
		delete(s.removed, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, rec := range pending {
		if err := s.upsert(ctx, rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.mu.Lock()
			// Only re-mark when no newer change superseded this one.
			if _, exists := s.records[rec.LocalID]; exists {
				s.dirty[rec.LocalID] = struct{}{}
			}
			s.mu.Unlock()
		}
	}
	for _, id := range deletes {
		if err := s.delete(ctx, id); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.mu.Lock()
			s.removed[id] = struct{}{}
			s.mu.Unlock()
		}
	}
	return firstErr
}
