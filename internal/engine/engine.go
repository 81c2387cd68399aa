// Package engine orchestrates the conversion workflow: preprocessing files
// into task records, gating uploads on storage admission, linking server
// identities, reacting to push channel outcomes, downloading results, and
// applying the configured source file action.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/notifications"
	"ferry/internal/preprocess"
	"ferry/internal/pushchan"
	"ferry/internal/relay"
	"ferry/internal/remote"
	"ferry/internal/retry"
	"ferry/internal/space"
	"ferry/internal/task"
)

// ErrAlreadyTerminal is returned by Cancel for tasks that are already done.
var ErrAlreadyTerminal = errors.New("task already finished")

// RemoteService is the subset of the remote client the engine needs. Tests
// substitute a fake.
type RemoteService interface {
	CreateTask(ctx context.Context, req remote.CreateTaskRequest) (remote.TaskInfo, error)
	CancelTask(ctx context.Context, serverID string) error
	DownloadResult(ctx context.Context, downloadURL, destPath string, progress func(written, total int64)) error
}

// Options bundles the engine's collaborators.
type Options struct {
	Store    *task.Store
	Governor *space.Governor
	Conn     pushchan.Conn
	Remote   RemoteService
	Pipeline *preprocess.Pipeline
	Retrier  *retry.Controller
	Logger   *slog.Logger

	// Notifier receives task outcome events; nil selects the configured
	// ntfy service (a noop when no topic is set).
	Notifier notifications.Service

	// Usage overrides the storage usage source; nil means real disk usage.
	Usage space.UsageFunc
}

// Engine drives tasks from creation through upload, remote conversion, and
// result download.
type Engine struct {
	logger   *slog.Logger
	cfg      *config.Config
	store    *task.Store
	governor *space.Governor
	conn     pushchan.Conn
	remote   RemoteService
	pipeline *preprocess.Pipeline
	retrier  *retry.Controller
	notifier notifications.Service
	usage    space.UsageFunc

	// RetryDelay computes the wait before re-admitting a retried task.
	// Defaults to the retry controller's backoff schedule.
	RetryDelay func(retryCount int) time.Duration

	uploads   chan string
	uploadSem chan struct{}

	mu     sync.Mutex
	parked []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles an engine. Start must be called before tasks move.
func New(cfg *config.Config, opts Options) *Engine {
	e := &Engine{
		logger:    logging.NewComponentLogger(opts.Logger, "engine"),
		cfg:       cfg,
		store:     opts.Store,
		governor:  opts.Governor,
		conn:      opts.Conn,
		remote:    opts.Remote,
		pipeline:  opts.Pipeline,
		retrier:   opts.Retrier,
		notifier:  opts.Notifier,
		usage:     opts.Usage,
		uploads:   make(chan string, 256),
		uploadSem: make(chan struct{}, 1),
	}
	if e.notifier == nil {
		e.notifier = notifications.NewService(cfg)
	}
	e.RetryDelay = opts.Retrier.Backoff
	return e
}

// Start verifies the working directories, wires the relay, and begins moving
// pending tasks. Tasks restored from a previous session are re-admitted.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.cfg.EnsureDirectories(); err != nil {
		return err
	}
	for _, dir := range []string{e.cfg.Paths.StateDir, e.cfg.Paths.DownloadDir} {
		if err := unix.Access(dir, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
			return fmt.Errorf("directory %q not writable: %w", dir, err)
		}
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	taskRelay := relay.New(e.conn, e.store, e.governor, relay.Hooks{
		OnCompleted: e.onServerCompleted,
		OnFailed:    e.onServerFailed,
	}, e.logger)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		taskRelay.Run(e.ctx)
	}()

	interval := time.Duration(e.cfg.Space.SampleIntervalSeconds) * time.Second
	sampler := space.NewSampler(e.governor, e.cfg.Space.WatchPath, interval, e.usage, e.logger)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		sampler.Run(e.ctx)
	}()

	e.wg.Add(1)
	go e.dispatch()

	for _, rec := range e.store.List() {
		if rec.Status == task.StatusPending {
			e.enqueue(rec.LocalID)
		}
	}
	return nil
}

// Stop halts all engine goroutines. The task store stays open; in-flight
// local state has already been applied to it.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// AddOptions controls file intake.
type AddOptions struct {
	Recursive  bool
	OnProgress func(sourcePath, phase string)
}

// AddFiles preprocesses the given paths and creates a task for every usable
// file. Skipped and failed files are reported in the results; created records
// are queued for upload immediately.
func (e *Engine) AddFiles(ctx context.Context, paths []string, opts AddOptions) ([]task.Record, []preprocess.Result, error) {
	taken := make([]string, 0)
	for _, rec := range e.store.List() {
		taken = append(taken, rec.DisplayName)
	}

	results, err := e.pipeline.Run(ctx, paths, preprocess.Options{
		Recursive:  opts.Recursive,
		TakenNames: taken,
		OnProgress: opts.OnProgress,
	})
	if err != nil {
		return nil, nil, err
	}

	var created []task.Record
	for _, result := range results {
		if result.Skipped || result.Err != nil {
			continue
		}
		rec, err := e.store.Create(result.Request)
		if err != nil {
			return created, results, err
		}
		created = append(created, rec)
		e.enqueue(rec.LocalID)
	}
	return created, results, nil
}

// Cancel stops a task locally and, when it is already known to the service,
// remotely as well. Cancelling a finished task reports ErrAlreadyTerminal.
func (e *Engine) Cancel(ctx context.Context, id string) (task.Record, error) {
	rec, ok := e.store.Resolve(id)
	if !ok {
		return task.Record{}, fmt.Errorf("cancel: %w: %s", task.ErrNotFound, id)
	}
	if rec.Status.IsTerminal() {
		return rec, fmt.Errorf("cancel: %w: %s is %s", ErrAlreadyTerminal, rec.CurrentID(), rec.Status)
	}

	if rec.ServerID != "" {
		if err := e.remote.CancelTask(ctx, rec.ServerID); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return rec, fmt.Errorf("cancel remote task: %w", err)
		}
	}
	rec, _, err := e.store.UpdateStatus(rec.LocalID, task.StatusCancelled, -1, "")
	return rec, err
}

// Retry restarts a failed, completed, or cancelled task with fresh retry
// bookkeeping and queues it for upload.
func (e *Engine) Retry(id string) (task.Record, error) {
	rec, err := e.retrier.Manual(id)
	if err != nil {
		return rec, err
	}
	e.enqueue(rec.LocalID)
	return rec, nil
}

func (e *Engine) enqueue(localID string) {
	select {
	case e.uploads <- localID:
	default:
		e.park(localID)
	}
}

func (e *Engine) park(localID string) {
	e.mu.Lock()
	e.parked = append(e.parked, localID)
	e.mu.Unlock()
}

func (e *Engine) unpark() {
	e.mu.Lock()
	parked := e.parked
	e.parked = nil
	e.mu.Unlock()
	for _, id := range parked {
		if rec, ok := e.store.Get(id); ok && rec.Status == task.StatusPaused {
			_, _, _ = e.store.UpdateStatus(id, task.StatusPending, -1, "")
		}
		e.enqueue(id)
	}
}

// dispatch admits queued uploads while storage allows it; tasks arriving
// during a pause wait until the governor reopens admission.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	levels := e.governor.Subscribe()
	for {
		select {
		case <-e.ctx.Done():
			return
		case level := <-levels:
			if level != space.LevelPaused {
				e.unpark()
				continue
			}
			if err := e.notifier.NotifySpacePaused(e.ctx, e.governor.Last().Percent()); err != nil {
				e.logger.Warn("space pause notification failed", logging.Error(err))
			}
		case id := <-e.uploads:
			if err := e.governor.Admit(); err != nil {
				e.logger.Info("upload held back",
					logging.String(logging.FieldTaskID, id),
					logging.Error(err),
				)
				_, _, _ = e.store.UpdateStatus(id, task.StatusPaused, -1, "")
				e.park(id)
				continue
			}
			e.wg.Add(1)
			go e.upload(id)
		}
	}
}

// upload pushes one task to the service. Uploads run one at a time.
func (e *Engine) upload(localID string) {
	defer e.wg.Done()
	select {
	case e.uploadSem <- struct{}{}:
		defer func() { <-e.uploadSem }()
	case <-e.ctx.Done():
		return
	}

	rec, ok := e.store.Get(localID)
	if !ok || rec.Status != task.StatusPending {
		// Cancelled or retried away while queued.
		return
	}
	if _, changed, err := e.store.UpdateStatus(localID, task.StatusUploading, 0, ""); err != nil {
		e.logger.Warn("mark uploading failed", logging.String(logging.FieldTaskID, localID), logging.Error(err))
		return
	} else if !changed {
		// Terminal guard refused the transition: cancelled after the
		// pending check above.
		return
	}

	info, err := e.remote.CreateTask(e.ctx, remote.CreateTaskRequest{
		SourcePath:  rec.SourcePath,
		DisplayName: rec.DisplayName,
		Params:      rec.Params,
		Progress: func(sent, total int64) {
			if total <= 0 {
				return
			}
			percent := int(sent * 100 / total)
			_, _, _ = e.store.UpdateStatus(localID, task.StatusUploading, percent, "")
		},
	})
	if err != nil {
		e.fail(localID, err)
		return
	}

	if _, err := e.store.LinkServerID(localID, info.ID); err != nil {
		e.fail(localID, err)
		return
	}
	if err := e.conn.Send(e.ctx, pushchan.Command{
		Action: pushchan.ActionJoinTaskGroup,
		TaskID: info.ID,
	}); err != nil {
		// The reconnect path re-joins; losing this send is recoverable.
		e.logger.Warn("join task group failed",
			logging.String(logging.FieldServerID, info.ID),
			logging.Error(err),
		)
	}
	e.logger.Info("upload complete; conversion in progress",
		logging.String(logging.FieldTaskID, localID),
		logging.String(logging.FieldServerID, info.ID),
	)
}

// fail routes an attempt failure through retry policy and, when another
// attempt is allowed, re-admits the task after its backoff.
func (e *Engine) fail(localID string, failure error) {
	disposition, rec, err := e.retrier.OnFailure(localID, failure)
	if err != nil {
		e.logger.Error("record failure", logging.String(logging.FieldTaskID, localID), logging.Error(err))
		return
	}
	if disposition != task.DispositionRetry {
		if rec.Status == task.StatusFailed {
			if err := e.notifier.NotifyTaskFailed(e.ctx, rec.DisplayName, rec.LastError); err != nil {
				e.logger.Warn("failure notification failed",
					logging.String(logging.FieldTaskID, rec.LocalID),
					logging.Error(err),
				)
			}
		}
		return
	}
	delay := e.RetryDelay(rec.RetryCount)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-e.ctx.Done():
		case <-time.After(delay):
			e.enqueue(rec.LocalID)
		}
	}()
}

// onServerCompleted runs when the service reports a finished conversion:
// download the result, finalize the record, then apply the source action.
func (e *Engine) onServerCompleted(rec task.Record, downloadURL string) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		if _, err := e.store.BeginDownload(rec.LocalID, downloadURL); err != nil {
			e.logger.Warn("mark downloading failed", logging.String(logging.FieldTaskID, rec.LocalID), logging.Error(err))
			return
		}
		destPath := e.downloadPath(rec)
		if err := e.remote.DownloadResult(e.ctx, downloadURL, destPath, nil); err != nil {
			e.fail(rec.LocalID, err)
			return
		}
		final, err := e.store.CompleteDownload(rec.LocalID, destPath)
		if err != nil {
			e.logger.Error("finalize download", logging.String(logging.FieldTaskID, rec.LocalID), logging.Error(err))
			return
		}
		e.logger.Info("conversion result downloaded",
			logging.String(logging.FieldTaskID, final.LocalID),
			logging.String("output", destPath),
		)
		e.applySourceAction(final)
		if err := e.notifier.NotifyTaskCompleted(e.ctx, final.DisplayName, destPath); err != nil {
			e.logger.Warn("completion notification failed",
				logging.String(logging.FieldTaskID, final.LocalID),
				logging.Error(err),
			)
		}
	}()
}

// onServerFailed feeds server-reported conversion failures into retry policy.
func (e *Engine) onServerFailed(rec task.Record, message string) {
	if message == "" {
		message = "conversion failed"
	}
	e.fail(rec.LocalID, errors.New(message))
}

// downloadPath picks a destination for a converted file, avoiding collisions
// with earlier downloads.
func (e *Engine) downloadPath(rec task.Record) string {
	base := filepath.Base(rec.SourcePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if format := strings.TrimSpace(rec.Params.OutputFormat); format != "" {
		ext = "." + strings.TrimPrefix(format, ".")
	}
	return uniquePath(e.cfg.Paths.DownloadDir, stem, ext)
}
