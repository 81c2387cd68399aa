// Package relay applies push channel events to local task state. A single
// dispatch goroutine consumes the stream, enforces per-attempt progress
// ordering, deduplicates terminal notifications, rejoins task groups after a
// reconnect, and forwards storage reports to the space governor.
package relay

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"ferry/internal/logging"
	"ferry/internal/pushchan"
	"ferry/internal/space"
	"ferry/internal/task"
)

// Hooks are invoked from the dispatch goroutine when a task reaches a
// terminal server-side state. They must not block for long; long work
// belongs on the caller's own goroutines.
type Hooks struct {
	// OnCompleted fires once per attempt when the service reports success.
	OnCompleted func(rec task.Record, downloadURL string)
	// OnFailed fires once per attempt when the service reports failure.
	OnFailed func(rec task.Record, message string)
}

// Relay consumes push channel events and keeps the task store in sync.
type Relay struct {
	logger   *slog.Logger
	conn     pushchan.Conn
	store    *task.Store
	governor *space.Governor
	hooks    Hooks

	// refreshLimiter paces the status refreshes sent after a reconnect so a
	// large active set cannot stampede the service.
	refreshLimiter *rate.Limiter

	// tracked holds per-attempt ordering state, keyed by server id. Entries
	// are dropped when the server id no longer resolves and swept on every
	// reconnect, so the map stays bounded by the live linked set.
	tracked map[string]*tracking
}

// tracking is the ordering state for one attempt. The owning local id is
// recorded so a server id reassigned to a different record cannot inherit
// stale progress or dedupe state.
type tracking struct {
	localID     string
	lastPercent int
	notified    bool
}

// New builds a relay. Run must be called for events to flow.
func New(conn pushchan.Conn, store *task.Store, governor *space.Governor, hooks Hooks, logger *slog.Logger) *Relay {
	return &Relay{
		logger:         logging.NewComponentLogger(logger, "relay"),
		conn:           conn,
		store:          store,
		governor:       governor,
		hooks:          hooks,
		refreshLimiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		tracked:        make(map[string]*tracking),
	}
}

// Run dispatches events until the context ends or the channel closes. All
// state mutation happens on this goroutine; no locks are needed.
func (r *Relay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-r.conn.Events():
			if !ok {
				return
			}
			r.dispatch(ctx, event)
		}
	}
}

func (r *Relay) dispatch(ctx context.Context, event pushchan.Event) {
	switch event.Type {
	case pushchan.EventConnected:
		r.rejoin(ctx)
	case pushchan.EventTaskCreated:
		r.logger.Debug("task acknowledged by service",
			logging.String(logging.FieldServerID, event.TaskID))
	case pushchan.EventTaskStarted:
		r.handleStarted(event)
	case pushchan.EventProgressUpdate:
		r.handleProgress(event)
	case pushchan.EventTaskCompleted:
		r.handleCompleted(ctx, event)
	case pushchan.EventTaskFailed:
		r.handleFailed(ctx, event)
	case pushchan.EventDiskSpaceUpdated, pushchan.EventSpaceWarning:
		r.governor.Observe(snapshotFromEvent(event))
	case pushchan.EventSpaceReleased:
		r.governor.HandleReleased(snapshotFromEvent(event))
	case pushchan.EventSpaceConfigChanged:
		r.governor.HandleConfigChanged(event.TotalBytes)
	default:
		r.logger.Debug("ignoring unknown event type",
			logging.String("event_type", string(event.Type)))
	}
}

// resolve maps a server-side task id onto the local record. Events for tasks
// this client does not own are dropped, and tracking for ids that stopped
// resolving (record removed or relinked) is released.
func (r *Relay) resolve(event pushchan.Event) (task.Record, bool) {
	if event.TaskID == "" {
		return task.Record{}, false
	}
	rec, ok := r.store.GetByServerID(event.TaskID)
	if !ok {
		delete(r.tracked, event.TaskID)
		r.logger.Debug("dropping event for unknown task",
			logging.String(logging.FieldServerID, event.TaskID),
			logging.String("event_type", string(event.Type)),
		)
		return task.Record{}, false
	}
	return rec, true
}

// track returns the tracking entry for the attempt the event belongs to,
// resetting state left behind when the server id was reassigned.
func (r *Relay) track(event pushchan.Event, rec task.Record) *tracking {
	tr, ok := r.tracked[event.TaskID]
	if !ok || tr.localID != rec.LocalID {
		tr = &tracking{localID: rec.LocalID, lastPercent: -1}
		r.tracked[event.TaskID] = tr
	}
	return tr
}

func (r *Relay) handleStarted(event pushchan.Event) {
	rec, ok := r.resolve(event)
	if !ok {
		return
	}
	if _, _, err := r.store.UpdateStatus(rec.LocalID, task.StatusConverting, event.Progress, ""); err != nil {
		r.logger.Warn("apply task started failed",
			logging.String(logging.FieldTaskID, rec.LocalID),
			logging.Error(err),
		)
	}
}

func (r *Relay) handleProgress(event pushchan.Event) {
	rec, ok := r.resolve(event)
	if !ok {
		return
	}
	tr := r.track(event, rec)
	if event.Progress < tr.lastPercent {
		// Reordered or replayed update; state only moves forward.
		r.logger.Debug("dropping regressed progress",
			logging.String(logging.FieldServerID, event.TaskID),
			logging.Int("progress", event.Progress),
			logging.Int("last", tr.lastPercent),
		)
		return
	}
	tr.lastPercent = event.Progress

	status := rec.Status
	if parsed, ok := task.ParseStatus(event.Status); ok {
		status = parsed
	}
	if _, _, err := r.store.UpdateStatus(rec.LocalID, status, event.Progress, ""); err != nil {
		r.logger.Warn("apply progress failed",
			logging.String(logging.FieldTaskID, rec.LocalID),
			logging.Error(err),
		)
	}
}

func (r *Relay) handleCompleted(ctx context.Context, event pushchan.Event) {
	rec, ok := r.resolve(event)
	if !ok {
		return
	}
	tr := r.track(event, rec)
	if tr.notified {
		return
	}
	tr.notified = true
	tr.lastPercent = 100

	if _, _, err := r.store.UpdateStatus(rec.LocalID, task.StatusConverting, 100, ""); err != nil {
		r.logger.Warn("apply completion progress failed",
			logging.String(logging.FieldTaskID, rec.LocalID),
			logging.Error(err),
		)
	}
	if r.hooks.OnCompleted != nil {
		r.hooks.OnCompleted(rec, event.DownloadURL)
	}
	r.leaveGroup(ctx, event.TaskID)
}

func (r *Relay) handleFailed(ctx context.Context, event pushchan.Event) {
	rec, ok := r.resolve(event)
	if !ok {
		return
	}
	tr := r.track(event, rec)
	if tr.notified {
		return
	}
	tr.notified = true

	if r.hooks.OnFailed != nil {
		r.hooks.OnFailed(rec, event.Message)
	}
	r.leaveGroup(ctx, event.TaskID)
}

// leaveGroup drops the task group subscription once an attempt is terminal;
// the service stops streaming updates this client no longer needs.
func (r *Relay) leaveGroup(ctx context.Context, serverID string) {
	if err := r.conn.Send(ctx, pushchan.Command{
		Action: pushchan.ActionLeaveTaskGroup,
		TaskID: serverID,
	}); err != nil {
		r.logger.Debug("leave task group failed",
			logging.String(logging.FieldServerID, serverID),
			logging.Error(err),
		)
	}
}

// rejoin runs after every (re)connect: each active task gets its group
// membership restored and exactly one status refresh, paced by the limiter.
// Tracking for attempts that ended while disconnected is swept first.
func (r *Relay) rejoin(ctx context.Context) {
	for id, tr := range r.tracked {
		rec, ok := r.store.GetByServerID(id)
		if !ok || rec.LocalID != tr.localID || rec.Status.IsTerminal() {
			delete(r.tracked, id)
		}
	}

	active := r.store.Active()
	r.logger.Info("push channel connected; rejoining task groups",
		logging.Int("active_tasks", len(active)),
	)
	for _, rec := range active {
		if rec.ServerID == "" {
			continue
		}
		if err := r.conn.Send(ctx, pushchan.Command{
			Action: pushchan.ActionJoinTaskGroup,
			TaskID: rec.ServerID,
		}); err != nil {
			r.logger.Warn("rejoin task group failed",
				logging.String(logging.FieldServerID, rec.ServerID),
				logging.Error(err),
			)
			continue
		}
		if err := r.refreshLimiter.Wait(ctx); err != nil {
			return
		}
		if err := r.conn.Send(ctx, pushchan.Command{
			Action: pushchan.ActionGetTaskStatus,
			TaskID: rec.ServerID,
		}); err != nil {
			r.logger.Warn("status refresh failed",
				logging.String(logging.FieldServerID, rec.ServerID),
				logging.Error(err),
			)
		}
	}
}

func snapshotFromEvent(event pushchan.Event) space.Snapshot {
	return space.Snapshot{
		UsedBytes:    event.UsedBytes,
		TotalBytes:   event.TotalBytes,
		UsagePercent: event.UsagePercent,
	}
}
