// Package space tracks storage headroom and gates new uploads. The governor
// folds disk usage reports from the conversion service and local samples into
// a single admission level; uploads stop while the level is paused and resume
// when usage falls back under the warning threshold.
package space

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"ferry/internal/logging"
)

// ErrPaused is returned by Admit while usage is above the pause threshold.
var ErrPaused = errors.New("uploads paused: insufficient storage space")

// Level is the admission state derived from the latest usage snapshot.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelPaused
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelPaused:
		return "paused"
	default:
		return "normal"
	}
}

// Snapshot is one observation of storage usage.
type Snapshot struct {
	UsedBytes      int64
	TotalBytes     int64
	AvailableBytes int64
	UsagePercent   float64
}

// Percent derives the usage percentage, preferring the reported value and
// falling back to used/total.
func (s Snapshot) Percent() float64 {
	if s.UsagePercent > 0 {
		return s.UsagePercent
	}
	if s.TotalBytes <= 0 {
		return 0
	}
	return float64(s.UsedBytes) / float64(s.TotalBytes) * 100
}

// Governor classifies usage snapshots against the configured thresholds and
// notifies subscribers on level changes.
type Governor struct {
	logger         *slog.Logger
	warningPercent float64
	pausePercent   float64

	mu    sync.Mutex
	level Level
	last  Snapshot
	subs  []chan Level
}

// NewGovernor builds a governor. Zero thresholds fall back to 80/90.
func NewGovernor(warningPercent, pausePercent float64, logger *slog.Logger) *Governor {
	if warningPercent <= 0 {
		warningPercent = 80
	}
	if pausePercent <= 0 {
		pausePercent = 90
	}
	return &Governor{
		logger:         logging.NewComponentLogger(logger, "space-governor"),
		warningPercent: warningPercent,
		pausePercent:   pausePercent,
	}
}

// Observe folds a usage snapshot into the current level and returns it.
// Payload-less notifications carry no usage figures; those re-evaluate the
// latest known snapshot instead of folding zeros in.
func (g *Governor) Observe(snapshot Snapshot) Level {
	if snapshot.TotalBytes <= 0 && snapshot.UsagePercent <= 0 {
		g.mu.Lock()
		snapshot = g.last
		g.mu.Unlock()
	}

	percent := snapshot.Percent()
	next := LevelNormal
	switch {
	case percent > g.pausePercent:
		next = LevelPaused
	case percent > g.warningPercent:
		next = LevelWarning
	}

	g.mu.Lock()
	g.last = snapshot
	prev := g.level
	g.level = next
	subs := make([]chan Level, len(g.subs))
	copy(subs, g.subs)
	g.mu.Unlock()

	if next != prev {
		g.logger.Info("storage admission level changed",
			logging.String("previous", prev.String()),
			logging.String("level", next.String()),
			logging.Float64("usage_percent", percent),
			logging.String("used", humanize.IBytes(uint64(max(snapshot.UsedBytes, 0)))),
			logging.String("total", humanize.IBytes(uint64(max(snapshot.TotalBytes, 0)))),
		)
		for _, ch := range subs {
			select {
			case ch <- next:
			default:
			}
		}
	}
	return next
}

// HandleReleased processes a space-released notification: the service freed
// storage, so the accompanying snapshot decides whether uploads resume.
func (g *Governor) HandleReleased(snapshot Snapshot) Level {
	level := g.Observe(snapshot)
	if level == LevelNormal {
		g.logger.Info("storage released; uploads admitted again")
	}
	return level
}

// HandleConfigChanged rescales the last observation against a new capacity,
// e.g. after the service's storage quota was resized.
func (g *Governor) HandleConfigChanged(totalBytes int64) Level {
	g.mu.Lock()
	snapshot := g.last
	g.mu.Unlock()

	if totalBytes <= 0 {
		return g.Level()
	}
	snapshot.TotalBytes = totalBytes
	snapshot.AvailableBytes = totalBytes - snapshot.UsedBytes
	snapshot.UsagePercent = 0 // recompute from used/total
	return g.Observe(snapshot)
}

// Admit reports whether a new upload may start right now.
func (g *Governor) Admit() error {
	g.mu.Lock()
	level := g.level
	percent := g.last.Percent()
	g.mu.Unlock()

	if level == LevelPaused {
		return fmt.Errorf("%w (usage %.1f%%)", ErrPaused, percent)
	}
	return nil
}

// Level returns the current admission level.
func (g *Governor) Level() Level {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// Last returns the most recent snapshot.
func (g *Governor) Last() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// Subscribe registers for level change notifications. Slow subscribers miss
// intermediate levels rather than blocking observation.
func (g *Governor) Subscribe() <-chan Level {
	ch := make(chan Level, 4)
	g.mu.Lock()
	g.subs = append(g.subs, ch)
	g.mu.Unlock()
	return ch
}
