package space

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"ferry/internal/logging"
)

// UsageFunc reports filesystem usage for a path. Production wiring uses
// gopsutil; tests substitute a fake.
type UsageFunc func(path string) (Snapshot, error)

// DiskUsage is the gopsutil-backed UsageFunc.
func DiskUsage(path string) (Snapshot, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		UsedBytes:      int64(stat.Used),
		TotalBytes:     int64(stat.Total),
		AvailableBytes: int64(stat.Free),
		UsagePercent:   stat.UsedPercent,
	}, nil
}

// Sampler periodically measures local storage and feeds the governor. It
// covers the download destination, complementing the usage reports the
// service pushes about its own storage.
type Sampler struct {
	logger   *slog.Logger
	governor *Governor
	path     string
	interval time.Duration
	usage    UsageFunc
}

// NewSampler builds a sampler for the given path. A zero interval defaults to
// 30 seconds; a nil usage function defaults to DiskUsage.
func NewSampler(governor *Governor, path string, interval time.Duration, usage UsageFunc, logger *slog.Logger) *Sampler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if usage == nil {
		usage = DiskUsage
	}
	return &Sampler{
		logger:   logging.NewComponentLogger(logger, "space-sampler"),
		governor: governor,
		path:     path,
		interval: interval,
		usage:    usage,
	}
}

// Run samples immediately and then on every tick until the context ends.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *Sampler) sample() {
	snapshot, err := s.usage(s.path)
	if err != nil {
		s.logger.Warn("sample storage usage failed",
			logging.String("path", s.path),
			logging.Error(err),
		)
		return
	}
	s.governor.Observe(snapshot)
}
