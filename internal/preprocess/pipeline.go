package preprocess

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"ferry/internal/config"
	"ferry/internal/deps"
	"ferry/internal/logging"
	"ferry/internal/media/ffprobe"
	"ferry/internal/media/thumbnail"
	"ferry/internal/settings"
	"ferry/internal/task"
)

// Progress phases reported while a file moves through the pipeline.
const (
	PhaseAnalyzing  = "analyzing"
	PhaseProbing    = "probing"
	PhaseThumbnail  = "generating thumbnail"
	PhaseEstimating = "estimating"
)

// ProbeFunc extracts media metadata from a file.
type ProbeFunc func(ctx context.Context, binary, path string) (ffprobe.Metadata, error)

// ThumbnailFunc renders a preview image for a file.
type ThumbnailFunc func(ctx context.Context, binary, path string, opts thumbnail.Options) ([]byte, error)

// Result is the outcome of preprocessing one file. Files that fail
// validation are Skipped with a human-readable reason; Err is reserved for
// run-level interruption (cancellation). Everything else carries a usable
// CreateRequest; degraded results build it from defaults.
type Result struct {
	SourcePath string
	Skipped    bool
	SkipReason string
	Err        error

	// Succeeded is false when probing or thumbnail generation fell back to
	// defaults; the task proceeds regardless.
	Succeeded bool
	Request   task.CreateRequest
}

// Options controls a pipeline run.
type Options struct {
	// Recursive descends into subdirectories when expanding directories.
	Recursive bool
	// TakenNames are display names already in use; new names avoid them.
	TakenNames []string
	// OnProgress is invoked at each phase boundary per file.
	OnProgress func(sourcePath, phase string)
	// OnComplete is invoked once per file with its final result.
	OnComplete func(Result)
}

// Pipeline prepares files for upload. The tool hooks and availability flags
// are exported so tests can substitute fakes; New wires the real tools.
type Pipeline struct {
	Probe              ProbeFunc
	Thumbnail          ThumbnailFunc
	Estimator          Estimator
	ProbeAvailable     bool
	ThumbnailAvailable bool

	logger      *slog.Logger
	cfg         *config.Config
	provider    settings.Provider
	workerLimit int
}

// New builds a pipeline from config, checking tool availability once.
func New(cfg *config.Config, provider settings.Provider, logger *slog.Logger) *Pipeline {
	limit := cfg.Preprocess.WorkerLimit
	if limit <= 0 {
		limit = min(runtime.NumCPU(), 4)
	}

	statuses := deps.CheckBinaries(deps.ForPreprocess(cfg.Preprocess.FFprobeBinary, cfg.Preprocess.FFmpegBinary))
	p := &Pipeline{
		Probe:              ffprobe.Probe,
		Thumbnail:          thumbnail.Generate,
		Estimator:          BitrateEstimator{},
		ProbeAvailable:     deps.Available(statuses, "ffprobe"),
		ThumbnailAvailable: deps.Available(statuses, "ffmpeg"),
		logger:             logging.NewComponentLogger(logger, "preprocess"),
		cfg:                cfg,
		provider:           provider,
		workerLimit:        limit,
	}
	if !p.ProbeAvailable {
		p.logger.Warn("ffprobe not found; metadata extraction degraded to defaults")
	}
	if !p.ThumbnailAvailable {
		p.logger.Warn("ffmpeg not found; thumbnails disabled")
	}
	return p
}

// Run preprocesses the given paths and returns one result per discovered
// file, in discovery order. Directory expansion errors abort the run; per-file
// failures are reported in the results instead.
func (p *Pipeline) Run(ctx context.Context, paths []string, opts Options) ([]Result, error) {
	files, preRejected, err := p.expand(paths, opts.Recursive)
	if err != nil {
		return nil, err
	}

	// Names are allocated up front, in discovery order, so concurrent
	// workers cannot race for the same title.
	names := newNameAllocator(opts.TakenNames)
	assigned := make([]string, len(files))
	for i, file := range files {
		assigned[i] = names.allocate(deriveDisplayName(file))
	}

	results := make([]Result, len(files))
	sem := make(chan struct{}, p.workerLimit)
	var wg sync.WaitGroup
	for i, file := range files {
		wg.Add(1)
		go func(idx int, sourcePath, displayName string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[idx] = Result{SourcePath: sourcePath, Err: ctx.Err()}
				return
			}
			result := p.processFile(ctx, sourcePath, displayName, opts)
			results[idx] = result
			if opts.OnComplete != nil {
				opts.OnComplete(result)
			}
		}(i, file, assigned[i])
	}
	wg.Wait()

	for _, rejected := range preRejected {
		if opts.OnComplete != nil {
			opts.OnComplete(rejected)
		}
	}
	return append(results, preRejected...), nil
}

// expand resolves the input paths to concrete files. Files with an extension
// outside the allow-list become skipped results rather than errors.
func (p *Pipeline) expand(paths []string, recursive bool) ([]string, []Result, error) {
	allowed := make(map[string]struct{}, len(p.cfg.Preprocess.Extensions))
	for _, ext := range p.cfg.Preprocess.Extensions {
		allowed[ext] = struct{}{}
	}

	var files []string
	var rejected []Result
	appendFile := func(path string) {
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := allowed[ext]; !ok {
			rejected = append(rejected, Result{
				SourcePath: path,
				Skipped:    true,
				SkipReason: fmt.Sprintf("unsupported extension %q", ext),
			})
			return
		}
		files = append(files, path)
	}

	for _, input := range paths {
		info, err := os.Stat(input)
		if err != nil {
			rejected = append(rejected, Result{SourcePath: input, Skipped: true, SkipReason: statSkipReason(err)})
			continue
		}
		if !info.IsDir() {
			appendFile(input)
			continue
		}
		if recursive {
			walkErr := filepath.WalkDir(input, func(path string, entry fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !entry.IsDir() {
					appendFile(path)
				}
				return nil
			})
			if walkErr != nil {
				return nil, nil, fmt.Errorf("walk %q: %w", input, walkErr)
			}
			continue
		}
		entries, err := os.ReadDir(input)
		if err != nil {
			return nil, nil, fmt.Errorf("read directory %q: %w", input, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				appendFile(filepath.Join(input, entry.Name()))
			}
		}
	}
	return files, rejected, nil
}

// statSkipReason renders a stat failure as a skip reason for the operator.
func statSkipReason(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return "file not found"
	}
	return fmt.Sprintf("file not accessible: %v", err)
}

func (p *Pipeline) processFile(ctx context.Context, sourcePath, displayName string, opts Options) Result {
	report := func(phase string) {
		if opts.OnProgress != nil {
			opts.OnProgress(sourcePath, phase)
		}
	}

	report(PhaseAnalyzing)
	info, err := os.Stat(sourcePath)
	if err != nil {
		return Result{SourcePath: sourcePath, Skipped: true, SkipReason: statSkipReason(err)}
	}
	if info.Size() == 0 {
		return Result{SourcePath: sourcePath, Skipped: true, SkipReason: "file is empty"}
	}
	file, err := os.Open(sourcePath)
	if err != nil {
		return Result{SourcePath: sourcePath, Skipped: true, SkipReason: fmt.Sprintf("file not readable: %v", err)}
	}
	file.Close()
	if ctx.Err() != nil {
		return Result{SourcePath: sourcePath, Err: ctx.Err()}
	}

	succeeded := true
	var meta ffprobe.Metadata
	if p.ProbeAvailable {
		report(PhaseProbing)
		probeCtx := ctx
		if timeout := time.Duration(p.cfg.Preprocess.ProbeTimeoutSeconds) * time.Second; timeout > 0 {
			var cancel context.CancelFunc
			probeCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		meta, err = p.Probe(probeCtx, p.cfg.Preprocess.FFprobeBinary, sourcePath)
		if err != nil {
			p.logger.Warn("probe failed; using defaults",
				logging.String("source", sourcePath),
				logging.Error(err),
			)
			meta = ffprobe.Metadata{}
			succeeded = false
		}
	} else {
		succeeded = false
	}
	if ctx.Err() != nil {
		return Result{SourcePath: sourcePath, Err: ctx.Err()}
	}

	var thumbnailPath string
	if p.ThumbnailAvailable {
		report(PhaseThumbnail)
		thumbnailPath, err = p.generateThumbnail(ctx, sourcePath, displayName)
		if err != nil {
			p.logger.Warn("thumbnail generation failed; continuing without",
				logging.String("source", sourcePath),
				logging.Error(err),
			)
			thumbnailPath = ""
			succeeded = false
		}
	}
	if ctx.Err() != nil {
		return Result{SourcePath: sourcePath, Err: ctx.Err()}
	}

	report(PhaseEstimating)
	params := p.provider.Current()
	estimated := p.Estimator.Estimate(meta, info.Size(), params)

	return Result{
		SourcePath: sourcePath,
		Succeeded:  succeeded,
		Request: task.CreateRequest{
			SourcePath:           sourcePath,
			DisplayName:          displayName,
			SizeBytes:            info.Size(),
			DurationSeconds:      meta.DurationSeconds,
			Width:                meta.Width,
			Height:               meta.Height,
			CodecName:            meta.CodecName,
			ThumbnailPath:        thumbnailPath,
			EstimatedOutputBytes: estimated,
			Params:               params,
			MaxRetries:           p.cfg.Retry.MaxRetries,
			SourceAction:         task.ParseSourceAction(params.SourceFileAction),
		},
	}
}

func (p *Pipeline) generateThumbnail(ctx context.Context, sourcePath, displayName string) (string, error) {
	data, err := p.Thumbnail(ctx, p.cfg.Preprocess.FFmpegBinary, sourcePath, thumbnail.Options{
		Width:  p.cfg.Preprocess.ThumbnailWidth,
		Height: p.cfg.Preprocess.ThumbnailHeight,
	})
	if err != nil {
		return "", err
	}
	dir := filepath.Join(p.cfg.Paths.StateDir, "thumbnails")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create thumbnail directory: %w", err)
	}
	path := filepath.Join(dir, thumbnailSlug(displayName)+".jpg")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write thumbnail: %w", err)
	}
	return path, nil
}

// thumbnailSlug turns a display name into a safe file name. Display names are
// unique per batch, so slugs are too.
func thumbnailSlug(displayName string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(displayName) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
