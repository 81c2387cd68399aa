package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ferry/internal/engine"
	"ferry/internal/logging"
	"ferry/internal/notifications"
	"ferry/internal/preprocess"
	"ferry/internal/pushchan"
	"ferry/internal/remote"
	"ferry/internal/retry"
	"ferry/internal/settings"
	"ferry/internal/space"
	"ferry/internal/task"
)

const idlePollInterval = time.Second

func newRunCommand(ctx *commandContext) *cobra.Command {
	var recursive bool
	var stay bool

	cmd := &cobra.Command{
		Use:   "run [paths...]",
		Short: "Process conversion tasks until the queue drains",
		Long: "Run starts a conversion session: the given paths are added as tasks, " +
			"pending tasks from earlier sessions are resumed, and the session exits " +
			"once every task is finished. With --stay the session keeps running and " +
			"waits for an interrupt instead.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, ctx, args, recursive, stay)
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into directories when adding paths")
	cmd.Flags().BoolVar(&stay, "stay", false, "Keep the session running after the queue drains")
	return cmd
}

func runSession(cmd *cobra.Command, cmdCtx *commandContext, paths []string, recursive, stay bool) error {
	cfg, err := cmdCtx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	lock, err := cmdCtx.acquireLock(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("ferry-%s.log", runID))
	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: []string{"stdout", logPath},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	store, err := task.Open(cfg, logger)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer store.Close()

	conn := pushchan.Dial(cfg, logger)
	defer conn.Close()

	provider := settings.NewStore(cfg.Conversion)
	eng := engine.New(cfg, engine.Options{
		Store:    store,
		Governor: space.NewGovernor(cfg.Space.WarningPercent, cfg.Space.PausePercent, logger),
		Conn:     conn,
		Remote:   remote.New(cfg, logger),
		Pipeline: preprocess.New(cfg, provider, logger),
		Retrier:  retry.NewController(store, logger),
		Logger:   logger,
	})
	if err := eng.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.Stop()

	out := cmd.OutOrStdout()
	if len(paths) > 0 {
		created, results, err := eng.AddFiles(signalCtx, paths, engine.AddOptions{Recursive: recursive})
		if err != nil {
			return err
		}
		printAddResults(out, results)
		if len(created) == 0 && !hasUnfinished(store) {
			fmt.Fprintln(out, "Nothing to do")
			return nil
		}
	} else if !stay && !hasUnfinished(store) {
		fmt.Fprintln(out, "No unfinished tasks; add files or pass paths to run")
		return nil
	}

	start := time.Now()
	if stay {
		<-signalCtx.Done()
	} else if err := waitUntilIdle(signalCtx, store); err != nil {
		logger.Info("session interrupted; unfinished tasks resume next run")
	}

	printSessionSummary(out, store)

	stats := store.Stats()
	notifyCtx, notifyCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer notifyCancel()
	if err := notifications.NewService(cfg).NotifySessionCompleted(notifyCtx,
		stats[task.StatusCompleted], stats[task.StatusFailed], time.Since(start)); err != nil {
		logger.Warn("session notification failed", logging.Error(err))
	}
	return nil
}

// waitUntilIdle blocks until no task needs further work this session.
func waitUntilIdle(ctx context.Context, store *task.Store) error {
	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !hasUnfinished(store) {
				return nil
			}
		}
	}
}

func hasUnfinished(store *task.Store) bool {
	for status, count := range store.Stats() {
		if !status.IsTerminal() && count > 0 {
			return true
		}
	}
	return false
}

func printSessionSummary(out io.Writer, store *task.Store) {
	stats := store.Stats()
	fmt.Fprintf(out, "Session finished: %d completed, %d failed, %d cancelled",
		stats[task.StatusCompleted], stats[task.StatusFailed], stats[task.StatusCancelled])
	if unfinished := stats[task.StatusPending] + stats[task.StatusPaused] +
		stats[task.StatusUploading] + stats[task.StatusConverting]; unfinished > 0 {
		fmt.Fprintf(out, ", %d unfinished", unfinished)
	}
	fmt.Fprintln(out)
}
