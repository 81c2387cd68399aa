package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ferry/internal/logging"
	"ferry/internal/preprocess"
	"ferry/internal/settings"
	"ferry/internal/task"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var recursive bool

	cmd := &cobra.Command{
		Use:   "add <path> [path...]",
		Short: "Queue files for conversion without starting a session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			lock, err := ctx.acquireLock(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = lock.Unlock() }()

			logger, err := logging.New(logging.Options{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			store, err := task.Open(cfg, logger)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer store.Close()

			taken := make([]string, 0)
			for _, rec := range store.List() {
				taken = append(taken, rec.DisplayName)
			}

			pipeline := preprocess.New(cfg, settings.Static(cfg.Conversion), logger)
			results, err := pipeline.Run(cmd.Context(), args, preprocess.Options{
				Recursive:  recursive,
				TakenNames: taken,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			queued := 0
			for _, result := range results {
				if result.Skipped || result.Err != nil {
					continue
				}
				if _, err := store.Create(result.Request); err != nil {
					return err
				}
				queued++
			}
			printAddResults(out, results)
			if queued > 0 {
				fmt.Fprintf(out, "Queued %d task(s); start processing with `ferry run`\n", queued)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into directories")
	return cmd
}

func printAddResults(out io.Writer, results []preprocess.Result) {
	for _, result := range results {
		switch {
		case result.Skipped:
			fmt.Fprintf(out, "skip  %s (%s)\n", result.SourcePath, result.SkipReason)
		case result.Err != nil:
			fmt.Fprintf(out, "error %s (%v)\n", result.SourcePath, result.Err)
		default:
			fmt.Fprintf(out, "add   %s -> %q (%s)\n",
				result.SourcePath,
				result.Request.DisplayName,
				humanize.IBytes(uint64(result.Request.SizeBytes)))
		}
	}
}
