package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/remote"
	"ferry/internal/retry"
	"ferry/internal/task"
)

// withStore runs fn against an exclusively opened task store. Mutating
// commands go through here so they cannot race a running session.
func withStore(ctx *commandContext, fn func(cfg storeContext) error) error {
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

	return fn(storeContext{cfg: cfg, store: store, logger: logger})
}

type storeContext struct {
	cfg    *config.Config
	store  *task.Store
	logger *slog.Logger
}

func newRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Restart a failed or cancelled task with fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(sc storeContext) error {
				controller := retry.NewController(sc.store, sc.logger)
				rec, err := controller.Manual(args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s reset to pending; it uploads on the next `ferry run`\n", shortID(rec.LocalID))
				return nil
			})
		},
	}
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task locally and on the conversion service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(sc storeContext) error {
				rec, ok := sc.store.Resolve(args[0])
				if !ok {
					return fmt.Errorf("cancel: %w: %s", task.ErrNotFound, args[0])
				}
				if rec.Status.IsTerminal() {
					return fmt.Errorf("task %s is already %s", shortID(rec.CurrentID()), rec.Status)
				}
				if rec.ServerID != "" {
					client := remote.New(sc.cfg, sc.logger)
					if err := client.CancelTask(cmd.Context(), rec.ServerID); err != nil && !errors.Is(err, remote.ErrNotFound) {
						return fmt.Errorf("cancel remote task: %w", err)
					}
				}
				rec, _, err := sc.store.UpdateStatus(rec.LocalID, task.StatusCancelled, -1, "")
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s cancelled\n", shortID(rec.CurrentID()))
				return nil
			})
		},
	}
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <task-id>",
		Short: "Delete a finished task record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(sc storeContext) error {
				rec, ok := sc.store.Resolve(args[0])
				if !ok {
					return fmt.Errorf("remove: %w: %s", task.ErrNotFound, args[0])
				}
				if !rec.Status.IsTerminal() {
					return fmt.Errorf("task %s is %s; cancel it before removing", shortID(rec.CurrentID()), rec.Status)
				}
				sc.store.Remove(rec.LocalID)
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s removed\n", shortID(rec.CurrentID()))
				return nil
			})
		},
	}
}
