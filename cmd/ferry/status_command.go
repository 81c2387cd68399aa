package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/remote"
	"ferry/internal/task"
)

// remoteStatusLimit caps how many tasks `status --remote` requests.
const remoteStatusLimit = 20

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var all bool
	var remoteView bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tasks and their progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if remoteView {
				return printRemoteStatus(cmd, cfg)
			}
			records, err := task.ReadSnapshot(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("read task state: %w", err)
			}

			shown := records
			if !all {
				shown = shown[:0]
				for _, rec := range records {
					if !rec.Status.IsTerminal() || rec.Status == task.StatusFailed {
						shown = append(shown, rec)
					}
				}
			}

			out := cmd.OutOrStdout()
			if len(shown) == 0 {
				if all || len(records) == 0 {
					fmt.Fprintln(out, "No tasks")
				} else {
					fmt.Fprintf(out, "No unfinished tasks (%d finished; use --all to list them)\n", len(records))
				}
				return nil
			}

			printTaskTable(out, shown)
			printStatusSummary(out, records)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include completed and cancelled tasks")
	cmd.Flags().BoolVar(&remoteView, "remote", false, "List recent tasks as the conversion service sees them")
	return cmd
}

// printRemoteStatus lists the service's recent tasks instead of local state,
// useful when the two disagree.
func printRemoteStatus(cmd *cobra.Command, cfg *config.Config) error {
	logger, err := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	tasks, err := remote.New(cfg, logger).RecentTasks(cmd.Context(), remoteStatusLimit)
	if err != nil {
		return fmt.Errorf("list remote tasks: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No remote tasks")
		return nil
	}

	headers := []string{"ID", "Status", "Prog", "Error", "Created"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft}
	rows := make([][]string, 0, len(tasks))
	for _, info := range tasks {
		created := ""
		if !info.CreatedAt.IsZero() {
			created = humanize.Time(info.CreatedAt)
		}
		rows = append(rows, []string{
			shortID(info.ID),
			info.Status,
			fmt.Sprintf("%d%%", info.Progress),
			info.ErrorMessage,
			created,
		})
	}
	if shouldColorize(out) {
		fmt.Fprintln(out, renderTable(headers, rows, aligns))
		return nil
	}
	for _, row := range rows {
		fmt.Fprintln(out, strings.Join(row, "\t"))
	}
	return nil
}

func printTaskTable(out io.Writer, records []task.Record) {
	headers := []string{"ID", "Name", "Status", "Phase", "Prog", "Size", "Retries", "Updated"}
	aligns := []columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			shortID(rec.CurrentID()),
			rec.DisplayName,
			string(rec.Status),
			string(rec.Phase),
			fmt.Sprintf("%d%%", rec.Progress),
			humanize.IBytes(uint64(rec.SizeBytes)),
			fmt.Sprintf("%d/%d", rec.RetryCount, rec.MaxRetries),
			humanize.Time(rec.UpdatedAt),
		})
	}

	if shouldColorize(out) {
		fmt.Fprintln(out, renderTable(headers, rows, aligns))
		return
	}
	for _, row := range rows {
		fmt.Fprintln(out, strings.Join(row, "\t"))
	}
}

func printStatusSummary(out io.Writer, records []task.Record) {
	counts := make(map[task.Status]int)
	for _, rec := range records {
		counts[rec.Status]++
	}
	parts := make([]string, 0, len(counts))
	for _, status := range task.AllStatuses() {
		if counts[status] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[status], status))
		}
	}
	fmt.Fprintf(out, "%d task(s): %s\n", len(records), strings.Join(parts, ", "))
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show full details for one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			records, err := task.ReadSnapshot(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("read task state: %w", err)
			}
			rec, err := findRecord(records, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader(rec.DisplayName, colorize) {
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, renderStatusLine("Status", statusKindFor(rec.Status), fmt.Sprintf("%s %d%%", rec.Status, rec.Progress), colorize))
			fmt.Fprintln(out, renderStatusLine("Local ID", statusInfo, rec.LocalID, colorize))
			if rec.ServerID != "" {
				fmt.Fprintln(out, renderStatusLine("Server ID", statusInfo, rec.ServerID, colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Source", statusInfo, rec.SourcePath, colorize))
			fmt.Fprintln(out, renderStatusLine("Size", statusInfo, humanize.IBytes(uint64(rec.SizeBytes)), colorize))
			if rec.DurationSeconds > 0 {
				fmt.Fprintln(out, renderStatusLine("Duration", statusInfo, fmt.Sprintf("%.0fs", rec.DurationSeconds), colorize))
			}
			if rec.Width > 0 && rec.Height > 0 {
				fmt.Fprintln(out, renderStatusLine("Resolution", statusInfo, fmt.Sprintf("%dx%d %s", rec.Width, rec.Height, rec.CodecName), colorize))
			}
			if rec.EstimatedOutputBytes > 0 {
				fmt.Fprintln(out, renderStatusLine("Estimated output", statusInfo, humanize.IBytes(uint64(rec.EstimatedOutputBytes)), colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Retries", statusInfo, fmt.Sprintf("%d of %d", rec.RetryCount, rec.MaxRetries), colorize))
			if rec.LastError != "" {
				fmt.Fprintln(out, renderStatusLine("Last error", statusError, rec.LastError, colorize))
			}
			if rec.OutputPath != "" {
				fmt.Fprintln(out, renderStatusLine("Output", statusOK, rec.OutputPath, colorize))
			}
			if rec.ArchivePath != "" {
				fmt.Fprintln(out, renderStatusLine("Archived source", statusInfo, rec.ArchivePath, colorize))
			}
			fmt.Fprintln(out, renderStatusLine("Downloaded", statusInfo, yesNo(rec.Downloaded), colorize))
			fmt.Fprintln(out, renderStatusLine("Created", statusInfo, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"), colorize))
			fmt.Fprintln(out, renderStatusLine("Updated", statusInfo, humanize.Time(rec.UpdatedAt), colorize))
			return nil
		},
	}
}

func statusKindFor(status task.Status) statusKind {
	switch status {
	case task.StatusCompleted:
		return statusOK
	case task.StatusFailed:
		return statusError
	case task.StatusPaused:
		return statusWarn
	default:
		return statusInfo
	}
}

// findRecord matches a task by full id or unique prefix in either identifier
// space.
func findRecord(records []task.Record, id string) (task.Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return task.Record{}, fmt.Errorf("task id required")
	}
	var matches []task.Record
	for _, rec := range records {
		if rec.LocalID == id || rec.ServerID == id {
			return rec, nil
		}
		if strings.HasPrefix(rec.LocalID, id) || (rec.ServerID != "" && strings.HasPrefix(rec.ServerID, id)) {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return task.Record{}, fmt.Errorf("no task matches %q", id)
	case 1:
		return matches[0], nil
	default:
		return task.Record{}, fmt.Errorf("%q is ambiguous; %d tasks match", id, len(matches))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
