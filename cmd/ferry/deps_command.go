package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"ferry/internal/deps"
)

func newDepsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Check availability of external tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			statuses := deps.CheckBinaries(deps.ForPreprocess(cfg.Preprocess.FFprobeBinary, cfg.Preprocess.FFmpegBinary))
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)
			for _, line := range renderSectionHeader("External tools", colorize) {
				fmt.Fprintln(out, line)
			}
			for _, status := range statuses {
				kind := statusOK
				message := status.Description
				if !status.Available {
					kind = statusWarn
					if !status.Optional {
						kind = statusError
					}
					message = status.Detail
				}
				fmt.Fprintln(out, renderStatusLine(status.Name, kind, message, colorize))
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Missing optional tools degrade preprocessing: metadata falls back to defaults and thumbnails are skipped.")
			return nil
		},
	}
}
