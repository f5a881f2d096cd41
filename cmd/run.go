package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/availability-prober/internal/app"
)

type runFlags struct {
	shard   string
	input   string
	output  string
	runID   string
	workers int
	serve   bool
}

func newRunCmd(e *env) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Probe one shard of identifiers",
		Long: `Probes every identifier of the shard input that has no recorded result
in the output directory. Results are appended to available.txt and
failed.txt; progress.json is refreshed periodically and on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := e.cfg
			if f.shard != "" {
				cfg.Shard.ID = f.shard
			}
			if f.input != "" {
				cfg.Shard.Input = f.input
			}
			if f.output != "" {
				cfg.Shard.OutputDir = f.output
			}
			if f.runID != "" {
				cfg.Shard.RunID = f.runID
			}
			if f.workers > 0 {
				cfg.Shard.Workers = f.workers
			}
			if f.serve {
				cfg.Server.Enabled = true
			}

			ctx := cmd.Context()
			a, err := app.Build(ctx, cfg, e.logger)
			if err != nil {
				return fmt.Errorf("build shard: %w", err)
			}
			summary, runErr := a.Run(ctx)
			closeErr := a.Close(ctx)

			printProgress(cmd.OutOrStdout(), summary)
			if runErr != nil {
				return runErr
			}
			return closeErr
		},
	}
	cmd.Flags().StringVar(&f.shard, "shard", "", "shard label (overrides shard.id)")
	cmd.Flags().StringVar(&f.input, "input", "", "identifier file (overrides shard.input)")
	cmd.Flags().StringVar(&f.output, "output", "", "output directory (overrides shard.output_dir)")
	cmd.Flags().StringVar(&f.runID, "run-id", "", "resume reporting under an existing run id")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "worker count (overrides shard.workers)")
	cmd.Flags().BoolVar(&f.serve, "serve", false, "expose the status server while running")
	return cmd
}
