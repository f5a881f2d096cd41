// Package cmd defines and implements the CLI commands for the prober
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/config"
	"github.com/JakeFAU/availability-prober/internal/logging"
)

// env is what every subcommand receives after the root command has loaded
// configuration and built the logger.
type env struct {
	cfgFile string
	cfg     config.Config
	logger  *zap.Logger
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	e := &env{logger: zap.NewNop()}
	cmd := &cobra.Command{
		Use:   "prober",
		Short: "Adaptive concurrent availability prober.",
		Long: `prober checks large identifier lists against a remote availability
endpoint. Each run handles one shard: it paces probes through a shared rate
governor, rotates sessions when responses degrade, and records every result
durably so an interrupted shard resumes where it stopped.`,
		SilenceUsage: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(e.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			e.cfg = cfg
			e.logger = logger
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = e.logger.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&e.cfgFile, "config", "", "config file (YAML, JSON or TOML)")

	cmd.AddCommand(
		newRunCmd(e),
		newSplitCmd(e),
		newMergeCmd(e),
		newStatusCmd(e),
	)
	return cmd
}

// Execute runs the CLI and returns the process exit code. SIGINT and SIGTERM
// cancel the command context so in-flight work can flush.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
