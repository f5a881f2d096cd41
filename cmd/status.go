package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/availability-prober/internal/ledger"
)

func newStatusCmd(*env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <shard-dir>",
		Short: "Print a shard's progress summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := ledger.Load(args[0])
			if err != nil {
				return fmt.Errorf("load progress: %w", err)
			}
			printProgress(cmd.OutOrStdout(), summary)
			return nil
		},
	}
}
