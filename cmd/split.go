package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/shard"
)

func newSplitCmd(e *env) *cobra.Command {
	var (
		input string
		out   string
		parts int
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "split",
		Short: "Partition an identifier file into batch files",
		Long: `Reads an identifier file (one per line, blank and # lines skipped,
duplicates dropped) and writes batch-<i>.txt files into the output directory.
The batch index list is printed as a JSON array for batch schedulers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input == "" {
				return errors.New("--input is required")
			}
			m, err := shard.ParseMode(mode)
			if err != nil {
				return err
			}
			ids, err := shard.ReadFile(input)
			if err != nil {
				return err
			}
			batches, err := shard.Partition(ids, parts, m)
			if err != nil {
				return err
			}
			paths, err := shard.WriteBatches(out, batches)
			if err != nil {
				return err
			}
			e.logger.Info("split complete",
				zap.Int("identifiers", len(ids)),
				zap.Int("batches", len(paths)),
				zap.String("mode", string(m)),
				zap.String("dir", out),
			)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), shard.MatrixLine(len(paths)))
			return err
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "identifier file to split")
	cmd.Flags().StringVar(&out, "out", "batches", "directory for batch files")
	cmd.Flags().IntVar(&parts, "parts", 4, "number of batches")
	cmd.Flags().StringVar(&mode, "mode", string(shard.Contiguous), "contiguous or round-robin")
	return cmd
}
