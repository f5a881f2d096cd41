package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/availability-prober/internal/config"
	"github.com/JakeFAU/availability-prober/internal/merge"
	"github.com/JakeFAU/availability-prober/internal/storage/gcs"
	"github.com/JakeFAU/availability-prober/internal/storage/local"
)

func newMergeCmd(e *env) *cobra.Command {
	var (
		out    string
		upload bool
	)
	cmd := &cobra.Command{
		Use:   "merge <shard-dir>...",
		Short: "Consolidate shard output directories",
		Long: `Reconciles the result files of every shard directory into one file per
outcome kind plus summary.json. When an identifier appears in more than one
shard the most decisive outcome wins.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			summary, err := merge.New(merge.Config{Logger: e.logger}).Merge(ctx, args, out)
			if err != nil {
				return err
			}
			printMerge(cmd.OutOrStdout(), summary)
			if !upload {
				return nil
			}
			return uploadMerged(ctx, e, out, summary)
		},
	}
	cmd.Flags().StringVar(&out, "out", "merged", "directory for consolidated output")
	cmd.Flags().BoolVar(&upload, "upload", false, "upload merged files to the configured storage backend")
	return cmd
}

func uploadMerged(ctx context.Context, e *env, outDir string, summary merge.Summary) error {
	store, closeFn, err := openBlobStore(ctx, e.cfg.Storage)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeFn(); cerr != nil {
			e.logger.Warn("blob store close failed", zap.Error(cerr))
		}
	}()
	uris, err := merge.Upload(ctx, store, e.cfg.Storage.Prefix, outDir, summary)
	if err != nil {
		return fmt.Errorf("upload merged output: %w", err)
	}
	for name, uri := range uris {
		e.logger.Info("uploaded", zap.String("file", name), zap.String("uri", uri))
	}
	return nil
}

func openBlobStore(ctx context.Context, cfg config.StorageConfig) (merge.BlobStore, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case "gcs":
		s, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "local":
		s, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	default:
		return nil, noop, fmt.Errorf("storage.backend must be set to upload, got %q", cfg.Backend)
	}
}
