package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aman-cerp/codeindex/internal/config"
	"github.com/aman-cerp/codeindex/internal/core"
	"github.com/aman-cerp/codeindex/internal/logging"
)

func newIndexCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Build a full index of a directory",
		Long: `Scans a directory, chunks its code and documents, generates
embeddings and populates both the vector store and the graph store.

Re-running index on an already-indexed project replaces that project's
vectors, graph entities and file records from scratch. Use 'codeindex watch'
or re-run 'index' to pick up incremental changes without a full rebuild.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(ctx, cmd, path, offline)
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Use the static embedder (skip model download)")
	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, offline bool) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if logger, cleanup, err := logging.Setup(logCfg); err == nil {
		slog.SetDefault(logger)
		defer cleanup()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("access path: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", absPath)
	}

	root, err := config.FindProjectRoot(absPath)
	if err != nil {
		root = absPath
	}

	c, err := core.Open(ctx, root, core.Options{Offline: offline})
	if err != nil {
		return fmt.Errorf("open core: %w", err)
	}
	defer func() { _ = c.Close() }()

	result, err := c.Index(ctx, root)
	if err != nil {
		return fmt.Errorf("index: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(),
		"indexed %d files (%d skipped, %d deleted), %d chunks written\n",
		result.FilesIndexed, result.FilesSkipped, result.FilesDeleted, result.ChunksWritten)
	for _, e := range result.Errors {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "  error: %v\n", e)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("indexing completed with %d file errors", len(result.Errors))
	}
	return nil
}
