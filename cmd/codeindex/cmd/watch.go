package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aman-cerp/codeindex/internal/config"
	"github.com/aman-cerp/codeindex/internal/core"
	"github.com/aman-cerp/codeindex/internal/index"
)

func newWatchCmd() *cobra.Command {
	var offline bool

	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Watch a project and keep its index current",
		Long: `Watches a project's files and applies incremental updates as they
change, coalescing rapid edits through a debounce window. The project must
already have a full index (run 'codeindex index' first); watch only ever
diffs against the existing file-state set, it never does a full rebuild.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			path := "."
			if len(args) > 0 {
				path = args[0]
			}
			absPath, err := filepath.Abs(path)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
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

			projectID, err := c.ResolveProjectID(ctx, root)
			if err != nil {
				return fmt.Errorf("project not indexed yet, run 'codeindex index %s' first", root)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "watching %s (ctrl-c to stop)\n", root)
			err = c.Watch(ctx, projectID, func(result *index.JobResult, updateErr error) {
				if updateErr != nil {
					slog.Error("watch update failed", slog.String("error", updateErr.Error()))
					return
				}
				if result == nil {
					return
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "updated: %d indexed, %d skipped, %d deleted, %d chunks\n",
					result.FilesIndexed, result.FilesSkipped, result.FilesDeleted, result.ChunksWritten)
			})
			if err != nil && err != ctx.Err() {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&offline, "offline", false, "Use the static embedder (skip model download)")
	return cmd
}
