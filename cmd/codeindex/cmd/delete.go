package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aman-cerp/codeindex/internal/config"
	"github.com/aman-cerp/codeindex/internal/core"
)

func newDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete [path]",
		Short: "Remove a project's index",
		Long: `Deletes a project's vector collection, graph space and file-state
records, and unregisters it. The project's source files are untouched; a
later 'codeindex index' rebuilds from scratch.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

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

			c, err := core.Open(ctx, root, core.Options{Offline: true})
			if err != nil {
				return fmt.Errorf("open core: %w", err)
			}
			defer func() { _ = c.Close() }()

			projectID, err := c.ResolveProjectID(ctx, root)
			if err != nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "no project indexed at %s\n", root)
				return nil
			}

			if err := c.Delete(ctx, projectID); err != nil {
				return fmt.Errorf("delete: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted index for %s\n", root)
			return nil
		},
	}

	return cmd
}
