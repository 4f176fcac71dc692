package cmd

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/aman-cerp/codeindex/internal/config"
	"github.com/aman-cerp/codeindex/internal/core"
)

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show indexed state for a project",
		Args:  cobra.MaximumNArgs(1),
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

			status, err := c.Status(ctx, projectID)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "project:  %s (%s)\n", status.Project.Name, status.Project.ID)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "path:     %s\n", status.Project.Path)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "status:   %s\n", status.Project.Status)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "files:    %d\n", status.FilesIndexed)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "chunks:   %d\n", status.ChunksIndexed)
			if !status.Project.LastIndexedAt.IsZero() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "indexed:  %s\n", status.Project.LastIndexedAt.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	return cmd
}
