package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/repo-scanner/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API, the
// orchestrator and the lifecycle sweeper until SIGINT or SIGTERM.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scan API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
