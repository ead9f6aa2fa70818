package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlq/internal/server"
)

// newServeCmd runs the HTTP API and, unless worker.count is zero, workers.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			return runApp(cmd.Context(), rt, server.Mode{API: true, Workers: rt.cfg.Worker.Count > 0})
		},
	}
}
