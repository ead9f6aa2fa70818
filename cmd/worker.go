package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/crawlq/internal/server"
)

// newWorkerCmd runs workers only. Without a shared Redis this process would
// only see its own queue.
func newWorkerCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run workers against the shared queue",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("count") {
				rt.cfg.Worker.Count = count
			}
			if rt.cfg.Worker.Count <= 0 {
				return fmt.Errorf("worker count must be > 0")
			}
			if rt.cfg.Redis.Addr == "" {
				rt.logger.Warn("Running workers without Redis; only jobs submitted in this process will be seen")
			}
			return runApp(cmd.Context(), rt, server.Mode{Workers: true})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "number of workers (overrides worker.count)")
	return cmd
}
