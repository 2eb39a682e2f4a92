package commands

import (
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/codevoyage/internal/mcp"
	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/complexity"
)

// NewMCPCommand creates the MCP server command.
func NewMCPCommand(global *globalFlags) *cobra.Command {
	var withWorkers bool

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Start MCP server for AI agent integration",
		Long: `Start a Model Context Protocol (MCP) server on stdio transport.

Tools:
  - complexity_analyze: complexity metrics of inline source code
  - codevoyage_submit, codevoyage_status, codevoyage_jobs: submit and follow analysis jobs
  - codevoyage_transitions, codevoyage_output, codevoyage_cancel: inspect and stop jobs

Jobs live in the database at storage.path and are run by "codevoyage worker"
processes, or by this process with --workers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}

			// stdout carries the protocol; logs go to stderr as JSON.
			cfg.Logging.JSON = true

			ctx := cmd.Context()

			a, err := buildApp(ctx, cfg, appOptions{
				mode:     observability.ModeMCP,
				debug:    global.debug,
				withPool: withWorkers,
			})
			if err != nil {
				return err
			}
			defer a.close(ctx)

			red, err := observability.NewREDMetrics(a.providers.Meter)
			if err != nil {
				return err
			}

			if a.pool != nil {
				go func() {
					runErr := a.pool.Run(ctx)
					if runErr != nil {
						a.logger.Error("worker pool stopped", "error", runErr)
					}
				}()
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Service: a.orch,
				Scanner: complexity.NewScanner(cfg.Analysis.Complexity()),
				Logger:  a.logger,
				Metrics: red,
				Tracer:  a.providers.Tracer,
			})

			return srv.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&withWorkers, "workers", false, "run the worker pool in this process")

	return cmd
}
