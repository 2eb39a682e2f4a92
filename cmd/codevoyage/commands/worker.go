package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/config"
)

const defaultDiagnosticsAddr = ":9091"

// NewWorkerCommand creates the standalone worker command.
func NewWorkerCommand(global *globalFlags) *cobra.Command {
	var (
		count           int
		diagnosticsAddr string
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run stage workers against the shared queue",
		Long: `Run a pool of stage workers that claim tasks from the SQLite queue at
storage.path. Health, readiness and (with telemetry.prometheus) metrics are
served on the diagnostics address.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}

			if count > 0 {
				cfg.Workers.Count = count
			}

			return runWorker(cmd.Context(), cfg, diagnosticsAddr, global.debug)
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of concurrent workers (overrides workers.count)")
	cmd.Flags().StringVar(&diagnosticsAddr, "diagnostics-addr", defaultDiagnosticsAddr, "health and metrics listen address; empty disables")

	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, diagnosticsAddr string, debug bool) error {
	a, err := buildApp(ctx, cfg, appOptions{
		mode:     observability.ModeWorker,
		debug:    debug,
		withPool: true,
	})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	err = a.observeQueue()
	if err != nil {
		return fmt.Errorf("observe queue depth: %w", err)
	}

	if diagnosticsAddr != "" {
		diag, diagErr := observability.NewDiagnosticsServer(ctx, diagnosticsAddr, a.providers.MetricsHandler, a.logger, a.readyChecks()...)
		if diagErr != nil {
			return diagErr
		}

		defer func() {
			closeErr := diag.Close(context.WithoutCancel(ctx))
			if closeErr != nil {
				a.logger.Warn("diagnostics server close failed", "error", closeErr)
			}
		}()

		a.logger.InfoContext(ctx, "diagnostics listening", "addr", diag.Addr())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.pool.Run(gctx)
	})

	g.Go(func() error {
		a.sweepWorkspaces(gctx)

		return nil
	})

	g.Go(func() error {
		a.bus.Run(gctx)

		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
