package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/codevoyage/internal/api"
	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/config"
)

// serveFlags override the server section of the configuration.
type serveFlags struct {
	host      string
	port      int
	workers   bool
	noWorkers bool
}

func (f *serveFlags) apply(cfg *config.Config) {
	if f.host != "" {
		cfg.Server.Host = f.host
	}

	if f.port != 0 {
		cfg.Server.Port = f.port
	}

	if f.workers {
		cfg.Server.EmbeddedWorkers = true
	}

	if f.noWorkers {
		cfg.Server.EmbeddedWorkers = false
	}
}

// NewServeCommand creates the API server command.
func NewServeCommand(global *globalFlags) *cobra.Command {
	flags := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the HTTP API on the configured address.

Jobs, stage outputs and the task queue live in the SQLite database at
storage.path, so any number of "codevoyage worker" processes can share the
work. With server.embedded_workers (the default) the API process runs a
worker pool as well.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := global.load()
			if err != nil {
				return err
			}

			flags.apply(cfg)

			return runServe(cmd.Context(), cfg, global.debug)
		},
	}

	cmd.Flags().StringVar(&flags.host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVarP(&flags.port, "port", "p", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&flags.workers, "workers", false, "run the worker pool in this process")
	cmd.Flags().BoolVar(&flags.noWorkers, "no-workers", false, "serve the API only")
	cmd.MarkFlagsMutuallyExclusive("workers", "no-workers")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, debug bool) error {
	a, err := buildApp(ctx, cfg, appOptions{
		mode:     observability.ModeServe,
		debug:    debug,
		withPool: cfg.Server.EmbeddedWorkers,
	})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	recovered, err := a.orch.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	if recovered > 0 {
		a.logger.InfoContext(ctx, "rescheduled interrupted jobs", "count", recovered)
	}

	err = a.observeQueue()
	if err != nil {
		return fmt.Errorf("observe queue depth: %w", err)
	}

	red, err := observability.NewREDMetrics(a.providers.Meter)
	if err != nil {
		return fmt.Errorf("create request metrics: %w", err)
	}

	srv := api.New(a.orch, a.bus,
		api.WithLogger(a.logger),
		api.WithTracer(a.providers.Tracer),
		api.WithMetrics(red),
		api.WithMetricsHandler(a.providers.MetricsHandler),
		api.WithReadyChecks(a.readyChecks()...),
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.bus.Run(gctx)

		return nil
	})

	if a.pool != nil {
		g.Go(func() error {
			return a.pool.Run(gctx)
		})

		g.Go(func() error {
			a.sweepWorkspaces(gctx)

			return nil
		})
	}

	g.Go(func() error {
		a.logger.InfoContext(ctx, "api listening",
			"addr", httpServer.Addr, "embedded_workers", a.pool != nil, "workers", cfg.Workers.Count)

		serveErr := httpServer.ListenAndServe()
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", serveErr)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()

		a.logger.Info("shutting down api")

		// Streams are hijacked connections; Shutdown does not wait for them.
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}
