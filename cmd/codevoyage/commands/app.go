package commands

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/breaker"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/config"
	"github.com/Sumatoshi-tech/codevoyage/pkg/insights"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
	"github.com/Sumatoshi-tech/codevoyage/pkg/stages"
	"github.com/Sumatoshi-tech/codevoyage/pkg/store"
	"github.com/Sumatoshi-tech/codevoyage/pkg/version"
	"github.com/Sumatoshi-tech/codevoyage/pkg/worker"
	"github.com/Sumatoshi-tech/codevoyage/pkg/workspace"
)

// Workspace housekeeping.
const (
	workspaceMaxAge        = 24 * time.Hour
	workspaceSweepInterval = time.Hour
)

// storageMode selects where jobs and tasks live.
type storageMode int

const (
	// storageSQLite persists jobs, outputs and the queue in the configured database.
	storageSQLite storageMode = iota
	// storageMemory keeps everything in process, for one-shot runs.
	storageMemory
)

// appOptions tune buildApp.
type appOptions struct {
	mode       observability.AppMode
	storage    storageMode
	debug      bool
	withPool   bool
	forceLevel *slog.Level
}

// app holds the wired components of one process.
type app struct {
	cfg       *config.Config
	providers observability.Providers
	logger    *slog.Logger
	pipeline  *observability.PipelineMetrics

	db     *sql.DB
	store  jobs.Store
	queue  queue.Queue
	bus    *progress.Bus
	orch   *jobs.Orchestrator
	cache  *cache.Cache
	spaces *workspace.Manager
	pool   *worker.Pool

	closers []func() error
}

// buildApp wires the components in dependency order: telemetry, storage,
// queue, progress bus, orchestrator and, when requested, the worker pool with
// its executors.
func buildApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	err := a.initTelemetry(opts)
	if err != nil {
		return nil, err
	}

	err = a.initStorage(ctx, opts.storage)
	if err != nil {
		a.close(ctx)

		return nil, err
	}

	a.bus = progress.NewBus(cfg.Progress, progress.WithLogger(a.logger))
	a.closers = append(a.closers, func() error {
		a.bus.Close()

		return nil
	})

	a.orch = jobs.New(a.store, a.queue, a.bus, jobs.Config{Retry: cfg.Retry},
		jobs.WithLogger(a.logger),
		jobs.WithMetrics(a.pipeline),
	)

	if !opts.withPool {
		return a, nil
	}

	err = a.initPool()
	if err != nil {
		a.close(ctx)

		return nil, err
	}

	return a, nil
}

func (a *app) initTelemetry(opts appOptions) error {
	level, err := a.cfg.Logging.SlogLevel()
	if err != nil {
		return err
	}

	if opts.forceLevel != nil {
		level = *opts.forceLevel
	}

	tel := a.cfg.Telemetry

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Mode = opts.mode
	obsCfg.Environment = tel.Environment
	obsCfg.OTLPEndpoint = tel.OTLPEndpoint
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(tel.OTLPHeaders)
	obsCfg.OTLPInsecure = tel.OTLPInsecure
	obsCfg.SampleRatio = tel.SampleRatio
	obsCfg.DebugTrace = tel.DebugTrace || opts.debug
	obsCfg.TraceVerbose = tel.TraceVerbose
	obsCfg.Prometheus = tel.Prometheus
	obsCfg.LogLevel = level
	obsCfg.LogJSON = a.cfg.Logging.JSON

	if tel.ServiceName != "" {
		obsCfg.ServiceName = tel.ServiceName
	}

	if opts.debug {
		obsCfg.LogLevel = slog.LevelDebug
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}

	a.providers = providers
	a.logger = providers.Logger

	pipeline, err := observability.NewPipelineMetrics(providers.Meter)
	if err != nil {
		return fmt.Errorf("create pipeline metrics: %w", err)
	}

	a.pipeline = pipeline

	return nil
}

func (a *app) initStorage(ctx context.Context, mode storageMode) error {
	if mode == storageMemory {
		mem := store.NewMemory()
		q := queue.NewMemoryQueue(a.cfg.Queue)

		a.store, a.queue = mem, q
		a.closers = append(a.closers, q.Close, mem.Close)

		return nil
	}

	db, err := store.OpenDB(ctx, a.cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	a.db = db
	a.closers = append(a.closers, db.Close)

	sqlStore, err := store.NewSQLite(ctx, db)
	if err != nil {
		return fmt.Errorf("init job store: %w", err)
	}

	q, err := queue.NewSQLiteQueue(ctx, db, a.cfg.Queue)
	if err != nil {
		return fmt.Errorf("init task queue: %w", err)
	}

	a.store, a.queue = sqlStore, q
	a.closers = append(a.closers, q.Close)

	return nil
}

func (a *app) initPool() error {
	cfg := a.cfg

	c, err := cache.Open(cfg.Cache, cache.WithLogger(a.logger), cache.WithMetrics(a.pipeline))
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	a.cache = c
	a.closers = append(a.closers, c.Close)

	spaces, err := workspace.New(cfg.Analysis.WorkspaceDir, workspace.WithLogger(a.logger))
	if err != nil {
		return fmt.Errorf("init workspaces: %w", err)
	}

	a.spaces = spaces

	limiter := ratelimit.New(cfg.RateLimit.Config, ratelimit.WithRecorder(a.pipeline))

	common := []stages.Option{
		stages.WithLogger(a.logger),
		stages.WithCache(c),
		stages.WithLimiter(limiter, cfg.RateLimit.MaxWait),
	}

	gitBreaker := breaker.New(ratelimit.ResourceGitHosting, cfg.Breaker)
	llmBreaker := breaker.New(ratelimit.ResourceInsightLLM, cfg.Breaker)

	generator, err := a.insightGenerator()
	if err != nil {
		return err
	}

	compilation, err := stages.NewCompilation(spaces, common...)
	if err != nil {
		return fmt.Errorf("init compilation: %w", err)
	}

	executors := []stages.Executor{
		stages.NewExtraction(spaces, gitBreaker, cfg.Analysis.Extraction(), common...),
		stages.NewComplexity(spaces, cfg.Analysis.Complexity(), common...),
		stages.NewInsights(generator, llmBreaker, common...),
		compilation,
	}

	pool, err := worker.New(a.queue, a.orch, executors, cfg.Workers,
		worker.WithLogger(a.logger),
		worker.WithMetrics(a.pipeline),
		worker.WithTracer(a.providers.Tracer),
	)
	if err != nil {
		return fmt.Errorf("init worker pool: %w", err)
	}

	a.pool = pool

	return nil
}

// insightGenerator returns nil when generated insights are disabled.
func (a *app) insightGenerator() (insights.Generator, error) {
	if !a.cfg.Insights.Active() {
		a.logger.Info("generated insights disabled", "enabled", a.cfg.Insights.Enabled)

		return nil, nil
	}

	openAI := a.cfg.Insights.OpenAIConfig
	openAI.Logger = a.logger

	gen, err := insights.NewOpenAIGenerator(openAI)
	if err != nil {
		return nil, fmt.Errorf("init insight generator: %w", err)
	}

	return gen, nil
}

// observeQueue exports the queue depth gauge.
func (a *app) observeQueue() error {
	return a.pipeline.ObserveQueueDepth(a.queue.Len)
}

// readyChecks verify that storage answers.
func (a *app) readyChecks() []observability.ReadyCheck {
	if a.db == nil {
		return nil
	}

	return []observability.ReadyCheck{a.db.PingContext}
}

// sweepWorkspaces removes stale checkouts until ctx ends.
func (a *app) sweepWorkspaces(ctx context.Context) {
	if a.spaces == nil {
		return
	}

	ticker := time.NewTicker(workspaceSweepInterval)
	defer ticker.Stop()

	for {
		removed, err := a.spaces.Sweep(workspaceMaxAge)
		if err != nil {
			a.logger.WarnContext(ctx, "workspace sweep failed", "error", err)
		} else if removed > 0 {
			a.logger.InfoContext(ctx, "stale workspaces removed", "count", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// close releases everything in reverse order of creation and flushes telemetry.
func (a *app) close(ctx context.Context) {
	var errs []error

	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}

	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.Warn("close failed", "error", err)
	}

	if a.providers.Shutdown == nil {
		return
	}

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = observability.DefaultConfig().ShutdownTimeout
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	if err := a.providers.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("observability shutdown failed", "error", err)
	}
}
