// Package worker runs stage executors for tasks pulled from the queue and
// reports every outcome back to the orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
	"github.com/Sumatoshi-tech/codevoyage/pkg/stages"
)

// Pool defaults.
const (
	DefaultCount             = 4
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRequeueDelay      = 5 * time.Second
)

const tracerName = "codevoyage"

// progressStep is the smallest fraction change forwarded while the status
// stays the same.
const progressStep = 0.01

// Run outcomes recorded per stage.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
	OutcomeDropped   = "dropped"
	OutcomeRequeued  = "requeued"
)

// ErrMissingExecutor is returned by New when a stage has no executor.
var ErrMissingExecutor = errors.New("no executor for stage")

// Coordinator is the part of the orchestrator workers talk to.
type Coordinator interface {
	Begin(ctx context.Context, task queue.Task) (jobs.Assignment, error)
	ReportProgress(ctx context.Context, jobID string, stage analysis.Stage, attempt int, fraction float64, status string) error
	Advance(ctx context.Context, jobID string, result jobs.StageResult) (jobs.Job, error)
	Fail(ctx context.Context, jobID string, stage analysis.Stage, attempt int, cause error) (jobs.Job, error)
	IsCancelled(ctx context.Context, jobID string) (bool, error)
}

// Metrics records stage runs. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordStageRun(stage analysis.Stage, outcome string, duration time.Duration)
}

// Config configures a Pool.
type Config struct {
	// Count is the number of concurrent workers.
	Count int `mapstructure:"count"`
	// HeartbeatInterval is how often a running task extends its lease.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// RequeueDelay delays tasks released after an infrastructure error.
	RequeueDelay time.Duration `mapstructure:"requeue_delay"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Count:             DefaultCount,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RequeueDelay:      DefaultRequeueDelay,
	}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// WithTracer sets the tracer. Defaults to the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pool) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// Pool is a fixed set of workers draining a queue.
type Pool struct {
	queue     queue.Queue
	coord     Coordinator
	executors map[analysis.Stage]stages.Executor
	cfg       Config
	logger    *slog.Logger
	metrics   Metrics
	tracer    trace.Tracer
}

// New creates a Pool. Every stage must have exactly one executor.
func New(q queue.Queue, coord Coordinator, executors []stages.Executor, cfg Config, opts ...Option) (*Pool, error) {
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}

	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if cfg.RequeueDelay <= 0 {
		cfg.RequeueDelay = DefaultRequeueDelay
	}

	byStage := make(map[analysis.Stage]stages.Executor, len(executors))
	for _, exec := range executors {
		byStage[exec.Stage()] = exec
	}

	for _, stage := range analysis.Stages() {
		if _, ok := byStage[stage]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingExecutor, stage)
		}
	}

	p := &Pool{
		queue:     q,
		coord:     coord,
		executors: byStage,
		cfg:       cfg,
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Run starts the workers and blocks until ctx ends or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for id := range p.cfg.Count {
		g.Go(func() error {
			return p.loop(gctx, id)
		})
	}

	p.logger.InfoContext(ctx, "workers started", "count", p.cfg.Count)

	err := g.Wait()

	p.logger.InfoContext(ctx, "workers stopped")

	return err
}

func (p *Pool) loop(ctx context.Context, id int) error {
	logger := p.logger.With("worker", id)

	for {
		lease, err := p.queue.Dequeue(ctx)

		switch {
		case err == nil:
		case errors.Is(err, queue.ErrClosed), ctx.Err() != nil:
			return nil
		default:
			logger.ErrorContext(ctx, "dequeue failed", "error", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.cfg.RequeueDelay):
			}

			continue
		}

		p.Process(ctx, lease)
	}
}

// Process runs one leased task to an outcome the orchestrator accepted and
// settles the lease.
func (p *Pool) Process(ctx context.Context, lease queue.Lease) {
	task := lease.Task
	logger := p.logger.With("job_id", task.JobID, "stage", task.Stage, "attempt", task.Attempt)

	ctx, span := p.tracer.Start(ctx, "codevoyage.stage",
		trace.WithAttributes(
			attribute.String("job.id", task.JobID),
			attribute.String("stage", string(task.Stage)),
			attribute.Int("attempt", task.Attempt),
			attribute.Int("deliveries", lease.Deliveries),
		))
	defer span.End()

	start := time.Now()

	assignment, err := p.coord.Begin(ctx, task)

	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrStale), errors.Is(err, jobs.ErrCancelled), errors.Is(err, jobs.ErrJobNotFound):
		logger.DebugContext(ctx, "dropping task", "reason", err)
		p.settle(ctx, lease, OutcomeDropped, start, logger)

		return
	case isStageError(err):
		p.fail(ctx, lease, err, start, logger)

		return
	default:
		span.RecordError(err)
		logger.WarnContext(ctx, "begin task failed, requeueing", "error", err)
		p.requeue(ctx, lease, start, logger)

		return
	}

	exec := p.executors[task.Stage]

	run := p.execute(ctx, exec, assignment, lease, logger)
	if run.leaseLost {
		logger.WarnContext(ctx, "lease lost during execution, abandoning attempt")
		p.record(task.Stage, OutcomeDropped, start)

		return
	}

	// Results finished during shutdown are still recorded; failures are
	// handed back to the queue instead of spending a retry.
	settleCtx := context.WithoutCancel(ctx)

	if run.err != nil && ctx.Err() != nil {
		p.requeue(settleCtx, lease, start, logger)

		return
	}

	ctx = settleCtx

	if run.err != nil {
		span.RecordError(run.err)
		span.SetStatus(codes.Error, run.err.Error())
		p.fail(ctx, lease, run.err, start, logger)

		return
	}

	_, err = p.coord.Advance(ctx, task.JobID, jobs.StageResult{Stage: task.Stage, Attempt: task.Attempt, Output: run.output})

	switch {
	case err == nil:
		p.settle(ctx, lease, OutcomeSucceeded, start, logger)
	case errors.Is(err, jobs.ErrStale), errors.Is(err, jobs.ErrCancelled):
		logger.InfoContext(ctx, "discarding result", "reason", err)
		p.settle(ctx, lease, OutcomeCancelled, start, logger)
	default:
		span.RecordError(err)
		logger.ErrorContext(ctx, "advance failed, requeueing", "error", err)
		p.requeue(ctx, lease, start, logger)
	}
}

// attempt is the result of running an executor once.
type attempt struct {
	output analysis.Output
	err    error
	// leaseLost is set when the lease could not be extended and the run was
	// abandoned.
	leaseLost bool
}

// execute runs the executor while a heartbeat keeps the lease alive.
func (p *Pool) execute(
	ctx context.Context, exec stages.Executor, assignment jobs.Assignment, lease queue.Lease, logger *slog.Logger,
) attempt {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	task := lease.Task

	var (
		mu        sync.Mutex
		current   = lease
		leaseLost bool
		stopped   bool
		reported  progressMark
	)

	heartbeatDone := make(chan struct{})

	go func() {
		defer close(heartbeatDone)

		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}

			extended, err := p.queue.Extend(runCtx, current)

			switch {
			case err == nil:
				current = extended
			case errors.Is(err, queue.ErrLeaseLost):
				mu.Lock()
				leaseLost = true
				mu.Unlock()
				cancel()

				return
			case runCtx.Err() == nil:
				logger.WarnContext(ctx, "extend lease failed", "error", err)
			}
		}
	}()

	in := stages.Input{
		JobID:      task.JobID,
		Repository: assignment.Job.Repository,
		Attempt:    task.Attempt,
		Prior:      assignment.Prior,
		OnProgress: func(fraction float64, status string) {
			mu.Lock()
			skip := stopped || !reported.due(fraction, status)
			mu.Unlock()

			if skip {
				return
			}

			// An external call in flight finishes; the next checkpoint stops it.
			err := p.coord.ReportProgress(runCtx, task.JobID, task.Stage, task.Attempt, fraction, status)
			if errors.Is(err, jobs.ErrCancelled) || errors.Is(err, jobs.ErrStale) {
				mu.Lock()
				stopped = true
				mu.Unlock()
			}
		},
		Cancelled: func(ctx context.Context) (bool, error) {
			mu.Lock()
			halted := stopped
			mu.Unlock()

			if halted {
				return true, nil
			}

			return p.coord.IsCancelled(ctx, task.JobID)
		},
	}

	output, err := runSafely(runCtx, exec, in)

	cancel()
	<-heartbeatDone

	mu.Lock()
	defer mu.Unlock()

	if leaseLost {
		return attempt{err: err, leaseLost: true}
	}

	if stopped {
		return attempt{err: analysis.ErrCancelled}
	}

	return attempt{output: output, err: err}
}

// progressMark remembers the last progress forwarded to the coordinator so
// chatty callbacks such as transfer progress are coalesced.
type progressMark struct {
	sent     bool
	fraction float64
	status   string
}

// due reports whether fraction and status differ enough from the last
// forwarded report, and records them when they do.
func (m *progressMark) due(fraction float64, status string) bool {
	if m.sent && status == m.status && fraction < 1 && fraction-m.fraction < progressStep {
		return false
	}

	m.sent = true
	m.fraction = fraction
	m.status = status

	return true
}

// runSafely converts executor panics into internal errors.
func runSafely(ctx context.Context, exec stages.Executor, in stages.Input) (output analysis.Output, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = analysis.Internal(fmt.Errorf("%s executor panicked: %v\n%s", exec.Stage(), recovered, debug.Stack()))
		}
	}()

	return exec.Execute(ctx, in)
}

func (p *Pool) fail(ctx context.Context, lease queue.Lease, cause error, start time.Time, logger *slog.Logger) {
	task := lease.Task

	job, err := p.coord.Fail(ctx, task.JobID, task.Stage, task.Attempt, cause)

	switch {
	case err == nil:
		outcome := OutcomeFailed
		if job.Status == jobs.StatusCancelled {
			outcome = OutcomeCancelled
		}

		p.settle(ctx, lease, outcome, start, logger)
	case errors.Is(err, jobs.ErrStale), errors.Is(err, jobs.ErrCancelled):
		p.settle(ctx, lease, OutcomeCancelled, start, logger)
	default:
		logger.ErrorContext(ctx, "recording failure failed, requeueing", "error", err, "cause", cause)
		p.requeue(ctx, lease, start, logger)
	}
}

func (p *Pool) settle(ctx context.Context, lease queue.Lease, outcome string, start time.Time, logger *slog.Logger) {
	p.record(lease.Task.Stage, outcome, start)

	err := p.queue.Ack(ctx, lease)
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) && !errors.Is(err, queue.ErrClosed) {
		logger.WarnContext(ctx, "ack failed", "error", err)
	}
}

func (p *Pool) requeue(ctx context.Context, lease queue.Lease, start time.Time, logger *slog.Logger) {
	p.record(lease.Task.Stage, OutcomeRequeued, start)

	err := p.queue.Nack(ctx, lease, p.cfg.RequeueDelay)
	if err != nil && !errors.Is(err, queue.ErrLeaseLost) && !errors.Is(err, queue.ErrClosed) {
		logger.WarnContext(ctx, "nack failed", "error", err)
	}
}

func (p *Pool) record(stage analysis.Stage, outcome string, start time.Time) {
	if p.metrics != nil {
		p.metrics.RecordStageRun(stage, outcome, time.Since(start))
	}
}

func isStageError(err error) bool {
	var stageErr *analysis.StageError

	return errors.As(err, &stageErr)
}
