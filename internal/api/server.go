// Package api serves the codevoyage HTTP API: job submission, snapshots,
// transition logs, stage outputs, cancellation, re-runs and a websocket
// progress stream.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
)

// Stream defaults.
const (
	DefaultPollInterval = 2 * time.Second
	DefaultPingInterval = 30 * time.Second
	defaultWriteWait    = 10 * time.Second
)

// Service is the job orchestration surface the API exposes.
type Service interface {
	Submit(ctx context.Context, repo analysis.RepositoryRef) (jobs.Job, error)
	Rerun(ctx context.Context, jobID string) (jobs.Job, error)
	Cancel(ctx context.Context, jobID string) (jobs.Job, error)
	Job(ctx context.Context, jobID string) (jobs.Job, error)
	Jobs(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error)
	Transitions(ctx context.Context, jobID string) ([]jobs.Transition, error)
	Output(ctx context.Context, jobID string, stage analysis.Stage) (analysis.Output, error)
}

// EventSource streams progress events of a job.
type EventSource interface {
	SubscribeFrom(jobID string, afterSeq uint64) *progress.Subscription
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTracer sets the tracer used for request spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithMetrics sets the RED metrics recorder.
func WithMetrics(red *observability.REDMetrics) Option {
	return func(s *Server) {
		s.red = red
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithReadyChecks adds readiness checks to /readyz.
func WithReadyChecks(checks ...observability.ReadyCheck) Option {
	return func(s *Server) {
		s.readyChecks = append(s.readyChecks, checks...)
	}
}

// WithPollInterval sets how often a progress stream re-reads the job from
// the store.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithPingInterval sets the websocket keepalive interval.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pingInterval = d
		}
	}
}

// Server is the HTTP API.
type Server struct {
	svc    Service
	events EventSource
	logger *slog.Logger
	tracer trace.Tracer
	red    *observability.REDMetrics

	metricsHandler http.Handler
	readyChecks    []observability.ReadyCheck
	pollInterval   time.Duration
	pingInterval   time.Duration

	engine *gin.Engine
}

// New creates a Server. events may be nil, in which case progress streams
// rely on store polling alone.
func New(svc Service, events EventSource, opts ...Option) *Server {
	s := &Server{
		svc:          svc,
		events:       events,
		logger:       slog.Default(),
		tracer:       otel.Tracer("codevoyage"),
		pollInterval: DefaultPollInterval,
		pingInterval: DefaultPingInterval,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.telemetry())
	s.routes()

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", gin.WrapH(observability.HealthHandler()))
	s.engine.GET("/readyz", gin.WrapH(observability.ReadyHandler(s.readyChecks...)))

	if s.metricsHandler != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/jobs", s.handleSubmit)
		v1.GET("/jobs", s.handleList)
		v1.GET("/jobs/:id", s.handleGet)
		v1.GET("/jobs/:id/transitions", s.handleTransitions)
		v1.GET("/jobs/:id/outputs/:stage", s.handleOutput)
		v1.POST("/jobs/:id/cancel", s.handleCancel)
		v1.POST("/jobs/:id/rerun", s.handleRerun)
		v1.GET("/jobs/:id/stream", s.handleStream)
	}
}
