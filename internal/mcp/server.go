// Package mcp implements a Model Context Protocol server exposing analysis
// jobs and inline complexity measurement as MCP tools.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/codevoyage/internal/observability"
	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/complexity"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/version"
)

const serverName = "codevoyage"

// Service is the job API the tools drive.
type Service interface {
	Submit(ctx context.Context, repo analysis.RepositoryRef) (jobs.Job, error)
	Cancel(ctx context.Context, jobID string) (jobs.Job, error)
	Job(ctx context.Context, jobID string) (jobs.Job, error)
	Jobs(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error)
	Transitions(ctx context.Context, jobID string) ([]jobs.Transition, error)
	Output(ctx context.Context, jobID string, stage analysis.Stage) (analysis.Output, error)
}

// ServerDeps holds injectable dependencies for the MCP server.
// Zero-value fields use production defaults.
type ServerDeps struct {
	// Service backs the job tools. Nil registers only the complexity tool.
	Service Service

	// Scanner measures inline code. Nil uses a scanner with default settings.
	Scanner *complexity.Scanner

	// Logger is an optional structured logger. Nil uses slog default.
	Logger *slog.Logger

	// Metrics is an optional RED metrics recorder. Nil disables per-tool metrics.
	Metrics *observability.REDMetrics

	// Tracer is an optional tracer for per-call spans. Nil disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with the codevoyage tools.
type Server struct {
	inner   *mcpsdk.Server
	mu      sync.RWMutex
	tools   []string
	metrics *observability.REDMetrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewServer creates an MCP server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inner := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    serverName,
		Version: version.Version,
	}, opts)

	srv := &Server{
		inner:   inner,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		logger:  logger,
	}

	scanner := deps.Scanner
	if scanner == nil {
		scanner = complexity.NewScanner(complexity.DefaultConfig())
	}

	addTool(srv, ToolNameComplexity, complexityToolDescription, complexityHandler(scanner))

	if deps.Service != nil {
		h := jobTools{svc: deps.Service}

		addTool(srv, ToolNameSubmit, submitToolDescription, h.submit)
		addTool(srv, ToolNameStatus, statusToolDescription, h.status)
		addTool(srv, ToolNameList, listToolDescription, h.list)
		addTool(srv, ToolNameTransitions, transitionsToolDescription, h.transitions)
		addTool(srv, ToolNameOutput, outputToolDescription, h.output)
		addTool(srv, ToolNameCancel, cancelToolDescription, h.cancel)
	}

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run serves on stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport serves on transport until ctx is cancelled or the
// connection closes.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	err := s.inner.Run(ctx, transport)
	if err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

type toolHandler[In any] func(context.Context, *mcpsdk.CallToolRequest, In) (*mcpsdk.CallToolResult, ToolOutput, error)

func addTool[In any](s *Server, name, description string, handler toolHandler[In]) {
	wrapped := withMetrics(s.metrics, name, withTracing(s.tracer, name, withLogging(s.logger, name, handler)))

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{Name: name, Description: description}, mcpsdk.ToolHandlerFor[In, ToolOutput](wrapped))

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}

const (
	mcpSpanPrefix  = "mcp."
	traceIDMetaKey = "trace_id"
	toolMethod     = "tool"
)

// withTracing starts a span per call and appends the trace id to sampled results.
func withTracing[In any](tracer trace.Tracer, name string, handler toolHandler[In]) toolHandler[In] {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+name,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", name)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		if err != nil {
			span.RecordError(err)
		}

		sc := span.SpanContext()
		if sc.IsSampled() && result != nil {
			result.Content = append(result.Content, &mcpsdk.TextContent{
				Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String()),
			})
		}

		return result, output, err
	}
}

// withMetrics records RED metrics per call, with the tool name as route.
// Tool-level errors count as client errors.
func withMetrics[In any](metrics *observability.REDMetrics, name string, handler toolHandler[In]) toolHandler[In] {
	if metrics == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()

		done := metrics.TrackInflight(ctx, name)
		defer done()

		result, output, err := handler(ctx, req, input)

		status := http.StatusOK

		switch {
		case err != nil:
			status = http.StatusInternalServerError
		case result != nil && result.IsError:
			status = http.StatusBadRequest
		}

		metrics.RecordRequest(ctx, name, toolMethod, status, time.Since(start))

		return result, output, err
	}
}

func withLogging[In any](logger *slog.Logger, name string, handler toolHandler[In]) toolHandler[In] {
	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input In) (*mcpsdk.CallToolResult, ToolOutput, error) {
		result, output, err := handler(ctx, req, input)

		if result != nil && result.IsError && len(result.Content) > 0 {
			if text, ok := result.Content[0].(*mcpsdk.TextContent); ok {
				logger.DebugContext(ctx, "mcp tool returned error", "tool", name, "error", text.Text)
			}
		}

		return result, output, err
	}
}

// Tool descriptions.
const (
	complexityToolDescription = "Measure cyclomatic complexity, line counts and maintainability of inline source code. " +
		"Accepts the code and a language file extension such as go, py or ts."

	submitToolDescription = "Submit a repository for analysis. " +
		"The job runs extraction, complexity, insights and compilation stages; poll it with codevoyage_status."

	statusToolDescription = "Return the status, current stage, progress and error of an analysis job."

	listToolDescription = "List analysis jobs, most recent first, optionally filtered by status."

	transitionsToolDescription = "Return the append-only stage transition log of an analysis job."

	outputToolDescription = "Return the persisted output of one completed stage of an analysis job " +
		"(extraction, complexity, insights or compilation)."

	cancelToolDescription = "Cancel an analysis job that has not finished."
)
