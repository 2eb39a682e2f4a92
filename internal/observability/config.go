// Package observability wires OpenTelemetry tracing and metrics, the
// Prometheus scrape endpoint and structured logging for every codevoyage
// process (CLI, API server, worker, MCP).
package observability

import (
	"log/slog"
	"time"
)

// AppMode identifies how the binary was launched.
type AppMode string

const (
	// ModeCLI is a one-shot command such as analyze or status.
	ModeCLI AppMode = "cli"
	// ModeServe is the HTTP API server.
	ModeServe AppMode = "serve"
	// ModeWorker is a standalone stage worker.
	ModeWorker AppMode = "worker"
	// ModeMCP is the MCP stdio server.
	ModeMCP AppMode = "mcp"
)

const (
	defaultServiceName     = "codevoyage"
	defaultShutdownTimeout = 5 * time.Second
)

// Config holds all observability configuration.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Mode           AppMode

	// OTLPEndpoint is the OTLP gRPC collector address. Empty disables OTLP export.
	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool

	// DebugTrace forces full sampling and logs attributes dropped by the filter.
	DebugTrace bool

	// SampleRatio is the root sampling ratio; zero samples every root span.
	SampleRatio float64

	// TraceVerbose keeps per-file and per-cache-lookup spans.
	TraceVerbose bool

	// Prometheus attaches a pull reader served by Providers.MetricsHandler.
	Prometheus bool

	LogLevel slog.Level
	LogJSON  bool

	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config for zero-config startup.
func DefaultConfig() Config {
	return Config{
		ServiceName:     defaultServiceName,
		Mode:            ModeCLI,
		LogLevel:        slog.LevelInfo,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}
