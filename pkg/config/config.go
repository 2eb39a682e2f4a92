// Package config loads and validates the codevoyage configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/pkg/breaker"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/complexity"
	"github.com/Sumatoshi-tech/codevoyage/pkg/insights"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
	"github.com/Sumatoshi-tech/codevoyage/pkg/stages"
	"github.com/Sumatoshi-tech/codevoyage/pkg/worker"
)

// Sentinel validation errors.
var (
	ErrInvalidPort        = errors.New("invalid server port")
	ErrInvalidRetryBudget = errors.New("retry budget must be positive")
	ErrInvalidRetryDelay  = errors.New("retry max delay must not be below base delay")
	ErrInvalidWorkers     = errors.New("worker count must be positive")
	ErrInvalidLimit       = errors.New("analysis limits must be positive")
	ErrInvalidBucket      = errors.New("rate limit bucket needs positive capacity and refill")
	ErrInvalidLogLevel    = errors.New("unknown log level")
	ErrInvalidSampleRatio = errors.New("trace sample ratio must be within [0, 1]")
	ErrMissingStorage     = errors.New("storage path is required")
)

const maxPort = 65535

// Config is the complete codevoyage configuration.
type Config struct {
	Analysis  AnalysisConfig   `mapstructure:"analysis"`
	Retry     jobs.RetryConfig `mapstructure:"retry"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
	Cache     cache.Config     `mapstructure:"cache"`
	Workers   worker.Config    `mapstructure:"workers"`
	Queue     queue.Config     `mapstructure:"queue"`
	Progress  progress.Config  `mapstructure:"progress"`
	Insights  InsightsConfig   `mapstructure:"insights"`
	Breaker   breaker.Config   `mapstructure:"breaker"`
	Server    ServerConfig     `mapstructure:"server"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Logging   LoggingConfig    `mapstructure:"logging"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
}

// AnalysisConfig holds the limits of the analysis stages.
type AnalysisConfig struct {
	MaxCommits            int           `mapstructure:"max_commits"`
	CommitStatsLimit      int           `mapstructure:"commit_stats_limit"`
	MaxFilesForComplexity int           `mapstructure:"max_files_for_complexity"`
	HotspotCount          int           `mapstructure:"hotspot_count"`
	MaxFileBytes          int64         `mapstructure:"max_file_bytes"`
	WorkspaceDir          string        `mapstructure:"workspace_dir"`
	CloneTimeout          time.Duration `mapstructure:"clone_timeout"`
}

// Extraction returns the extraction stage settings.
func (c AnalysisConfig) Extraction() stages.ExtractionConfig {
	return stages.ExtractionConfig{
		MaxCommits:       c.MaxCommits,
		CommitStatsLimit: c.CommitStatsLimit,
		CloneTimeout:     c.CloneTimeout,
	}
}

// Complexity returns the complexity scanner settings.
func (c AnalysisConfig) Complexity() complexity.Config {
	return complexity.Config{
		MaxFiles:     c.MaxFilesForComplexity,
		HotspotCount: c.HotspotCount,
		MaxFileBytes: c.MaxFileBytes,
	}
}

// RateLimitConfig holds the token buckets and the longest wait a stage
// accepts before failing as rate exhausted.
type RateLimitConfig struct {
	ratelimit.Config `mapstructure:",squash"`

	MaxWait time.Duration `mapstructure:"max_wait"`
}

// InsightsConfig configures generated insights.
type InsightsConfig struct {
	insights.OpenAIConfig `mapstructure:",squash"`

	Enabled bool `mapstructure:"enabled"`
}

// Active reports whether generated insights should be requested.
func (c InsightsConfig) Active() bool {
	return c.Enabled && c.APIKey != ""
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// EmbeddedWorkers runs the worker pool inside the API process.
	EmbeddedWorkers bool `mapstructure:"embedded_workers"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig locates the SQLite database holding jobs, outputs and the queue.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// SlogLevel parses Level.
func (c LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level

	err := level.UnmarshalText([]byte(strings.TrimSpace(c.Level)))
	if err != nil {
		return slog.LevelInfo, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.Level)
	}

	return level, nil
}

// TelemetryConfig configures tracing and metric export.
type TelemetryConfig struct {
	ServiceName  string  `mapstructure:"service_name"`
	Environment  string  `mapstructure:"environment"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	DebugTrace   bool    `mapstructure:"debug_trace"`
	TraceVerbose bool    `mapstructure:"trace_verbose"`
	Prometheus   bool    `mapstructure:"prometheus"`
}

// Validate checks the configuration for values the services cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Server.Port)
	}

	if c.Retry.Budget <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetryBudget, c.Retry.Budget)
	}

	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("%w: %s < %s", ErrInvalidRetryDelay, c.Retry.MaxDelay, c.Retry.BaseDelay)
	}

	if c.Workers.Count <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, c.Workers.Count)
	}

	limits := map[string]int{
		"max_commits":              c.Analysis.MaxCommits,
		"max_files_for_complexity": c.Analysis.MaxFilesForComplexity,
		"hotspot_count":            c.Analysis.HotspotCount,
	}

	for name, value := range limits {
		if value <= 0 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidLimit, name, value)
		}
	}

	buckets := map[string]ratelimit.BucketConfig{"default": c.RateLimit.Default}
	for name, bucket := range c.RateLimit.Resources {
		buckets[name] = bucket
	}

	for name, bucket := range buckets {
		if bucket.Capacity <= 0 || bucket.RefillPerSecond <= 0 {
			return fmt.Errorf("%w: %s", ErrInvalidBucket, name)
		}
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		return err
	}

	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidSampleRatio, c.Telemetry.SampleRatio)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return ErrMissingStorage
	}

	return nil
}
