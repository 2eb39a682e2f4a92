package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/pkg/config"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "codevoyage.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 2000, cfg.Analysis.MaxCommits)
	assert.Equal(t, 1000, cfg.Analysis.CommitStatsLimit)
	assert.Equal(t, 2000, cfg.Analysis.MaxFilesForComplexity)
	assert.Equal(t, 20, cfg.Analysis.HotspotCount)

	assert.Equal(t, 3, cfg.Retry.Budget)
	assert.Equal(t, 2*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Retry.MaxDelay)

	assert.Equal(t, 64, cfg.RateLimit.MaxQueueDepth)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.MaxWait)
	assert.Contains(t, cfg.RateLimit.Resources, ratelimit.ResourceGitHosting)
	assert.Contains(t, cfg.RateLimit.Resources, ratelimit.ResourceInsightLLM)

	assert.Equal(t, 256, cfg.Cache.HotCapacity)
	assert.Equal(t, 1<<20, cfg.Cache.ColdThreshold)
	assert.True(t, cfg.Cache.InMemory)

	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, 30*time.Second, cfg.Workers.HeartbeatInterval)
	assert.Equal(t, 10*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, 64, cfg.Progress.ReplayBuffer)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, cfg.Breaker.OpenTimeout)

	assert.Equal(t, config.DefaultPort, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
	assert.Equal(t, config.DefaultStoragePath, cfg.Storage.Path)
	assert.Equal(t, config.DefaultModel, cfg.Insights.Model)

	level, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestLoadConfig_File(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
analysis:
  max_commits: 500
  commit_stats_limit: 100
  max_files_for_complexity: 300
  hotspot_count: 5
  clone_timeout: 2m
retry:
  budget: 5
  base_delay: 1s
  max_delay: 10s
ratelimit:
  max_wait: 5s
  resources:
    insight_llm:
      capacity: 2
      refill_per_second: 0.05
workers:
  count: 8
insights:
  enabled: true
  api_key: sk-file
  model: gpt-4o
server:
  port: 9090
storage:
  path: /var/lib/codevoyage/jobs.db
logging:
  level: debug
  json: true
`)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	extraction := cfg.Analysis.Extraction()
	assert.Equal(t, 500, extraction.MaxCommits)
	assert.Equal(t, 100, extraction.CommitStatsLimit)
	assert.Equal(t, 2*time.Minute, extraction.CloneTimeout)

	scanner := cfg.Analysis.Complexity()
	assert.Equal(t, 300, scanner.MaxFiles)
	assert.Equal(t, 5, scanner.HotspotCount)

	assert.Equal(t, 5, cfg.Retry.Budget)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 5*time.Second, cfg.RateLimit.MaxWait)
	assert.Equal(t, ratelimit.BucketConfig{Capacity: 2, RefillPerSecond: 0.05},
		cfg.RateLimit.Resources[ratelimit.ResourceInsightLLM])
	assert.Equal(t, 8, cfg.Workers.Count)

	assert.True(t, cfg.Insights.Active())
	assert.Equal(t, "sk-file", cfg.Insights.APIKey)
	assert.Equal(t, "gpt-4o", cfg.Insights.Model)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/var/lib/codevoyage/jobs.db", cfg.Storage.Path)
	assert.True(t, cfg.Logging.JSON)

	level, err := cfg.Logging.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CODEVOYAGE_WORKERS_COUNT", "12")
	t.Setenv("CODEVOYAGE_RETRY_BUDGET", "4")
	t.Setenv(config.OpenAIKeyEnv, "sk-env")

	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, 12, cfg.Workers.Count)
	assert.Equal(t, 4, cfg.Retry.Budget)
	assert.Equal(t, "sk-env", cfg.Insights.APIKey)
	assert.True(t, cfg.Insights.Active())
}

func TestLoadConfig_CodevoyageKeyWins(t *testing.T) {
	t.Setenv("CODEVOYAGE_INSIGHTS_API_KEY", "sk-codevoyage")
	t.Setenv(config.OpenAIKeyEnv, "sk-openai")

	cfg, err := config.LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, "sk-codevoyage", cfg.Insights.APIKey)
}

func TestLoadConfig_Invalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    error
	}{
		{name: "port", content: "server:\n  port: 70000\n", want: config.ErrInvalidPort},
		{name: "budget", content: "retry:\n  budget: 0\n", want: config.ErrInvalidRetryBudget},
		{name: "delays", content: "retry:\n  base_delay: 10s\n  max_delay: 1s\n", want: config.ErrInvalidRetryDelay},
		{name: "workers", content: "workers:\n  count: 0\n", want: config.ErrInvalidWorkers},
		{name: "limits", content: "analysis:\n  hotspot_count: 0\n", want: config.ErrInvalidLimit},
		{
			name:    "bucket",
			content: "ratelimit:\n  resources:\n    git_hosting:\n      capacity: 0\n      refill_per_second: 1\n",
			want:    config.ErrInvalidBucket,
		},
		{name: "log level", content: "logging:\n  level: chatty\n", want: config.ErrInvalidLogLevel},
		{name: "sample ratio", content: "telemetry:\n  sample_ratio: 2\n", want: config.ErrInvalidSampleRatio},
		{name: "storage", content: "storage:\n  path: \"\"\n", want: config.ErrMissingStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.LoadConfig(writeConfig(t, tt.content))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestLoadConfig_MalformedFile(t *testing.T) {
	t.Parallel()

	_, err := config.LoadConfig(writeConfig(t, "server: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestInsightsConfig_Active(t *testing.T) {
	t.Parallel()

	var cfg config.InsightsConfig

	assert.False(t, cfg.Active())

	cfg.APIKey = "sk"
	assert.False(t, cfg.Active(), "disabled")

	cfg.Enabled = true
	assert.True(t, cfg.Active())
}
