package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/Sumatoshi-tech/codevoyage/pkg/breaker"
	"github.com/Sumatoshi-tech/codevoyage/pkg/cache"
	"github.com/Sumatoshi-tech/codevoyage/pkg/complexity"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
	"github.com/Sumatoshi-tech/codevoyage/pkg/stages"
	"github.com/Sumatoshi-tech/codevoyage/pkg/worker"
)

const (
	configName = "codevoyage"
	configType = "yaml"
	envPrefix  = "CODEVOYAGE"

	// OpenAIKeyEnv is read when no codevoyage-specific key is set.
	OpenAIKeyEnv = "OPENAI_API_KEY"
)

// Server and storage defaults.
const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8080
	DefaultStoragePath  = "./data/codevoyage.db"
	DefaultWorkspaceDir = "./data/workspaces"
	DefaultModel        = "gpt-4o-mini"
	DefaultMaxTokens    = 2000
	DefaultMaxWait      = "30s"
)

// Default buckets of the external resources.
var (
	gitHostingBucket = ratelimit.BucketConfig{Capacity: 30, RefillPerSecond: 0.5}
	insightLLMBucket = ratelimit.BucketConfig{Capacity: 10, RefillPerSecond: 0.2}
)

// LoadConfig reads defaults, an optional YAML file and CODEVOYAGE_* environment
// variables. With an empty configPath codevoyage.yaml is searched in the
// working directory, ./config and /etc/codevoyage; a missing file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindErr := v.BindEnv("insights.api_key", envPrefix+"_INSIGHTS_API_KEY", OpenAIKeyEnv)
	if bindErr != nil {
		return nil, fmt.Errorf("bind env: %w", bindErr)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath(filepath.Join("/etc", configName))
	}

	readErr := v.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := v.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	extraction := stages.DefaultExtractionConfig()
	scanner := complexity.DefaultConfig()

	v.SetDefault("analysis.max_commits", extraction.MaxCommits)
	v.SetDefault("analysis.commit_stats_limit", extraction.CommitStatsLimit)
	v.SetDefault("analysis.clone_timeout", extraction.CloneTimeout)
	v.SetDefault("analysis.max_files_for_complexity", scanner.MaxFiles)
	v.SetDefault("analysis.hotspot_count", scanner.HotspotCount)
	v.SetDefault("analysis.max_file_bytes", scanner.MaxFileBytes)
	v.SetDefault("analysis.workspace_dir", DefaultWorkspaceDir)

	retry := jobs.DefaultRetryConfig()
	v.SetDefault("retry.budget", retry.Budget)
	v.SetDefault("retry.base_delay", retry.BaseDelay)
	v.SetDefault("retry.max_delay", retry.MaxDelay)
	v.SetDefault("retry.jitter", retry.Jitter)

	limits := ratelimit.DefaultConfig()
	v.SetDefault("ratelimit.default.capacity", limits.Default.Capacity)
	v.SetDefault("ratelimit.default.refill_per_second", limits.Default.RefillPerSecond)
	v.SetDefault("ratelimit.max_queue_depth", limits.MaxQueueDepth)
	v.SetDefault("ratelimit.max_wait", DefaultMaxWait)

	for name, bucket := range map[string]ratelimit.BucketConfig{
		ratelimit.ResourceGitHosting: gitHostingBucket,
		ratelimit.ResourceInsightLLM: insightLLMBucket,
	} {
		v.SetDefault("ratelimit.resources."+name+".capacity", bucket.Capacity)
		v.SetDefault("ratelimit.resources."+name+".refill_per_second", bucket.RefillPerSecond)
	}

	cacheCfg := cache.DefaultConfig()
	v.SetDefault("cache.hot_capacity", cacheCfg.HotCapacity)
	v.SetDefault("cache.cold_threshold", cacheCfg.ColdThreshold)
	v.SetDefault("cache.ttl", cacheCfg.TTL)
	v.SetDefault("cache.warm_dir", "")
	v.SetDefault("cache.cold_dir", "")
	v.SetDefault("cache.in_memory", cacheCfg.InMemory)

	workers := worker.DefaultConfig()
	v.SetDefault("workers.count", workers.Count)
	v.SetDefault("workers.heartbeat_interval", workers.HeartbeatInterval)
	v.SetDefault("workers.requeue_delay", workers.RequeueDelay)

	queueCfg := queue.DefaultConfig()
	v.SetDefault("queue.visibility_timeout", queueCfg.VisibilityTimeout)
	v.SetDefault("queue.poll_interval", queueCfg.PollInterval)

	progressCfg := progress.DefaultConfig()
	v.SetDefault("progress.replay_buffer", progressCfg.ReplayBuffer)
	v.SetDefault("progress.subscriber_buffer", progressCfg.SubscriberBuffer)
	v.SetDefault("progress.retention", progressCfg.Retention)
	v.SetDefault("progress.idle_retention", progressCfg.IdleRetention)

	v.SetDefault("insights.enabled", true)
	v.SetDefault("insights.api_key", "")
	v.SetDefault("insights.model", DefaultModel)
	v.SetDefault("insights.base_url", "")
	v.SetDefault("insights.max_tokens", DefaultMaxTokens)
	v.SetDefault("insights.timeout", "60s")

	breakerCfg := breaker.DefaultConfig()
	v.SetDefault("breaker.failure_threshold", breakerCfg.FailureThreshold)
	v.SetDefault("breaker.open_timeout", breakerCfg.OpenTimeout)

	v.SetDefault("server.host", DefaultHost)
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.embedded_workers", true)

	v.SetDefault("storage.path", DefaultStoragePath)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)

	v.SetDefault("telemetry.service_name", configName)
	v.SetDefault("telemetry.environment", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_headers", "")
	v.SetDefault("telemetry.otlp_insecure", false)
	v.SetDefault("telemetry.sample_ratio", 0.0)
	v.SetDefault("telemetry.debug_trace", false)
	v.SetDefault("telemetry.trace_verbose", false)
	v.SetDefault("telemetry.prometheus", true)
}
