// Package cache implements the tiered stage-output cache: a bounded in-memory
// hot tier, an authoritative badger warm tier and a content-addressed,
// lz4-compressed cold tier on disk.
//
// The cache is best-effort. Backend failures are logged, counted and reported
// to callers as misses; they never surface as errors.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Tier identifies a cache layer.
type Tier string

// Cache tiers, fastest first.
const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Default configuration values.
const (
	DefaultHotCapacity   = 256
	DefaultColdThreshold = 1 << 20
	DefaultTTL           = time.Hour
)

// ErrEmptyKey is returned by GetOrCompute for an empty key.
var ErrEmptyKey = errors.New("cache key is empty")

// Config configures a Cache.
type Config struct {
	// HotCapacity is the maximum number of entries in the hot tier.
	HotCapacity int `mapstructure:"hot_capacity"`
	// ColdThreshold is the payload size in bytes above which values are stored in the cold tier.
	ColdThreshold int `mapstructure:"cold_threshold"`
	// TTL bounds the lifetime of hot and warm entries. Zero disables expiry.
	TTL time.Duration `mapstructure:"ttl"`
	// WarmDir is the badger directory. Empty means in-memory.
	WarmDir string `mapstructure:"warm_dir"`
	// ColdDir is the object store root. Empty disables the cold tier.
	ColdDir string `mapstructure:"cold_dir"`
	// InMemory forces an in-memory warm tier.
	InMemory bool `mapstructure:"in_memory"`
}

// DefaultConfig returns an in-memory configuration with default limits.
func DefaultConfig() Config {
	return Config{
		HotCapacity:   DefaultHotCapacity,
		ColdThreshold: DefaultColdThreshold,
		TTL:           DefaultTTL,
		InMemory:      true,
	}
}

// Metrics receives cache events. Implementations must be safe for concurrent use.
type Metrics interface {
	RecordCacheHit(tier Tier)
	RecordCacheMiss()
	RecordCacheDegraded(tier Tier, op string)
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(c *Cache) {
		c.metrics = metrics
	}
}

// WithClock replaces the wall clock used for hot-tier expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// Cache is the tiered cache. It is safe for concurrent use.
type Cache struct {
	cfg     Config
	hot     *hotTier
	warm    *warmTier
	cold    *coldTier
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
	flight  singleflight.Group

	closeOnce sync.Once
	closeErr  error
}

// Open creates a Cache, opening the warm and cold tiers.
func Open(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.HotCapacity < 0 {
		cfg.HotCapacity = 0
	}

	if cfg.ColdThreshold <= 0 {
		cfg.ColdThreshold = DefaultColdThreshold
	}

	c := &Cache{
		cfg:    cfg,
		hot:    newHotTier(cfg.HotCapacity),
		logger: slog.Default(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	warm, err := openWarmTier(cfg.WarmDir, cfg.InMemory, c.logger)
	if err != nil {
		return nil, err
	}

	c.warm = warm

	if cfg.ColdDir != "" {
		cold, coldErr := openColdTier(cfg.ColdDir)
		if coldErr != nil {
			closeErr := warm.close()

			return nil, errors.Join(coldErr, closeErr)
		}

		c.cold = cold
	}

	return c, nil
}

// Close releases the warm tier. Later calls are no-ops.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		err := c.warm.close()
		if err != nil {
			c.closeErr = fmt.Errorf("close cache: %w", err)
		}
	})

	return c.closeErr
}

// HotLen returns the number of entries currently in the hot tier.
func (c *Cache) HotLen() int {
	return c.hot.len()
}

// Get looks key up hot, then warm, then cold. A hit below the hot tier is
// promoted to the hot tier. The returned slice must not be modified.
func (c *Cache) Get(key string) ([]byte, Tier, bool) {
	now := c.now()

	if value, ok := c.hot.get(key, now); ok {
		c.recordHit(TierHot)

		return value, TierHot, true
	}

	if value, tier, ok := c.getWarm(key); ok {
		c.hot.put(key, value, c.expiry(now))
		c.recordHit(tier)

		return value, tier, true
	}

	if value, ok := c.getColdRef(key); ok {
		c.hot.put(key, value, c.expiry(now))
		c.recordHit(TierCold)

		return value, TierCold, true
	}

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}

	return nil, "", false
}

// Put stores value under key. The warm tier is always written; values larger
// than the cold threshold, or hinted TierCold, are stored as cold objects
// referenced from the warm record. The hot tier receives the value too.
func (c *Cache) Put(key string, value []byte, hint Tier) {
	if key == "" {
		return
	}

	stored := bytes.Clone(value)
	now := c.now()

	record := warmRecord{kind: recordInline, payload: stored}

	if c.cold != nil && (hint == TierCold || len(stored) > c.cfg.ColdThreshold) {
		if digest, ok := c.putCold(key, stored); ok {
			record = warmRecord{kind: recordColdRef, payload: []byte(digest)}
		}
	}

	putErr := c.warm.put(key, record, c.cfg.TTL)
	if putErr != nil {
		c.degraded(TierWarm, "put", key, putErr)
	}

	c.hot.put(key, stored, c.expiry(now))
}

// Invalidate drops key from the hot and warm tiers. Cold objects are immutable
// and stay; their refs are only reachable through a fresh Put.
func (c *Cache) Invalidate(key string) {
	c.hot.remove(key)

	delErr := c.warm.delete(key)
	if delErr != nil {
		c.degraded(TierWarm, "delete", key, delErr)
	}
}

// GetOrCompute returns the cached value for key or runs compute, stores its
// result and returns it. Concurrent calls for the same key share one compute.
// The boolean reports whether the value came from the cache.
func (c *Cache) GetOrCompute(
	ctx context.Context, key string, hint Tier, compute func(context.Context) ([]byte, error),
) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}

	if value, _, ok := c.Get(key); ok {
		return value, true, nil
	}

	type result struct {
		value []byte
	}

	res, err, _ := c.flight.Do(key, func() (any, error) {
		if value, _, ok := c.Get(key); ok {
			return result{value: value}, nil
		}

		value, computeErr := compute(ctx)
		if computeErr != nil {
			return nil, computeErr
		}

		c.Put(key, value, hint)

		return result{value: value}, nil
	})
	if err != nil {
		return nil, false, err
	}

	out, ok := res.(result)
	if !ok {
		return nil, false, fmt.Errorf("unexpected compute result %T", res)
	}

	return out.value, false, nil
}

func (c *Cache) getWarm(key string) ([]byte, Tier, bool) {
	record, found, err := c.warm.get(key)
	if err != nil {
		c.degraded(TierWarm, "get", key, err)

		return nil, "", false
	}

	if !found {
		return nil, "", false
	}

	if record.kind == recordInline {
		return record.payload, TierWarm, true
	}

	if c.cold == nil {
		return nil, "", false
	}

	value, objErr := c.cold.getObject(string(record.payload))
	if objErr != nil {
		c.degraded(TierCold, "get", key, objErr)

		return nil, "", false
	}

	return value, TierCold, true
}

// getColdRef serves keys whose warm record is gone (expired or lost) but whose
// cold ref survives.
func (c *Cache) getColdRef(key string) ([]byte, bool) {
	if c.cold == nil {
		return nil, false
	}

	digest, found, err := c.cold.getRef(key)
	if err != nil {
		c.degraded(TierCold, "get", key, err)

		return nil, false
	}

	if !found {
		return nil, false
	}

	value, objErr := c.cold.getObject(digest)
	if objErr != nil {
		c.degraded(TierCold, "get", key, objErr)

		return nil, false
	}

	putErr := c.warm.put(key, warmRecord{kind: recordColdRef, payload: []byte(digest)}, c.cfg.TTL)
	if putErr != nil {
		c.degraded(TierWarm, "put", key, putErr)
	}

	return value, true
}

func (c *Cache) putCold(key string, value []byte) (string, bool) {
	digest, err := c.cold.putObject(value)
	if err != nil {
		c.degraded(TierCold, "put", key, err)

		return "", false
	}

	refErr := c.cold.putRef(key, digest)
	if refErr != nil {
		c.degraded(TierCold, "put", key, refErr)

		return "", false
	}

	return digest, true
}

func (c *Cache) expiry(now time.Time) time.Time {
	if c.cfg.TTL <= 0 {
		return time.Time{}
	}

	return now.Add(c.cfg.TTL)
}

func (c *Cache) recordHit(tier Tier) {
	if c.metrics != nil {
		c.metrics.RecordCacheHit(tier)
	}
}

func (c *Cache) degraded(tier Tier, op, key string, err error) {
	c.logger.Warn("cache backend degraded", "tier", string(tier), "op", op, "key", key, "error", err)

	if c.metrics != nil {
		c.metrics.RecordCacheDegraded(tier, op)
	}
}
