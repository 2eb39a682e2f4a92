// Package ratelimit provides per-resource token buckets that admit, delay or
// reject calls to quota-limited external dependencies.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Well-known resource keys.
const (
	// ResourceGitHosting guards clones and fetches against the git host.
	ResourceGitHosting = "git_hosting"
	// ResourceInsightLLM guards calls to the insight generator.
	ResourceInsightLLM = "insight_llm"
)

// Default bucket parameters.
const (
	defaultCapacity      = 60
	defaultRefillPerSec  = 1.0
	defaultMaxQueueDepth = 64
)

// ErrExhausted is matched by every *ExhaustedError.
var ErrExhausted = errors.New("rate limit exhausted")

// Outcome is the admission decision for one acquire call.
type Outcome int

const (
	// OutcomeGrant means the tokens were deducted and the call may proceed now.
	OutcomeGrant Outcome = iota
	// OutcomeWait means the tokens are reserved and become available after Decision.Delay.
	OutcomeWait
	// OutcomeReject means the call cannot be admitted.
	OutcomeReject
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGrant:
		return "grant"
	case OutcomeWait:
		return "wait"
	case OutcomeReject:
		return "reject"
	default:
		return "unknown"
	}
}

// ExhaustedError is returned by Wait when admission was rejected or the
// required wait exceeded the caller's limit.
type ExhaustedError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("rate limit exhausted for %s (retry after %s)", e.Resource, e.RetryAfter)
}

// Is reports whether target is ErrExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// BucketConfig configures one token bucket.
type BucketConfig struct {
	// Capacity is the maximum number of tokens the bucket holds.
	Capacity int `mapstructure:"capacity"`

	// RefillPerSecond is the number of tokens added per second.
	RefillPerSecond float64 `mapstructure:"refill_per_second"`
}

// Config configures a Limiter.
type Config struct {
	// Default applies to resources without an explicit entry.
	Default BucketConfig `mapstructure:"default"`

	// Resources holds per-resource bucket settings.
	Resources map[string]BucketConfig `mapstructure:"resources"`

	// MaxQueueDepth bounds the number of outstanding waiting reservations per
	// bucket. Further calls that would have to wait are rejected.
	MaxQueueDepth int `mapstructure:"max_queue_depth"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Default:       BucketConfig{Capacity: defaultCapacity, RefillPerSecond: defaultRefillPerSec},
		MaxQueueDepth: defaultMaxQueueDepth,
	}
}

// Recorder receives admission decisions. Implementations must be safe for concurrent use.
type Recorder interface {
	RecordRateDecision(resource string, outcome Outcome, delay time.Duration)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock. Used for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithRecorder attaches a decision recorder.
func WithRecorder(rec Recorder) Option {
	return func(l *Limiter) {
		l.recorder = rec
	}
}

// Limiter holds one token bucket per resource key. Buckets are created lazily
// on first use and are safe for concurrent use.
type Limiter struct {
	cfg      Config
	now      func() time.Time
	recorder Recorder

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.Default.Capacity <= 0 {
		cfg.Default = DefaultConfig().Default
	}

	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = defaultMaxQueueDepth
	}

	lim := &Limiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}

	for _, opt := range opts {
		opt(lim)
	}

	return lim
}

// Acquire asks for cost tokens from the bucket of resource. It never blocks and never errors.
//
// A grant deducts the tokens immediately. A wait reserves them for the
// returned delay; callers that decide not to wait must call Decision.Cancel.
// A reject leaves the bucket untouched.
func (l *Limiter) Acquire(resource string, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}

	b := l.bucketFor(resource)
	now := l.now()

	decision := b.acquire(now, cost, l.cfg.MaxQueueDepth)
	decision.Resource = resource
	decision.limiter = l

	if l.recorder != nil {
		l.recorder.RecordRateDecision(resource, decision.Outcome, decision.Delay)
	}

	return decision
}

// Wait acquires cost tokens and blocks until they are available. It returns an
// *ExhaustedError when the call is rejected or the wait would exceed maxWait
// (zero means no limit), and ctx.Err() when ctx ends first. In both cases the
// reservation is released.
func (l *Limiter) Wait(ctx context.Context, resource string, cost int, maxWait time.Duration) error {
	decision := l.Acquire(resource, cost)

	switch decision.Outcome {
	case OutcomeGrant:
		return nil
	case OutcomeReject:
		return &ExhaustedError{Resource: resource, RetryAfter: decision.Delay}
	case OutcomeWait:
	}

	if maxWait > 0 && decision.Delay > maxWait {
		decision.Cancel()

		return &ExhaustedError{Resource: resource, RetryAfter: decision.Delay}
	}

	timer := time.NewTimer(decision.Delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		decision.Cancel()

		return fmt.Errorf("wait for %s: %w", resource, ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Snapshot returns the current state of the bucket for resource.
func (l *Limiter) Snapshot(resource string) BucketState {
	return l.bucketFor(resource).snapshot(l.now())
}

func (l *Limiter) bucketFor(resource string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[resource]
	if ok {
		return b
	}

	cfg, ok := l.cfg.Resources[resource]
	if !ok || cfg.Capacity <= 0 {
		cfg = l.cfg.Default
	}

	b = newBucket(cfg, l.now())
	l.buckets[resource] = b

	return b
}

// Decision is the result of Limiter.Acquire.
type Decision struct {
	Outcome  Outcome
	Resource string

	// Delay is the time until the reserved tokens exist. For rejections caused
	// by queue depth it is the wait the call would have needed.
	Delay time.Duration

	limiter     *Limiter
	bucket      *bucket
	reservation *rate.Reservation
	waiterID    uint64
}

// Cancel releases a wait reservation the caller decided not to use, returning
// its tokens to the bucket. It is a no-op for grants and rejections.
func (d Decision) Cancel() {
	if d.Outcome != OutcomeWait || d.bucket == nil {
		return
	}

	d.bucket.cancel(d.limiter.now(), d.reservation, d.waiterID)
}
