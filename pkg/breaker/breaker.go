// Package breaker implements a circuit breaker for calls to flaky external
// services such as git hosting and the insight generator.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Default settings.
const (
	DefaultFailureThreshold = 5
	DefaultOpenTimeout      = 60 * time.Second
)

// ErrOpen is returned by Do while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State is the circuit state.
type State int

// Circuit states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// OpenTimeout is how long the circuit stays open before one trial call is let through.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// DefaultConfig returns the default breaker settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: DefaultFailureThreshold,
		OpenTimeout:      DefaultOpenTimeout,
	}
}

// Breaker is a consecutive-failure circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

// New creates a closed Breaker.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}

	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}

	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// WithClock replaces the wall clock and returns b. Used for deterministic tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now

	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving open to half-open once the timeout elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()

	return b.state
}

// Allow reports whether a call may proceed. In half-open state only one
// trial call is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refresh()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trial {
			return false
		}

		b.trial = true

		return true
	case StateOpen:
		return false
	default:
		return false
	}
}

// Success records a successful call and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.trial = false
}

// Failure records a failed call. A failed half-open trial reopens the circuit.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.trial = false

	if b.state == StateHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// Do runs fn when the circuit allows it and records the outcome. Context
// cancellation is not counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}

	err := fn(ctx)

	switch {
	case err == nil:
		b.Success()
	case errors.Is(err, context.Canceled):
		b.release()
	default:
		b.Failure()
	}

	return err
}

// release frees a half-open trial slot without changing state.
func (b *Breaker) release() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

// refresh moves an expired open circuit to half-open. Must hold b.mu.
func (b *Breaker) refresh() {
	if b.state == StateOpen && !b.now().Before(b.openedAt.Add(b.cfg.OpenTimeout)) {
		b.state = StateHalfOpen
		b.trial = false
	}
}
