package jobs

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry defaults.
const (
	DefaultRetryBudget    = 3
	DefaultRetryBaseDelay = 2 * time.Second
	DefaultRetryMaxDelay  = 60 * time.Second
)

// RetryConfig is the per-stage retry policy.
type RetryConfig struct {
	// Budget is the number of attempts a stage gets before the job fails.
	Budget int `mapstructure:"budget"`
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration `mapstructure:"base_delay"`
	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration `mapstructure:"max_delay"`
	// Jitter randomizes delays by up to this fraction; 0 disables it.
	Jitter float64 `mapstructure:"jitter"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Budget:    DefaultRetryBudget,
		BaseDelay: DefaultRetryBaseDelay,
		MaxDelay:  DefaultRetryMaxDelay,
	}
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.Budget <= 0 {
		c.Budget = DefaultRetryBudget
	}

	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultRetryBaseDelay
	}

	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = max(DefaultRetryMaxDelay, c.BaseDelay)
	}

	c.Jitter = min(max(c.Jitter, 0), 1)

	return c
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based): min(MaxDelay, BaseDelay * 2^(attempt-1)), jittered when enabled.
func (c RetryConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()

	policy := &backoff.ExponentialBackOff{
		InitialInterval:     c.BaseDelay,
		RandomizationFactor: c.Jitter,
		Multiplier:          2,
		MaxInterval:         c.MaxDelay,
	}
	policy.Reset()

	var delay time.Duration

	for range max(attempt, 1) {
		delay = policy.NextBackOff()
	}

	return delay
}
