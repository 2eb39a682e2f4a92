package jobs_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
)

func TestRetryConfig_Delay(t *testing.T) {
	t.Parallel()

	cfg := jobs.DefaultRetryConfig()

	want := []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}

	for idx, expected := range want {
		assert.Equal(t, expected, cfg.Delay(idx+1), "attempt %d", idx+1)
	}
}

func TestRetryConfig_DelayDefaults(t *testing.T) {
	t.Parallel()

	var zero jobs.RetryConfig

	assert.Equal(t, jobs.DefaultRetryBaseDelay, zero.Delay(0))
	assert.Equal(t, jobs.DefaultRetryBaseDelay, zero.Delay(1))
}

func TestRetryConfig_Jitter(t *testing.T) {
	t.Parallel()

	cfg := jobs.RetryConfig{Budget: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.5}

	for range 50 {
		delay := cfg.Delay(2)
		assert.GreaterOrEqual(t, delay, time.Second)
		assert.LessOrEqual(t, delay, 3*time.Second)
	}
}
