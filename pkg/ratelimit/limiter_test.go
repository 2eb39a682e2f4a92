package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/pkg/ratelimit"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(clock *fakeClock, capacity int, refill float64, depth int) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Default:       ratelimit.BucketConfig{Capacity: capacity, RefillPerSecond: refill},
		MaxQueueDepth: depth,
	}, ratelimit.WithClock(clock.Now))
}

func TestAcquire_BurstThenWaits(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 5, 1, 64)

	var (
		grants int
		total  time.Duration
		waits  []time.Duration
	)

	for range 10 {
		decision := lim.Acquire(ratelimit.ResourceGitHosting, 1)

		switch decision.Outcome {
		case ratelimit.OutcomeGrant:
			grants++
		case ratelimit.OutcomeWait:
			waits = append(waits, decision.Delay)
			total += decision.Delay
		case ratelimit.OutcomeReject:
			t.Fatalf("unexpected rejection")
		}
	}

	assert.Equal(t, 5, grants)
	require.Len(t, waits, 5)

	for idx, wait := range waits {
		assert.Equal(t, time.Duration(idx+1)*time.Second, wait)
	}

	assert.Equal(t, 15*time.Second, total)
}

func TestAcquire_RefillOverTime(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 2, 1, 64)

	assert.Equal(t, ratelimit.OutcomeGrant, lim.Acquire("k", 2).Outcome)
	assert.Equal(t, ratelimit.OutcomeWait, lim.Acquire("k", 1).Outcome)

	clock.Advance(3 * time.Second)

	state := lim.Snapshot("k")
	assert.InDelta(t, 2.0, state.Tokens, 0.001)
	assert.Equal(t, 0, state.Waiting)
	assert.Equal(t, ratelimit.OutcomeGrant, lim.Acquire("k", 1).Outcome)
}

func TestAcquire_CostAboveCapacityRejected(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 3, 1, 64)

	decision := lim.Acquire("k", 4)
	assert.Equal(t, ratelimit.OutcomeReject, decision.Outcome)

	state := lim.Snapshot("k")
	assert.InDelta(t, 3.0, state.Tokens, 0.001)
}

func TestAcquire_QueueDepthRejects(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 1, 1, 2)

	assert.Equal(t, ratelimit.OutcomeGrant, lim.Acquire("k", 1).Outcome)
	assert.Equal(t, ratelimit.OutcomeWait, lim.Acquire("k", 1).Outcome)
	assert.Equal(t, ratelimit.OutcomeWait, lim.Acquire("k", 1).Outcome)

	rejected := lim.Acquire("k", 1)
	assert.Equal(t, ratelimit.OutcomeReject, rejected.Outcome)
	assert.Equal(t, 3*time.Second, rejected.Delay)
	assert.Equal(t, 2, lim.Snapshot("k").Waiting)
}

func TestDecision_CancelReturnsTokens(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 1, 1, 64)

	require.Equal(t, ratelimit.OutcomeGrant, lim.Acquire("k", 1).Outcome)

	wait := lim.Acquire("k", 1)
	require.Equal(t, ratelimit.OutcomeWait, wait.Outcome)
	assert.Equal(t, 1, lim.Snapshot("k").Waiting)

	wait.Cancel()

	assert.Equal(t, 0, lim.Snapshot("k").Waiting)

	next := lim.Acquire("k", 1)
	assert.Equal(t, ratelimit.OutcomeWait, next.Outcome)
	assert.Equal(t, time.Second, next.Delay)
}

func TestAcquire_ResourcesAreIndependent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := ratelimit.New(ratelimit.Config{
		Default: ratelimit.BucketConfig{Capacity: 1, RefillPerSecond: 1},
		Resources: map[string]ratelimit.BucketConfig{
			ratelimit.ResourceInsightLLM: {Capacity: 3, RefillPerSecond: 0.5},
		},
	}, ratelimit.WithClock(clock.Now))

	assert.Equal(t, ratelimit.OutcomeGrant, lim.Acquire(ratelimit.ResourceGitHosting, 1).Outcome)
	assert.Equal(t, ratelimit.OutcomeWait, lim.Acquire(ratelimit.ResourceGitHosting, 1).Outcome)

	for range 3 {
		assert.Equal(t, ratelimit.OutcomeGrant, lim.Acquire(ratelimit.ResourceInsightLLM, 1).Outcome)
	}

	decision := lim.Acquire(ratelimit.ResourceInsightLLM, 1)
	assert.Equal(t, ratelimit.OutcomeWait, decision.Outcome)
	assert.Equal(t, 2*time.Second, decision.Delay)
}

func TestAcquire_ConcurrentNeverOverAdmits(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 10, 1, 1000)

	var (
		grants atomic.Int64
		wg     sync.WaitGroup
	)

	for range 100 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if lim.Acquire("k", 1).Outcome == ratelimit.OutcomeGrant {
				grants.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int64(10), grants.Load())

	state := lim.Snapshot("k")
	assert.GreaterOrEqual(t, state.Tokens, 0.0)
	assert.LessOrEqual(t, state.Tokens, 10.0)
}

func TestWait_ExceedsMaxWait(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 1, 0.1, 64)

	require.NoError(t, lim.Wait(context.Background(), "k", 1, time.Second))

	err := lim.Wait(context.Background(), "k", 1, time.Second)
	require.Error(t, err)
	require.ErrorIs(t, err, ratelimit.ErrExhausted)

	var exhausted *ratelimit.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 10*time.Second, exhausted.RetryAfter)
	assert.Equal(t, 0, lim.Snapshot("k").Waiting)
}

func TestWait_ContextCancelled(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	lim := newLimiter(clock, 1, 0.01, 64)

	require.NoError(t, lim.Wait(context.Background(), "k", 1, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := lim.Wait(ctx, "k", 1, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, lim.Snapshot("k").Waiting)
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []ratelimit.Outcome
}

func (r *recordingRecorder) RecordRateDecision(_ string, outcome ratelimit.Outcome, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func TestAcquire_RecordsDecisions(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	rec := &recordingRecorder{}
	lim := ratelimit.New(ratelimit.Config{
		Default:       ratelimit.BucketConfig{Capacity: 1, RefillPerSecond: 1},
		MaxQueueDepth: 1,
	}, ratelimit.WithClock(clock.Now), ratelimit.WithRecorder(rec))

	lim.Acquire("k", 1)
	lim.Acquire("k", 1)
	lim.Acquire("k", 1)

	assert.Equal(t, []ratelimit.Outcome{
		ratelimit.OutcomeGrant, ratelimit.OutcomeWait, ratelimit.OutcomeReject,
	}, rec.outcomes)
	assert.Equal(t, "reject", ratelimit.OutcomeReject.String())
}
