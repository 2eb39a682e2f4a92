package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BucketState is a point-in-time view of one bucket.
type BucketState struct {
	Capacity        int
	Tokens          float64
	RefillPerSecond float64
	Waiting         int
}

// waiter is an outstanding reservation that becomes due at a future time.
type waiter struct {
	id  uint64
	due time.Time
}

// bucket serializes all updates to one resource's token count.
type bucket struct {
	mu       sync.Mutex
	limiter  *rate.Limiter
	capacity int
	refill   float64
	waiters  []waiter
	nextID   uint64
}

func newBucket(cfg BucketConfig, now time.Time) *bucket {
	lim := rate.NewLimiter(rate.Limit(cfg.RefillPerSecond), cfg.Capacity)
	// Anchor the bucket to the injected clock so it starts full at now.
	lim.SetBurstAt(now, cfg.Capacity)

	return &bucket{
		limiter:  lim,
		capacity: cfg.Capacity,
		refill:   cfg.RefillPerSecond,
	}
}

func (b *bucket) acquire(now time.Time, cost, maxQueueDepth int) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cost > b.capacity {
		return Decision{Outcome: OutcomeReject}
	}

	b.prune(now)

	res := b.limiter.ReserveN(now, cost)
	if !res.OK() {
		return Decision{Outcome: OutcomeReject}
	}

	delay := res.DelayFrom(now)
	if delay <= 0 {
		return Decision{Outcome: OutcomeGrant}
	}

	if len(b.waiters) >= maxQueueDepth {
		res.CancelAt(now)

		return Decision{Outcome: OutcomeReject, Delay: delay}
	}

	b.nextID++
	b.waiters = append(b.waiters, waiter{id: b.nextID, due: now.Add(delay)})

	return Decision{
		Outcome:     OutcomeWait,
		Delay:       delay,
		bucket:      b,
		reservation: res,
		waiterID:    b.nextID,
	}
}

func (b *bucket) cancel(now time.Time, res *rate.Reservation, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for idx, w := range b.waiters {
		if w.id != id {
			continue
		}

		b.waiters = append(b.waiters[:idx], b.waiters[idx+1:]...)
		res.CancelAt(now)

		return
	}
}

// prune drops waiters whose reservations are already due. Must hold b.mu.
func (b *bucket) prune(now time.Time) {
	kept := b.waiters[:0]

	for _, w := range b.waiters {
		if w.due.After(now) {
			kept = append(kept, w)
		}
	}

	b.waiters = kept
}

func (b *bucket) snapshot(now time.Time) BucketState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(now)

	tokens := max(0, min(b.limiter.TokensAt(now), float64(b.capacity)))

	return BucketState{
		Capacity:        b.capacity,
		Tokens:          tokens,
		RefillPerSecond: b.refill,
		Waiting:         len(b.waiters),
	}
}
