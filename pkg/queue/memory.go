package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memEntry struct {
	task       Task
	seq        uint64
	token      string
	leaseUntil time.Time
	deliveries int
}

func (e *memEntry) ready(now time.Time) bool {
	if e.token != "" {
		return !now.Before(e.leaseUntil)
	}

	return !now.Before(e.task.NotBefore)
}

func (e *memEntry) readyAt() time.Time {
	if e.token != "" {
		return e.leaseUntil
	}

	return e.task.NotBefore
}

// MemoryQueue is an in-process Queue. It is not durable and is meant for
// single-process runs and tests.
type MemoryQueue struct {
	cfg  Config
	now  func() time.Time
	wake chan struct{}
	done chan struct{}

	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64
	closed  bool
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(cfg Config, opts ...Option) *MemoryQueue {
	o := buildOptions(opts)

	return &MemoryQueue{
		cfg:     cfg.withDefaults(),
		now:     o.now,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		entries: make(map[string]*memEntry),
	}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, task Task) error {
	task = normalizeTask(task)

	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return ErrClosed
	}

	if _, exists := q.entries[task.ID]; !exists {
		q.seq++
		q.entries[task.ID] = &memEntry{task: task, seq: q.seq}
	}

	q.mu.Unlock()

	signal(q.wake)

	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Lease, error) {
	for {
		lease, wait, err := q.claim()
		if err != nil {
			return Lease{}, err
		}

		if lease.Token != "" {
			return lease, nil
		}

		err = sleep(ctx, wait, q.wake, q.done)
		if err != nil {
			return Lease{}, err
		}
	}
}

// claim returns a lease, or how long to wait before the next task may be ready.
func (q *MemoryQueue) claim() (Lease, time.Duration, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Lease{}, 0, ErrClosed
	}

	now := q.now()

	var (
		best *memEntry
		next time.Time
	)

	for _, entry := range q.entries {
		if !entry.ready(now) {
			if at := entry.readyAt(); next.IsZero() || at.Before(next) {
				next = at
			}

			continue
		}

		if best == nil || entry.task.NotBefore.Before(best.task.NotBefore) ||
			(entry.task.NotBefore.Equal(best.task.NotBefore) && entry.seq < best.seq) {
			best = entry
		}
	}

	if best == nil {
		wait := q.cfg.PollInterval
		if !next.IsZero() {
			wait = min(wait, max(next.Sub(now), time.Millisecond))
		}

		return Lease{}, wait, nil
	}

	best.token = uuid.NewString()
	best.leaseUntil = now.Add(q.cfg.VisibilityTimeout)
	best.deliveries++

	return Lease{Task: best.task, Token: best.token, Deliveries: best.deliveries, Expires: best.leaseUntil}, 0, nil
}

// Ack implements Queue.
func (q *MemoryQueue) Ack(_ context.Context, lease Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.ownedLocked(lease)
	if err != nil {
		return err
	}

	delete(q.entries, entry.task.ID)

	return nil
}

// Nack implements Queue.
func (q *MemoryQueue) Nack(_ context.Context, lease Lease, delay time.Duration) error {
	q.mu.Lock()

	entry, err := q.ownedLocked(lease)
	if err != nil {
		q.mu.Unlock()

		return err
	}

	entry.token = ""
	entry.leaseUntil = time.Time{}
	entry.task.NotBefore = q.now().Add(max(delay, 0))

	q.mu.Unlock()

	signal(q.wake)

	return nil
}

// Extend implements Queue.
func (q *MemoryQueue) Extend(_ context.Context, lease Lease) (Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.ownedLocked(lease)
	if err != nil {
		return Lease{}, err
	}

	entry.leaseUntil = q.now().Add(q.cfg.VisibilityTimeout)
	lease.Expires = entry.leaseUntil

	return lease, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.entries), nil
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.done)
	}

	return nil
}

func (q *MemoryQueue) ownedLocked(lease Lease) (*memEntry, error) {
	if q.closed {
		return nil, ErrClosed
	}

	entry, ok := q.entries[lease.Task.ID]
	if !ok || entry.token == "" || entry.token != lease.Token {
		return nil, ErrLeaseLost
	}

	return entry, nil
}
