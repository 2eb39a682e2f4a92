package queue_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type factory func(t *testing.T, clock *fakeClock) queue.Queue

func implementations() map[string]factory {
	cfg := queue.Config{VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond}

	return map[string]factory{
		"memory": func(t *testing.T, clock *fakeClock) queue.Queue {
			t.Helper()

			q := queue.NewMemoryQueue(cfg, queue.WithClock(clock.Now))
			t.Cleanup(func() { _ = q.Close() })

			return q
		},
		"sqlite": func(t *testing.T, clock *fakeClock) queue.Queue {
			t.Helper()

			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "queue.db"))
			require.NoError(t, err)
			db.SetMaxOpenConns(1)
			t.Cleanup(func() { _ = db.Close() })

			q, err := queue.NewSQLiteQueue(context.Background(), db, cfg, queue.WithClock(clock.Now))
			require.NoError(t, err)
			t.Cleanup(func() { _ = q.Close() })

			return q
		},
	}
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.May, 1, 8, 0, 0, 0, time.UTC)}
}

func dequeue(t *testing.T, q queue.Queue) queue.Lease {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)

	return lease
}

func assertEmpty(t *testing.T, q queue.Queue) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_Contract(t *testing.T) {
	t.Parallel()

	for name, newQueue := range implementations() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("fifo and ack", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)
				ctx := context.Background()

				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: "a", JobID: "job-1", Stage: analysis.StageExtraction, NotBefore: clock.Now()}))
				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: "b", JobID: "job-2", Stage: analysis.StageComplexity, Attempt: 2, NotBefore: clock.Now()}))

				first := dequeue(t, q)
				second := dequeue(t, q)

				assert.Equal(t, "a", first.Task.ID)
				assert.Equal(t, 1, first.Task.Attempt)
				assert.Equal(t, 1, first.Deliveries)
				assert.Equal(t, "b", second.Task.ID)
				assert.Equal(t, analysis.StageComplexity, second.Task.Stage)
				assert.Equal(t, 2, second.Task.Attempt)
				assert.NotEqual(t, first.Token, second.Token)

				assertEmpty(t, q)

				require.NoError(t, q.Ack(ctx, first))
				require.NoError(t, q.Ack(ctx, second))
				require.ErrorIs(t, q.Ack(ctx, first), queue.ErrLeaseLost)

				n, err := q.Len(ctx)
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("duplicate ids are ignored", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)
				ctx := context.Background()

				id := queue.TaskID("job-1", analysis.StageInsights, 1)
				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: id, JobID: "job-1", Stage: analysis.StageInsights, NotBefore: clock.Now()}))
				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: id, JobID: "job-1", Stage: analysis.StageInsights, NotBefore: clock.Now()}))

				n, err := q.Len(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, n)
			})

			t.Run("not before is honoured", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)
				ctx := context.Background()

				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: "later", JobID: "j", Stage: analysis.StageInsights, NotBefore: clock.Now().Add(10 * time.Second)}))
				assertEmpty(t, q)

				clock.Advance(10 * time.Second)
				assert.Equal(t, "later", dequeue(t, q).Task.ID)
			})

			t.Run("expired lease is redelivered", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)
				ctx := context.Background()

				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: "t", JobID: "j", Stage: analysis.StageExtraction, NotBefore: clock.Now()}))

				stale := dequeue(t, q)
				clock.Advance(2 * time.Minute)

				fresh := dequeue(t, q)
				assert.Equal(t, 2, fresh.Deliveries)
				assert.NotEqual(t, stale.Token, fresh.Token)

				require.ErrorIs(t, q.Ack(ctx, stale), queue.ErrLeaseLost)
				_, err := q.Extend(ctx, stale)
				require.ErrorIs(t, err, queue.ErrLeaseLost)
				require.NoError(t, q.Ack(ctx, fresh))
			})

			t.Run("extend keeps the lease", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)
				ctx := context.Background()

				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: "t", JobID: "j", Stage: analysis.StageExtraction, NotBefore: clock.Now()}))

				lease := dequeue(t, q)
				clock.Advance(50 * time.Second)

				extended, err := q.Extend(ctx, lease)
				require.NoError(t, err)
				assert.True(t, extended.Expires.After(lease.Expires))

				clock.Advance(50 * time.Second)
				assertEmpty(t, q)
				require.NoError(t, q.Ack(ctx, extended))
			})

			t.Run("nack delays redelivery", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)
				ctx := context.Background()

				require.NoError(t, q.Enqueue(ctx, queue.Task{ID: "t", JobID: "j", Stage: analysis.StageExtraction, NotBefore: clock.Now()}))

				lease := dequeue(t, q)
				require.NoError(t, q.Nack(ctx, lease, 5*time.Second))
				require.ErrorIs(t, q.Nack(ctx, lease, 0), queue.ErrLeaseLost)
				assertEmpty(t, q)

				clock.Advance(5 * time.Second)
				again := dequeue(t, q)
				assert.Equal(t, 2, again.Deliveries)
			})

			t.Run("blocked dequeue wakes on enqueue", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)

				got := make(chan queue.Lease, 1)

				go func() {
					lease, err := q.Dequeue(context.Background())
					if err == nil {
						got <- lease
					}
				}()

				require.NoError(t, q.Enqueue(context.Background(), queue.Task{ID: "late", JobID: "j", Stage: analysis.StageExtraction, NotBefore: clock.Now()}))

				select {
				case lease := <-got:
					assert.Equal(t, "late", lease.Task.ID)
				case <-time.After(2 * time.Second):
					require.FailNow(t, "dequeue did not wake")
				}
			})

			t.Run("close unblocks consumers", func(t *testing.T) {
				t.Parallel()

				q := newQueue(t, newClock())
				errs := make(chan error, 1)

				go func() {
					_, err := q.Dequeue(context.Background())
					errs <- err
				}()

				time.Sleep(20 * time.Millisecond)
				require.NoError(t, q.Close())

				select {
				case err := <-errs:
					require.ErrorIs(t, err, queue.ErrClosed)
				case <-time.After(2 * time.Second):
					require.FailNow(t, "dequeue did not return after close")
				}

				require.ErrorIs(t, q.Enqueue(context.Background(), queue.Task{JobID: "j"}), queue.ErrClosed)
			})

			t.Run("concurrent consumers never share a task", func(t *testing.T) {
				t.Parallel()

				clock := newClock()
				q := newQueue(t, clock)
				ctx := context.Background()

				const tasks = 20
				for i := range tasks {
					require.NoError(t, q.Enqueue(ctx, queue.Task{ID: queue.TaskID("job", analysis.StageExtraction, i+1), JobID: "job", Stage: analysis.StageExtraction, NotBefore: clock.Now()}))
				}

				var (
					mu   sync.Mutex
					seen = map[string]int{}
					wg   sync.WaitGroup
				)

				for range 4 {
					wg.Add(1)

					go func() {
						defer wg.Done()

						for {
							ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
							lease, err := q.Dequeue(ctx)
							cancel()

							if err != nil {
								return
							}

							mu.Lock()
							seen[lease.Task.ID]++
							mu.Unlock()

							assert.NoError(t, q.Ack(context.Background(), lease))
						}
					}()
				}

				wg.Wait()

				assert.Len(t, seen, tasks)

				for id, count := range seen {
					assert.Equal(t, 1, count, id)
				}
			})
		})
	}
}

func TestTaskID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "job-1/insights/2", queue.TaskID("job-1", analysis.StageInsights, 2))
}
