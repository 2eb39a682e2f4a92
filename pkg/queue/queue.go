// Package queue provides the durable at-least-once work queue that feeds
// stage tasks to the worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

// Queue defaults.
const (
	DefaultVisibilityTimeout = 10 * time.Minute
	DefaultPollInterval      = time.Second
)

// Sentinel errors.
var (
	// ErrLeaseLost is returned when a lease expired and was claimed again, or
	// its task was already acknowledged.
	ErrLeaseLost = errors.New("queue lease lost")
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")
)

// Task asks a worker to run one attempt of one stage of a job.
type Task struct {
	ID        string         `json:"id"`
	JobID     string         `json:"job_id"`
	Stage     analysis.Stage `json:"stage"`
	Attempt   int            `json:"attempt"`
	NotBefore time.Time      `json:"not_before"`
}

// TaskID returns the deterministic identifier of an attempt. Enqueueing the
// same attempt twice yields a single task.
func TaskID(jobID string, stage analysis.Stage, attempt int) string {
	return fmt.Sprintf("%s/%s/%d", jobID, stage, attempt)
}

// Lease is a claimed task. The task is redelivered when the lease expires
// before it is acknowledged.
type Lease struct {
	Task       Task
	Token      string
	Deliveries int
	Expires    time.Time
}

// Queue is an at-least-once task queue with visibility timeouts.
type Queue interface {
	// Enqueue adds a task. Tasks with an existing ID are ignored.
	Enqueue(ctx context.Context, task Task) error
	// Dequeue blocks until a task is ready and claims it.
	Dequeue(ctx context.Context) (Lease, error)
	// Ack removes the task of a lease.
	Ack(ctx context.Context, lease Lease) error
	// Nack releases the lease and makes the task ready again after delay.
	Nack(ctx context.Context, lease Lease, delay time.Duration) error
	// Extend renews the lease for another visibility timeout.
	Extend(ctx context.Context, lease Lease) (Lease, error)
	// Len returns the number of tasks not yet acknowledged.
	Len(ctx context.Context) (int, error)
	// Close wakes blocked consumers and rejects further operations.
	Close() error
}

// Config configures queue implementations.
type Config struct {
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout: DefaultVisibilityTimeout,
		PollInterval:      DefaultPollInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = DefaultVisibilityTimeout
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}

	return c
}

// Option configures a queue implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

func normalizeTask(task Task) Task {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	if task.Attempt <= 0 {
		task.Attempt = 1
	}

	return task
}

// sleep waits for d, a wake-up signal, queue shutdown or ctx.
func sleep(ctx context.Context, d time.Duration, wake, done <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("dequeue: %w", ctx.Err())
	case <-done:
		return ErrClosed
	case <-wake:
	case <-timer.C:
	}

	return nil
}

// signal performs a non-blocking send on a wake-up channel.
func signal(wake chan struct{}) {
	select {
	case wake <- struct{}{}:
	default:
	}
}
