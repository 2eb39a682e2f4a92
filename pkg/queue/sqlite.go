package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_tasks (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	id          TEXT NOT NULL UNIQUE,
	job_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	attempt     INTEGER NOT NULL,
	not_before  INTEGER NOT NULL,
	token       TEXT NOT NULL DEFAULT '',
	lease_until INTEGER NOT NULL DEFAULT 0,
	deliveries  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_tasks_ready ON queue_tasks(token, not_before);
`

const claimQuery = `
UPDATE queue_tasks
SET token = ?, lease_until = ?, deliveries = deliveries + 1
WHERE seq = (
	SELECT seq FROM queue_tasks
	WHERE (token = '' AND not_before <= ?) OR (token <> '' AND lease_until <= ?)
	ORDER BY not_before, seq
	LIMIT 1
)
RETURNING id, job_id, stage, attempt, not_before, deliveries`

// SQLiteQueue is a durable Queue stored in a SQLite database. Claims are a
// single conditional UPDATE, so concurrent consumers never share a lease.
type SQLiteQueue struct {
	db   *sql.DB
	cfg  Config
	now  func() time.Time
	wake chan struct{}
	done chan struct{}

	closeOnce sync.Once
}

// NewSQLiteQueue creates the queue table if needed and returns the queue.
// The database is owned by the caller.
func NewSQLiteQueue(ctx context.Context, db *sql.DB, cfg Config, opts ...Option) (*SQLiteQueue, error) {
	_, err := db.ExecContext(ctx, sqliteSchema)
	if err != nil {
		return nil, fmt.Errorf("migrate queue schema: %w", err)
	}

	o := buildOptions(opts)

	return &SQLiteQueue{
		db:   db,
		cfg:  cfg.withDefaults(),
		now:  o.now,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}, nil
}

// Enqueue implements Queue.
func (q *SQLiteQueue) Enqueue(ctx context.Context, task Task) error {
	if q.isClosed() {
		return ErrClosed
	}

	task = normalizeTask(task)

	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_tasks (id, job_id, stage, attempt, not_before) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.JobID, string(task.Stage), task.Attempt, unixNano(task.NotBefore))
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	signal(q.wake)

	return nil
}

// Dequeue implements Queue.
func (q *SQLiteQueue) Dequeue(ctx context.Context) (Lease, error) {
	for {
		if q.isClosed() {
			return Lease{}, ErrClosed
		}

		lease, ok, err := q.claim(ctx)
		if err != nil {
			return Lease{}, err
		}

		if ok {
			return lease, nil
		}

		err = sleep(ctx, q.cfg.PollInterval, q.wake, q.done)
		if err != nil {
			return Lease{}, err
		}
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (Lease, bool, error) {
	now := q.now()
	token := uuid.NewString()
	expires := now.Add(q.cfg.VisibilityTimeout)

	var (
		task      Task
		stage     string
		notBefore int64
		lease     Lease
	)

	err := q.db.QueryRowContext(ctx, claimQuery, token, expires.UnixNano(), now.UnixNano(), now.UnixNano()).
		Scan(&task.ID, &task.JobID, &stage, &task.Attempt, &notBefore, &lease.Deliveries)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}

	if err != nil {
		return Lease{}, false, fmt.Errorf("claim task: %w", err)
	}

	task.Stage = analysis.Stage(stage)
	if notBefore != 0 {
		task.NotBefore = time.Unix(0, notBefore).UTC()
	}

	lease.Task = task
	lease.Token = token
	lease.Expires = expires

	return lease, true, nil
}

// Ack implements Queue.
func (q *SQLiteQueue) Ack(ctx context.Context, lease Lease) error {
	if q.isClosed() {
		return ErrClosed
	}

	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_tasks WHERE id = ? AND token = ?`, lease.Task.ID, lease.Token)
	if err != nil {
		return fmt.Errorf("ack task %s: %w", lease.Task.ID, err)
	}

	return requireOneRow(res)
}

// Nack implements Queue.
func (q *SQLiteQueue) Nack(ctx context.Context, lease Lease, delay time.Duration) error {
	if q.isClosed() {
		return ErrClosed
	}

	notBefore := q.now().Add(max(delay, 0)).UnixNano()

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET token = '', lease_until = 0, not_before = ? WHERE id = ? AND token = ?`,
		notBefore, lease.Task.ID, lease.Token)
	if err != nil {
		return fmt.Errorf("nack task %s: %w", lease.Task.ID, err)
	}

	err = requireOneRow(res)
	if err != nil {
		return err
	}

	signal(q.wake)

	return nil
}

// Extend implements Queue.
func (q *SQLiteQueue) Extend(ctx context.Context, lease Lease) (Lease, error) {
	if q.isClosed() {
		return Lease{}, ErrClosed
	}

	expires := q.now().Add(q.cfg.VisibilityTimeout)

	res, err := q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET lease_until = ? WHERE id = ? AND token = ?`,
		expires.UnixNano(), lease.Task.ID, lease.Token)
	if err != nil {
		return Lease{}, fmt.Errorf("extend lease %s: %w", lease.Task.ID, err)
	}

	err = requireOneRow(res)
	if err != nil {
		return Lease{}, err
	}

	lease.Expires = expires

	return lease, nil
}

// Len implements Queue.
func (q *SQLiteQueue) Len(ctx context.Context) (int, error) {
	var n int

	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_tasks`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}

	return n, nil
}

// Close implements Queue. It does not close the database.
func (q *SQLiteQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })

	return nil
}

func (q *SQLiteQueue) isClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// unixNano maps the zero time to 0 so it sorts before every real timestamp.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixNano()
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if n == 0 {
		return ErrLeaseLost
	}

	return nil
}
