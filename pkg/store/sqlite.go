package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver.

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
)

// MemoryPath opens a private in-memory database instead of a file.
const MemoryPath = ":memory:"

const busyTimeoutMillis = 5000

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL,
	status        TEXT NOT NULL,
	stage         TEXT NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 0,
	progress      REAL NOT NULL DEFAULT 0,
	status_text   TEXT NOT NULL DEFAULT '',
	error         TEXT,
	rerun_of      TEXT NOT NULL DEFAULT '',
	version       INTEGER NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);

CREATE TABLE IF NOT EXISTS transitions (
	job_id       TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	seq          INTEGER NOT NULL,
	stage        TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	at           INTEGER NOT NULL,
	payload_size INTEGER NOT NULL DEFAULT 0,
	summary      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (job_id, seq)
);

CREATE TABLE IF NOT EXISTS outputs (
	job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	stage  TEXT NOT NULL,
	data   BLOB NOT NULL,
	PRIMARY KEY (job_id, stage)
);
`

const jobColumns = `id, repository_id, url, status, stage, attempt, progress, status_text, error, rerun_of, version, created_at, updated_at`

// OpenDB opens the SQLite database at path with WAL journaling and a busy
// timeout. Writes go through a single connection.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path

	if path != MemoryPath {
		err := os.MkdirAll(filepath.Dir(path), 0o750)
		if err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}

		pragmas := []string{
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			fmt.Sprintf("busy_timeout(%d)", busyTimeoutMillis),
		}
		dsn = "file:" + path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}

	return db, nil
}

// SQLite is a jobs.Store backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ jobs.Store = (*SQLite)(nil)

// NewSQLite creates the store tables if needed. The database is owned by
// the caller.
func NewSQLite(ctx context.Context, db *sql.DB) (*SQLite, error) {
	_, err := db.ExecContext(ctx, schema)
	if err != nil {
		return nil, fmt.Errorf("migrate store schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// CreateJob implements jobs.Store.
func (s *SQLite) CreateJob(ctx context.Context, job *jobs.Job, initial ...jobs.Transition) error {
	errText, err := encodeError(job.Error)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			job.ID, job.Repository.ID, job.Repository.URL, string(job.Status), string(job.Stage), job.Attempt,
			job.Progress, job.StatusText, errText, job.RerunOf, job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
		if isConstraint(err) {
			return fmt.Errorf("create job %s: %w", job.ID, jobs.ErrJobExists)
		}

		if err != nil {
			return fmt.Errorf("insert job %s: %w", job.ID, err)
		}

		err = appendTransitions(ctx, tx, job.ID, initial)
		if err != nil {
			return err
		}

		job.Version = 1

		return nil
	})
}

// GetJob implements jobs.Store.
func (s *SQLite) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("job %s: %w", id, jobs.ErrJobNotFound)
	}

	if err != nil {
		return jobs.Job{}, fmt.Errorf("load job %s: %w", id, err)
	}

	return job, nil
}

// ListJobs implements jobs.Store.
func (s *SQLite) ListJobs(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`

	var args []any

	if filter.Status != "" {
		query += ` WHERE status = ?`

		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at DESC, rowid DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`

		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job

	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan job: %w", scanErr)
		}

		out = append(out, job)
	}

	return out, rows.Err()
}

// UpdateJob implements jobs.Store.
func (s *SQLite) UpdateJob(ctx context.Context, job *jobs.Job, appended ...jobs.Transition) error {
	errText, err := encodeError(job.Error)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE jobs SET status = ?, stage = ?, attempt = ?, progress = ?, status_text = ?, error = ?, version = version + 1, updated_at = ?
WHERE id = ? AND version = ?`,
			string(job.Status), string(job.Stage), job.Attempt, job.Progress, job.StatusText, errText,
			job.UpdatedAt.UnixNano(), job.ID, job.Version)
		if err != nil {
			return fmt.Errorf("update job %s: %w", job.ID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		if n == 0 {
			return s.missingOrConflict(ctx, tx, job)
		}

		err = appendTransitions(ctx, tx, job.ID, appended)
		if err != nil {
			return err
		}

		job.Version++

		return nil
	})
}

func (s *SQLite) missingOrConflict(ctx context.Context, tx *sql.Tx, job *jobs.Job) error {
	var version int64

	err := tx.QueryRowContext(ctx, `SELECT version FROM jobs WHERE id = ?`, job.ID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", job.ID, jobs.ErrJobNotFound)
	}

	if err != nil {
		return fmt.Errorf("load job %s version: %w", job.ID, err)
	}

	return fmt.Errorf("job %s at version %d, update from %d: %w", job.ID, version, job.Version, jobs.ErrVersionConflict)
}

// Transitions implements jobs.Store.
func (s *SQLite) Transitions(ctx context.Context, jobID string) ([]jobs.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, stage, outcome, attempt, at, payload_size, summary
FROM transitions WHERE job_id = ? ORDER BY seq`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list transitions of %s: %w", jobID, err)
	}
	defer rows.Close()

	var out []jobs.Transition

	for rows.Next() {
		var (
			tr      jobs.Transition
			stage   string
			outcome string
			at      int64
		)

		err = rows.Scan(&tr.Seq, &stage, &outcome, &tr.Attempt, &at, &tr.PayloadSize, &tr.Summary)
		if err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}

		tr.JobID = jobID
		tr.Stage = analysis.Stage(stage)
		tr.Outcome = jobs.Outcome(outcome)
		tr.At = time.Unix(0, at).UTC()
		out = append(out, tr)
	}

	return out, rows.Err()
}

// SaveOutput implements jobs.Store.
func (s *SQLite) SaveOutput(ctx context.Context, jobID string, stage analysis.Stage, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outputs (job_id, stage, data) VALUES (?, ?, ?)
ON CONFLICT (job_id, stage) DO UPDATE SET data = excluded.data`,
		jobID, string(stage), data)
	if err != nil {
		return fmt.Errorf("save %s output of job %s: %w", stage, jobID, err)
	}

	return nil
}

// LoadOutput implements jobs.Store.
func (s *SQLite) LoadOutput(ctx context.Context, jobID string, stage analysis.Stage) ([]byte, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, `SELECT data FROM outputs WHERE job_id = ? AND stage = ?`, jobID, string(stage)).
		Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s output of job %s: %w", stage, jobID, jobs.ErrOutputNotFound)
	}

	if err != nil {
		return nil, fmt.Errorf("load %s output of job %s: %w", stage, jobID, err)
	}

	return data, nil
}

// Ping checks that the database answers.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	err = fn(tx)
	if err != nil {
		_ = tx.Rollback()

		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func appendTransitions(ctx context.Context, tx *sql.Tx, jobID string, appended []jobs.Transition) error {
	if len(appended) == 0 {
		return nil
	}

	var last int64

	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM transitions WHERE job_id = ?`, jobID).Scan(&last)
	if err != nil {
		return fmt.Errorf("load last transition of %s: %w", jobID, err)
	}

	for idx, tr := range appended {
		_, err = tx.ExecContext(ctx, `
INSERT INTO transitions (job_id, seq, stage, outcome, attempt, at, payload_size, summary)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			jobID, last+int64(idx)+1, string(tr.Stage), string(tr.Outcome), tr.Attempt, tr.At.UnixNano(),
			tr.PayloadSize, tr.Summary)
		if err != nil {
			return fmt.Errorf("append transition to %s: %w", jobID, err)
		}
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (jobs.Job, error) {
	var (
		job       jobs.Job
		status    string
		stage     string
		errText   sql.NullString
		createdAt int64
		updatedAt int64
	)

	err := row.Scan(&job.ID, &job.Repository.ID, &job.Repository.URL, &status, &stage, &job.Attempt,
		&job.Progress, &job.StatusText, &errText, &job.RerunOf, &job.Version, &createdAt, &updatedAt)
	if err != nil {
		return jobs.Job{}, err
	}

	job.Status = jobs.Status(status)
	job.Stage = analysis.Stage(stage)
	job.CreatedAt = time.Unix(0, createdAt).UTC()
	job.UpdatedAt = time.Unix(0, updatedAt).UTC()

	if errText.Valid && errText.String != "" {
		var detail jobs.ErrorDetail

		err = json.Unmarshal([]byte(errText.String), &detail)
		if err != nil {
			return jobs.Job{}, fmt.Errorf("decode error detail: %w", err)
		}

		job.Error = &detail
	}

	return job, nil
}

func encodeError(detail *jobs.ErrorDetail) (sql.NullString, error) {
	if detail == nil {
		return sql.NullString{}, nil
	}

	data, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode error detail: %w", err)
	}

	return sql.NullString{String: string(data), Valid: true}, nil
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
