// Package workspace manages per-job repository checkouts on local disk.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/pkg/gitlib"
)

const dirPerm = 0o750

// ErrInvalidJobID is returned for job ids that cannot be used as directory names.
var ErrInvalidJobID = errors.New("invalid job id for workspace")

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// CloneFunc clones url into dir.
type CloneFunc func(ctx context.Context, url, dir string, opts gitlib.CloneOptions) (*gitlib.Repository, error)

// Manager hands out one checkout directory per job under a root directory.
// Calls for different jobs run in parallel; calls for the same job are serialized.
type Manager struct {
	root   string
	clone  CloneFunc
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithCloneFunc replaces gitlib.Clone.
func WithCloneFunc(fn CloneFunc) Option {
	return func(m *Manager) {
		m.clone = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// New creates a Manager rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Manager, error) {
	err := os.MkdirAll(root, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}

	m := &Manager{
		root:   root,
		clone:  gitlib.Clone,
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.root
}

// Path returns the checkout directory of a job.
func (m *Manager) Path(jobID string) (string, error) {
	if !jobIDPattern.MatchString(jobID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}

	return filepath.Join(m.root, jobID), nil
}

// Ensure returns an open repository for the job, cloning url on first use.
// An existing checkout that opens cleanly is reused, so retried stages do not
// clone again; a broken one is removed and cloned afresh.
func (m *Manager) Ensure(ctx context.Context, jobID, url string, onProgress func(gitlib.TransferProgress)) (*gitlib.Repository, bool, error) {
	dir, err := m.Path(jobID)
	if err != nil {
		return nil, false, err
	}

	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	if _, statErr := os.Stat(dir); statErr == nil {
		repo, openErr := gitlib.OpenRepository(dir)
		if openErr == nil {
			if _, headErr := repo.Head(); headErr == nil {
				return repo, true, nil
			}

			repo.Close()
		}

		m.logger.Warn("discarding broken workspace", "job_id", jobID, "path", dir)

		rmErr := os.RemoveAll(dir)
		if rmErr != nil {
			return nil, false, fmt.Errorf("remove broken workspace: %w", rmErr)
		}
	}

	repo, err := m.clone(ctx, url, dir, gitlib.CloneOptions{Bare: true, OnProgress: onProgress})
	if err != nil {
		// Never leave a partial clone behind for the next attempt to trip over.
		_ = os.RemoveAll(dir)

		return nil, false, err
	}

	return repo, false, nil
}

// Open opens the existing checkout of a job.
func (m *Manager) Open(jobID string) (*gitlib.Repository, error) {
	dir, err := m.Path(jobID)
	if err != nil {
		return nil, err
	}

	return gitlib.OpenRepository(dir)
}

// Release removes the checkout of a job. Missing checkouts are not an error.
func (m *Manager) Release(jobID string) error {
	dir, err := m.Path(jobID)
	if err != nil {
		return err
	}

	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	rmErr := os.RemoveAll(dir)
	if rmErr != nil {
		return fmt.Errorf("release workspace %s: %w", jobID, rmErr)
	}

	m.mu.Lock()
	delete(m.locks, jobID)
	m.mu.Unlock()

	return nil
}

// Sweep removes checkouts not modified within maxAge and returns how many
// were removed. Workers run it periodically to reclaim space from jobs that
// failed or were cancelled before compilation.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace root: %w", err)
	}

	cutoff := m.now().Add(-maxAge)
	removed := 0

	var errs []error

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		info, infoErr := entry.Info()
		if infoErr != nil || info.ModTime().After(cutoff) {
			continue
		}

		relErr := m.Release(entry.Name())
		if relErr != nil {
			errs = append(errs, relErr)

			continue
		}

		removed++
	}

	return removed, errors.Join(errs...)
}

func (m *Manager) jobLock(jobID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[jobID] = lock
	}

	return lock
}
