// Package store provides the system of record for jobs: an in-memory store
// for tests and single-process runs, and a SQLite store.
package store

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
)

type outputKey struct {
	jobID string
	stage analysis.Stage
}

// Memory is an in-process jobs.Store.
type Memory struct {
	mu          sync.RWMutex
	jobs        map[string]jobs.Job
	order       []string
	transitions map[string][]jobs.Transition
	outputs     map[outputKey][]byte
}

var _ jobs.Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]jobs.Job),
		transitions: make(map[string][]jobs.Transition),
		outputs:     make(map[outputKey][]byte),
	}
}

// CreateJob implements jobs.Store.
func (m *Memory) CreateJob(_ context.Context, job *jobs.Job, initial ...jobs.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, jobs.ErrJobExists)
	}

	job.Version = 1
	m.jobs[job.ID] = *job
	m.order = append(m.order, job.ID)
	m.appendLocked(job.ID, initial)

	return nil
}

// GetJob implements jobs.Store.
func (m *Memory) GetJob(_ context.Context, id string) (jobs.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return jobs.Job{}, fmt.Errorf("job %s: %w", id, jobs.ErrJobNotFound)
	}

	return cloneJob(job), nil
}

// ListJobs implements jobs.Store.
func (m *Memory) ListJobs(_ context.Context, filter jobs.ListFilter) ([]jobs.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]jobs.Job, 0, len(m.order))

	for _, id := range slices.Backward(m.order) {
		job := m.jobs[id]
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}

		out = append(out, cloneJob(job))

		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}

	return out, nil
}

// UpdateJob implements jobs.Store.
func (m *Memory) UpdateJob(_ context.Context, job *jobs.Job, appended ...jobs.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[job.ID]
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, jobs.ErrJobNotFound)
	}

	if stored.Version != job.Version {
		return fmt.Errorf("job %s at version %d, update from %d: %w", job.ID, stored.Version, job.Version, jobs.ErrVersionConflict)
	}

	job.Version++
	m.jobs[job.ID] = cloneJob(*job)
	m.appendLocked(job.ID, appended)

	return nil
}

// Transitions implements jobs.Store.
func (m *Memory) Transitions(_ context.Context, jobID string) ([]jobs.Transition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.transitions[jobID]), nil
}

// SaveOutput implements jobs.Store.
func (m *Memory) SaveOutput(_ context.Context, jobID string, stage analysis.Stage, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outputs[outputKey{jobID: jobID, stage: stage}] = slices.Clone(data)

	return nil
}

// LoadOutput implements jobs.Store.
func (m *Memory) LoadOutput(_ context.Context, jobID string, stage analysis.Stage) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.outputs[outputKey{jobID: jobID, stage: stage}]
	if !ok {
		return nil, fmt.Errorf("%s output of job %s: %w", stage, jobID, jobs.ErrOutputNotFound)
	}

	return slices.Clone(data), nil
}

// Ping implements a readiness check.
func (m *Memory) Ping(context.Context) error {
	return nil
}

// Close implements io.Closer.
func (m *Memory) Close() error {
	return nil
}

func (m *Memory) appendLocked(jobID string, appended []jobs.Transition) {
	log := m.transitions[jobID]

	for _, tr := range appended {
		tr.JobID = jobID
		tr.Seq = int64(len(log) + 1)
		log = append(log, tr)
	}

	m.transitions[jobID] = log
}

func cloneJob(job jobs.Job) jobs.Job {
	if job.Error != nil {
		detail := *job.Error
		job.Error = &detail
	}

	return job
}
