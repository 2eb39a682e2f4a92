package jobs

import (
	"context"
	"errors"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

// Store errors.
var (
	ErrJobNotFound     = errors.New("job not found")
	ErrJobExists       = errors.New("job already exists")
	ErrVersionConflict = errors.New("job version conflict")
	ErrOutputNotFound  = errors.New("stage output not found")
)

// ListFilter narrows ListJobs.
type ListFilter struct {
	// Status keeps jobs in this status only when set.
	Status Status
	// Limit caps the result; zero or less means no limit.
	Limit int
}

// Store is the durable system of record for jobs, their transition logs and
// their stage outputs.
type Store interface {
	// CreateJob inserts job with version 1 and appends the initial transitions.
	CreateJob(ctx context.Context, job *Job, initial ...Transition) error
	// GetJob returns the job or ErrJobNotFound.
	GetJob(ctx context.Context, id string) (Job, error)
	// ListJobs returns jobs, most recently created first.
	ListJobs(ctx context.Context, filter ListFilter) ([]Job, error)
	// UpdateJob replaces the job if its stored version equals job.Version,
	// appends the transitions with the next sequence numbers of the job and
	// increments job.Version. A stale version yields ErrVersionConflict.
	UpdateJob(ctx context.Context, job *Job, appended ...Transition) error
	// Transitions returns the log of a job in sequence order.
	Transitions(ctx context.Context, jobID string) ([]Transition, error)
	// SaveOutput stores the encoded output of a stage, replacing any previous one.
	SaveOutput(ctx context.Context, jobID string, stage analysis.Stage, data []byte) error
	// LoadOutput returns the encoded output of a stage or ErrOutputNotFound.
	LoadOutput(ctx context.Context, jobID string, stage analysis.Stage) ([]byte, error)
}
