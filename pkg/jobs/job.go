// Package jobs implements the job orchestrator: the per-job state machine that
// sequences stage executors, records the transition log and decides between
// retry, failure and cancellation.
package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
)

// Status is the overall state of a job.
type Status string

// Job statuses.
const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further stage will run for a job in status s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Outcome is the kind of a stage transition.
type Outcome string

// Transition outcomes.
const (
	OutcomeStarted   Outcome = "started"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetried   Outcome = "retried"
	OutcomeSkipped   Outcome = "skipped"
)

// Human-readable statuses outside of the per-stage ones.
const (
	StatusTextStarting  = "starting"
	StatusTextRetrying  = "retrying"
	StatusTextFailed    = "failed"
	StatusTextCancelled = "cancelled"
)

// ErrorDetail explains why a job failed.
type ErrorDetail struct {
	Reason             string             `json:"reason"`
	Kind               analysis.ErrorKind `json:"kind"`
	Stage              analysis.Stage     `json:"stage"`
	LastCompletedStage analysis.Stage     `json:"last_completed_stage,omitempty"`
}

// Job is one analysis of one repository.
type Job struct {
	ID         string                 `json:"id"`
	Repository analysis.RepositoryRef `json:"repository"`
	Status     Status                 `json:"status"`
	Stage      analysis.Stage         `json:"stage"`
	Attempt    int                    `json:"attempt"`
	Progress   float64                `json:"progress"`
	StatusText string                 `json:"status_text"`
	Error      *ErrorDetail           `json:"error,omitempty"`
	RerunOf    string                 `json:"rerun_of,omitempty"`
	Version    int64                  `json:"version"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Event describes the job as a progress event. Seq is left to the bus; the
// error text is the failure reason of a failed job.
func (j Job) Event() progress.Event {
	ev := progress.Event{
		JobID:    j.ID,
		Stage:    j.Stage,
		State:    string(j.Status),
		Progress: j.Progress,
		Status:   j.StatusText,
		Time:     j.UpdatedAt,
		Terminal: j.Status.Terminal(),
	}

	if j.Error != nil {
		ev.Error = j.Error.Reason
	}

	return ev
}

// Transition is one entry of a job's append-only stage log. Seq is assigned
// by the store and orders the entries of a job.
type Transition struct {
	JobID       string         `json:"job_id"`
	Seq         int64          `json:"seq"`
	Stage       analysis.Stage `json:"stage"`
	Outcome     Outcome        `json:"outcome"`
	Attempt     int            `json:"attempt"`
	At          time.Time      `json:"at"`
	PayloadSize int            `json:"payload_size,omitempty"`
	Summary     string         `json:"summary,omitempty"`
}

// ErrInvalidTransition is returned by Replay for a log no orchestrator could
// have written.
var ErrInvalidTransition = errors.New("invalid transition")

// State is the part of a job that is reconstructed from its transition log.
type State struct {
	Status        Status
	Stage         analysis.Stage
	Attempt       int
	Progress      float64
	LastCompleted analysis.Stage
}

// Replay folds a transition log into the state it describes. Sub-stage
// progress is not logged, so Progress is the stage start or end progress.
func Replay(log []Transition) (State, error) {
	state := State{Status: StatusPending, Stage: analysis.FirstStage()}

	for idx, tr := range log {
		if idx > 0 && tr.Seq <= log[idx-1].Seq {
			return state, fmt.Errorf("%w: seq %d after %d", ErrInvalidTransition, tr.Seq, log[idx-1].Seq)
		}

		if state.Status.Terminal() {
			return state, fmt.Errorf("%w: %s after terminal %s", ErrInvalidTransition, tr.Outcome, state.Status)
		}

		if !tr.Stage.Valid() {
			return state, fmt.Errorf("%w: %w", ErrInvalidTransition, analysis.ErrUnknownStage)
		}

		err := state.apply(tr)
		if err != nil {
			return state, err
		}
	}

	return state, nil
}

func (s *State) apply(tr Transition) error {
	switch tr.Outcome {
	case OutcomeStarted:
		if tr.Stage.Index() < s.Stage.Index() {
			return fmt.Errorf("%w: %s re-entered after %s", ErrInvalidTransition, tr.Stage, s.Stage)
		}

		s.Status = StatusRunning
		s.Stage = tr.Stage
		s.Attempt = tr.Attempt
		s.Progress = tr.Stage.StartProgress()
	case OutcomeRetried:
		if tr.Stage != s.Stage || s.Status != StatusRunning {
			return fmt.Errorf("%w: retry of %s while at %s", ErrInvalidTransition, tr.Stage, s.Stage)
		}

		s.Attempt = tr.Attempt
	case OutcomeSucceeded:
		if tr.Stage != s.Stage || s.Status != StatusRunning {
			return fmt.Errorf("%w: %s succeeded while at %s", ErrInvalidTransition, tr.Stage, s.Stage)
		}

		s.LastCompleted = tr.Stage
		s.Progress = tr.Stage.EndProgress()

		if tr.Stage.IsLast() {
			s.Status = StatusCompleted
			s.Progress = analysis.ProgressComplete
		}
	case OutcomeFailed:
		s.Status = StatusFailed
		s.Stage = tr.Stage
	case OutcomeSkipped:
		s.Status = StatusCancelled
		s.Stage = tr.Stage
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrInvalidTransition, tr.Outcome)
	}

	return nil
}
