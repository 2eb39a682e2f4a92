package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
)

// Orchestrator errors.
var (
	// ErrStale rejects a call about a stage attempt the job is no longer at.
	ErrStale = errors.New("stale stage attempt")
	// ErrCancelled is returned for work on a cancelled job.
	ErrCancelled = errors.New("job cancelled")
	// ErrTerminal rejects changes to a finished job.
	ErrTerminal = errors.New("job already finished")
	// ErrNotTerminal rejects a re-run of a job that is still active.
	ErrNotTerminal = errors.New("job still active")
	// ErrOutputMismatch rejects a stage result whose output belongs to another stage.
	ErrOutputMismatch = errors.New("output does not match stage")
)

const (
	maxConflictRetries = 8
	lockStripes        = 64
	progressStep       = 1.0
	maxSummaryLen      = 240
)

// errNoChange aborts a mutation without writing.
var errNoChange = errors.New("no change")

// Enqueuer schedules stage tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(jobID string, ev progress.Event) progress.Event
}

// Metrics records orchestration outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordTransition(stage analysis.Stage, outcome Outcome)
	RecordRetry(stage analysis.Stage, kind analysis.ErrorKind)
	RecordJobFinished(status Status)
}

// Config configures an Orchestrator.
type Config struct {
	Retry RetryConfig `mapstructure:"retry"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{Retry: DefaultRetryConfig()}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = metrics
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithIDGenerator replaces the job identifier generator.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		o.newID = newID
	}
}

// Assignment is a task the orchestrator allowed to run, with the outputs of
// the stages before it.
type Assignment struct {
	Job   Job
	Task  queue.Task
	Prior analysis.Outputs
}

// StageResult is a successful stage attempt.
type StageResult struct {
	Stage   analysis.Stage
	Attempt int
	Output  analysis.Output
}

// Orchestrator owns every state change of every job. Mutations of one job are
// serialized in-process and guarded by the store's version check across
// processes.
type Orchestrator struct {
	store   Store
	queue   Enqueuer
	bus     Publisher
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	now     func() time.Time
	newID   func() string

	locks [lockStripes]sync.Mutex
}

// New creates an Orchestrator. bus may be nil.
func New(store Store, q Enqueuer, bus Publisher, cfg Config, opts ...Option) *Orchestrator {
	cfg.Retry = cfg.Retry.withDefaults()

	o := &Orchestrator{
		store:  store,
		queue:  q,
		bus:    bus,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// RetryBudget returns the number of attempts each stage gets.
func (o *Orchestrator) RetryBudget() int {
	return o.cfg.Retry.Budget
}

// Submit creates a job for repo, moves it to running and schedules the first stage.
func (o *Orchestrator) Submit(ctx context.Context, repo analysis.RepositoryRef) (Job, error) {
	return o.create(ctx, repo, "")
}

// Rerun creates a new job for the repository of a finished job. The finished
// job and its log are left untouched.
func (o *Orchestrator) Rerun(ctx context.Context, jobID string) (Job, error) {
	prev, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	if !prev.Status.Terminal() {
		return Job{}, fmt.Errorf("rerun job %s: %w", jobID, ErrNotTerminal)
	}

	return o.create(ctx, prev.Repository, prev.ID)
}

func (o *Orchestrator) create(ctx context.Context, repo analysis.RepositoryRef, rerunOf string) (Job, error) {
	err := repo.Validate()
	if err != nil {
		return Job{}, err
	}

	now := o.now()
	job := &Job{
		ID:         o.newID(),
		Repository: repo,
		Status:     StatusPending,
		Stage:      analysis.FirstStage(),
		StatusText: StatusTextStarting,
		RerunOf:    rerunOf,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err = o.store.CreateJob(ctx, job)
	if err != nil {
		return Job{}, fmt.Errorf("create job: %w", err)
	}

	o.logger.InfoContext(ctx, "job submitted", "job_id", job.ID, "repository", repo.URL, "rerun_of", rerunOf)

	first := analysis.FirstStage()

	started, err := o.mutate(ctx, job.ID, func(j *Job) ([]Transition, error) {
		if j.Status != StatusPending {
			return nil, errNoChange
		}

		j.Status = StatusRunning
		j.Attempt = 1
		j.StatusText = first.StartStatus()

		return []Transition{o.transition(j, first, OutcomeStarted, 1, "")}, nil
	}, nil)
	if err != nil {
		return *job, err
	}

	err = o.schedule(ctx, started, first, 1, time.Time{})
	if err != nil {
		return started, err
	}

	return started, nil
}

// Begin admits a dequeued task. It returns ErrCancelled when the job was
// cancelled and ErrStale when the job is no longer at the task's attempt; in
// both cases the task must be dropped.
func (o *Orchestrator) Begin(ctx context.Context, task queue.Task) (Assignment, error) {
	job, err := o.store.GetJob(ctx, task.JobID)
	if err != nil {
		return Assignment{}, fmt.Errorf("load job %s: %w", task.JobID, err)
	}

	err = checkAttempt(job, task.Stage, task.Attempt)
	if err != nil {
		return Assignment{}, err
	}

	prior, err := o.priorOutputs(ctx, job.ID, task.Stage)
	if err != nil {
		return Assignment{}, err
	}

	return Assignment{Job: job, Task: task, Prior: prior}, nil
}

// ReportProgress records the fraction of work done by a running stage
// attempt. Progress never decreases and is persisted in steps of at least one
// point or when status changes. It returns ErrCancelled once the job was
// cancelled so executors can stop at their checkpoint.
func (o *Orchestrator) ReportProgress(ctx context.Context, jobID string, stage analysis.Stage, attempt int, fraction float64, status string) error {
	target := stage.ProgressAt(fraction)

	_, err := o.mutate(ctx, jobID, func(j *Job) ([]Transition, error) {
		err := checkAttempt(*j, stage, attempt)
		if err != nil {
			return nil, err
		}

		next := max(j.Progress, target)
		changedText := status != "" && status != j.StatusText

		if next-j.Progress < progressStep && !changedText {
			return nil, errNoChange
		}

		j.Progress = next

		if status != "" {
			j.StatusText = status
		}

		return nil, nil
	}, nil)
	if errors.Is(err, errNoChange) {
		return nil
	}

	return err
}

// Advance records a successful stage attempt, stores its output and schedules
// the next stage or completes the job. Duplicate and stale results are
// rejected with ErrStale; results for cancelled jobs with ErrCancelled.
func (o *Orchestrator) Advance(ctx context.Context, jobID string, result StageResult) (Job, error) {
	if result.Output == nil || result.Output.Stage() != result.Stage {
		return Job{}, fmt.Errorf("advance %s: %w", result.Stage, ErrOutputMismatch)
	}

	current, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("load job %s: %w", jobID, err)
	}

	err = checkAttempt(current, result.Stage, result.Attempt)
	if err != nil {
		return current, err
	}

	data, err := analysis.EncodeOutput(result.Output)
	if err != nil {
		return current, err
	}

	err = o.store.SaveOutput(ctx, jobID, result.Stage, data)
	if err != nil {
		return current, fmt.Errorf("save %s output: %w", result.Stage, err)
	}

	next, hasNext := result.Stage.Next()

	job, err := o.mutate(ctx, jobID, func(j *Job) ([]Transition, error) {
		err := checkAttempt(*j, result.Stage, result.Attempt)
		if err != nil {
			return nil, err
		}

		succeeded := o.transition(j, result.Stage, OutcomeSucceeded, result.Attempt, result.Output.Fingerprint())
		succeeded.PayloadSize = len(data)

		j.Error = nil

		if !hasNext {
			j.Status = StatusCompleted
			j.Progress = analysis.ProgressComplete
			j.StatusText = result.Stage.DoneStatus()

			return []Transition{succeeded}, nil
		}

		j.Stage = next
		j.Attempt = 1
		j.Progress = max(j.Progress, next.StartProgress())
		j.StatusText = next.StartStatus()

		return []Transition{succeeded, o.transition(j, next, OutcomeStarted, 1, "")}, nil
	}, nil)
	if err != nil {
		return job, err
	}

	o.record(result.Stage, OutcomeSucceeded)
	o.logger.InfoContext(ctx, "stage succeeded",
		"job_id", jobID, "stage", result.Stage, "attempt", result.Attempt, "payload_bytes", len(data))

	if !hasNext {
		o.finished(ctx, job)

		return job, nil
	}

	o.record(next, OutcomeStarted)

	return job, o.schedule(ctx, job, next, 1, time.Time{})
}

// Fail records a failed stage attempt. Retryable failures within the retry
// budget reschedule the stage with the next attempt after a backoff, or after
// the limiter's wait for rate-exhausted failures. Anything else fails the job.
func (o *Orchestrator) Fail(ctx context.Context, jobID string, stage analysis.Stage, attempt int, cause error) (Job, error) {
	if cause == nil {
		cause = errors.New("unspecified failure")
	}

	kind := analysis.KindOf(cause)
	retry := kind.Retryable() && attempt < o.cfg.Retry.Budget

	var delay time.Duration

	if retry {
		delay = o.cfg.Retry.Delay(attempt)
		if wait := analysis.RetryAfterOf(cause); kind == analysis.KindRateExhausted && wait > 0 {
			delay = wait
		}
	}

	if errors.Is(cause, analysis.ErrCancelled) {
		job, err := o.store.GetJob(ctx, jobID)
		if err == nil && job.Status == StatusCancelled {
			return job, nil
		}
	}

	job, err := o.mutate(ctx, jobID, func(j *Job) ([]Transition, error) {
		err := checkAttempt(*j, stage, attempt)
		if err != nil {
			return nil, err
		}

		if retry {
			j.Attempt = attempt + 1
			j.StatusText = StatusTextRetrying

			return []Transition{o.transition(j, stage, OutcomeRetried, attempt+1, cause.Error())}, nil
		}

		j.Status = StatusFailed
		j.StatusText = StatusTextFailed
		j.Error = &ErrorDetail{
			Reason:             failureReason(stage, attempt, kind, cause),
			Kind:               kind,
			Stage:              stage,
			LastCompletedStage: lastCompleted(stage),
		}

		return []Transition{o.transition(j, stage, OutcomeFailed, attempt, cause.Error())}, nil
	}, func(j Job) string {
		if j.Error != nil {
			return j.Error.Reason
		}

		return cause.Error()
	})
	if err != nil {
		return job, err
	}

	if retry {
		o.record(stage, OutcomeRetried)

		if o.metrics != nil {
			o.metrics.RecordRetry(stage, kind)
		}

		o.logger.WarnContext(ctx, "stage failed, retrying",
			"job_id", jobID, "stage", stage, "attempt", attempt, "kind", kind, "delay", delay, "error", cause)

		return job, o.schedule(ctx, job, stage, attempt+1, o.now().Add(delay))
	}

	o.record(stage, OutcomeFailed)

	if kind == analysis.KindInternal {
		o.logger.ErrorContext(ctx, "stage failed with internal error",
			"job_id", jobID, "stage", stage, "attempt", attempt, "error", cause, "operator_attention", true)
	} else {
		o.logger.WarnContext(ctx, "stage failed",
			"job_id", jobID, "stage", stage, "attempt", attempt, "kind", kind, "error", cause)
	}

	o.finished(ctx, job)

	return job, nil
}

// Cancel stops a job. No further stage is scheduled; a running executor
// stops at its next checkpoint and its result is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (Job, error) {
	job, err := o.mutate(ctx, jobID, func(j *Job) ([]Transition, error) {
		if j.Status.Terminal() {
			return nil, fmt.Errorf("cancel job %s: %w", j.ID, ErrTerminal)
		}

		j.Status = StatusCancelled
		j.StatusText = StatusTextCancelled

		return []Transition{o.transition(j, j.Stage, OutcomeSkipped, j.Attempt, "cancelled by request")}, nil
	}, nil)
	if err != nil {
		return job, err
	}

	o.record(job.Stage, OutcomeSkipped)
	o.logger.InfoContext(ctx, "job cancelled", "job_id", jobID, "stage", job.Stage)
	o.finished(ctx, job)

	return job, nil
}

// IsCancelled reports whether the job was cancelled.
func (o *Orchestrator) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("load job %s: %w", jobID, err)
	}

	return job.Status == StatusCancelled, nil
}

// Job returns a snapshot of a job.
func (o *Orchestrator) Job(ctx context.Context, jobID string) (Job, error) {
	return o.store.GetJob(ctx, jobID)
}

// Jobs lists jobs, most recent first.
func (o *Orchestrator) Jobs(ctx context.Context, filter ListFilter) ([]Job, error) {
	return o.store.ListJobs(ctx, filter)
}

// Transitions returns the transition log of a job.
func (o *Orchestrator) Transitions(ctx context.Context, jobID string) ([]Transition, error) {
	_, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return o.store.Transitions(ctx, jobID)
}

// Output returns the persisted output of one stage of a job.
func (o *Orchestrator) Output(ctx context.Context, jobID string, stage analysis.Stage) (analysis.Output, error) {
	data, err := o.store.LoadOutput(ctx, jobID, stage)
	if err != nil {
		return nil, err
	}

	out, err := analysis.DecodeOutput(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s output of job %s: %w", stage, jobID, err)
	}

	return out, nil
}

// Verify replays the transition log of a job and checks it against the
// stored job.
func (o *Orchestrator) Verify(ctx context.Context, jobID string) (State, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return State{}, err
	}

	log, err := o.store.Transitions(ctx, jobID)
	if err != nil {
		return State{}, err
	}

	state, err := Replay(log)
	if err != nil {
		return state, err
	}

	if state.Status != job.Status || state.Stage != job.Stage || state.Attempt != job.Attempt {
		return state, fmt.Errorf("%w: log says %s/%s#%d, job is %s/%s#%d", ErrInvalidTransition,
			state.Status, state.Stage, state.Attempt, job.Status, job.Stage, job.Attempt)
	}

	return state, nil
}

// Recover re-enqueues the current attempt of every running job. Task
// identifiers are deterministic, so attempts still queued are not duplicated.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	running, err := o.store.ListJobs(ctx, ListFilter{Status: StatusRunning})
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	for _, job := range running {
		err = o.schedule(ctx, job, job.Stage, job.Attempt, time.Time{})
		if err != nil {
			return 0, err
		}
	}

	if len(running) > 0 {
		o.logger.InfoContext(ctx, "recovered running jobs", "count", len(running))
	}

	return len(running), nil
}

// mutate applies fn to the latest version of a job and stores the result
// with the transitions fn returns, retrying on version conflicts. The event
// of the stored job is published before the job lock is released, so events
// follow the order of the updates they report. note supplies the event error
// text; nil uses the job's failure reason.
func (o *Orchestrator) mutate(
	ctx context.Context, jobID string, fn func(*Job) ([]Transition, error), note func(Job) string,
) (Job, error) {
	unlock := o.lock(jobID)
	defer unlock()

	for range maxConflictRetries {
		job, err := o.store.GetJob(ctx, jobID)
		if err != nil {
			return Job{}, fmt.Errorf("load job %s: %w", jobID, err)
		}

		appended, err := fn(&job)
		if err != nil {
			return job, err
		}

		job.UpdatedAt = o.now()

		err = o.store.UpdateJob(ctx, &job, appended...)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}

		if err != nil {
			return job, fmt.Errorf("update job %s: %w", jobID, err)
		}

		errText := ""

		switch {
		case note != nil:
			errText = note(job)
		case job.Error != nil:
			errText = job.Error.Reason
		}

		o.publish(job, errText)

		return job, nil
	}

	return Job{}, fmt.Errorf("update job %s: %w", jobID, ErrVersionConflict)
}

func (o *Orchestrator) lock(jobID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))

	mu := &o.locks[h.Sum32()%lockStripes]
	mu.Lock()

	return mu.Unlock
}

func (o *Orchestrator) schedule(ctx context.Context, job Job, stage analysis.Stage, attempt int, notBefore time.Time) error {
	task := queue.Task{
		ID:        queue.TaskID(job.ID, stage, attempt),
		JobID:     job.ID,
		Stage:     stage,
		Attempt:   attempt,
		NotBefore: notBefore,
	}

	err := o.queue.Enqueue(ctx, task)
	if err != nil {
		o.logger.ErrorContext(ctx, "enqueue stage failed",
			"job_id", job.ID, "stage", stage, "attempt", attempt, "error", err, "operator_attention", true)

		return fmt.Errorf("enqueue %s: %w", task.ID, err)
	}

	return nil
}

func (o *Orchestrator) priorOutputs(ctx context.Context, jobID string, stage analysis.Stage) (analysis.Outputs, error) {
	var prior analysis.Outputs

	for _, earlier := range analysis.Stages()[:max(stage.Index(), 0)] {
		out, err := o.Output(ctx, jobID, earlier)
		if errors.Is(err, ErrOutputNotFound) {
			return prior, analysis.Internal(fmt.Errorf("load %s output: %w", earlier, err))
		}

		if err != nil {
			return prior, fmt.Errorf("load %s output: %w", earlier, err)
		}

		prior.Set(out)
	}

	return prior, nil
}

func (o *Orchestrator) transition(job *Job, stage analysis.Stage, outcome Outcome, attempt int, summary string) Transition {
	summary = truncate(summary, maxSummaryLen)

	return Transition{
		JobID:   job.ID,
		Stage:   stage,
		Outcome: outcome,
		Attempt: attempt,
		At:      o.now(),
		Summary: summary,
	}
}

func (o *Orchestrator) finished(ctx context.Context, job Job) {
	if o.metrics != nil {
		o.metrics.RecordJobFinished(job.Status)
	}

	o.logger.InfoContext(ctx, "job finished", "job_id", job.ID, "status", job.Status, "stage", job.Stage)
}

func (o *Orchestrator) record(stage analysis.Stage, outcome Outcome) {
	if o.metrics != nil {
		o.metrics.RecordTransition(stage, outcome)
	}
}

func (o *Orchestrator) publish(job Job, errText string) {
	if o.bus == nil {
		return
	}

	ev := job.Event()
	ev.Error = errText

	o.bus.Publish(job.ID, ev)
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}

	return s[:cut]
}

// checkAttempt verifies that job is running the given stage attempt.
func checkAttempt(job Job, stage analysis.Stage, attempt int) error {
	switch {
	case job.Status == StatusCancelled:
		return fmt.Errorf("job %s: %w", job.ID, ErrCancelled)
	case job.Status != StatusRunning:
		return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, ErrStale)
	case job.Stage != stage || job.Attempt != attempt:
		return fmt.Errorf("job %s at %s#%d, got %s#%d: %w", job.ID, job.Stage, job.Attempt, stage, attempt, ErrStale)
	}

	return nil
}

func failureReason(stage analysis.Stage, attempt int, kind analysis.ErrorKind, cause error) string {
	switch {
	case !kind.UserFacing():
		return fmt.Sprintf("internal error during %s stage; operators have been notified", stage)
	case kind.Retryable():
		return fmt.Sprintf("%s stage failed after %d attempts: %v", stage, attempt, cause)
	default:
		return fmt.Sprintf("%s stage failed: %v", stage, cause)
	}
}

func lastCompleted(stage analysis.Stage) analysis.Stage {
	idx := stage.Index()
	if idx <= 0 {
		return ""
	}

	return analysis.Stages()[idx-1]
}
