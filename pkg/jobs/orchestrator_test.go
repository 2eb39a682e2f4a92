package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
	"github.com/Sumatoshi-tech/codevoyage/pkg/store"
)

var errUpstream = errors.New("upstream unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []queue.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, task queue.Task) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()

	return nil
}

func (q *recordingQueue) Last() queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.tasks[len(q.tasks)-1]
}

func (q *recordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.tasks)
}

type fixture struct {
	orch  *jobs.Orchestrator
	store *store.Memory
	queue *recordingQueue
	bus   *progress.Bus
	clock *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newFakeClock()
	st := store.NewMemory()
	q := &recordingQueue{}
	bus := progress.NewBus(progress.DefaultConfig(), progress.WithClock(clock.Now))
	t.Cleanup(bus.Close)

	var (
		mu   sync.Mutex
		next int
	)

	newID := func() string {
		mu.Lock()
		defer mu.Unlock()

		next++

		return fmt.Sprintf("job-%d", next)
	}

	orch := jobs.New(st, q, bus, jobs.DefaultConfig(), jobs.WithClock(clock.Now), jobs.WithIDGenerator(newID))

	return &fixture{orch: orch, store: st, queue: q, bus: bus, clock: clock}
}

func repo() analysis.RepositoryRef {
	return analysis.RepositoryRef{ID: "demo", URL: "https://example.com/acme/demo.git"}
}

func outputFor(stage analysis.Stage) analysis.Output {
	switch stage {
	case analysis.StageExtraction:
		return &analysis.ExtractionOutput{Digest: "ext", TotalCommits: 3}
	case analysis.StageComplexity:
		return &analysis.ComplexityOutput{Digest: "cx", FilesScanned: 2}
	case analysis.StageInsights:
		return &analysis.InsightOutput{Digest: "ins"}
	default:
		return &analysis.CompiledReport{Digest: "report", SchemaVersion: analysis.ReportSchemaVersion}
	}
}

func succeed(t *testing.T, f *fixture, jobID string, stage analysis.Stage, attempt int) jobs.Job {
	t.Helper()

	job, err := f.orch.Advance(context.Background(), jobID, jobs.StageResult{
		Stage: stage, Attempt: attempt, Output: outputFor(stage),
	})
	require.NoError(t, err)

	return job
}

func countOutcomes(log []jobs.Transition, stage analysis.Stage) map[jobs.Outcome]int {
	counts := make(map[jobs.Outcome]int)

	for _, tr := range log {
		if tr.Stage == stage {
			counts[tr.Outcome]++
		}
	}

	return counts
}

func TestOrchestrator_Submit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	job, err := f.orch.Submit(context.Background(), repo())
	require.NoError(t, err)

	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, jobs.StatusRunning, job.Status)
	assert.Equal(t, analysis.StageExtraction, job.Stage)
	assert.Equal(t, 1, job.Attempt)
	assert.InDelta(t, 0.0, job.Progress, 1e-9)

	task := f.queue.Last()
	assert.Equal(t, queue.TaskID("job-1", analysis.StageExtraction, 1), task.ID)
	assert.True(t, task.NotBefore.IsZero())

	log, err := f.orch.Transitions(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, jobs.OutcomeStarted, log[0].Outcome)
}

func TestOrchestrator_SubmitRejectsInvalidRepository(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.orch.Submit(context.Background(), analysis.RepositoryRef{URL: "ftp://example.com/x"})
	require.ErrorIs(t, err, analysis.ErrInvalidRepository)
	assert.Zero(t, f.queue.Len())
}

func TestOrchestrator_RetriesThenCompletes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	job = succeed(t, f, job.ID, analysis.StageExtraction, 1)
	assert.InDelta(t, 25.0, job.Progress, 1e-9)

	job = succeed(t, f, job.ID, analysis.StageComplexity, 1)
	assert.InDelta(t, 50.0, job.Progress, 1e-9)
	assert.Equal(t, analysis.StageInsights, job.Stage)

	job, err = f.orch.Fail(ctx, job.ID, analysis.StageInsights, 1, analysis.Transient(errUpstream))
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusRunning, job.Status)
	assert.Equal(t, 2, job.Attempt)
	assert.Equal(t, f.clock.Now().Add(2*time.Second), f.queue.Last().NotBefore)

	job, err = f.orch.Fail(ctx, job.ID, analysis.StageInsights, 2, analysis.Transient(errUpstream))
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempt)
	assert.Equal(t, f.clock.Now().Add(4*time.Second), f.queue.Last().NotBefore)

	job = succeed(t, f, job.ID, analysis.StageInsights, 3)
	assert.InDelta(t, 85.0, job.Progress, 1e-9)

	job = succeed(t, f, job.ID, analysis.StageCompilation, 1)
	assert.Equal(t, jobs.StatusCompleted, job.Status)
	assert.InDelta(t, analysis.ProgressComplete, job.Progress, 1e-9)
	assert.Equal(t, "completed", job.StatusText)

	log, err := f.orch.Transitions(ctx, job.ID)
	require.NoError(t, err)

	insights := countOutcomes(log, analysis.StageInsights)
	assert.Equal(t, 1, insights[jobs.OutcomeStarted])
	assert.Equal(t, 2, insights[jobs.OutcomeRetried])
	assert.Equal(t, 1, insights[jobs.OutcomeSucceeded])
	assert.Zero(t, insights[jobs.OutcomeFailed])

	state, err := f.orch.Verify(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, state.Status)
	assert.Equal(t, analysis.StageCompilation, state.LastCompleted)

	report, err := f.orch.Output(ctx, job.ID, analysis.StageCompilation)
	require.NoError(t, err)
	assert.Equal(t, "report", report.Fingerprint())
}

func TestOrchestrator_PublishesMonotonicProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	for _, stage := range analysis.Stages() {
		succeed(t, f, job.ID, stage, 1)
	}

	events := f.bus.Replay(job.ID)
	require.NotEmpty(t, events)

	var starts []float64

	for idx, ev := range events {
		if idx > 0 {
			assert.GreaterOrEqual(t, ev.Progress, events[idx-1].Progress)
		}

		for _, stage := range analysis.Stages() {
			if ev.Status == stage.StartStatus() {
				starts = append(starts, ev.Progress)
			}
		}
	}

	assert.Equal(t, []float64{0, 25, 50, 85}, starts)

	last := events[len(events)-1]
	assert.True(t, last.Terminal)
	assert.InDelta(t, 100.0, last.Progress, 1e-9)
	assert.Equal(t, string(jobs.StatusCompleted), last.State)
}

func TestOrchestrator_BudgetExhausted(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	succeed(t, f, job.ID, analysis.StageExtraction, 1)

	for attempt := 1; attempt <= f.orch.RetryBudget(); attempt++ {
		job, err = f.orch.Fail(ctx, job.ID, analysis.StageComplexity, attempt, errUpstream)
		require.NoError(t, err)
	}

	assert.Equal(t, jobs.StatusFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, analysis.KindTransient, job.Error.Kind)
	assert.Equal(t, analysis.StageComplexity, job.Error.Stage)
	assert.Equal(t, analysis.StageExtraction, job.Error.LastCompletedStage)
	assert.Contains(t, job.Error.Reason, "complexity stage failed after 3 attempts")

	prior, err := f.orch.Output(ctx, job.ID, analysis.StageExtraction)
	require.NoError(t, err)
	assert.Equal(t, "ext", prior.Fingerprint())

	log, err := f.orch.Transitions(ctx, job.ID)
	require.NoError(t, err)

	counts := countOutcomes(log, analysis.StageComplexity)
	assert.Equal(t, 2, counts[jobs.OutcomeRetried])
	assert.Equal(t, 1, counts[jobs.OutcomeFailed])

	_, err = f.orch.Verify(ctx, job.ID)
	require.NoError(t, err)
}

func TestOrchestrator_NonRetryableFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		cause  error
		kind   analysis.ErrorKind
		reason string
	}{
		{
			name:   "malformed",
			cause:  analysis.MalformedInput(errors.New("repository not found")),
			kind:   analysis.KindMalformedInput,
			reason: "extraction stage failed: malformed_input: repository not found",
		},
		{
			name:   "internal",
			cause:  analysis.Internal(errors.New("nil pointer in visitor")),
			kind:   analysis.KindInternal,
			reason: "internal error during extraction stage; operators have been notified",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			ctx := context.Background()

			job, err := f.orch.Submit(ctx, repo())
			require.NoError(t, err)

			job, err = f.orch.Fail(ctx, job.ID, analysis.StageExtraction, 1, tt.cause)
			require.NoError(t, err)

			assert.Equal(t, jobs.StatusFailed, job.Status)
			require.NotNil(t, job.Error)
			assert.Equal(t, tt.kind, job.Error.Kind)
			assert.Equal(t, tt.reason, job.Error.Reason)
			assert.Empty(t, job.Error.LastCompletedStage)
			assert.Equal(t, 1, f.queue.Len())

			log, err := f.orch.Transitions(ctx, job.ID)
			require.NoError(t, err)
			assert.Zero(t, countOutcomes(log, analysis.StageExtraction)[jobs.OutcomeRetried])
		})
	}
}

func TestOrchestrator_RateExhaustedUsesRetryAfter(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	_, err = f.orch.Fail(ctx, job.ID, analysis.StageExtraction, 1, analysis.RateExhausted(7*time.Second, errUpstream))
	require.NoError(t, err)

	task := f.queue.Last()
	assert.Equal(t, 2, task.Attempt)
	assert.Equal(t, f.clock.Now().Add(7*time.Second), task.NotBefore)
}

func TestOrchestrator_StaleResults(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	_, err = f.orch.Advance(ctx, job.ID, jobs.StageResult{
		Stage: analysis.StageExtraction, Attempt: 1, Output: outputFor(analysis.StageComplexity),
	})
	require.ErrorIs(t, err, jobs.ErrOutputMismatch)

	_, err = f.orch.Advance(ctx, job.ID, jobs.StageResult{
		Stage: analysis.StageExtraction, Attempt: 2, Output: outputFor(analysis.StageExtraction),
	})
	require.ErrorIs(t, err, jobs.ErrStale)

	succeed(t, f, job.ID, analysis.StageExtraction, 1)

	_, err = f.orch.Advance(ctx, job.ID, jobs.StageResult{
		Stage: analysis.StageExtraction, Attempt: 1, Output: outputFor(analysis.StageExtraction),
	})
	require.ErrorIs(t, err, jobs.ErrStale)

	_, err = f.orch.Fail(ctx, job.ID, analysis.StageExtraction, 1, errUpstream)
	require.ErrorIs(t, err, jobs.ErrStale)

	_, err = f.orch.Begin(ctx, queue.Task{JobID: job.ID, Stage: analysis.StageExtraction, Attempt: 1})
	require.ErrorIs(t, err, jobs.ErrStale)

	log, err := f.orch.Transitions(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countOutcomes(log, analysis.StageExtraction)[jobs.OutcomeSucceeded])
}

func TestOrchestrator_BeginLoadsPriorOutputs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	first, err := f.orch.Begin(ctx, f.queue.Last())
	require.NoError(t, err)
	assert.Nil(t, first.Prior.Extraction)

	succeed(t, f, job.ID, analysis.StageExtraction, 1)

	assignment, err := f.orch.Begin(ctx, f.queue.Last())
	require.NoError(t, err)
	assert.Equal(t, analysis.StageComplexity, assignment.Task.Stage)
	require.NotNil(t, assignment.Prior.Extraction)
	assert.Equal(t, 3, assignment.Prior.Extraction.TotalCommits)
}

func TestOrchestrator_ReportProgress(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	require.NoError(t, f.orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 1, 0.5, "cloning_repository"))

	job, err = f.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, job.Progress, 1e-9)
	assert.Equal(t, "cloning_repository", job.StatusText)

	// Below the persistence step and going backwards are both ignored.
	require.NoError(t, f.orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 1, 0.52, ""))
	require.NoError(t, f.orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 1, 0.1, ""))

	job, err = f.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, job.Progress, 1e-9)

	require.NoError(t, f.orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 1, 1.0, ""))

	job, err = f.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Less(t, job.Progress, analysis.StageComplexity.StartProgress())
	assert.Greater(t, job.Progress, 24.0)

	err = f.orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 2, 0.9, "")
	require.ErrorIs(t, err, jobs.ErrStale)
}

func TestOrchestrator_Cancel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	task := f.queue.Last()

	job, err = f.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)

	cancelled, err := f.orch.IsCancelled(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)

	_, err = f.orch.Begin(ctx, task)
	require.ErrorIs(t, err, jobs.ErrCancelled)

	_, err = f.orch.Advance(ctx, job.ID, jobs.StageResult{
		Stage: analysis.StageExtraction, Attempt: 1, Output: outputFor(analysis.StageExtraction),
	})
	require.ErrorIs(t, err, jobs.ErrCancelled)

	err = f.orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 1, 0.5, "")
	require.ErrorIs(t, err, jobs.ErrCancelled)

	job, err = f.orch.Fail(ctx, job.ID, analysis.StageExtraction, 1, analysis.ErrCancelled)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, job.Status)

	_, err = f.orch.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, jobs.ErrTerminal)

	assert.Equal(t, 1, f.queue.Len())

	state, err := f.orch.Verify(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, state.Status)

	events := f.bus.Replay(job.ID)
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Terminal)
}

func TestOrchestrator_Rerun(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	_, err = f.orch.Rerun(ctx, job.ID)
	require.ErrorIs(t, err, jobs.ErrNotTerminal)

	_, err = f.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)

	rerun, err := f.orch.Rerun(ctx, job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, rerun.ID)
	assert.Equal(t, job.ID, rerun.RerunOf)
	assert.Equal(t, job.Repository, rerun.Repository)
	assert.Equal(t, jobs.StatusRunning, rerun.Status)

	old, err := f.orch.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, old.Status)

	_, err = f.orch.Rerun(ctx, "missing")
	require.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestOrchestrator_Recover(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemoryQueue(queue.DefaultConfig())
	t.Cleanup(func() { _ = q.Close() })

	orch := jobs.New(st, q, nil, jobs.DefaultConfig())

	first, err := orch.Submit(ctx, repo())
	require.NoError(t, err)

	second, err := orch.Submit(ctx, repo())
	require.NoError(t, err)

	_, err = orch.Cancel(ctx, second.ID)
	require.NoError(t, err)

	recovered, err := orch.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, lease.Task.JobID)
}

func TestOrchestrator_ConcurrentProgressAndAdvance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	var wg sync.WaitGroup

	for idx := range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			_ = f.orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 1, float64(idx)/20, "")
		}()
	}

	wg.Wait()

	succeed(t, f, job.ID, analysis.StageExtraction, 1)

	_, err = f.orch.Verify(ctx, job.ID)
	require.NoError(t, err)
}

// gatedBus forwards to a real bus but holds the first progress event of a
// running job until release is closed.
type gatedBus struct {
	bus     *progress.Bus
	held    chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedBus) Publish(jobID string, ev progress.Event) progress.Event {
	if ev.State == string(jobs.StatusRunning) && ev.Progress > 0 {
		g.once.Do(func() {
			close(g.held)
			<-g.release
		})
	}

	return g.bus.Publish(jobID, ev)
}

func TestOrchestrator_EventsFollowUpdatesUnderCancel(t *testing.T) {
	t.Parallel()

	bus := progress.NewBus(progress.DefaultConfig())
	t.Cleanup(bus.Close)

	gate := &gatedBus{bus: bus, held: make(chan struct{}), release: make(chan struct{})}
	orch := jobs.New(store.NewMemory(), &recordingQueue{}, gate, jobs.DefaultConfig())
	ctx := context.Background()

	job, err := orch.Submit(ctx, repo())
	require.NoError(t, err)

	progressDone := make(chan error, 1)

	go func() {
		progressDone <- orch.ReportProgress(ctx, job.ID, analysis.StageExtraction, 1, 0.5, "cloning")
	}()

	<-gate.held

	cancelDone := make(chan error, 1)

	go func() {
		_, cancelErr := orch.Cancel(ctx, job.ID)
		cancelDone <- cancelErr
	}()

	select {
	case <-cancelDone:
		t.Fatal("cancel finished while the previous update was still being published")
	case <-time.After(50 * time.Millisecond):
	}

	close(gate.release)

	require.NoError(t, <-progressDone)
	require.NoError(t, <-cancelDone)

	events := bus.Replay(job.ID)
	require.Len(t, events, 3)
	assert.Equal(t, "cloning", events[1].Status)

	last := events[len(events)-1]
	assert.True(t, last.Terminal)
	assert.Equal(t, string(jobs.StatusCancelled), last.State)

	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestOrchestrator_SummaryKeepsValidUTF8(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	job, err := f.orch.Submit(ctx, repo())
	require.NoError(t, err)

	cause := analysis.Transient(errors.New("xy" + strings.Repeat("é", 200)))

	_, err = f.orch.Fail(ctx, job.ID, analysis.StageExtraction, 1, cause)
	require.NoError(t, err)

	log, err := f.orch.Transitions(ctx, job.ID)
	require.NoError(t, err)

	last := log[len(log)-1]
	require.Equal(t, jobs.OutcomeRetried, last.Outcome)
	assert.True(t, utf8.ValidString(last.Summary))
	assert.LessOrEqual(t, len(last.Summary), 240)
	assert.Greater(t, len(last.Summary), 230)
}
