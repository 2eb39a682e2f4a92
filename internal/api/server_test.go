package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/codevoyage/internal/api"
	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
	"github.com/Sumatoshi-tech/codevoyage/pkg/queue"
	"github.com/Sumatoshi-tech/codevoyage/pkg/store"
)

const repoURL = "https://example.com/acme/widgets.git"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	orch   *jobs.Orchestrator
	queue  *queue.MemoryQueue
	bus    *progress.Bus
	server *api.Server
}

func newFixture(t *testing.T, withBus bool, opts ...api.Option) *fixture {
	t.Helper()

	q := queue.NewMemoryQueue(queue.Config{VisibilityTimeout: time.Minute, PollInterval: 5 * time.Millisecond})
	t.Cleanup(func() { _ = q.Close() })

	f := &fixture{queue: q}

	var events api.EventSource

	if withBus {
		f.bus = progress.NewBus(progress.DefaultConfig())
		t.Cleanup(f.bus.Close)

		f.orch = jobs.New(store.NewMemory(), q, f.bus, jobs.DefaultConfig())
		events = f.bus
	} else {
		f.orch = jobs.New(store.NewMemory(), q, nil, jobs.DefaultConfig())
	}

	f.server = api.New(f.orch, events, opts...)

	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}

	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var out T

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())

	return out
}

func (f *fixture) submit(t *testing.T) jobs.Job {
	t.Helper()

	rec := f.do(t, http.MethodPost, "/v1/jobs", api.SubmitRequest{RepositoryID: "widgets", URL: repoURL})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	return decode[api.JobResponse](t, rec).Job
}

// completeExtraction runs the queued extraction attempt by hand.
func (f *fixture) completeExtraction(t *testing.T, jobID string) {
	t.Helper()

	ctx := context.Background()

	lease, err := f.queue.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, jobID, lease.Task.JobID)

	_, err = f.orch.Begin(ctx, lease.Task)
	require.NoError(t, err)

	_, err = f.orch.Advance(ctx, jobID, jobs.StageResult{
		Stage:   analysis.StageExtraction,
		Attempt: lease.Task.Attempt,
		Output:  &analysis.ExtractionOutput{Digest: "ext", Head: "abc"},
	})
	require.NoError(t, err)
	require.NoError(t, f.queue.Ack(ctx, lease))
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, "/v1/jobs", api.SubmitRequest{RepositoryID: "widgets", URL: repoURL})
	require.Equal(t, http.StatusCreated, rec.Code)

	job := decode[api.JobResponse](t, rec).Job
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, jobs.StatusRunning, job.Status)
	assert.Equal(t, analysis.StageExtraction, job.Stage)
	assert.Equal(t, "/v1/jobs/"+job.ID, rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	depth, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestSubmit_Invalid(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	tests := []struct {
		name string
		body any
	}{
		{name: "missing url", body: map[string]string{"repository_id": "x"}},
		{name: "bad scheme", body: api.SubmitRequest{URL: "ftp://example.com/repo"}},
		{name: "no host", body: api.SubmitRequest{URL: "https:///repo"}},
		{name: "long id", body: api.SubmitRequest{RepositoryID: strings.Repeat("x", 201), URL: repoURL}},
	}

	for _, tt := range tests {
		rec := f.do(t, http.MethodPost, "/v1/jobs", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
		assert.Equal(t, api.CodeInvalidRequest, decode[api.ErrorResponse](t, rec).Code, tt.name)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndList(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	first := f.submit(t)
	second := f.submit(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+first.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[api.JobResponse](t, rec).Job.ID)

	rec = f.do(t, http.MethodGet, "/v1/jobs?status=running&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	list := decode[api.JobsResponse](t, rec).Jobs
	require.Len(t, list, 2)
	assert.ElementsMatch(t, []string{first.ID, second.ID}, []string{list[0].ID, list[1].ID})

	rec = f.do(t, http.MethodGet, "/v1/jobs?status=completed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[api.JobsResponse](t, rec).Jobs)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?status=paused", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs?limit=9999", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/missing", nil).Code)
}

func TestTransitionsAndOutputs(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	job := f.submit(t)

	rec := f.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/outputs/extraction", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.completeExtraction(t, job.ID)

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/transitions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	log := decode[api.TransitionsResponse](t, rec).Transitions
	require.Len(t, log, 3)
	assert.Equal(t, jobs.OutcomeStarted, log[0].Outcome)
	assert.Equal(t, jobs.OutcomeSucceeded, log[1].Outcome)
	assert.Equal(t, analysis.StageComplexity, log[2].Stage)

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/outputs/extraction", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stage  analysis.Stage            `json:"stage"`
		Output analysis.ExtractionOutput `json:"output"`
	}

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, analysis.StageExtraction, body.Stage)
	assert.Equal(t, "abc", body.Output.Head)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs/"+job.ID+"/outputs/bogus", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/missing/transitions", nil).Code)
}

func TestCancelAndRerun(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	job := f.submit(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/rerun", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "active job")

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, jobs.StatusCancelled, decode[api.JobResponse](t, rec).Job.Status)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "already cancelled")

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+job.ID+"/rerun", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rerun := decode[api.JobResponse](t, rec).Job
	assert.NotEqual(t, job.ID, rerun.ID)
	assert.Equal(t, job.ID, rerun.RerunOf)
	assert.Equal(t, job.Repository, rerun.Repository)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/jobs/missing/cancel", nil).Code)
}

var errStoreDown = errors.New("store down")

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		_, _ = rw.Write([]byte("codevoyage_requests_total 1\n"))
	})

	f := newFixture(t, true,
		api.WithMetricsHandler(metrics),
		api.WithReadyChecks(func(context.Context) error { return errStoreDown }),
	)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/readyz", nil).Code)

	rec := f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codevoyage_requests_total")
}

func dialStream(t *testing.T, srv *httptest.Server, jobID, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/jobs/" + jobID + "/stream" + query

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func readMessages(t *testing.T, conn *websocket.Conn) []api.StreamMessage {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var out []api.StreamMessage

	for {
		var msg api.StreamMessage

		err := conn.ReadJSON(&msg)
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())

			return out
		}

		out = append(out, msg)
	}
}

func TestStream_ReplayThenLive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	job := f.submit(t)
	conn := dialStream(t, srv, job.ID, "")

	var first api.StreamMessage

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, api.MessageEvent, first.Type)
	assert.Equal(t, uint64(1), first.Event.Seq)
	assert.Equal(t, string(jobs.StatusRunning), first.Event.State)

	_, err := f.orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	rest := readMessages(t, conn)
	require.NotEmpty(t, rest)

	last := rest[len(rest)-1]
	assert.Equal(t, api.MessageEvent, last.Type)
	assert.True(t, last.Event.Terminal)
	assert.Equal(t, string(jobs.StatusCancelled), last.Event.State)
	assert.Greater(t, last.Event.Seq, first.Event.Seq)
}

func TestStream_ResumeAfterSeq(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	job := f.submit(t)
	f.completeExtraction(t, job.ID)

	_, err := f.orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	all := readMessages(t, dialStream(t, srv, job.ID, ""))
	require.GreaterOrEqual(t, len(all), 3)

	resumed := readMessages(t, dialStream(t, srv, job.ID, "?after=2"))
	require.Len(t, resumed, len(all)-2)
	assert.Equal(t, uint64(3), resumed[0].Event.Seq)
	assert.True(t, resumed[len(resumed)-1].Event.Terminal)
}

func TestStream_SnapshotForFinishedJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)
	job := f.submit(t)

	_, err := f.orch.Cancel(context.Background(), job.ID)
	require.NoError(t, err)

	// A server whose bus never saw the job, as after a restart.
	bus := progress.NewBus(progress.DefaultConfig())
	t.Cleanup(bus.Close)

	fresh := api.New(f.orch, bus)
	srv := httptest.NewServer(fresh.Handler())
	t.Cleanup(srv.Close)

	msgs := readMessages(t, dialStream(t, srv, job.ID, ""))
	require.Len(t, msgs, 1)
	assert.Equal(t, api.MessageSnapshot, msgs[0].Type)
	assert.True(t, msgs[0].Event.Terminal)
	assert.Equal(t, job.ID, msgs[0].Event.JobID)
	assert.Equal(t, string(jobs.StatusCancelled), msgs[0].Event.State)
}

func TestStream_PollsStoreWithoutBus(t *testing.T) {
	t.Parallel()

	f := newFixture(t, false, api.WithPollInterval(10*time.Millisecond))
	srv := httptest.NewServer(f.server.Handler())
	t.Cleanup(srv.Close)

	job := f.submit(t)
	conn := dialStream(t, srv, job.ID, "")

	go func() {
		time.Sleep(50 * time.Millisecond)

		_, _ = f.orch.Cancel(context.Background(), job.ID)
	}()

	msgs := readMessages(t, conn)
	require.NotEmpty(t, msgs)

	for _, msg := range msgs {
		assert.Equal(t, api.MessageSnapshot, msg.Type)
	}

	assert.True(t, msgs[len(msgs)-1].Event.Terminal)
}

func TestStream_UnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/jobs/missing/stream", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/jobs/x/stream?after=-1", nil).Code)
}
