package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
)

// Stream message types.
const (
	// MessageEvent carries an event from the progress bus.
	MessageEvent = "event"
	// MessageSnapshot carries the persisted job state as an event.
	MessageSnapshot = "snapshot"
)

const clientReadLimit = 512

// StreamMessage is one websocket frame of a progress stream.
type StreamMessage struct {
	Type  string         `json:"type"`
	Event progress.Event `json:"event"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// streamState tracks what a client has been sent.
type streamState struct {
	conn     *websocket.Conn
	lastSeq  uint64
	lastTime time.Time
	done     bool
}

func (st *streamState) send(kind string, ev progress.Event) error {
	err := st.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}

	err = st.conn.WriteJSON(StreamMessage{Type: kind, Event: ev})
	if err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}

	if ev.Seq > st.lastSeq {
		st.lastSeq = ev.Seq
	}

	if ev.Time.After(st.lastTime) {
		st.lastTime = ev.Time
	}

	st.done = ev.Terminal

	return nil
}

// handleStream upgrades to a websocket and sends the buffered events of the
// job, then live ones. A client resuming after a disconnect passes the last
// sequence number it saw as ?after=. The job is re-read from the store every
// poll interval, so progress made by workers in other processes and
// terminal states missed by the bus still reach the client as snapshots.
func (s *Server) handleStream(c *gin.Context) {
	jobID := c.Param("id")
	logger := s.requestLogger(c).With("job_id", jobID)

	var after uint64

	if raw := c.Query("after"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.abort(c, http.StatusBadRequest, CodeInvalidRequest, "after must be a sequence number")

			return
		}

		after = parsed
	}

	job, err := s.svc.Job(c.Request.Context(), jobID)
	if err != nil {
		s.fail(c, logger, "open stream", err)

		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)

		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go watchClient(conn, cancel)

	st := &streamState{conn: conn, lastSeq: after}

	err = s.pump(ctx, st, job)
	if err != nil {
		logger.Debug("progress stream ended", "error", err)

		return
	}

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream finished")
	_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(defaultWriteWait))
}

func (s *Server) pump(ctx context.Context, st *streamState, job jobs.Job) error {
	var events <-chan progress.Event

	if s.events != nil {
		sub := s.events.SubscribeFrom(job.ID, st.lastSeq)
		defer sub.Unsubscribe()

		events = sub.C
	}

	if job.Status.Terminal() {
		return s.finishTerminal(st, events, job)
	}

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()

	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for !st.done {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil

				continue
			}

			err := st.send(MessageEvent, ev)
			if err != nil {
				return err
			}
		case <-poll.C:
			err := s.poll(ctx, st, job.ID, events == nil)
			if err != nil {
				return err
			}
		case <-ping.C:
			err := st.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait))
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}

	return nil
}

// finishTerminal sends what the bus still buffers for a finished job, or a
// snapshot when the terminal event is not among it.
func (s *Server) finishTerminal(st *streamState, events <-chan progress.Event, job jobs.Job) error {
	for events != nil && !st.done {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil

				continue
			}

			err := st.send(MessageEvent, ev)
			if err != nil {
				return err
			}
		default:
			events = nil
		}
	}

	if st.done {
		return nil
	}

	return st.send(MessageSnapshot, snapshot(job, st.lastSeq))
}

// poll re-reads the job. A change the bus did not deliver is sent as a
// snapshot; without a live subscription every change is.
func (s *Server) poll(ctx context.Context, st *streamState, jobID string, detached bool) error {
	job, err := s.svc.Job(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return fmt.Errorf("poll job: %w", err)
	}

	updated := job.UpdatedAt.After(st.lastTime)

	if job.Status.Terminal() || (detached && updated) {
		return st.send(MessageSnapshot, snapshot(job, st.lastSeq))
	}

	return nil
}

func snapshot(job jobs.Job, seq uint64) progress.Event {
	ev := job.Event()
	ev.Seq = seq

	return ev
}

// watchClient reads until the client goes away, then cancels the stream.
func watchClient(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()

	conn.SetReadLimit(clientReadLimit)

	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
