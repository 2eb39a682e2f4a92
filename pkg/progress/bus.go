// Package progress implements the progress bus: per-job ordered, replayable
// event streams fed by the job orchestrator.
package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

// Bus defaults.
const (
	DefaultReplayBuffer     = 64
	DefaultSubscriberBuffer = 256
	DefaultRetention        = 10 * time.Minute
	DefaultIdleRetention    = time.Hour
)

// Event is one progress update of a job. Seq is assigned by the bus and is
// strictly increasing per job.
type Event struct {
	JobID    string         `json:"job_id"`
	Seq      uint64         `json:"seq"`
	Stage    analysis.Stage `json:"stage,omitempty"`
	State    string         `json:"state"`
	Progress float64        `json:"progress"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Time     time.Time      `json:"time"`
	Terminal bool           `json:"terminal"`
}

// Config configures a Bus.
type Config struct {
	// ReplayBuffer is the number of recent events kept per job.
	ReplayBuffer int `mapstructure:"replay_buffer"`
	// SubscriberBuffer is the channel capacity of a subscription. A subscriber
	// that falls this far behind is disconnected.
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// Retention is how long a finished job's events stay replayable.
	Retention time.Duration `mapstructure:"retention"`
	// IdleRetention drops unfinished jobs without subscribers or events for this long.
	IdleRetention time.Duration `mapstructure:"idle_retention"`
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		ReplayBuffer:     DefaultReplayBuffer,
		SubscriberBuffer: DefaultSubscriberBuffer,
		Retention:        DefaultRetention,
		IdleRetention:    DefaultIdleRetention,
	}
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

type subscriber struct {
	id     uint64
	ch     chan Event
	closed bool
}

type topic struct {
	seq        uint64
	buffer     []Event
	subs       map[uint64]*subscriber
	terminal   bool
	lastActive time.Time
}

// Bus fans progress events out to subscribers. Publish and Subscribe hold a
// single lock, so a subscriber always sees the replayed history before any
// event published after it subscribed.
type Bus struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	topics map[string]*topic
	nextID uint64
	closed bool
}

// NewBus creates a bus.
func NewBus(cfg Config, opts ...Option) *Bus {
	defaults := DefaultConfig()

	if cfg.ReplayBuffer <= 0 {
		cfg.ReplayBuffer = defaults.ReplayBuffer
	}

	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaults.SubscriberBuffer
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	if cfg.IdleRetention <= 0 {
		cfg.IdleRetention = defaults.IdleRetention
	}

	b := &Bus{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		topics: make(map[string]*topic),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Publish assigns the next sequence number of the job to ev, buffers it and
// delivers it to every subscriber. A terminal event ends all subscriptions of
// the job after delivery.
func (b *Bus) Publish(jobID string, ev Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	tp := b.topicLocked(jobID, now)

	tp.seq++
	ev.JobID = jobID
	ev.Seq = tp.seq

	if ev.Time.IsZero() {
		ev.Time = now
	}

	tp.lastActive = now
	tp.buffer = append(tp.buffer, ev)

	if overflow := len(tp.buffer) - b.cfg.ReplayBuffer; overflow > 0 {
		tp.buffer = append(tp.buffer[:0:0], tp.buffer[overflow:]...)
	}

	for id, sub := range tp.subs {
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("progress subscriber lagging, disconnecting",
				"job_id", jobID, "subscriber", id, "seq", ev.Seq)
			b.dropLocked(tp, sub)
		}
	}

	if ev.Terminal {
		tp.terminal = true

		for _, sub := range tp.subs {
			b.dropLocked(tp, sub)
		}
	}

	return ev
}

// Subscribe streams the events of jobID, starting with the buffered history.
func (b *Bus) Subscribe(jobID string) *Subscription {
	return b.SubscribeFrom(jobID, 0)
}

// SubscribeFrom streams the events of jobID whose sequence number is greater
// than afterSeq. Reconnecting clients pass the last sequence number they saw.
// The channel is closed after a terminal event, when the subscriber lags
// behind, on Unsubscribe and when the bus is closed.
func (b *Bus) SubscribeFrom(jobID string, afterSeq uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	tp := b.topicLocked(jobID, now)
	tp.lastActive = now

	b.nextID++
	sub := &subscriber{
		id: b.nextID,
		ch: make(chan Event, b.cfg.SubscriberBuffer+b.cfg.ReplayBuffer),
	}

	for _, ev := range tp.buffer {
		if ev.Seq > afterSeq {
			sub.ch <- ev
		}
	}

	if tp.terminal || b.closed {
		sub.closed = true
		close(sub.ch)
	} else {
		tp.subs[sub.id] = sub
	}

	return &Subscription{C: sub.ch, bus: b, jobID: jobID, sub: sub}
}

// Replay returns the buffered events of jobID in publish order.
func (b *Bus) Replay(jobID string) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	tp, ok := b.topics[jobID]
	if !ok {
		return nil
	}

	out := make([]Event, len(tp.buffer))
	copy(out, tp.buffer)

	return out
}

// Subscribers returns the number of live subscriptions of jobID.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tp, ok := b.topics[jobID]; ok {
		return len(tp.subs)
	}

	return 0
}

// Sweep forgets finished jobs older than the retention period and idle
// unfinished jobs without subscribers. It returns the number of jobs dropped.
func (b *Bus) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	dropped := 0

	for jobID, tp := range b.topics {
		age := now.Sub(tp.lastActive)

		expired := tp.terminal && age >= b.cfg.Retention
		idle := !tp.terminal && len(tp.subs) == 0 && age >= b.cfg.IdleRetention

		if expired || idle {
			delete(b.topics, jobID)

			dropped++
		}
	}

	return dropped
}

// Run sweeps periodically until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.Retention / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dropped := b.Sweep(); dropped > 0 {
				b.logger.Debug("progress topics swept", "dropped", dropped)
			}
		}
	}
}

// Close ends every subscription. Later subscriptions receive the buffered
// history and are closed immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, tp := range b.topics {
		for _, sub := range tp.subs {
			b.dropLocked(tp, sub)
		}
	}
}

func (b *Bus) topicLocked(jobID string, now time.Time) *topic {
	tp, ok := b.topics[jobID]
	if !ok {
		tp = &topic{subs: make(map[uint64]*subscriber), lastActive: now}
		b.topics[jobID] = tp
	}

	return tp
}

func (b *Bus) dropLocked(tp *topic, sub *subscriber) {
	delete(tp.subs, sub.id)

	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// Subscription is a stream of events for one job.
type Subscription struct {
	// C delivers the events in publish order.
	C <-chan Event

	bus   *Bus
	jobID string
	sub   *subscriber
}

// Unsubscribe stops delivery and closes C. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if tp, ok := s.bus.topics[s.jobID]; ok {
		s.bus.dropLocked(tp, s.sub)

		return
	}

	if !s.sub.closed {
		s.sub.closed = true
		close(s.sub.ch)
	}
}
