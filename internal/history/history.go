package history

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/daemonkit/internal/metrics"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventSpawn    EventType = "spawn"
	EventExit     EventType = "exit"
	EventTakeover EventType = "takeover"
	EventReload   EventType = "reload"
)

// Event is one lifecycle event of a supervised daemon.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Identity   string    `json:"identity"`
	PID        int       `json:"pid"`
	Generation uint64    `json:"generation"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// sendTimeout bounds a single Send.
const sendTimeout = 5 * time.Second

// QueueSize is how many events may wait for a slow sink before new ones are
// dropped.
const QueueSize = 256

// closeTimeout bounds how long Close waits for queued events.
const closeTimeout = 5 * time.Second

// Recorder fills in common event fields and forwards to a Sink from one
// background goroutine. Record never blocks: when the queue is full the
// event is dropped and counted. Failures are logged and counted, never
// returned.
type Recorder struct {
	sink     Sink
	identity string

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRecorder returns a Recorder for identity. A nil sink discards events.
func NewRecorder(sink Sink, identity string) *Recorder {
	r := &Recorder{sink: sink, identity: identity}
	if sink != nil {
		r.queue = make(chan Event, QueueSize)
		r.done = make(chan struct{})
		go r.drain()
	}
	return r
}

func (r *Recorder) drain() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := r.sink.Send(ctx, e)
		cancel()
		if err != nil {
			metrics.IncHistoryFailure(r.identity)
			slog.Warn("history sink send failed", "type", e.Type, "pid", e.PID, "error", err)
		}
	}
}

// Record queues an event of type t.
func (r *Recorder) Record(t EventType, pid int, generation uint64, detail string) {
	if r == nil || r.sink == nil {
		return
	}
	e := Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		Identity:   r.identity,
		PID:        pid,
		Generation: generation,
		Detail:     detail,
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		r.dropped.Add(1)
		metrics.IncHistoryFailure(r.identity)
		slog.Warn("history queue full, event dropped", "type", t, "pid", pid)
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close stops accepting events and waits, up to a few seconds, for the
// queued ones to reach the sink.
func (r *Recorder) Close() {
	if r == nil || r.sink == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-time.After(closeTimeout):
		slog.Warn("history sink did not drain in time", "pending", len(r.queue))
	}
}
