package history

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventExit    EventType = "exit"
	EventRestart EventType = "restart"
	EventHalt    EventType = "halt"
	EventStop    EventType = "stop"
)

// DefaultTable is the table or index events are written to.
const DefaultTable = "guardr_history"

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	App        string    `json:"app"`
	PID        int       `json:"pid"`
	Reason     string    `json:"reason,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	State      string    `json:"state"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder delivers events to sinks from a background goroutine so a slow
// sink never stalls the caller. Events are dropped when the queue is full.
type Recorder struct {
	sinks   []Sink
	timeout time.Duration
	ch      chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewRecorder starts a recorder. Each Send is bounded by timeout.
func NewRecorder(timeout time.Duration, sinks ...Sink) *Recorder {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	r := &Recorder{
		sinks:   sinks,
		timeout: timeout,
		ch:      make(chan Event, 128),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record queues e. It never blocks.
func (r *Recorder) Record(e Event) {
	if r == nil || len(r.sinks) == 0 {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- e:
	default:
		slog.Warn("history queue full, event dropped", "app", e.App, "type", e.Type)
	}
}

// Close drains queued events and closes sinks that implement io.Closer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.ch)
		r.mu.Unlock()
		<-r.done
		for _, s := range r.sinks {
			if c, ok := s.(io.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, err)
				}
			}
		}
	})
	return errors.Join(errs...)
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		for _, s := range r.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			if err := s.Send(ctx, e); err != nil {
				slog.Warn("history sink send failed", "app", e.App, "type", e.Type, "error", err)
			}
			cancel()
		}
	}
}
