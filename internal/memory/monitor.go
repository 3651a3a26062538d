package memory

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the sampling period when Monitor.Interval is unset.
const DefaultInterval = time.Second

// Exceeded is emitted once when a sample reaches the ceiling.
type Exceeded struct {
	PID     int
	RSS     uint64
	Ceiling uint64
	At      time.Time
}

// MonitorError wraps a failed sample. It is never fatal; the next tick
// samples again.
type MonitorError struct {
	PID int
	Err error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("memory sample pid %d: %v", e.PID, e.Err)
}

func (e *MonitorError) Unwrap() error { return e.Err }

// Monitor watches the RSS of one process. A Monitor serves a single Start;
// create a new one per launch.
type Monitor struct {
	Interval time.Duration
	Ceiling  uint64 // bytes, 0 disables
	Sampler  Sampler

	// optional hooks, called from the sampling goroutine
	OnSample func(rss uint64)
	OnError  func(err *MonitorError)

	once sync.Once
	stop chan struct{}
	mu   sync.Mutex
}

func (m *Monitor) stopCh() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop == nil {
		m.stop = make(chan struct{})
	}
	return m.stop
}

// Start begins sampling pid and returns a channel that receives at most one
// Exceeded. Sampling ends when the ceiling is hit, done is closed or Stop
// is called. With a zero ceiling the returned channel never fires.
func (m *Monitor) Start(pid int, done <-chan struct{}) <-chan Exceeded {
	out := make(chan Exceeded, 1)
	if m.Ceiling == 0 {
		return out
	}
	interval := m.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	sampler := m.Sampler
	if sampler == nil {
		sampler = ProcSampler{Tree: true}
	}
	stop := m.stopCh()
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-stop:
				return
			case <-t.C:
			}
			rss, err := sampler.RSS(pid)
			if err != nil {
				merr := &MonitorError{PID: pid, Err: err}
				slog.Debug("memory sample failed", "pid", pid, "error", err)
				if m.OnError != nil {
					m.OnError(merr)
				}
				continue
			}
			if m.OnSample != nil {
				m.OnSample(rss)
			}
			if rss >= m.Ceiling {
				out <- Exceeded{PID: pid, RSS: rss, Ceiling: m.Ceiling, At: time.Now()}
				return
			}
		}
	}()
	return out
}

// Stop ends sampling. Safe to call more than once and before Start.
func (m *Monitor) Stop() {
	m.once.Do(func() { close(m.stopCh()) })
}
