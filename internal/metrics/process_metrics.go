package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessMetrics is one resource sample of the managed process.
type ProcessMetrics struct {
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

// ProcessMetricsConfig holds configuration for resource sampling.
type ProcessMetricsConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// ring is a fixed-size circular buffer of samples.
type ring struct {
	buf   []ProcessMetrics
	start int
	count int
}

func (r *ring) add(m ProcessMetrics) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) items() []ProcessMetrics {
	out := make([]ProcessMetrics, 0, r.count)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

// ProcessMetricsCollector samples CPU, memory, threads and descriptors of
// the managed process and keeps a bounded history per app name.
type ProcessMetricsCollector struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history map[string]*ring
	handles map[string]*process.Process // CPUPercent needs a persistent handle

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewProcessMetricsCollector creates a collector; nothing runs until Start.
func NewProcessMetricsCollector(config ProcessMetricsConfig) *ProcessMetricsCollector {
	maxHistory := config.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 100
	}
	interval := config.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ProcessMetricsCollector{
		enabled:    config.Enabled,
		interval:   interval,
		maxHistory: maxHistory,
		history:    make(map[string]*ring),
		handles:    make(map[string]*process.Process),
		stopCh:     make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "cpu_percent",
			Help: "CPU usage percentage of the managed process.",
		}, []string{"name"}),
		numThreads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "num_threads",
			Help: "Number of threads of the managed process.",
		}, []string{"name"}),
		numFDs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: subsystem, Name: "num_fds",
			Help: "Number of open file descriptors of the managed process (Unix only).",
		}, []string{"name"}),
	}
}

// IsEnabled reports whether sampling is configured.
func (c *ProcessMetricsCollector) IsEnabled() bool { return c.enabled }

// RegisterMetrics registers the resource gauges with r.
func (c *ProcessMetricsCollector) RegisterMetrics(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	collectors := []prometheus.Collector{c.cpuPercent, c.numThreads}
	if runtime.GOOS != "windows" {
		collectors = append(collectors, c.numFDs)
	}
	for _, collector := range collectors {
		if err := r.Register(collector); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples the processes returned by getProcesses every interval.
// A pid of 0 means the app is not running.
func (c *ProcessMetricsCollector) Start(ctx context.Context, getProcesses func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.Collect(getProcesses())
			}
		}
	}()
}

// Stop ends sampling and waits for the loop to exit.
func (c *ProcessMetricsCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Collect takes one sample of every running process.
func (c *ProcessMetricsCollector) Collect(processes map[string]int32) {
	now := time.Now()
	for name, pid := range processes {
		if pid <= 0 {
			c.forget(name)
			continue
		}
		m, err := c.sample(name, pid, now)
		if err != nil {
			slog.Debug("resource sample failed", "name", name, "pid", pid, "error", err)
			c.forget(name)
			continue
		}
		c.cpuPercent.WithLabelValues(name).Set(m.CPUPercent)
		c.numThreads.WithLabelValues(name).Set(float64(m.NumThreads))
		if runtime.GOOS != "windows" && m.NumFDs > 0 {
			c.numFDs.WithLabelValues(name).Set(float64(m.NumFDs))
		}
		SetMemoryRSS(name, m.MemoryRSS)
		c.add(name, m)
	}
}

func (c *ProcessMetricsCollector) sample(name string, pid int32, ts time.Time) (ProcessMetrics, error) {
	c.mu.Lock()
	h := c.handles[name]
	if h == nil || h.Pid != pid {
		var err error
		h, err = process.NewProcess(pid)
		if err != nil {
			c.mu.Unlock()
			return ProcessMetrics{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		c.handles[name] = h
	}
	c.mu.Unlock()

	mem, err := h.MemoryInfo()
	if err != nil {
		return ProcessMetrics{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	m := ProcessMetrics{PID: pid, Name: name, MemoryRSS: mem.RSS, MemoryVMS: mem.VMS, Timestamp: ts}
	if cpu, err := h.CPUPercent(); err == nil {
		m.CPUPercent = cpu
	}
	if n, err := h.NumThreads(); err == nil {
		m.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := h.NumFDs(); err == nil {
			m.NumFDs = n
		}
	}
	return m, nil
}

func (c *ProcessMetricsCollector) add(name string, m ProcessMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.history[name]
	if r == nil {
		r = &ring{buf: make([]ProcessMetrics, c.maxHistory)}
		c.history[name] = r
	}
	r.add(m)
}

// forget drops the process handle so gauges are not reported for a dead
// pid. History is kept.
func (c *ProcessMetricsCollector) forget(name string) {
	c.mu.Lock()
	delete(c.handles, name)
	c.mu.Unlock()
	c.cpuPercent.DeleteLabelValues(name)
	c.numThreads.DeleteLabelValues(name)
	c.numFDs.DeleteLabelValues(name)
}

// GetMetrics returns the latest sample for name.
func (c *ProcessMetricsCollector) GetMetrics(name string) (ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.history[name]
	if r == nil || r.count == 0 {
		return ProcessMetrics{}, false
	}
	items := r.items()
	return items[len(items)-1], true
}

// GetHistory returns samples for name, oldest first.
func (c *ProcessMetricsCollector) GetHistory(name string) ([]ProcessMetrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r := c.history[name]
	if r == nil || r.count == 0 {
		return nil, false
	}
	return r.items(), true
}

// AddToHistoryForTesting appends a synthetic sample.
func (c *ProcessMetricsCollector) AddToHistoryForTesting(name string, m ProcessMetrics) {
	c.add(name, m)
}
