package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "guardr"
	subsystem = "app"
)

// States listed in the current_state gauge.
var knownStates = []string{"starting", "running", "restarting", "stopped", "halted"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	appStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful launches.",
		}, []string{"name"},
	)
	appRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Number of restarts by trigger reason.",
		}, []string{"name", "reason"},
	)
	appStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of operator stops.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_rss_bytes",
			Help:      "Last sampled resident set size of the managed process.",
		}, []string{"name"},
	)
	memorySampleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_sample_errors_total",
			Help:      "Number of failed memory samples.",
		}, []string{"name"},
	)
	restartStorms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restart_storms_total",
			Help:      "Number of halts caused by restart storms.",
		}, []string{"name"},
	)
	watchEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "watch_events_total",
			Help:      "Number of file change events that were not ignored.",
		}, []string{"name", "kind"},
	)
	restartDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restart_delay_seconds",
			Help:      "Delay applied before each automatic restart.",
			Buckets:   []float64{0, 0.5, 1, 2, 4, 8, 16, 30, 60},
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		appStarts, appRestarts, appStops, stateTransitions, currentStates,
		memoryRSS, memorySampleErrors, restartStorms, watchEvents, restartDelay,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		appStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name, reason string) {
	if regOK.Load() {
		appRestarts.WithLabelValues(name, reason).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		appStops.WithLabelValues(name).Inc()
	}
}

func IncRestartStorm(name string) {
	if regOK.Load() {
		restartStorms.WithLabelValues(name).Inc()
	}
}

func IncMemorySampleError(name string) {
	if regOK.Load() {
		memorySampleErrors.WithLabelValues(name).Inc()
	}
}

func SetMemoryRSS(name string, bytes uint64) {
	if regOK.Load() {
		memoryRSS.WithLabelValues(name).Set(float64(bytes))
	}
}

func IncWatchEvent(name, kind string) {
	if regOK.Load() {
		watchEvents.WithLabelValues(name, kind).Inc()
	}
}

func ObserveRestartDelay(name string, seconds float64) {
	if regOK.Load() {
		restartDelay.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

// SetState marks state as the only active one for name.
func SetState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range knownStates {
		v := 0.0
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}
