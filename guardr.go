package guardr

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/guardr/internal/config"
	"github.com/loykin/guardr/internal/env"
	"github.com/loykin/guardr/internal/history"
	"github.com/loykin/guardr/internal/history/factory"
	"github.com/loykin/guardr/internal/metrics"
	"github.com/loykin/guardr/internal/policy"
	"github.com/loykin/guardr/internal/process"
	iapi "github.com/loykin/guardr/internal/server"
	"github.com/loykin/guardr/internal/supervisor"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = supervisor.Status

type State = supervisor.State

type Options = supervisor.Options

type StateChanged = supervisor.StateChanged

type PolicyConfig = policy.Config

type Launcher = process.Launcher

type Env = env.Env

type HistorySink = history.Sink

type HistoryEvent = history.Event

type Config = cfg.FileConfig

const (
	StateStarting   = supervisor.StateStarting
	StateRunning    = supervisor.StateRunning
	StateRestarting = supervisor.StateRestarting
	StateStopped    = supervisor.StateStopped
	StateHalted     = supervisor.StateHalted
)

// ErrRestartStorm is the halt cause when restarts exceed the storm threshold.
var ErrRestartStorm = policy.ErrRestartStorm

// Supervisor is the lifecycle engine for one app. See supervisor.Supervisor.
type Supervisor = supervisor.Supervisor

// New returns a supervisor for opts.Spec; call Run to start it.
func New(opts Options) *Supervisor { return supervisor.New(opts) }

// DefaultPolicy returns the stock restart parameters.
func DefaultPolicy() PolicyConfig { return policy.DefaultConfig() }

// NewEnv returns an empty environment overlay for a Launcher.
func NewEnv() *Env { return env.New() }

// LoadConfig loads and validates a guardr config file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

// NewHistoryRecorder builds a recorder for the sink behind dsn, e.g.
// "sqlite:///var/lib/guardr/history.db" or "postgres://...".
func NewHistoryRecorder(dsn string) (*history.Recorder, error) {
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	return history.NewRecorder(0, sink), nil
}

// NewHTTPHandler exposes the read-only status endpoints of sup under basePath.
func NewHTTPHandler(sup *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(sup, nil, basePath).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
