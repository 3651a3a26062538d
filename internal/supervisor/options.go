package supervisor

import (
	"log/slog"
	"time"

	"github.com/loykin/guardr/internal/history"
	"github.com/loykin/guardr/internal/memory"
	"github.com/loykin/guardr/internal/policy"
	"github.com/loykin/guardr/internal/process"
)

// Defaults for Options fields left at zero.
const (
	DefaultKillTimeout = 1600 * time.Millisecond
	DefaultMinUptime   = time.Second
	DefaultWatchDelay  = time.Second
)

// Options configures a Supervisor.
type Options struct {
	Spec   process.Spec
	Policy policy.Config

	KillTimeout    time.Duration // grace between SIGTERM and SIGKILL
	MinUptime      time.Duration // shorter runs count as unstable restarts
	WatchDelay     time.Duration // debounce quiet window
	MemoryInterval time.Duration

	// DisableAutoRestart halts on natural exit or launch failure instead of
	// restarting. Memory and file-change restarts still happen.
	DisableAutoRestart bool

	Launcher   *process.Launcher
	Sampler    memory.Sampler
	Recorder   *history.Recorder
	StatusFile string
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.KillTimeout <= 0 {
		o.KillTimeout = DefaultKillTimeout
	}
	if o.MinUptime <= 0 {
		o.MinUptime = DefaultMinUptime
	}
	if o.WatchDelay <= 0 {
		o.WatchDelay = DefaultWatchDelay
	}
	if o.MemoryInterval <= 0 {
		o.MemoryInterval = memory.DefaultInterval
	}
	if o.Launcher == nil {
		o.Launcher = &process.Launcher{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
