package policy

import (
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrRestartStorm means too many restarts happened inside the storm window.
var ErrRestartStorm = errors.New("restart storm: too many restarts in window")

// Reason is why the current run ended.
type Reason int

const (
	Crash Reason = iota + 1
	MemoryExceeded
	FileChange
	ManualStop
)

func (r Reason) String() string {
	switch r {
	case Crash:
		return "crash"
	case MemoryExceeded:
		return "memory"
	case FileChange:
		return "file_change"
	case ManualStop:
		return "manual_stop"
	default:
		return "unknown"
	}
}

// Action is what the supervisor should do next.
type Action int

const (
	Restart Action = iota + 1
	Halt
)

func (a Action) String() string {
	if a == Restart {
		return "restart"
	}
	return "halt"
}

// Decision is the outcome of Decide. After is only meaningful for Restart.
type Decision struct {
	Action Action
	After  time.Duration
	Storm  bool
	Err    error
}

// Config holds the restart tuning knobs.
type Config struct {
	MinDelay           time.Duration `json:"min_delay"`
	InitialBackoff     time.Duration `json:"initial_backoff"`
	Multiplier         float64       `json:"multiplier"`
	MaxBackoff         time.Duration `json:"max_backoff"`
	FreeRestarts       int           `json:"free_restarts"`
	StormThreshold     int           `json:"storm_threshold"`
	StormWindow        time.Duration `json:"storm_window"`
	StabilityThreshold time.Duration `json:"stability_threshold"`
}

// DefaultConfig returns the stock restart parameters.
func DefaultConfig() Config {
	return Config{
		MinDelay:           0,
		InitialBackoff:     time.Second,
		Multiplier:         2,
		MaxBackoff:         30 * time.Second,
		FreeRestarts:       3,
		StormThreshold:     15,
		StormWindow:        60 * time.Second,
		StabilityThreshold: 5 * time.Minute,
	}
}

// withDefaults fills zero fields. MinDelay and FreeRestarts keep zero.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	if c.StormThreshold <= 0 {
		c.StormThreshold = d.StormThreshold
	}
	if c.StormWindow <= 0 {
		c.StormWindow = d.StormWindow
	}
	if c.StabilityThreshold <= 0 {
		c.StabilityThreshold = d.StabilityThreshold
	}
	if c.FreeRestarts < 0 {
		c.FreeRestarts = 0
	}
	if c.MinDelay < 0 {
		c.MinDelay = 0
	}
	return c
}

// Record is the restart bookkeeping. Recent holds restart timestamps still
// inside the storm window, oldest first.
type Record struct {
	Recent      []time.Time   `json:"recent,omitempty"`
	Consecutive int           `json:"consecutive"`
	Total       int           `json:"total"`
	LastRestart time.Time     `json:"last_restart,omitempty"`
	LastDelay   time.Duration `json:"last_delay"`
}

// Policy decides between restart and halt. It is not safe for concurrent
// use; the supervisor goroutine owns it.
type Policy struct {
	cfg Config
	rec Record
	bo  *backoff.ExponentialBackOff
}

// New returns a Policy with an empty record.
func New(cfg Config) *Policy {
	cfg = cfg.withDefaults()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxBackoff
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Policy{cfg: cfg, bo: bo}
}

// Config returns the effective parameters.
func (p *Policy) Config() Config { return p.cfg }

// Decide records a run ending for reason at now and returns what to do.
// ManualStop always halts and leaves the record untouched.
func (p *Policy) Decide(reason Reason, now time.Time) Decision {
	if reason == ManualStop {
		return Decision{Action: Halt}
	}
	if !p.rec.LastRestart.IsZero() && now.Sub(p.rec.LastRestart) >= p.cfg.StabilityThreshold {
		p.resetBackoff()
	}

	p.rec.Recent = append(p.rec.Recent, now)
	p.prune(now)
	if len(p.rec.Recent) >= p.cfg.StormThreshold {
		return Decision{Action: Halt, Storm: true, Err: ErrRestartStorm}
	}

	p.rec.Consecutive++
	p.rec.Total++
	p.rec.LastRestart = now

	delay := p.cfg.MinDelay
	if p.rec.Consecutive > p.cfg.FreeRestarts {
		if next := p.bo.NextBackOff(); next != backoff.Stop && next > delay {
			delay = next
		}
	}
	// never shorter than the previous delay within an episode
	if delay < p.rec.LastDelay {
		delay = p.rec.LastDelay
	}
	p.rec.LastDelay = delay
	return Decision{Action: Restart, After: delay}
}

// Forced accounts an operator-initiated restart. It bypasses storm and
// backoff bookkeeping.
func (p *Policy) Forced() {
	p.rec.Total++
}

// Reset clears the record entirely, including the cumulative count.
func (p *Policy) Reset() {
	p.rec = Record{}
	p.bo.Reset()
}

// Record returns a copy of the current record.
func (p *Policy) Record() Record {
	r := p.rec
	r.Recent = append([]time.Time(nil), p.rec.Recent...)
	return r
}

// InWindow is the number of restarts currently inside the storm window.
func (p *Policy) InWindow(now time.Time) int {
	n := 0
	for _, t := range p.rec.Recent {
		if now.Sub(t) < p.cfg.StormWindow {
			n++
		}
	}
	return n
}

func (p *Policy) resetBackoff() {
	p.rec.Consecutive = 0
	p.rec.LastDelay = 0
	p.bo.Reset()
}

func (p *Policy) prune(now time.Time) {
	i := 0
	for i < len(p.rec.Recent) && now.Sub(p.rec.Recent[i]) >= p.cfg.StormWindow {
		i++
	}
	if i > 0 {
		p.rec.Recent = append(p.rec.Recent[:0], p.rec.Recent[i:]...)
	}
}
