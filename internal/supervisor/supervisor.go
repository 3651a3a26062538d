package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/event"

	"github.com/loykin/guardr/internal/history"
	"github.com/loykin/guardr/internal/memory"
	"github.com/loykin/guardr/internal/metrics"
	"github.com/loykin/guardr/internal/policy"
	"github.com/loykin/guardr/internal/process"
	"github.com/loykin/guardr/internal/watch"
)

var (
	// ErrAlreadyRunning is returned by a second call to Run.
	ErrAlreadyRunning = errors.New("supervisor already running")
	// ErrNotRunning is returned by commands after Run has returned.
	ErrNotRunning = errors.New("supervisor not running")
)

type commandAction int

const (
	actionStop commandAction = iota + 1
	actionRestart
	actionReset
)

func (a commandAction) String() string {
	switch a {
	case actionStop:
		return "stop"
	case actionRestart:
		return "restart"
	case actionReset:
		return "reset"
	default:
		return "unknown"
	}
}

type command struct {
	action commandAction
	reply  chan error
}

// stateFn is one step of the lifecycle; nil ends Run.
type stateFn func(ctx context.Context) stateFn

// Supervisor owns the lifecycle of one application. All lifecycle state is
// mutated by the Run goroutine only; Status reads a locked snapshot.
type Supervisor struct {
	opts   Options
	spec   process.Spec
	policy *policy.Policy
	log    *slog.Logger
	bus    *event.Dispatcher
	self   process.Identity

	cmds    chan command
	done    chan struct{}
	started atomic.Bool

	mu     sync.RWMutex
	status Status

	subMu     sync.Mutex
	subs      []context.CancelFunc
	busClosed bool

	proc *process.Process // current child, Run goroutine only
}

// New builds a supervisor for opts.Spec. Nothing runs until Run.
func New(opts Options) *Supervisor {
	opts = opts.withDefaults()
	s := &Supervisor{
		opts:   opts,
		spec:   opts.Spec,
		policy: policy.New(opts.Policy),
		log:    opts.Logger.With("app", opts.Spec.Name),
		bus:    event.NewDispatcher(),
		self:   process.Self(),
		cmds:   make(chan command, 8),
		done:   make(chan struct{}),
	}
	s.status = Status{Name: opts.Spec.Name, State: StateStarting, UpdatedAt: time.Now()}
	return s
}

// Name is the supervised app's name.
func (s *Supervisor) Name() string { return s.spec.Name }

// Status returns a snapshot of the current status.
func (s *Supervisor) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Done is closed when Run returns.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Stop terminates the child gracefully and ends Run. It is safe from any
// state and after Run has returned.
func (s *Supervisor) Stop() error {
	err := s.send(actionStop)
	if errors.Is(err, ErrNotRunning) {
		return nil
	}
	return err
}

// Restart terminates the child and launches it again, bypassing the restart
// policy. From halted it relaunches.
func (s *Supervisor) Restart() error { return s.send(actionRestart) }

// ResetHistory clears the restart record. It does not relaunch a halted app.
func (s *Supervisor) ResetHistory() error { return s.send(actionReset) }

func (s *Supervisor) send(a commandAction) error {
	reply := make(chan error, 1)
	select {
	case s.cmds <- command{action: a, reply: reply}:
	case <-s.done:
		return ErrNotRunning
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		// Run may have finished the command on its way out
		select {
		case err := <-reply:
			return err
		default:
			return ErrNotRunning
		}
	}
}

// Run drives the lifecycle until Stop is called or ctx is cancelled. A
// halted supervisor keeps running and waits for operator commands.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.closeBus()
	defer close(s.done)
	s.log.Info("supervisor starting", "script", s.spec.Script, "interpreter", s.spec.Interpreter)
	for step := s.launch; step != nil; {
		step = step(ctx)
	}
	return nil
}

// launch starts the child and moves to running, or feeds the launch
// failure to the policy as a crash.
func (s *Supervisor) launch(ctx context.Context) stateFn {
	if ctx.Err() != nil {
		return s.stopped("context cancelled")
	}
	s.setState(StateStarting, nil)
	proc, err := s.opts.Launcher.Launch(s.spec)
	if err != nil {
		s.log.Error("launch failed", "error", err)
		s.update(func(st *Status) {
			st.PID = 0
			st.LastExitReason = "launch_failed"
			st.LastExitCode = -1
			st.LastExitSignal = ""
			st.LastError = err.Error()
		})
		s.record(history.EventExit, "launch_failed", -1, "", err.Error())
		if s.opts.DisableAutoRestart {
			return s.halted("launch failed; autorestart disabled: " + err.Error())
		}
		return s.decide(policy.Crash, "launch_failed")
	}
	s.proc = proc
	metrics.IncStart(s.spec.Name)
	s.log.Info("process started", "pid", proc.PID())
	s.setState(StateRunning, func(st *Status) {
		st.PID = proc.PID()
		st.StartedAt = proc.StartedAt()
		st.LastError = ""
		st.NextRestartAt = time.Time{}
	})
	s.record(history.EventStart, "", 0, "", "")
	return s.running
}

// running waits for the first of exit, memory breach, debounced file
// change or an operator command.
func (s *Supervisor) running(ctx context.Context) stateFn {
	proc := s.proc
	epCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := &memory.Monitor{
		Interval: s.opts.MemoryInterval,
		Ceiling:  s.spec.MaxMemoryRestart,
		Sampler:  s.opts.Sampler,
		OnSample: func(rss uint64) { metrics.SetMemoryRSS(s.spec.Name, rss) },
		OnError:  func(*memory.MonitorError) { metrics.IncMemorySampleError(s.spec.Name) },
	}
	memCh := mon.Start(proc.PID(), proc.Done())
	defer mon.Stop()

	changeCh := s.startWatch(epCtx)

	for {
		select {
		case <-proc.Done():
			return s.exited(proc)

		case ex := <-memCh:
			s.log.Warn("memory ceiling exceeded", "pid", ex.PID, "rss", ex.RSS, "ceiling", ex.Ceiling)
			s.terminate(proc)
			s.noteExit(proc, "memory", fmt.Sprintf("rss %d >= %d", ex.RSS, ex.Ceiling))
			return s.decide(policy.MemoryExceeded, "memory")

		case ev := <-changeCh:
			s.log.Info("file change detected", "path", ev.Path, "kind", ev.Kind.String())
			s.terminate(proc)
			s.noteExit(proc, "file_change", ev.Path)
			return s.decide(policy.FileChange, "file_change")

		case cmd := <-s.cmds:
			switch cmd.action {
			case actionStop:
				s.terminate(proc)
				s.noteExit(proc, policy.ManualStop.String(), "")
				s.policy.Decide(policy.ManualStop, time.Now())
				next := s.stopped("operator stop")
				cmd.reply <- nil
				return next
			case actionRestart:
				s.terminate(proc)
				s.noteExit(proc, "manual_restart", "")
				s.forced()
				cmd.reply <- nil
				return s.restarting(0)
			case actionReset:
				s.resetHistory()
				cmd.reply <- nil
			}

		case <-ctx.Done():
			s.terminate(proc)
			s.noteExit(proc, policy.ManualStop.String(), "")
			return s.stopped("context cancelled")
		}
	}
}

// exited handles a natural exit of the child.
func (s *Supervisor) exited(proc *process.Process) stateFn {
	out := proc.Wait()
	reason := "crash"
	if out.Clean() {
		reason = "exit"
	}
	uptime := time.Since(proc.StartedAt())
	s.log.Warn("process exited", "pid", proc.PID(), "outcome", out.String(), "uptime", uptime)
	if uptime < s.opts.MinUptime {
		s.update(func(st *Status) { st.UnstableRestarts++ })
	}
	s.noteExit(proc, reason, "")
	if s.opts.DisableAutoRestart {
		return s.halted(fmt.Sprintf("process exited (%s); autorestart disabled", out))
	}
	return s.decide(policy.Crash, reason)
}

// decide consults the policy and moves to restarting or halted.
func (s *Supervisor) decide(reason policy.Reason, label string) stateFn {
	now := time.Now()
	d := s.policy.Decide(reason, now)
	s.update(func(st *Status) { st.RestartsInWindow = s.policy.InWindow(now) })
	if d.Action == policy.Halt {
		if d.Storm {
			metrics.IncRestartStorm(s.spec.Name)
			return s.halted(fmt.Sprintf("%v (%d restarts within %s)", d.Err, s.policy.Config().StormThreshold, s.policy.Config().StormWindow))
		}
		return s.halted(reason.String())
	}
	metrics.IncRestart(s.spec.Name, label)
	metrics.ObserveRestartDelay(s.spec.Name, d.After.Seconds())
	s.record(history.EventRestart, label, 0, "", d.After.String())
	return s.restarting(d.After)
}

// restarting waits out the backoff delay. Operator commands interrupt it.
func (s *Supervisor) restarting(after time.Duration) stateFn {
	return func(ctx context.Context) stateFn {
		s.setState(StateRestarting, func(st *Status) {
			st.PID = 0
			st.Restarts = s.policy.Record().Total
			st.NextRestartAt = time.Now().Add(after)
		})
		if after > 0 {
			s.log.Info("restarting after delay", "delay", after)
		}
		t := time.NewTimer(after)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				return s.launch
			case cmd := <-s.cmds:
				switch cmd.action {
				case actionStop:
					next := s.stopped("operator stop")
					cmd.reply <- nil
					return next
				case actionRestart:
					// the pending restart was already accounted by the policy
					cmd.reply <- nil
					return s.launch
				case actionReset:
					s.resetHistory()
					cmd.reply <- nil
				}
			case <-ctx.Done():
				return s.stopped("context cancelled")
			}
		}
	}
}

// halted parks the supervisor until an operator restarts or stops it.
func (s *Supervisor) halted(reason string) stateFn {
	return func(ctx context.Context) stateFn {
		s.log.Error("automatic restarts halted", "reason", reason)
		s.setState(StateHalted, func(st *Status) {
			st.PID = 0
			st.HaltReason = reason
			st.NextRestartAt = time.Time{}
			st.Restarts = s.policy.Record().Total
		})
		s.record(history.EventHalt, "", 0, "", reason)
		for {
			select {
			case cmd := <-s.cmds:
				switch cmd.action {
				case actionStop:
					next := s.stopped("operator stop")
					cmd.reply <- nil
					return next
				case actionRestart:
					s.forced()
					s.update(func(st *Status) { st.HaltReason = "" })
					cmd.reply <- nil
					return s.restarting(0)
				case actionReset:
					s.resetHistory()
					cmd.reply <- nil
				}
			case <-ctx.Done():
				return s.stopped("context cancelled")
			}
		}
	}
}

// stopped returns the terminal step.
func (s *Supervisor) stopped(why string) stateFn {
	return func(context.Context) stateFn {
		metrics.IncStop(s.spec.Name)
		s.log.Info("supervisor stopped", "reason", why)
		s.setState(StateStopped, func(st *Status) {
			st.PID = 0
			st.NextRestartAt = time.Time{}
		})
		s.record(history.EventStop, why, 0, "", "")
		return nil
	}
}

func (s *Supervisor) startWatch(ctx context.Context) <-chan watch.Event {
	if !s.spec.Watch {
		return nil
	}
	w, err := watch.New(s.spec.WatchRoots(), s.spec.IgnoreWatch,
		watch.WithLogger(s.log), watch.WithExclude(s.ownFiles()...))
	if err != nil {
		s.log.Warn("file watch disabled", "error", err)
		s.update(func(st *Status) { st.Degraded = err.Error() })
		return nil
	}
	s.log.Debug("file watch started", "roots", w.Roots())
	s.update(func(st *Status) { st.Degraded = "" })
	out := make(chan watch.Event, 1)
	go func() {
		defer func() { _ = w.Stop() }()
		debounce(ctx, w.Events(), s.opts.WatchDelay, out, func(ev watch.Event) {
			metrics.IncWatchEvent(s.spec.Name, ev.Kind.String())
			s.log.Debug("file event", "path", ev.Path, "kind", ev.Kind.String())
		})
	}()
	return out
}

// ownFiles are the files written on behalf of the app: its output logs and
// the status file. Writes to them are never file changes.
func (s *Supervisor) ownFiles() []string {
	stdout, stderr := s.spec.Log.Paths(s.spec.Name)
	return []string{stdout, stderr, s.opts.StatusFile}
}

func (s *Supervisor) terminate(proc *process.Process) {
	if err := proc.Terminate(s.opts.KillTimeout); err != nil {
		s.log.Error("terminate failed", "pid", proc.PID(), "error", err)
	}
}

// noteExit records the outcome of proc, which must have exited.
func (s *Supervisor) noteExit(proc *process.Process, reason, detail string) {
	out, ok := proc.Outcome()
	if !ok {
		out = process.ExitOutcome{Code: -1}
	}
	s.update(func(st *Status) {
		st.PID = 0
		st.LastExitReason = reason
		st.LastExitCode = out.Code
		st.LastExitSignal = out.Signal
		if out.Err != nil {
			st.LastError = out.Err.Error()
		}
	})
	s.record(history.EventExit, reason, out.Code, out.Signal, detail)
}

func (s *Supervisor) forced() {
	s.policy.Forced()
	metrics.IncRestart(s.spec.Name, "manual")
	s.record(history.EventRestart, "manual", 0, "", "")
	s.update(func(st *Status) { st.Restarts = s.policy.Record().Total })
}

func (s *Supervisor) resetHistory() {
	s.policy.Reset()
	s.log.Info("restart history reset")
	s.update(func(st *Status) {
		st.Restarts = 0
		st.UnstableRestarts = 0
		st.RestartsInWindow = 0
	})
	s.persist()
}

// update mutates the status snapshot without a state change.
func (s *Supervisor) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	s.status.UpdatedAt = time.Now()
	s.mu.Unlock()
}

// setState applies fn, moves to next and publishes the transition.
func (s *Supervisor) setState(next State, fn func(*Status)) {
	s.mu.Lock()
	prev := s.status.State
	if fn != nil {
		fn(&s.status)
	}
	s.status.State = next
	s.status.Restarts = s.policy.Record().Total
	s.status.UpdatedAt = time.Now()
	snap := s.status
	s.mu.Unlock()

	if prev != next {
		metrics.RecordStateTransition(s.spec.Name, prev.String(), next.String())
		s.log.Debug("state changed", "from", prev, "to", next)
	}
	metrics.SetState(s.spec.Name, next.String())
	event.Publish(s.bus, StateChanged{Name: s.spec.Name, From: prev, To: next, Status: snap, At: snap.UpdatedAt})
	s.persist()
}

func (s *Supervisor) persist() {
	if s.opts.StatusFile == "" {
		return
	}
	if err := WriteStatusFile(s.opts.StatusFile, s.self, s.Status()); err != nil {
		s.log.Warn("write status file failed", "path", s.opts.StatusFile, "error", err)
	}
}

func (s *Supervisor) record(t history.EventType, reason string, code int, signal, detail string) {
	if s.opts.Recorder == nil {
		return
	}
	st := s.Status()
	pid := st.PID
	if pid == 0 && s.proc != nil {
		pid = s.proc.PID()
	}
	s.opts.Recorder.Record(history.Event{
		Type:       t,
		OccurredAt: time.Now().UTC(),
		App:        s.spec.Name,
		PID:        pid,
		Reason:     reason,
		ExitCode:   code,
		Signal:     signal,
		State:      st.State.String(),
		Detail:     detail,
	})
}
