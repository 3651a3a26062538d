package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/guardr/internal/env"
)

// killWait bounds how long Terminate waits for the reaper after SIGKILL.
const killWait = 5 * time.Second

// ExitOutcome is how a child ended. Code is -1 when it died from a signal.
type ExitOutcome struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Err    error  `json:"-"`
}

// Clean reports a zero exit status without a signal.
func (o ExitOutcome) Clean() bool { return o.Code == 0 && o.Signal == "" && o.Err == nil }

func (o ExitOutcome) String() string {
	if o.Signal != "" {
		return "signal " + o.Signal
	}
	return fmt.Sprintf("exit %d", o.Code)
}

// Process is one running incarnation of an application. A Process is never
// reused; each launch returns a fresh value.
type Process struct {
	name      string
	pid       int
	startedAt time.Time
	cmd       *exec.Cmd
	closers   []io.Closer
	done      chan struct{}
	outcome   ExitOutcome
}

func (r *Process) Name() string         { return r.name }
func (r *Process) PID() int             { return r.pid }
func (r *Process) StartedAt() time.Time { return r.startedAt }

// Done is closed once the child has been reaped.
func (r *Process) Done() <-chan struct{} { return r.done }

// Wait blocks until the child exits and returns its outcome.
func (r *Process) Wait() ExitOutcome {
	<-r.done
	return r.outcome
}

// Outcome returns the exit outcome if the child has already exited.
func (r *Process) Outcome() (ExitOutcome, bool) {
	select {
	case <-r.done:
		return r.outcome, true
	default:
		return ExitOutcome{}, false
	}
}

// Signal delivers sig to the child's process group.
func (r *Process) Signal(sig syscall.Signal) error {
	if _, exited := r.Outcome(); exited {
		return nil
	}
	return signalGroup(r.pid, sig)
}

// Terminate asks the process group to exit with SIGTERM and escalates to
// SIGKILL once grace elapses. It returns after the child has been reaped.
func (r *Process) Terminate(grace time.Duration) error {
	if _, exited := r.Outcome(); exited {
		return nil
	}
	if grace > 0 {
		if err := signalGroup(r.pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("terminate %s (pid %d): %w", r.name, r.pid, err)
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-r.done:
			return nil
		case <-t.C:
		}
	}
	if err := signalGroup(r.pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill %s (pid %d): %w", r.name, r.pid, err)
	}
	select {
	case <-r.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("kill %s (pid %d): still running after SIGKILL", r.name, r.pid)
	}
}

func (r *Process) reap() {
	err := r.cmd.Wait()
	r.outcome = outcomeOf(r.cmd.ProcessState, err)
	for _, c := range r.closers {
		_ = c.Close()
	}
	close(r.done)
}

func outcomeOf(state *os.ProcessState, err error) ExitOutcome {
	if state == nil {
		return ExitOutcome{Code: -1, Err: err}
	}
	out := ExitOutcome{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		out.Signal = ws.Signal().String()
		out.Code = -1
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		out.Err = err
	}
	return out
}

// Launcher starts processes from a Spec. Output goes to the spec's log
// files when configured, otherwise to Stdout/Stderr (discarded when nil).
type Launcher struct {
	Env    *env.Env
	Stdout io.Writer
	Stderr io.Writer
}

// Launch starts spec's command and returns once the child is running.
// Failures are *LaunchError.
func (l *Launcher) Launch(spec Spec) (*Process, error) {
	argv, err := spec.Argv()
	if err != nil {
		return nil, err
	}
	e := l.Env
	if e == nil {
		e = env.New()
	}

	r := &Process{name: spec.Name, done: make(chan struct{})}
	cmd := r.configureCmd(spec, argv, e.Merge(spec.Env), l.Stdout, l.Stderr)
	if err := cmd.Start(); err != nil {
		for _, c := range r.closers {
			_ = c.Close()
		}
		return nil, classifyStartErr(spec.Name, err)
	}
	r.cmd = cmd
	r.pid = cmd.Process.Pid
	r.startedAt = time.Now()
	go r.reap()
	return r, nil
}

// configureCmd builds the *exec.Cmd: workdir, environment, stdio and
// process group attributes.
func (r *Process) configureCmd(spec Spec, argv, mergedEnv []string, stdout, stderr io.Writer) *exec.Cmd {
	// #nosec G204 argv comes from operator configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = mergedEnv
	// pipes held open by grandchildren must not block reaping forever
	cmd.WaitDelay = 2 * time.Second
	configureSysProcAttr(cmd)

	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if spec.Log.Enabled() {
		outW, errW, _ := spec.Log.Writers(spec.Name)
		if outW != nil {
			cmd.Stdout = outW
			r.closers = append(r.closers, outW)
		}
		if errW != nil {
			cmd.Stderr = errW
			r.closers = append(r.closers, errW)
		}
	}
	return cmd
}
