//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/guardr/internal/logger"
	"github.com/loykin/guardr/internal/memory"
	"github.com/loykin/guardr/internal/policy"
	"github.com/loykin/guardr/internal/process"
)

func shSpec(name, script string) process.Spec {
	return process.Spec{Name: name, Interpreter: "/bin/sh", InterpreterArgs: []string{"-c"}, Script: script}
}

// fastPolicy restarts immediately so tests are not bound by backoff.
func fastPolicy() policy.Config {
	c := policy.DefaultConfig()
	c.FreeRestarts = 100
	return c
}

type harness struct {
	sup        *Supervisor
	runErr     chan error
	starts     atomic.Int32
	restarting atomic.Int32
}

func start(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{runErr: make(chan error, 1)}
	h.sup = New(opts)
	unsub := h.sup.Subscribe(func(e StateChanged) {
		switch e.To {
		case StateRunning:
			h.starts.Add(1)
		case StateRestarting:
			h.restarting.Add(1)
		}
	})
	go func() { h.runErr <- h.sup.Run(context.Background()) }()
	t.Cleanup(func() {
		unsub()
		_ = h.sup.Stop()
		select {
		case <-h.sup.Done():
		case <-time.After(10 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
	return h
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	require.Eventually(t, func() bool { return h.sup.Status().State == want }, 10*time.Second, 10*time.Millisecond,
		"want state %s, have %s", want, h.sup.Status().State)
	return h.sup.Status()
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestSupervisor_CrashLoopHaltsOnStorm(t *testing.T) {
	h := start(t, Options{Spec: shSpec("crasher", "exit 1"), Policy: fastPolicy()})

	st := h.waitState(t, StateHalted)
	assert.Equal(t, 14, st.Restarts)
	assert.Contains(t, st.HaltReason, "restart storm")
	assert.Equal(t, "crash", st.LastExitReason)
	assert.Equal(t, 1, st.LastExitCode)
	assert.Zero(t, st.PID)
	assert.Equal(t, 15, st.UnstableRestarts)

	// halted keeps Run alive for operator commands
	select {
	case <-h.sup.Done():
		t.Fatal("Run returned while halted")
	default:
	}
}

func TestSupervisor_MemoryCeilingRestarts(t *testing.T) {
	// only the first child is over the ceiling
	var hog atomic.Int64
	sampler := memory.SamplerFunc(func(pid int) (uint64, error) {
		hog.CompareAndSwap(0, int64(pid))
		if int64(pid) == hog.Load() {
			return 200 << 20, nil
		}
		return 10 << 20, nil
	})
	spec := shSpec("hog", "sleep 30")
	spec.MaxMemoryRestart = 100 << 20

	h := start(t, Options{
		Spec:           spec,
		Policy:         fastPolicy(),
		Sampler:        sampler,
		MemoryInterval: 20 * time.Millisecond,
	})

	require.Eventually(t, func() bool {
		st := h.sup.Status()
		return st.LastExitReason == "memory" && st.State == StateRunning
	}, 10*time.Second, 10*time.Millisecond)
	st := h.sup.Status()
	assert.NotEqual(t, int(hog.Load()), st.PID)
	assert.False(t, alive(int(hog.Load())), "old child must be gone")
	assert.Equal(t, 1, st.Restarts)
	assert.Equal(t, "terminated", st.LastExitSignal)

	// the replacement stays up
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, st.PID, h.sup.Status().PID)
}

func TestSupervisor_FileChangeIgnoresExcludedDirs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "venv", "lib"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))

	spec := shSpec("web", "sleep 30")
	spec.WorkDir = dir
	spec.Watch = true
	spec.IgnoreWatch = []string{"venv"}

	h := start(t, Options{Spec: spec, Policy: fastPolicy(), WatchDelay: 100 * time.Millisecond})
	first := h.waitState(t, StateRunning)
	// let the watcher register its roots
	time.Sleep(200 * time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "venv", "lib", "pkg.py"), []byte{byte(i)}, 0o644))
	}
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, first.PID, h.sup.Status().PID, "ignored changes must not restart")
	assert.Equal(t, int32(1), h.starts.Load())

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "app.py"), []byte{byte(i)}, 0o644))
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return h.starts.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	st := h.waitState(t, StateRunning)
	assert.Equal(t, "file_change", st.LastExitReason)
	assert.NotEqual(t, first.PID, st.PID)

	// a burst yields exactly one restart
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(2), h.starts.Load())
}

func TestSupervisor_StopWhileRunning(t *testing.T) {
	h := start(t, Options{Spec: shSpec("sleeper", "sleep 30"), KillTimeout: time.Second})
	st := h.waitState(t, StateRunning)
	require.True(t, alive(st.PID))

	require.NoError(t, h.sup.Stop())
	select {
	case err := <-h.runErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	final := h.sup.Status()
	assert.Equal(t, StateStopped, final.State)
	assert.Equal(t, "manual_stop", final.LastExitReason)
	assert.Equal(t, "terminated", final.LastExitSignal)
	assert.False(t, alive(st.PID))
	assert.Zero(t, final.Restarts)

	// stopping again is a no-op
	assert.NoError(t, h.sup.Stop())
	assert.ErrorIs(t, h.sup.Restart(), ErrNotRunning)
}

func TestSupervisor_ContextCancelStops(t *testing.T) {
	s := New(Options{Spec: shSpec("sleeper", "sleep 30")})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Status().State == StateRunning }, 5*time.Second, 10*time.Millisecond)
	pid := s.Status().PID
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, s.Status().State)
	assert.False(t, alive(pid))
}

func TestSupervisor_RunTwice(t *testing.T) {
	h := start(t, Options{Spec: shSpec("sleeper", "sleep 30")})
	h.waitState(t, StateRunning)
	assert.ErrorIs(t, h.sup.Run(context.Background()), ErrAlreadyRunning)
}

func TestSupervisor_AutoRestartDisabledHalts(t *testing.T) {
	dir := t.TempDir()
	spec := shSpec("once", "if [ -f marker ]; then sleep 30; else exit 0; fi")
	spec.WorkDir = dir

	h := start(t, Options{Spec: spec, DisableAutoRestart: true})
	st := h.waitState(t, StateHalted)
	assert.Equal(t, "exit", st.LastExitReason)
	assert.Contains(t, st.HaltReason, "autorestart disabled")
	assert.Zero(t, st.Restarts)

	// halted is not stopped: the operator can bring it back
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), nil, 0o644))
	require.NoError(t, h.sup.Restart())
	st = h.waitState(t, StateRunning)
	assert.Equal(t, 1, st.Restarts)
	assert.Empty(t, st.HaltReason)

	require.NoError(t, h.sup.ResetHistory())
	assert.Zero(t, h.sup.Status().Restarts)
	assert.Equal(t, StateRunning, h.sup.Status().State)
}

func TestSupervisor_ResetFromHaltedDoesNotRelaunch(t *testing.T) {
	h := start(t, Options{Spec: shSpec("crasher", "exit 2"), Policy: fastPolicy()})
	h.waitState(t, StateHalted)
	starts := h.starts.Load()

	require.NoError(t, h.sup.ResetHistory())
	st := h.sup.Status()
	assert.Equal(t, StateHalted, st.State)
	assert.Zero(t, st.Restarts)
	assert.Zero(t, st.RestartsInWindow)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, starts, h.starts.Load())
}

func TestSupervisor_OperatorRestartBypassesPolicy(t *testing.T) {
	h := start(t, Options{Spec: shSpec("sleeper", "sleep 30")})
	first := h.waitState(t, StateRunning)

	require.NoError(t, h.sup.Restart())
	require.Eventually(t, func() bool {
		st := h.sup.Status()
		return st.State == StateRunning && st.PID != first.PID
	}, 5*time.Second, 10*time.Millisecond)
	st := h.sup.Status()
	assert.Equal(t, 1, st.Restarts)
	assert.Zero(t, st.RestartsInWindow)
	assert.Equal(t, "manual_restart", st.LastExitReason)
	assert.False(t, alive(first.PID))
	require.Eventually(t, func() bool { return h.restarting.Load() == 1 }, 2*time.Second, 10*time.Millisecond,
		"operator restart must pass through restarting")
}

func TestSupervisor_LaunchFailureCountsAsCrash(t *testing.T) {
	spec := process.Spec{Name: "missing", Script: "/nonexistent/guardr-app"}
	h := start(t, Options{Spec: spec, Policy: fastPolicy()})

	st := h.waitState(t, StateHalted)
	assert.Equal(t, "launch_failed", st.LastExitReason)
	assert.Contains(t, st.LastError, "executable not found")
	assert.Contains(t, st.HaltReason, "restart storm")
	assert.Zero(t, h.starts.Load())
}

func TestSupervisor_LaunchFailureWithoutAutoRestart(t *testing.T) {
	spec := process.Spec{Name: "missing", Script: "/nonexistent/guardr-app"}
	h := start(t, Options{Spec: spec, DisableAutoRestart: true})

	st := h.waitState(t, StateHalted)
	assert.Contains(t, st.HaltReason, "launch failed")
	assert.Zero(t, st.Restarts)
}

func TestSupervisor_WatchFailureDegrades(t *testing.T) {
	spec := shSpec("web", "sleep 30")
	spec.WorkDir = t.TempDir()
	spec.Watch = true
	spec.WatchPaths = []string{"does-not-exist"}

	h := start(t, Options{Spec: spec})
	st := h.waitState(t, StateRunning)
	require.Eventually(t, func() bool { return h.sup.Status().Degraded != "" }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, h.sup.Status().Degraded, "does-not-exist")
	assert.Equal(t, st.PID, h.sup.Status().PID)
}

func TestSupervisor_BackoffDelaysRestart(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.FreeRestarts = 0
	cfg.InitialBackoff = 300 * time.Millisecond
	h := start(t, Options{Spec: shSpec("crasher", "exit 1"), Policy: cfg})

	st := h.waitState(t, StateRestarting)
	assert.False(t, st.NextRestartAt.IsZero())
	assert.WithinDuration(t, time.Now().Add(300*time.Millisecond), st.NextRestartAt, 300*time.Millisecond)

	// stop interrupts the wait
	require.NoError(t, h.sup.Stop())
	<-h.sup.Done()
	assert.Equal(t, StateStopped, h.sup.Status().State)
	assert.Equal(t, 1, h.sup.Status().Restarts)
	assert.Equal(t, "crash", h.sup.Status().LastExitReason)
}

func TestSupervisor_StatusFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "app.status.json")
	h := start(t, Options{Spec: shSpec("sleeper", "sleep 30"), StatusFile: path})
	st := h.waitState(t, StateRunning)

	require.Eventually(t, func() bool {
		sf, err := ReadStatusFile(path)
		return err == nil && sf.Status.State == StateRunning
	}, 2*time.Second, 10*time.Millisecond)
	sf, err := ReadStatusFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), sf.Supervisor.PID)
	assert.True(t, sf.Supervisor.Alive())
	assert.Equal(t, st.PID, sf.Status.PID)
	assert.Equal(t, "sleeper", sf.Status.Name)

	require.NoError(t, h.sup.Stop())
	<-h.sup.Done()
	sf, err = ReadStatusFile(path)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, sf.Status.State)
}

func TestSupervisor_OwnOutputIsNotAFileChange(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	spec := shSpec("chatty", "while true; do echo tick; sleep 0.1; done")
	spec.WorkDir = dir
	spec.Watch = true
	spec.Log = logger.FileConfig{Dir: filepath.Join(dir, "logs")}
	statusFile := filepath.Join(dir, "run", "chatty.status.json")

	h := start(t, Options{Spec: spec, Policy: fastPolicy(), WatchDelay: 50 * time.Millisecond, StatusFile: statusFile})
	first := h.waitState(t, StateRunning)

	// status rewrites while the watcher is live
	for i := 0; i < 5; i++ {
		require.NoError(t, h.sup.ResetHistory())
		time.Sleep(200 * time.Millisecond)
	}
	out, err := os.ReadFile(filepath.Join(dir, "logs", "chatty.stdout.log"))
	require.NoError(t, err)
	assert.Contains(t, string(out), "tick")

	st := h.sup.Status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, first.PID, st.PID)
	assert.Equal(t, int32(1), h.starts.Load())

	// real changes still restart
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "app.py"), []byte("x"), 0o644))
	require.Eventually(t, func() bool { return h.starts.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "file_change", h.waitState(t, StateRunning).LastExitReason)
}

func TestSupervisor_SimultaneousTriggersRestartOnce(t *testing.T) {
	dir := t.TempDir()
	var victim atomic.Int64
	sampler := memory.SamplerFunc(func(pid int) (uint64, error) {
		if int64(pid) == victim.Load() {
			return 200 << 20, nil
		}
		return 10 << 20, nil
	})
	spec := shSpec("racer", "sleep 30")
	spec.WorkDir = dir
	spec.Watch = true
	spec.MaxMemoryRestart = 100 << 20

	h := start(t, Options{
		Spec:           spec,
		Policy:         fastPolicy(),
		Sampler:        sampler,
		MemoryInterval: 20 * time.Millisecond,
		WatchDelay:     20 * time.Millisecond,
	})
	first := h.waitState(t, StateRunning)
	// let the watcher register its roots
	time.Sleep(200 * time.Millisecond)

	victim.Store(int64(first.PID))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return h.starts.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	st := h.waitState(t, StateRunning)
	assert.Contains(t, []string{"memory", "file_change"}, st.LastExitReason)

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(2), h.starts.Load(), "one episode must end in exactly one restart")
	assert.Equal(t, 1, h.sup.Status().Restarts)
	assert.False(t, alive(first.PID))
}

func TestSupervisor_SubscriptionsEndWithRun(t *testing.T) {
	s := New(Options{Spec: shSpec("sleeper", "sleep 30")})
	ch := make(chan StateChanged, 16)
	s.SubscribeChan(ch)
	go func() { _ = s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.Status().State == StateRunning }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
	<-s.Done()

	// the final transition is still delivered
	var last State
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-ch:
				last = e.To
			default:
				return last == StateStopped
			}
		}
	}, 2*time.Second, 10*time.Millisecond)

	s.subMu.Lock()
	assert.True(t, s.busClosed)
	assert.Empty(t, s.subs)
	s.subMu.Unlock()

	unsub := s.Subscribe(func(StateChanged) { t.Error("no events after Run returned") })
	unsub()
}
