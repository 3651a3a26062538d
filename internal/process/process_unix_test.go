//go:build !windows

package process

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/guardr/internal/env"
	"github.com/loykin/guardr/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shSpec(name, script string) Spec {
	return Spec{Name: name, Interpreter: "/bin/sh", InterpreterArgs: []string{"-c"}, Script: script}
}

func TestLaunch_ExitCode(t *testing.T) {
	var l Launcher
	p, err := l.Launch(shSpec("exit3", "exit 3"))
	require.NoError(t, err)
	require.Greater(t, p.PID(), 0)

	out := p.Wait()
	assert.Equal(t, 3, out.Code)
	assert.Empty(t, out.Signal)
	assert.False(t, out.Clean())

	got, ok := p.Outcome()
	assert.True(t, ok)
	assert.Equal(t, out, got)
}

func TestLaunch_CleanExit(t *testing.T) {
	var l Launcher
	p, err := l.Launch(shSpec("ok", "true"))
	require.NoError(t, err)
	assert.True(t, p.Wait().Clean())
}

func TestLaunch_EnvAndOutput(t *testing.T) {
	var stdout bytes.Buffer
	e := env.New()
	e.Set("GLOBAL_ONLY", "g")
	l := Launcher{Env: e, Stdout: &stdout}

	spec := shSpec("envy", `echo "$FOO-$GLOBAL_ONLY"`)
	spec.Env = env.Var{"FOO": "bar"}
	p, err := l.Launch(spec)
	require.NoError(t, err)
	p.Wait()
	assert.Equal(t, "bar-g\n", stdout.String())
}

func TestLaunch_WorkDir(t *testing.T) {
	dir := t.TempDir()
	var stdout bytes.Buffer
	l := Launcher{Stdout: &stdout}
	spec := shSpec("pwd", "pwd -P")
	spec.WorkDir = dir
	p, err := l.Launch(spec)
	require.NoError(t, err)
	p.Wait()

	want, err := filepath.EvalSymlinks(dir)
	require.NoError(t, err)
	assert.Equal(t, want+"\n", stdout.String())
}

func TestLaunch_LogFiles(t *testing.T) {
	dir := t.TempDir()
	var l Launcher
	spec := shSpec("demo", "echo out; echo err 1>&2")
	spec.Log = logger.FileConfig{Dir: dir}
	p, err := l.Launch(spec)
	require.NoError(t, err)
	p.Wait()

	b, err := os.ReadFile(filepath.Join(dir, "demo.stdout.log"))
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(b))
	b, err = os.ReadFile(filepath.Join(dir, "demo.stderr.log"))
	require.NoError(t, err)
	assert.Equal(t, "err\n", string(b))
}

func TestLaunch_ExecutableNotFound(t *testing.T) {
	var l Launcher
	_, err := l.Launch(Spec{Name: "missing", Script: "/definitely/not/here"})
	require.Error(t, err)
	assert.True(t, IsLaunchError(err, ExecutableNotFound), "got %v", err)

	_, err = l.Launch(Spec{Name: "interp", Interpreter: "guardr-no-such-interpreter", Script: "app.js"})
	assert.True(t, IsLaunchError(err, ExecutableNotFound), "got %v", err)

	_, err = l.Launch(Spec{Name: "empty"})
	assert.True(t, IsLaunchError(err, ExecutableNotFound), "got %v", err)
}

func TestLaunch_NotExecutableFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.sh"), []byte("#!/bin/sh\n"), 0o644))
	var l Launcher
	_, err := l.Launch(Spec{Name: "noexec", Script: "./app.sh", WorkDir: dir})
	assert.True(t, IsLaunchError(err, ExecutableNotFound), "got %v", err)
}

func TestLaunch_SpawnFailed(t *testing.T) {
	var l Launcher
	spec := shSpec("baddir", "true")
	spec.WorkDir = filepath.Join(t.TempDir(), "gone")
	_, err := l.Launch(spec)
	require.Error(t, err)
	assert.True(t, IsLaunchError(err, SpawnFailed), "got %v", err)
}

func TestLaunch_ScriptWithoutInterpreter(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "app.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho \"$1\"\n"), 0o755))
	var stdout bytes.Buffer
	l := Launcher{Stdout: &stdout}
	p, err := l.Launch(Spec{Name: "direct", Script: "./app.sh", Args: []string{"hello"}, WorkDir: dir, Interpreter: InterpreterNone})
	require.NoError(t, err)
	assert.Equal(t, 0, p.Wait().Code)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestTerminate_Graceful(t *testing.T) {
	var l Launcher
	p, err := l.Launch(shSpec("sleeper", "sleep 30"))
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, p.Terminate(5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
	out, ok := p.Outcome()
	require.True(t, ok)
	assert.Equal(t, "terminated", out.Signal)
	assert.Equal(t, -1, out.Code)
}

func TestTerminate_EscalatesToKill(t *testing.T) {
	ready := filepath.Join(t.TempDir(), "ready")
	var l Launcher
	p, err := l.Launch(shSpec("stubborn", "trap '' TERM; touch "+ready+"; sleep 30"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := os.Stat(ready)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	grace := 200 * time.Millisecond
	start := time.Now()
	require.NoError(t, p.Terminate(grace))
	assert.GreaterOrEqual(t, time.Since(start), grace)
	out, _ := p.Outcome()
	assert.Equal(t, "killed", out.Signal)
}

func TestTerminate_AfterExitIsNoop(t *testing.T) {
	var l Launcher
	p, err := l.Launch(shSpec("quick", "true"))
	require.NoError(t, err)
	p.Wait()
	assert.NoError(t, p.Terminate(time.Second))
	assert.NoError(t, p.Signal(0))
}

func TestSysProcAttr_Setpgid(t *testing.T) {
	r := &Process{}
	cmd := r.configureCmd(Spec{Name: "x"}, []string{"/bin/true"}, nil, nil, nil)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
}

func TestIdentity_Alive(t *testing.T) {
	self := Self()
	assert.True(t, self.Alive())

	var l Launcher
	p, err := l.Launch(shSpec("gone", "true"))
	require.NoError(t, err)
	p.Wait()
	assert.False(t, Identity{PID: p.PID()}.Alive())
}
