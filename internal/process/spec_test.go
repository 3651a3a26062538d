package process

import (
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpec_WatchRoots(t *testing.T) {
	wd := filepath.Join("srv", "app")
	s := Spec{WorkDir: wd}
	assert.Equal(t, []string{wd}, s.WatchRoots())

	s.WatchPaths = []string{"src", filepath.Join(string(filepath.Separator), "etc", "app")}
	assert.Equal(t, []string{
		filepath.Join(wd, "src"),
		filepath.Join(string(filepath.Separator), "etc", "app"),
	}, s.WatchRoots())

	assert.Equal(t, []string{"."}, Spec{}.WatchRoots())
}

func TestSpec_ArgvWithInterpreter(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	s := Spec{Interpreter: "sh", InterpreterArgs: []string{"-e"}, Script: "app.sh", Args: []string{"--port", "80"}}
	argv, err := s.Argv()
	require.NoError(t, err)
	assert.Equal(t, []string{sh, "-e", "app.sh", "--port", "80"}, argv)
}

func TestLaunchError_Message(t *testing.T) {
	err := &LaunchError{Kind: SpawnFailed, Name: "web", Err: exec.ErrDot}
	assert.Contains(t, err.Error(), "launch web: spawn failed")
	assert.ErrorIs(t, err, exec.ErrDot)
	assert.Equal(t, "executable not found", ExecutableNotFound.String())
}
