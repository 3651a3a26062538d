package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/loykin/guardr/internal/env"
	"github.com/loykin/guardr/internal/logger"
)

// InterpreterNone runs the script directly instead of through an interpreter.
const InterpreterNone = "none"

// Spec describes the application to be managed. It is immutable once handed
// to a supervisor.
type Spec struct {
	Name             string            `json:"name"`
	Script           string            `json:"script"`                     // entry point, passed to the interpreter
	Args             []string          `json:"args,omitempty"`             // extra arguments after the script
	Interpreter      string            `json:"interpreter,omitempty"`      // "" or "none" executes Script directly
	InterpreterArgs  []string          `json:"interpreter_args,omitempty"` // arguments placed before the script
	WorkDir          string            `json:"cwd,omitempty"`
	Env              env.Var           `json:"env,omitempty"`
	Watch            bool              `json:"watch"`
	WatchPaths       []string          `json:"watch_paths,omitempty"` // defaults to WorkDir
	IgnoreWatch      []string          `json:"ignore_watch,omitempty"`
	MaxMemoryRestart uint64            `json:"max_memory_restart,omitempty"` // bytes, 0 disables
	Log              logger.FileConfig `json:"log"`
}

// WatchRoots returns the directories to watch, resolved against WorkDir.
func (s Spec) WatchRoots() []string {
	roots := s.WatchPaths
	if len(roots) == 0 {
		base := s.WorkDir
		if base == "" {
			base = "."
		}
		roots = []string{base}
	}
	out := make([]string, 0, len(roots))
	for _, r := range roots {
		if !filepath.IsAbs(r) && s.WorkDir != "" {
			r = filepath.Join(s.WorkDir, r)
		}
		out = append(out, filepath.Clean(r))
	}
	return out
}

// Argv resolves the command line for the spec. The first element is an
// absolute or PATH-resolved executable.
func (s Spec) Argv() ([]string, error) {
	script := strings.TrimSpace(s.Script)
	if script == "" {
		return nil, &LaunchError{Kind: ExecutableNotFound, Name: s.Name, Err: errors.New("empty script")}
	}
	interp := strings.TrimSpace(s.Interpreter)
	if interp == "" || interp == InterpreterNone {
		path, err := resolveExecutable(script, s.WorkDir)
		if err != nil {
			return nil, &LaunchError{Kind: ExecutableNotFound, Name: s.Name, Err: err}
		}
		return append([]string{path}, s.Args...), nil
	}
	path, err := resolveExecutable(interp, s.WorkDir)
	if err != nil {
		return nil, &LaunchError{Kind: ExecutableNotFound, Name: s.Name, Err: err}
	}
	argv := make([]string, 0, 2+len(s.InterpreterArgs)+len(s.Args))
	argv = append(argv, path)
	argv = append(argv, s.InterpreterArgs...)
	argv = append(argv, script)
	argv = append(argv, s.Args...)
	return argv, nil
}

// resolveExecutable looks name up in PATH, or relative to dir when it
// contains a path separator.
func resolveExecutable(name, dir string) (string, error) {
	if !strings.ContainsRune(name, filepath.Separator) && !strings.ContainsRune(name, '/') {
		return exec.LookPath(name)
	}
	p := name
	if !filepath.IsAbs(p) && dir != "" {
		p = filepath.Join(dir, p)
	}
	fi, err := os.Stat(p)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, exec.ErrNotFound)
	}
	if fi.IsDir() || !isExecutable(fi) {
		return "", fmt.Errorf("%s: not an executable file: %w", name, exec.ErrNotFound)
	}
	return p, nil
}
