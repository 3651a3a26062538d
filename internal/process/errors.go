package process

import (
	"errors"
	"fmt"
	"os/exec"
)

// LaunchErrorKind classifies why a launch attempt failed.
type LaunchErrorKind int

const (
	ExecutableNotFound LaunchErrorKind = iota + 1
	SpawnFailed
)

func (k LaunchErrorKind) String() string {
	switch k {
	case ExecutableNotFound:
		return "executable not found"
	case SpawnFailed:
		return "spawn failed"
	default:
		return "unknown"
	}
}

// LaunchError is returned by Launcher.Launch.
type LaunchError struct {
	Kind LaunchErrorKind
	Name string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// IsLaunchError reports whether err is a LaunchError of the given kind.
func IsLaunchError(err error, kind LaunchErrorKind) bool {
	var le *LaunchError
	return errors.As(err, &le) && le.Kind == kind
}

func classifyStartErr(name string, err error) *LaunchError {
	if errors.Is(err, exec.ErrNotFound) {
		return &LaunchError{Kind: ExecutableNotFound, Name: name, Err: err}
	}
	return &LaunchError{Kind: SpawnFailed, Name: name, Err: err}
}
