package watch

import (
	"errors"
	"fmt"
	"io/fs"
)

// ErrorKind classifies watcher setup failures.
type ErrorKind int

const (
	RootNotFound ErrorKind = iota + 1
	PermissionDenied
	SetupFailed
)

func (k ErrorKind) String() string {
	switch k {
	case RootNotFound:
		return "root not found"
	case PermissionDenied:
		return "permission denied"
	default:
		return "setup failed"
	}
}

// WatchError is returned by New when a root cannot be watched.
type WatchError struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *WatchError) Error() string {
	return fmt.Sprintf("watch %s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *WatchError) Unwrap() error { return e.Err }

func classify(path string, err error) *WatchError {
	var we *WatchError
	if errors.As(err, &we) {
		return we
	}
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &WatchError{Kind: RootNotFound, Path: path, Err: err}
	case errors.Is(err, fs.ErrPermission):
		return &WatchError{Kind: PermissionDenied, Path: path, Err: err}
	default:
		return &WatchError{Kind: SetupFailed, Path: path, Err: err}
	}
}
