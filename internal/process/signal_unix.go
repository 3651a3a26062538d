//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// signalGroup delivers sig to the process group led by pid. It falls back to
// the leader alone when the group is gone, and treats a vanished process as
// success.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(-pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		err = syscall.Kill(pid, sig)
	}
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processExists reports whether pid refers to a live process. EPERM means
// it exists but belongs to someone else.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// SignalPID sends sig to a single process.
func SignalPID(pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}
