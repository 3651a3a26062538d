//go:build windows

package process

import (
	"errors"
	"os"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// signalGroup stops pid. Windows has no POSIX signals: 0 checks for the
// process and anything else is a hard kill. A vanished process is success.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	if sig == 0 {
		if processExists(pid) {
			return nil
		}
		return os.ErrProcessDone
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	defer func() { _ = p.Release() }()
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

// processExists reports whether pid refers to a live process.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	return err == nil && ok
}

// SignalPID sends sig to a single process.
func SignalPID(pid int, sig syscall.Signal) error {
	return signalGroup(pid, sig)
}
