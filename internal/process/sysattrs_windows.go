//go:build windows

package process

import (
	"io/fs"
	"os/exec"
	"syscall"
)

// Windows creation flags
const (
	CREATE_NEW_PROCESS_GROUP = 0x00000200
)

// configureSysProcAttr starts the child in a new process group so console
// control events sent to the supervisor do not reach it directly.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: CREATE_NEW_PROCESS_GROUP}
}

// Windows has no execute bit; the loader decides.
func isExecutable(fs.FileInfo) bool { return true }
