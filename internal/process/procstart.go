package process

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// startUnix returns when pid was started, in Unix seconds, or 0 when it
// cannot be determined.
func startUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if s := procStatStart(pid); s > 0 {
		return s
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}
