package process

import (
	"bytes"
	"os"
	"strconv"

	"github.com/shirou/gopsutil/v4/host"
	sysconf "github.com/tklauser/go-sysconf"
)

// procStatStart derives the start time from /proc/<pid>/stat, boot time and
// the clock tick rate.
func procStatStart(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	ticks, ok := statStartTicks(b)
	if !ok {
		return 0
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return int64(boot) + ticks/clk
}

// statStartTicks extracts starttime (field 22) from a stat line. The comm
// field may hold spaces and parentheses, so fields are counted from the
// last ')'.
func statStartTicks(stat []byte) (int64, bool) {
	end := bytes.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, false
	}
	fields := bytes.Fields(stat[end+1:])
	// fields[0] is field 3 (state)
	const startField = 22 - 3
	if len(fields) <= startField {
		return 0, false
	}
	ticks, err := strconv.ParseInt(string(fields[startField]), 10, 64)
	if err != nil || ticks <= 0 {
		return 0, false
	}
	return ticks, true
}
