//go:build darwin

package driver

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func procEntry(pid int) (present, ok bool) {
	return false, false
}

func groupPresent(pgid int) (present, ok bool) {
	return false, false
}

// processStartTime reads the process start time via sysctl kern.proc.pid.
func processStartTime(pid int) (int64, error) {
	kp, err := unix.SysctlKinfoProc("kern.proc.pid", pid)
	if err != nil {
		return 0, fmt.Errorf("sysctl kern.proc.pid.%d: %w", pid, err)
	}
	if kp.Proc.P_pid != int32(pid) {
		return 0, fmt.Errorf("no process with pid %d", pid)
	}
	return kp.Proc.P_starttime.Sec, nil
}
