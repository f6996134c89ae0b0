package driver

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ProcessTable reports whether a pid is present in the OS process table.
type ProcessTable func(pid int) bool

// Exists is the default ProcessTable. It is the final safety net of teardown
// verification, so EPERM (someone else's process) counts as present.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	if present, ok := procEntry(pid); ok {
		return present
	}
	err := unix.Kill(pid, 0)
	return err == nil || !errors.Is(err, unix.ESRCH)
}

// ProcessStartTime returns the OS-reported start time for a process. The value
// is platform-specific (Unix epoch seconds on Darwin, clock ticks since boot on
// Linux) but is stable for the lifetime of the process and unique when combined
// with the PID.
func ProcessStartTime(pid int) (int64, error) {
	return processStartTime(pid)
}

// SameProcess reports whether pid is still the process that was recorded with
// the given start time. A zero start time can't be verified and yields false.
func SameProcess(pid int, startTime int64) bool {
	if startTime == 0 || !Exists(pid) {
		return false
	}
	actual, err := processStartTime(pid)
	if err != nil {
		return false
	}
	return actual == startTime
}
