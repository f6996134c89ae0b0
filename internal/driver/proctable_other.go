//go:build !linux && !darwin

package driver

import "errors"

func procEntry(pid int) (present, ok bool) {
	return false, false
}

func groupPresent(pgid int) (present, ok bool) {
	return false, false
}

func processStartTime(pid int) (int64, error) {
	return 0, errors.New("process start time is not supported on this platform")
}
