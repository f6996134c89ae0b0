//go:build linux

package driver

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
)

// procEntry looks the pid up in /proc. ok is false when /proc is unusable.
func procEntry(pid int) (present, ok bool) {
	_, err := os.Stat("/proc/" + strconv.Itoa(pid))
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, fs.ErrNotExist):
		return false, true
	default:
		return false, false
	}
}

// groupPresent scans /proc for a live member of pgid. Zombies are skipped:
// they are already dead and only their reaper can clear them.
func groupPresent(pgid int) (present, ok bool) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return false, false
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fields, err := statFields(pid)
		if err != nil {
			continue
		}
		// fields[0] is the state, fields[2] the process group.
		if len(fields) < 3 || fields[0] == "Z" || fields[0] == "X" {
			continue
		}
		if fields[2] == strconv.Itoa(pgid) {
			return true, true
		}
	}
	return false, true
}

// processStartTime returns field 22 of /proc/<pid>/stat (clock ticks since boot).
func processStartTime(pid int) (int64, error) {
	rest, err := statFields(pid)
	if err != nil {
		return 0, err
	}
	// rest[0] is field 3, so field 22 is rest[19].
	const starttimeIdx = 19
	if len(rest) <= starttimeIdx {
		return 0, fmt.Errorf("malformed /proc/%d/stat: too few fields", pid)
	}
	starttime, err := strconv.ParseInt(rest[starttimeIdx], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse starttime for pid %d: %w", pid, err)
	}
	return starttime, nil
}

// statFields returns the fields of /proc/<pid>/stat from field 3 on.
func statFields(pid int) ([]string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return nil, fmt.Errorf("read /proc/%d/stat: %w", pid, err)
	}

	// comm is parenthesised and may contain spaces; split after the last ')'.
	s := string(data)
	closeIdx := strings.LastIndex(s, ")")
	if closeIdx < 0 || closeIdx+2 > len(s) {
		return nil, fmt.Errorf("malformed /proc/%d/stat: no closing paren", pid)
	}
	return strings.Fields(s[closeIdx+2:]), nil
}
