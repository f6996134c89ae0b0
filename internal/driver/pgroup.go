package driver

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ProcessGroup is the capability to signal one process group. It is captured
// once at spawn and released after the group is verified gone, so a recycled
// pid can never be signalled through it.
type ProcessGroup struct {
	mu       sync.Mutex
	pgid     int
	released bool
}

// captureGroup records the group of a freshly spawned leader. The child was
// started with Setpgid, so if it already vanished its pgid equals its pid.
func captureGroup(pid int) *ProcessGroup {
	pgid, err := unix.Getpgid(pid)
	if err != nil {
		pgid = pid
	}
	return &ProcessGroup{pgid: pgid}
}

// NewProcessGroup wraps a known group id, e.g. one recovered from a state file.
func NewProcessGroup(pgid int) *ProcessGroup {
	return &ProcessGroup{pgid: pgid}
}

// ID returns the process group id.
func (g *ProcessGroup) ID() int {
	return g.pgid
}

// Signal delivers sig to every member of the group. A group that no longer
// exists, or one that has been released, is not an error.
func (g *ProcessGroup) Signal(sig unix.Signal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released || g.pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-g.pgid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return fmt.Errorf("signal %s to process group %d: %w", unix.SignalName(sig), g.pgid, err)
	}
	return nil
}

// Alive reports whether any live process is still in the group. A released
// group is never alive.
func (g *ProcessGroup) Alive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released || g.pgid <= 0 {
		return false
	}
	if present, ok := groupPresent(g.pgid); ok {
		return present
	}
	err := unix.Kill(-g.pgid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Release makes every later Signal a no-op.
func (g *ProcessGroup) Release() {
	g.mu.Lock()
	g.released = true
	g.mu.Unlock()
}

// Released reports whether the group has been released.
func (g *ProcessGroup) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}
