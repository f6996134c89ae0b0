package driver

import (
	"os"
	"time"
)

// State represents the lifecycle state of a managed process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// LogSink receives a process's combined stdout/stderr.
// Implementations must hand out a real file so the child writes to it
// directly; a pipe would keep Wait blocked on orphaned grandchildren.
type LogSink interface {
	// Name is the sink location shown in diagnostics.
	Name() string
	File() *os.File
	// ModTime is the last time the sink was written to, as seen by the filesystem.
	ModTime() (time.Time, error)
}

// ProcessInfo holds runtime information about a managed process.
type ProcessInfo struct {
	Name      string
	PID       int
	PGID      int
	State     State
	StartedAt time.Time
	ExitCode  int
	Exited    bool
	Log       string
	Error     string
}
