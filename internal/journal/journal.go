// Package journal provides an append-only record of session lifecycle events.
//
// Every session start, service start or failure, service stop and session end
// is written to <log_dir>/journal.log as newline-delimited JSON.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileName is the journal's name inside a log dir.
const FileName = "journal.log"

// Event describes what happened.
type Event string

const (
	EventSessionStart          Event = "session_start"
	EventServiceStarted        Event = "service_started"
	EventServiceStartupFailed  Event = "service_startup_failed"
	EventServiceStopped        Event = "service_stopped"
	EventServiceTeardownFailed Event = "service_teardown_failed"
	EventSessionEnd            Event = "session_end"
)

// Entry is a single journal record.
type Entry struct {
	Timestamp time.Time `json:"ts"`
	Event     Event     `json:"event"`
	Session   string    `json:"session"`
	Service   string    `json:"service,omitempty"`
	PID       int       `json:"pid,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Log       string    `json:"log,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Journal writes entries to an append-only file. A nil *Journal discards
// everything, so callers never need to check whether one is configured.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Open creates or opens a journal file for appending.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: f, path: path}, nil
}

// Record writes an entry.
func (j *Journal) Record(entry Entry) error {
	if j == nil {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal entry: %w", err)
	}
	return nil
}

// Path returns the journal file location.
func (j *Journal) Path() string {
	if j == nil {
		return ""
	}
	return j.path
}

// Close closes the journal file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.file.Close()
}

// Code returns a pointer to c, for Entry.ExitCode.
func Code(c int) *int {
	return &c
}
