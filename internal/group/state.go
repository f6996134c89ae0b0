package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/tandem/internal/driver"
)

// Record is the persisted state of one started service.
type Record struct {
	Service   string `json:"service"`
	PID       int    `json:"pid"`
	PGID      int    `json:"pgid"`
	Command   string `json:"command,omitempty"`
	StartedAt int64  `json:"started_at,omitempty"` // Unix timestamp
	StartTime int64  `json:"start_time,omitempty"` // OS-reported process start time for PID reuse detection
}

func newRecord(info driver.ProcessInfo, command string) Record {
	rec := Record{
		Service:   info.Name,
		PID:       info.PID,
		PGID:      info.PGID,
		Command:   command,
		StartedAt: info.StartedAt.Unix(),
	}
	if st, err := driver.ProcessStartTime(info.PID); err == nil {
		rec.StartTime = st
	}
	return rec
}

// stateFile persists a session's services so leftovers can be reaped if
// tandem dies before teardown.
type stateFile struct {
	path string
	mu   sync.Mutex
}

func newStateFile(dir, session string) *stateFile {
	return &stateFile{
		path: filepath.Join(dir, session+".json"),
	}
}

func (sf *stateFile) save(records []Record) error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(sf.path), 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	tmpPath := sf.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, sf.path)
}

func (sf *stateFile) remove() error {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if err := os.Remove(sf.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// LoadState reads the records of one session state file.
func LoadState(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}
	return records, nil
}

// Reaped is one leftover found by Reap.
type Reaped struct {
	Record
	Session string
	Alive   bool // still the recorded process when reaping began
	Err     error
}

// Reap tears down the leftovers of every session recorded in dir, newest
// service first, and removes the state files. A pid that no longer carries
// its recorded start time belongs to someone else and is left alone.
// Each group gets SIGTERM, then SIGKILL if it outlives grace.
func Reap(ctx context.Context, dir string, grace time.Duration, logger *slog.Logger) ([]Reaped, error) {
	if logger == nil {
		logger = slog.With("component", "reap")
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return nil, err
	}

	var reaped []Reaped
	var errs []error
	for _, path := range paths {
		session := strings.TrimSuffix(filepath.Base(path), ".json")
		records, err := LoadState(path)
		if err != nil {
			logger.Warn("skipping unreadable state file", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}

		failed := false
		for i := len(records) - 1; i >= 0; i-- {
			r := Reaped{Record: records[i], Session: session}
			r.Alive = driver.SameProcess(r.PID, r.StartTime)
			if r.Alive {
				logger.Info("reaping leftover service", "session", session, "service", r.Service, "pid", r.PID)
				r.Err = reapGroup(ctx, r.Record, grace)
				if r.Err != nil {
					logger.Error("could not reap service", "service", r.Service, "pid", r.PID, "error", r.Err)
					errs = append(errs, r.Err)
					failed = true
				}
			} else {
				logger.Debug("leftover already gone", "service", r.Service, "pid", r.PID)
			}
			reaped = append(reaped, r)
		}

		if !failed {
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
		}
	}
	return reaped, errors.Join(errs...)
}

func reapGroup(ctx context.Context, rec Record, grace time.Duration) error {
	pg := driver.NewProcessGroup(rec.PGID)
	if err := pg.Signal(unix.SIGTERM); err != nil {
		return err
	}
	if waitGone(ctx, rec.PID, grace) {
		return nil
	}
	if err := pg.Signal(unix.SIGKILL); err != nil {
		return err
	}
	if waitGone(context.Background(), rec.PID, driver.DefaultKillWait) {
		return nil
	}
	return &driver.TeardownError{Name: rec.Service, PID: rec.PID}
}

// waitGone polls the process table, since a leftover is not our child and
// cannot be waited on.
func waitGone(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if !driver.Exists(pid) {
			return true
		}
		select {
		case <-deadline.C:
			return !driver.Exists(pid)
		case <-ctx.Done():
			return !driver.Exists(pid)
		case <-ticker.C:
		}
	}
}
