// Package logsink provides the files that supervised processes write their
// combined output to, and helpers to read that output back.
package logsink

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sink is an append-only log file with an observable last-write time.
type Sink struct {
	f    *os.File
	path string
}

// Open creates the log file at path, creating parent directories as needed.
// An existing file is never clobbered: the sink gets a unique sibling name
// derived from the requested one instead. An empty path yields Discard().
func Open(path string) (*Sink, error) {
	if path == "" {
		return Discard()
	}

	dir, base := filepath.Split(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0644)
	if errors.Is(err, fs.ErrExist) {
		ext := filepath.Ext(base)
		f, err = os.CreateTemp(dir, strings.TrimSuffix(base, ext)+"-*"+ext)
	}
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}

	abs, err := filepath.Abs(f.Name())
	if err != nil {
		abs = f.Name()
	}
	return &Sink{f: f, path: abs}, nil
}

// Discard returns a sink on the null device.
func Discard() (*Sink, error) {
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	return &Sink{f: f, path: os.DevNull}, nil
}

// Name returns the absolute path of the log file.
func (s *Sink) Name() string {
	return s.path
}

// File returns the underlying file, for use as a child's stdout/stderr.
func (s *Sink) File() *os.File {
	return s.f
}

// Discarding reports whether output written to the sink is thrown away.
func (s *Sink) Discarding() bool {
	return s.path == os.DevNull
}

// ModTime returns the filesystem's last-modified time of the log file.
func (s *Sink) ModTime() (time.Time, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// Write appends p to the log. Used for tandem's own annotations.
func (s *Sink) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

func (s *Sink) Close() error {
	return s.f.Close()
}
