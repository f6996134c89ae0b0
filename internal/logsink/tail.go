package logsink

import (
	"bufio"
	"fmt"
	"os"
)

// Tail returns the last n lines of the file at path, oldest first.
// A missing trailing newline still counts as a line.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	defer f.Close()

	r := newRing(n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		r.add(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log %s: %w", path, err)
	}
	return r.lines(), nil
}

// ring keeps the last size lines it was given.
type ring struct {
	buf  []string
	size int
	pos  int
	full bool
}

func newRing(n int) *ring {
	return &ring{buf: make([]string, n), size: n}
}

func (r *ring) add(line string) {
	r.buf[r.pos] = line
	r.pos = (r.pos + 1) % r.size
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring) lines() []string {
	if !r.full {
		out := make([]string, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]string, r.size)
	copy(out, r.buf[r.pos:])
	copy(out[r.size-r.pos:], r.buf[:r.pos])
	return out
}
