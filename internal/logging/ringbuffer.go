package logging

import (
	"bytes"
	"os"
	"sync"
)

// LineRing keeps the most recent log lines in memory. It implements
// io.Writer; every Write is stored as one line (slog handlers write one
// record per call) and the oldest line is overwritten once the ring is full.
type LineRing struct {
	mu    sync.Mutex
	lines [][]byte
	next  int
	full  bool
}

// NewLineRing creates a ring holding up to capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity <= 0 {
		capacity = 5000
	}
	return &LineRing{lines: make([][]byte, capacity)}
}

// Write implements io.Writer.
func (r *LineRing) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	stored := make([]byte, len(line))
	copy(stored, line)

	r.mu.Lock()
	r.lines[r.next] = stored
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
	return len(p), nil
}

// Len returns how many lines are currently held.
func (r *LineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Lines returns the held lines, oldest first.
func (r *LineRing) Lines() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([][]byte, r.next)
		copy(out, r.lines[:r.next])
		return out
	}
	out := make([][]byte, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// DumpToFile writes the held lines to path, newline separated.
func (r *LineRing) DumpToFile(path string) error {
	var buf bytes.Buffer
	for _, line := range r.Lines() {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
