// Package buffer provides a bounded line buffer for diagnostic output.
package buffer

import (
	"sync"
)

// LineRing is a thread-safe circular buffer holding the most recent lines
// up to a fixed capacity. When full, the oldest line is overwritten.
//
// It keeps the tail of a backing process's diagnostic stream so the last
// few lines can be reported when the process exits abnormally.
type LineRing struct {
	lines []string
	next  int
	full  bool
	mu    sync.RWMutex
}

// NewLineRing creates a LineRing holding at most capacity lines.
// A capacity below 1 defaults to 1.
func NewLineRing(capacity int) *LineRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &LineRing{
		lines: make([]string, capacity),
	}
}

// Add appends a line, discarding the oldest one if the ring is full.
func (r *LineRing) Add(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = line
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
}

// Lines returns a copy of the buffered lines, oldest first.
func (r *LineRing) Lines() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.full {
		if r.next == 0 {
			return nil
		}
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}

	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Len returns the number of buffered lines.
func (r *LineRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.full {
		return len(r.lines)
	}
	return r.next
}

// Cap returns the capacity of the ring.
func (r *LineRing) Cap() int {
	return len(r.lines)
}

// Reset drops all buffered lines.
func (r *LineRing) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.lines {
		r.lines[i] = ""
	}
	r.next = 0
	r.full = false
}
