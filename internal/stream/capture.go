package stream

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrCaptureFailed is returned by a Capture told to fail its sends.
var ErrCaptureFailed = errors.New("capture send failed")

// Capture is an in-memory Channel that records what it is sent.
type Capture struct {
	mu       sync.Mutex
	lines    []string
	opened   bool
	failSend bool
	notify   chan string

	closed     atomic.Bool
	closeCalls atomic.Int32
	done       chan struct{}
	closeOnce  sync.Once
}

// NewCapture creates an empty Capture. Every sent line is also delivered on
// Received, which buffers up to 64 lines.
func NewCapture() *Capture {
	return &Capture{
		notify: make(chan string, 64),
		done:   make(chan struct{}),
	}
}

func (c *Capture) Open() error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

func (c *Capture) Send(line string) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	c.mu.Lock()
	if c.failSend {
		c.mu.Unlock()
		return ErrCaptureFailed
	}
	c.lines = append(c.lines, line)
	c.mu.Unlock()

	select {
	case c.notify <- line:
	default:
	}
	return nil
}

func (c *Capture) Close() error {
	c.closeCalls.Add(1)
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

func (c *Capture) Done() <-chan struct{} { return c.done }

// Disconnect simulates the client going away.
func (c *Capture) Disconnect() { c.Close() }

// FailSends makes every later Send fail.
func (c *Capture) FailSends() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = true
}

// Received delivers lines as they are sent.
func (c *Capture) Received() <-chan string { return c.notify }

// Lines returns every line sent so far.
func (c *Capture) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

// Opened reports whether Open was called.
func (c *Capture) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Closed reports whether the channel is closed.
func (c *Capture) Closed() bool { return c.closed.Load() }

// CloseCalls returns how many times Close was called.
func (c *Capture) CloseCalls() int { return int(c.closeCalls.Load()) }
