package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
)

var (
	// ErrFlushUnsupported is returned when the response writer cannot flush.
	ErrFlushUnsupported = errors.New("response writer does not support flushing")

	// ErrNotOpen is returned by Send before Open.
	ErrNotOpen = errors.New("output channel not open")
)

// SSE is a Server-Sent Events channel over an HTTP response.
type SSE struct {
	w       http.ResponseWriter
	flusher http.Flusher

	// writeMu serialises writes to w and lets Serve wait for an in-flight one.
	writeMu sync.Mutex
	opened  bool
	closed  atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewSSE wraps w. Nothing is written until Open.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrFlushUnsupported
	}
	return &SSE{
		w:       w,
		flusher: flusher,
		done:    make(chan struct{}),
	}, nil
}

// Open writes the event-stream headers and flushes them immediately.
func (s *SSE) Open() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrChannelClosed
	}
	if s.opened {
		return nil
	}

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.flusher.Flush()
	s.opened = true
	return nil
}

// Send writes line as one event and flushes it.
func (s *SSE) Send(line string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return ErrChannelClosed
	}
	if !s.opened {
		return ErrNotOpen
	}
	if err := writeEvent(s.w, line); err != nil {
		s.Close()
		return fmt.Errorf("failed to write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}

// writeEvent frames a single line as an SSE data event.
func writeEvent(w io.Writer, line string) error {
	_, err := io.WriteString(w, "data: "+line+"\n\n")
	return err
}

// Close marks the channel closed. It does not wait for an in-flight Send.
func (s *SSE) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

func (s *SSE) Done() <-chan struct{} { return s.done }

// Serve blocks until the client goes away (ctx ends) or the channel is closed.
// When it returns no Send is in flight and none will touch the response again,
// so the HTTP handler may return.
func (s *SSE) Serve(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.Close()
	case <-s.done:
	}
	s.writeMu.Lock()
	s.writeMu.Unlock()
}
