package session

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
	"github.com/remote-agent-terminal/stdio-gateway/internal/process"
	"github.com/remote-agent-terminal/stdio-gateway/internal/stream"
	"github.com/remote-agent-terminal/stdio-gateway/internal/transcript"
)

// Session binds one user to one backing process and one output channel.
type Session struct {
	// ID identifies this instance. A reconnecting user gets a new ID.
	ID        string
	UserID    string
	StartedAt time.Time

	label      string
	proc       process.Adapter
	channel    stream.Channel
	transcript *transcript.Recorder

	// lastActivity holds unix nanoseconds and only moves forward.
	lastActivity atomic.Int64

	releaseOnce sync.Once
	ending      atomic.Bool
	reason      model.Reason
	endedAt     time.Time
	done        chan struct{}
}

func newSession(id, userID, label string, proc process.Adapter, ch stream.Channel, rec *transcript.Recorder, now time.Time) *Session {
	s := &Session{
		ID:         id,
		UserID:     userID,
		StartedAt:  now,
		label:      label,
		proc:       proc,
		channel:    ch,
		transcript: rec,
		done:       make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	return s
}

// Touch records activity at t. Times earlier than the current value are ignored.
func (s *Session) Touch(t time.Time) {
	n := t.UnixNano()
	for {
		cur := s.lastActivity.Load()
		if n <= cur || s.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

// LastActivity returns the time of the most recent inbound or outbound line.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// PID returns the backing process id.
func (s *Session) PID() int { return s.proc.PID() }

// Done is closed once the session has been released.
func (s *Session) Done() <-chan struct{} { return s.done }

// EndReason reports why the session ended. It is empty until Done is closed.
func (s *Session) EndReason() model.Reason {
	select {
	case <-s.done:
		return s.reason
	default:
		return ""
	}
}

// EndedAt returns when the session was released, or the zero time.
func (s *Session) EndedAt() time.Time {
	select {
	case <-s.done:
		return s.endedAt
	default:
		return time.Time{}
	}
}

// TranscriptPath returns the transcript file, or "" when none is kept.
func (s *Session) TranscriptPath() string {
	if s.transcript == nil {
		return ""
	}
	return s.transcript.Path()
}

// release claims s with reason and tears it down. Only the first call does
// anything; it reports whether this call was that one.
func (s *Session) release(reason model.Reason, now time.Time) bool {
	if !s.claim(reason, now) {
		return false
	}
	s.teardown()
	return true
}

// claim marks s as ending. It only succeeds once and does no I/O, so it may
// run under the registry lock; the winner must call teardown afterwards.
func (s *Session) claim(reason model.Reason, now time.Time) bool {
	claimed := false
	s.releaseOnce.Do(func() {
		claimed = true
		s.reason = reason
		s.endedAt = now
		s.ending.Store(true)
	})
	return claimed
}

// teardown terminates the process and closes the channel and transcript, then
// closes Done. Failures are logged, never returned.
func (s *Session) teardown() {
	if err := s.proc.Kill(); err != nil {
		log.Printf("[%s] failed to kill process: %v", s.label, err)
	}
	if err := s.channel.Close(); err != nil {
		log.Printf("[%s] failed to close output channel: %v", s.label, err)
	}
	if s.transcript != nil {
		if err := s.transcript.Close(); err != nil {
			log.Printf("[%s] failed to close transcript: %v", s.label, err)
		}
	}
	close(s.done)
}

func (s *Session) recordInput(line string) {
	if s.transcript != nil {
		s.logTranscriptErr(s.transcript.Input(line))
	}
}

func (s *Session) recordOutput(line string) {
	if s.transcript != nil {
		s.logTranscriptErr(s.transcript.Output(line))
	}
}

func (s *Session) logTranscriptErr(err error) {
	if err != nil && !errors.Is(err, transcript.ErrClosed) {
		log.Printf("[%s] failed to write transcript: %v", s.label, err)
	}
}
