package session

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
	"github.com/remote-agent-terminal/stdio-gateway/internal/process"
	"github.com/remote-agent-terminal/stdio-gateway/internal/stream"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestSession(id, userID string) (*Session, *process.Fake, *stream.Capture) {
	proc := process.NewFake(userID)
	ch := stream.NewCapture()
	return newSession(id, userID, userID, proc, ch, nil, testEpoch), proc, ch
}

func TestSession_TouchIsMonotonic(t *testing.T) {
	s, _, _ := newTestSession("s1", "u1")

	if !s.LastActivity().Equal(testEpoch) {
		t.Fatalf("expected initial activity %v, got %v", testEpoch, s.LastActivity())
	}

	later := testEpoch.Add(time.Minute)
	s.Touch(later)
	if !s.LastActivity().Equal(later) {
		t.Errorf("expected %v, got %v", later, s.LastActivity())
	}

	s.Touch(testEpoch.Add(time.Second))
	if !s.LastActivity().Equal(later) {
		t.Errorf("an earlier touch must be ignored, got %v", s.LastActivity())
	}
}

func TestSession_TouchProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("last activity is the latest touch", prop.ForAll(
		func(offsets []int64) bool {
			s, _, _ := newTestSession("s", "u")
			want := testEpoch
			for _, off := range offsets {
				at := testEpoch.Add(time.Duration(off) * time.Millisecond)
				s.Touch(at)
				if at.After(want) {
					want = at
				}
			}
			return s.LastActivity().Equal(want)
		},
		gen.SliceOf(gen.Int64Range(-1_000_000, 1_000_000)),
	))

	properties.TestingRun(t)
}

func TestSession_ReleaseOnce(t *testing.T) {
	s, proc, ch := newTestSession("s1", "u1")

	if s.EndReason() != "" || !s.EndedAt().IsZero() {
		t.Fatal("a live session has no end")
	}

	endedAt := testEpoch.Add(time.Hour)
	if !s.release(model.ReasonTimeout, endedAt) {
		t.Fatal("first release should report true")
	}
	if s.release(model.ReasonExited, testEpoch) {
		t.Error("second release should report false")
	}

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
	if s.EndReason() != model.ReasonTimeout {
		t.Errorf("expected reason timeout, got %s", s.EndReason())
	}
	if !s.EndedAt().Equal(endedAt) {
		t.Errorf("expected end %v, got %v", endedAt, s.EndedAt())
	}
	if proc.KillCalls() != 1 {
		t.Errorf("expected one kill, got %d", proc.KillCalls())
	}
	if ch.CloseCalls() != 1 {
		t.Errorf("expected one channel close, got %d", ch.CloseCalls())
	}
}

func TestSession_ReleaseSwallowsKillError(t *testing.T) {
	s, proc, ch := newTestSession("s1", "u1")
	proc.SetKillError(process.ErrWriteFailure)

	if !s.release(model.ReasonClientDisconnect, testEpoch) {
		t.Fatal("release should still succeed")
	}
	if !ch.Closed() {
		t.Error("channel should be closed even when kill fails")
	}
}
