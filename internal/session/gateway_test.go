package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/stdio-gateway/internal/db"
	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
	"github.com/remote-agent-terminal/stdio-gateway/internal/process"
	"github.com/remote-agent-terminal/stdio-gateway/internal/reaper"
	"github.com/remote-agent-terminal/stdio-gateway/internal/repository"
	"github.com/remote-agent-terminal/stdio-gateway/internal/stream"
	"github.com/remote-agent-terminal/stdio-gateway/internal/transcript"
)

const waitTimeout = 2 * time.Second

type testGateway struct {
	*Gateway
	launcher *process.FakeLauncher
	clock    clockwork.FakeClock
	repo     *repository.SessionRepository
}

func setupTestGateway(t *testing.T, mutate func(*Config)) *testGateway {
	t.Helper()

	database, err := db.NewTestDB()
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}

	launcher := process.NewFakeLauncher()
	clock := clockwork.NewFakeClockAt(testEpoch)
	repo := repository.NewSessionRepository(database)

	cfg := Config{
		Spawner: launcher,
		Store:   repo,
		Clock:   clock,
		Command: "node dist/index.js",
	}
	if mutate != nil {
		mutate(&cfg)
	}

	g := NewGateway(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		g.Close(ctx)
		database.Close()
	})

	return &testGateway{Gateway: g, launcher: launcher, clock: clock, repo: repo}
}

func (tg *testGateway) connect(t *testing.T, userID string) (*Session, *process.Fake, *stream.Capture) {
	t.Helper()

	ch := stream.NewCapture()
	s, err := tg.Connect(context.Background(), userID, ch)
	if err != nil {
		t.Fatalf("connect %s failed: %v", userID, err)
	}
	return s, tg.launcher.Last(), ch
}

func waitEnded(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session %s did not end", s.ID)
	}
}

func receive(t *testing.T, ch *stream.Capture) string {
	t.Helper()
	select {
	case line := <-ch.Received():
		return line
	case <-time.After(waitTimeout):
		t.Fatal("no line received")
		return ""
	}
}

func (tg *testGateway) endReason(t *testing.T, id string) model.Reason {
	t.Helper()
	rec, err := tg.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get record %s: %v", id, err)
	}
	return rec.EndReason
}

func TestGateway_ConnectRequiresIdentity(t *testing.T) {
	g := setupTestGateway(t, nil)

	ch := stream.NewCapture()
	if _, err := g.Connect(context.Background(), "", ch); !errors.Is(err, model.ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity, got %v", err)
	}
	if len(g.launcher.Spawned()) != 0 {
		t.Error("no process should be spawned")
	}
	if ch.Opened() {
		t.Error("channel should not be opened")
	}
}

func TestGateway_StreamsOutputInOrder(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, ch := g.connect(t, "u1")

	if !ch.Opened() {
		t.Fatal("channel should be opened on connect")
	}
	if g.Health() != 1 {
		t.Errorf("expected 1 session, got %d", g.Health())
	}
	if proc.Label() != "u1" {
		t.Errorf("expected process label u1, got %q", proc.Label())
	}

	go proc.Emit("{\"x\":1}\n\n   \n{\"x\":2}\r\n{\"x\":3}")

	for _, want := range []string{`{"x":1}`, `{"x":2}`, `{"x":3}`} {
		if got := receive(t, ch); got != want {
			t.Errorf("expected %s, got %s", want, got)
		}
	}

	rec, err := g.repo.GetByID(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("session should be recorded: %v", err)
	}
	if rec.UserID != "u1" || rec.Status != model.SessionStatusRunning || rec.Command != "node dist/index.js" {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestGateway_OutputTouchesActivity(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, ch := g.connect(t, "u1")

	g.clock.Advance(5 * time.Minute)
	go proc.Emit("{}\n")
	receive(t, ch)

	deadline := time.Now().Add(waitTimeout)
	for !s.LastActivity().Equal(testEpoch.Add(5 * time.Minute)) {
		if time.Now().After(deadline) {
			t.Fatalf("activity not touched, still %v", s.LastActivity())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGateway_ReconnectReplacesSession(t *testing.T) {
	g := setupTestGateway(t, nil)
	first, firstProc, firstCh := g.connect(t, "u1")
	second, secondProc, _ := g.connect(t, "u1")

	waitEnded(t, first)

	if first.EndReason() != model.ReasonReconnect {
		t.Errorf("expected reason reconnect, got %q", first.EndReason())
	}
	if firstProc.KillCalls() != 1 {
		t.Errorf("old process should be killed exactly once, got %d", firstProc.KillCalls())
	}
	if firstCh.CloseCalls() != 1 {
		t.Errorf("old channel should be closed exactly once, got %d", firstCh.CloseCalls())
	}
	if secondProc.KillCalls() != 0 {
		t.Error("new process must stay alive")
	}

	if got, ok := g.Lookup("u1"); !ok || got != second {
		t.Error("lookup should return the new session")
	}
	if g.Health() != 1 {
		t.Errorf("expected 1 session, got %d", g.Health())
	}
	if first.ID == second.ID {
		t.Error("each connect should get a new instance id")
	}
	if r := g.endReason(t, first.ID); r != model.ReasonReconnect {
		t.Errorf("expected recorded reason reconnect, got %q", r)
	}
}

func TestGateway_StaleTriggersKeepSuccessor(t *testing.T) {
	g := setupTestGateway(t, nil)
	first, firstProc, firstCh := g.connect(t, "u1")
	second, _, _ := g.connect(t, "u1")

	// Late exit and transport close of the replaced instance.
	firstProc.Exit(nil)
	firstCh.Disconnect()
	g.End(first, model.ReasonTimeout)

	if got, ok := g.Lookup("u1"); !ok || got != second {
		t.Fatal("the successor must survive stale triggers")
	}
	if first.EndReason() != model.ReasonReconnect {
		t.Errorf("the first reason should stick, got %q", first.EndReason())
	}
}

func TestGateway_Send(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, _ := g.connect(t, "u1")

	g.clock.Advance(time.Minute)
	if err := g.Send("u1", json.RawMessage(`{ "method" : "a",
		"params": [1, 2] }`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	g.Send("u1", json.RawMessage(`{"method":"b"}`))

	written := proc.Written()
	if len(written) != 2 || written[0] != `{"method":"a","params":[1,2]}` || written[1] != `{"method":"b"}` {
		t.Errorf("unexpected writes %q", written)
	}
	if !s.LastActivity().Equal(testEpoch.Add(time.Minute)) {
		t.Errorf("send should touch activity, got %v", s.LastActivity())
	}

	tests := []struct {
		name    string
		userID  string
		payload string
		wantErr error
	}{
		{"missing identity", "", `{}`, model.ErrMissingIdentity},
		{"invalid json", "u1", `{"a":`, model.ErrInvalidPayload},
		{"empty body", "u1", ``, model.ErrInvalidPayload},
		{"no session", "u2", `{}`, model.ErrNoSuchSession},
		{"invalid json without session", "u2", `{"a":`, model.ErrNoSuchSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := g.Send(tt.userID, json.RawMessage(tt.payload)); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
	if g.Health() != 1 {
		t.Error("rejected sends must not end the session")
	}
}

func TestGateway_SendToBoundInstance(t *testing.T) {
	g := setupTestGateway(t, nil)
	old, oldProc, _ := g.connect(t, "u1")

	if err := g.SendTo(old, json.RawMessage(`{ "a": 1 }`)); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if err := g.SendTo(old, json.RawMessage(`nope`)); !errors.Is(err, model.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}

	_, newProc, _ := g.connect(t, "u1")
	waitEnded(t, old)

	if err := g.SendTo(old, json.RawMessage(`{"b":2}`)); !errors.Is(err, model.ErrNoSuchSession) {
		t.Errorf("expected ErrNoSuchSession for a replaced session, got %v", err)
	}
	if w := oldProc.Written(); len(w) != 1 || w[0] != `{"a":1}` {
		t.Errorf("unexpected writes to the old process %q", w)
	}
	if len(newProc.Written()) != 0 {
		t.Error("frames for a replaced session must not reach its successor")
	}
}

func TestGateway_WriteFailureTearsDown(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, ch := g.connect(t, "u1")

	proc.FailWrites(errors.New("broken pipe"))

	if err := g.Send("u1", json.RawMessage(`{}`)); !errors.Is(err, model.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	if s.EndReason() != model.ReasonWriteFailure {
		t.Errorf("expected reason write-failure, got %q", s.EndReason())
	}
	if !ch.Closed() || proc.KillCalls() != 1 {
		t.Error("session resources should be released")
	}
	if err := g.Send("u1", json.RawMessage(`{}`)); !errors.Is(err, model.ErrNoSuchSession) {
		t.Errorf("expected ErrNoSuchSession after teardown, got %v", err)
	}
}

func TestGateway_SpawnFailure(t *testing.T) {
	g := setupTestGateway(t, nil)
	prev, prevProc, _ := g.connect(t, "u1")

	g.launcher.FailSpawns(errors.New("no such file"))

	ch := stream.NewCapture()
	_, err := g.Connect(context.Background(), "u1", ch)
	if !errors.Is(err, model.ErrSpawnFailure) {
		t.Fatalf("expected ErrSpawnFailure, got %v", err)
	}
	if ch.Opened() {
		t.Error("channel must not be opened when the spawn fails")
	}
	if !ch.Closed() {
		t.Error("channel should be closed")
	}
	if g.Health() != 0 {
		t.Errorf("expected no sessions, got %d", g.Health())
	}

	waitEnded(t, prev)
	if prevProc.KillCalls() != 1 || prev.EndReason() != model.ReasonReconnect {
		t.Errorf("previous session should be replaced, kills=%d reason=%q", prevProc.KillCalls(), prev.EndReason())
	}

	records, _ := g.repo.ListByUser(context.Background(), "u1", 0)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].EndReason != model.ReasonSpawnError {
		t.Errorf("expected spawn-error record, got %q", records[0].EndReason)
	}
}

func TestGateway_ProcessExit(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, ch := g.connect(t, "u1")

	proc.Exit(errors.New("exit status 1"))
	waitEnded(t, s)

	if s.EndReason() != model.ReasonExited {
		t.Errorf("expected reason exited, got %q", s.EndReason())
	}
	if !ch.Closed() {
		t.Error("channel should be closed when the process exits")
	}
	if g.Health() != 0 {
		t.Errorf("expected no sessions, got %d", g.Health())
	}
	if r := g.endReason(t, s.ID); r != model.ReasonExited {
		t.Errorf("expected recorded reason exited, got %q", r)
	}
}

func TestGateway_ClientDisconnect(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, ch := g.connect(t, "u1")

	ch.Disconnect()
	waitEnded(t, s)

	if s.EndReason() != model.ReasonClientDisconnect {
		t.Errorf("expected reason client-disconnect, got %q", s.EndReason())
	}
	if proc.KillCalls() != 1 {
		t.Errorf("process should be terminated once, got %d", proc.KillCalls())
	}
	if _, ok := g.Lookup("u1"); ok {
		t.Error("session should be removed")
	}
}

func TestGateway_SendFailureOnChannel(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, ch := g.connect(t, "u1")

	ch.FailSends()
	go proc.Emit("{}\n")
	waitEnded(t, s)

	if s.EndReason() != model.ReasonClientDisconnect {
		t.Errorf("expected reason client-disconnect, got %q", s.EndReason())
	}
}

func TestGateway_Disconnect(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, _, _ := g.connect(t, "u1")

	if err := g.Disconnect(""); !errors.Is(err, model.ErrMissingIdentity) {
		t.Errorf("expected ErrMissingIdentity, got %v", err)
	}
	if err := g.Disconnect("u1"); err != nil {
		t.Fatalf("disconnect failed: %v", err)
	}
	if err := g.Disconnect("u1"); err != nil {
		t.Errorf("second disconnect should be a no-op, got %v", err)
	}
	if s.EndReason() != model.ReasonClientDisconnect {
		t.Errorf("expected reason client-disconnect, got %q", s.EndReason())
	}
}

// stallingChannel blocks in Close until released, like a peer that stops
// reading during the close handshake.
type stallingChannel struct {
	*stream.Capture
	entered     chan struct{}
	enteredOnce sync.Once
	release     chan struct{}
}

func (c *stallingChannel) Close() error {
	c.enteredOnce.Do(func() { close(c.entered) })
	<-c.release
	return c.Capture.Close()
}

func TestGateway_SlowCloseDoesNotBlockOthers(t *testing.T) {
	g := setupTestGateway(t, nil)
	ch := &stallingChannel{
		Capture: stream.NewCapture(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(ch.release) }) }
	t.Cleanup(unblock)

	slow, err := g.Connect(context.Background(), "slow", ch)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	_, otherProc, _ := g.connect(t, "other")

	go g.Teardown("slow", model.ReasonTimeout)
	select {
	case <-ch.entered:
	case <-time.After(waitTimeout):
		t.Fatal("teardown never reached the channel")
	}

	done := make(chan int, 1)
	go func() { done <- g.Health() }()
	select {
	case n := <-done:
		if n != 1 {
			t.Errorf("expected only the other session to be live, got %d", n)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("health blocked while another session was closing")
	}

	if err := g.Send("other", json.RawMessage(`{}`)); err != nil {
		t.Errorf("send to an unrelated session failed: %v", err)
	}
	if len(otherProc.Written()) != 1 {
		t.Error("the unrelated session should keep making progress")
	}

	unblock()
	waitEnded(t, slow)
	if slow.EndReason() != model.ReasonTimeout {
		t.Errorf("expected reason timeout, got %q", slow.EndReason())
	}
}

func TestGateway_Capacity(t *testing.T) {
	g := setupTestGateway(t, func(cfg *Config) { cfg.MaxSessions = 1 })
	g.connect(t, "u1")

	if _, err := g.Connect(context.Background(), "u2", stream.NewCapture()); !errors.Is(err, model.ErrCapacity) {
		t.Errorf("expected ErrCapacity, got %v", err)
	}
	if len(g.launcher.Spawned()) != 1 {
		t.Error("no process should be spawned when full")
	}

	g.connect(t, "u1")
	if g.Health() != 1 {
		t.Errorf("expected 1 session, got %d", g.Health())
	}
}

func TestGateway_Close(t *testing.T) {
	g := setupTestGateway(t, nil)
	a, _, _ := g.connect(t, "u1")
	b, _, _ := g.connect(t, "u2")

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := g.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	for _, s := range []*Session{a, b} {
		if s.EndReason() != model.ReasonShutdown {
			t.Errorf("expected reason shutdown, got %q", s.EndReason())
		}
	}
	if g.Health() != 0 {
		t.Errorf("expected no sessions, got %d", g.Health())
	}
	if _, err := g.Connect(context.Background(), "u3", stream.NewCapture()); !errors.Is(err, model.ErrGatewayClosed) {
		t.Errorf("expected ErrGatewayClosed, got %v", err)
	}
	if err := g.Close(ctx); err != nil {
		t.Errorf("second close should succeed, got %v", err)
	}
	if n, _ := g.repo.CountRunning(context.Background()); n != 0 {
		t.Errorf("expected all records ended, got %d running", n)
	}
}

func TestGateway_Transcript(t *testing.T) {
	dir := t.TempDir()
	g := setupTestGateway(t, func(cfg *Config) { cfg.TranscriptDir = dir })
	s, proc, ch := g.connect(t, "u1")

	if s.TranscriptPath() != transcript.Path(dir, s.ID) {
		t.Errorf("unexpected transcript path %q", s.TranscriptPath())
	}

	g.Send("u1", json.RawMessage(`{"in":1}`))
	go proc.Emit(`{"out":1}` + "\n")
	receive(t, ch)

	// The pump records after sending; wait for the event before closing.
	deadline := time.Now().Add(waitTimeout)
	for {
		_, events, _ := transcript.ReadFile(s.TranscriptPath())
		if len(events) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 events, got %d", len(events))
		}
		time.Sleep(5 * time.Millisecond)
	}

	g.Disconnect("u1")

	header, events, err := transcript.ReadFile(s.TranscriptPath())
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if header.User != "u1" || header.Session != s.ID {
		t.Errorf("unexpected header %+v", header)
	}
	if events[0].Kind != transcript.KindInput || events[0].Line != `{"in":1}` {
		t.Errorf("unexpected input event %+v", events[0])
	}
	if events[1].Kind != transcript.KindOutput || events[1].Line != `{"out":1}` {
		t.Errorf("unexpected output event %+v", events[1])
	}

	rec, _ := g.repo.GetByID(context.Background(), s.ID)
	if rec.TranscriptPath != s.TranscriptPath() {
		t.Errorf("record should carry the transcript path, got %q", rec.TranscriptPath)
	}
}

func TestGateway_UserEnv(t *testing.T) {
	var got process.SpawnOptions
	spawner := spawnerFunc(func(ctx context.Context, opts process.SpawnOptions) (process.Adapter, error) {
		got = opts
		return process.NewFake(opts.Label), nil
	})
	g := setupTestGateway(t, func(cfg *Config) {
		cfg.Spawner = spawner
		cfg.UserEnv = "GATEWAY_USER_ID"
	})

	if _, err := g.Connect(context.Background(), "u\n1", stream.NewCapture()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if len(got.Env) != 1 || got.Env[0] != "GATEWAY_USER_ID=u\n1" {
		t.Errorf("unexpected env %q", got.Env)
	}
	if got.Label != "u 1" {
		t.Errorf("label should be sanitized, got %q", got.Label)
	}
}

type spawnerFunc func(ctx context.Context, opts process.SpawnOptions) (process.Adapter, error)

func (f spawnerFunc) Spawn(ctx context.Context, opts process.SpawnOptions) (process.Adapter, error) {
	return f(ctx, opts)
}

// An idle session is still present after the fifteenth reaper tick and gone
// after the sixteenth.
func TestGateway_IdleSessionReaped(t *testing.T) {
	g := setupTestGateway(t, nil)

	sweeps := make(chan int, 1)
	r := reaper.New(g, reaper.Config{
		Interval:  time.Minute,
		Threshold: 15 * time.Minute,
		Clock:     g.clock,
		OnSweep:   func(n int) { sweeps <- n },
	})
	r.Start(context.Background())
	defer r.Stop()

	s, proc, _ := g.connect(t, "u2")

	for tick := 1; tick <= 15; tick++ {
		g.clock.Advance(time.Minute)
		<-sweeps
	}
	if g.Health() != 1 {
		t.Fatalf("session should be present before the threshold passes, got %d", g.Health())
	}

	g.clock.Advance(time.Minute)
	if n := <-sweeps; n != 1 {
		t.Errorf("expected 1 reaped, got %d", n)
	}
	if g.Health() != 0 {
		t.Errorf("session should be gone after the next tick, got %d", g.Health())
	}
	if s.EndReason() != model.ReasonTimeout || proc.KillCalls() != 1 {
		t.Errorf("expected timeout teardown, reason=%q kills=%d", s.EndReason(), proc.KillCalls())
	}
}

func TestGateway_EndToEnd(t *testing.T) {
	g := setupTestGateway(t, nil)
	s, proc, ch := g.connect(t, "u1")

	go proc.Emit(`{"x":1}` + "\n")
	if got := receive(t, ch); got != `{"x":1}` {
		t.Errorf("unexpected line %q", got)
	}

	ch.Disconnect()
	waitEnded(t, s)

	if _, ok := g.Lookup("u1"); ok {
		t.Error("session u1 should be removed")
	}
	select {
	case <-proc.Done():
	case <-time.After(waitTimeout):
		t.Error("process should be terminated")
	}
}

// Concurrent connects and disconnects never leave two sessions for one user,
// and every process not owned by a live session is killed exactly once.
func TestGateway_ConcurrentConnectProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("single live session per user", prop.ForAll(
		func(ops []int) bool {
			g := NewGateway(Config{Spawner: process.NewFakeLauncher()})
			launcher := g.spawner.(*process.FakeLauncher)

			var wg sync.WaitGroup
			for _, op := range ops {
				wg.Add(1)
				go func(op int) {
					defer wg.Done()
					user := fmt.Sprintf("u%d", op%3)
					if op >= 3 {
						g.Disconnect(user)
						return
					}
					g.Connect(context.Background(), user, stream.NewCapture())
				}(op)
			}
			wg.Wait()

			live := g.Sessions()
			seen := map[string]bool{}
			for _, s := range live {
				if seen[s.UserID] {
					return false
				}
				seen[s.UserID] = true
			}

			killed := 0
			for _, f := range launcher.Spawned() {
				if f.KillCalls() > 1 {
					return false
				}
				killed += f.KillCalls()
			}
			ok := killed == len(launcher.Spawned())-len(live)

			ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
			defer cancel()
			g.Close(ctx)
			return ok
		},
		gen.SliceOf(gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}
