package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/remote-agent-terminal/stdio-gateway/internal/logutil"
	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
	"github.com/remote-agent-terminal/stdio-gateway/internal/process"
	"github.com/remote-agent-terminal/stdio-gateway/internal/reaper"
	"github.com/remote-agent-terminal/stdio-gateway/internal/stream"
	"github.com/remote-agent-terminal/stdio-gateway/internal/transcript"
)

// Store persists session records. Failures are logged and never affect the
// live session.
type Store interface {
	Create(ctx context.Context, rec *model.SessionRecord) error
	MarkEnded(ctx context.Context, id string, reason model.Reason, endedAt time.Time) error
}

// Config holds configuration for the gateway.
type Config struct {
	Spawner process.Spawner

	// Store records session starts and ends. Optional.
	Store Store

	// Clock drives activity timestamps. Defaults to the real clock.
	Clock clockwork.Clock

	// Command is the command line recorded with each session.
	Command string

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// TranscriptDir, when set, receives one transcript file per session.
	TranscriptDir string

	// UserEnv names the environment variable carrying the user id into the
	// backing process. Empty disables it.
	UserEnv string
}

// Gateway connects users to backing processes.
type Gateway struct {
	spawner       process.Spawner
	store         Store
	clock         clockwork.Clock
	command       string
	maxSessions   int
	transcriptDir string
	userEnv       string

	registry *Registry
	closed   atomic.Bool
	pumps    sync.WaitGroup
}

// NewGateway creates a gateway.
func NewGateway(cfg Config) *Gateway {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	g := &Gateway{
		spawner:       cfg.Spawner,
		store:         cfg.Store,
		clock:         cfg.Clock,
		command:       cfg.Command,
		maxSessions:   cfg.MaxSessions,
		transcriptDir: cfg.TranscriptDir,
		userEnv:       cfg.UserEnv,
	}
	g.registry = NewRegistry(g.clock.Now)
	return g
}

// Connect starts a session for userID streaming to ch, replacing any session
// the user already has. ch is opened only once the backing process is running,
// so on error nothing has been written to it.
func (g *Gateway) Connect(ctx context.Context, userID string, ch stream.Channel) (*Session, error) {
	if userID == "" {
		return nil, model.ErrMissingIdentity
	}
	if g.closed.Load() {
		return nil, model.ErrGatewayClosed
	}
	if !g.registry.HasRoom(userID, g.maxSessions) {
		return nil, model.ErrCapacity
	}

	label := logutil.SanitizeForLog(userID)
	id := uuid.New().String()

	opts := process.SpawnOptions{Label: label}
	if g.userEnv != "" {
		opts.Env = []string{g.userEnv + "=" + userID}
	}

	proc, err := g.spawner.Spawn(ctx, opts)
	if err != nil {
		g.failSpawn(userID, label, id, ch, err)
		return nil, fmt.Errorf("%w: %v", model.ErrSpawnFailure, err)
	}

	var rec *transcript.Recorder
	if g.transcriptDir != "" {
		rec, err = transcript.Create(g.transcriptDir, userID, id)
		if err != nil {
			log.Printf("[%s] transcript disabled: %v", label, err)
			rec = nil
		}
	}

	s := newSession(id, userID, label, proc, ch, rec, g.clock.Now())
	g.recordStart(s)

	prev, err := g.registry.Register(s, g.maxSessions)
	if err != nil {
		reason := model.ReasonCapacity
		if errors.Is(err, model.ErrGatewayClosed) {
			reason = model.ReasonShutdown
		}
		s.release(reason, g.clock.Now())
		g.recordEnd(s)
		return nil, err
	}
	if prev != nil {
		g.finish(prev)
	}

	if err := ch.Open(); err != nil {
		g.End(s, model.ReasonClientDisconnect)
		return nil, fmt.Errorf("%w: %v", model.ErrTransportClosed, err)
	}

	log.Printf("[%s] session start (%s, pid %d)", label, s.ID, s.PID())

	g.pumps.Add(1)
	go g.pump(s)

	return s, nil
}

// failSpawn handles a process that never started. The user's previous
// session, if any, is gone too: it was replaced by the failed attempt.
func (g *Gateway) failSpawn(userID, label, id string, ch stream.Channel, err error) {
	log.Printf("[%s] failed to spawn process: %v", label, err)

	if prev := g.registry.Remove(userID, model.ReasonReconnect); prev != nil {
		g.finish(prev)
	}
	if err := ch.Close(); err != nil {
		log.Printf("[%s] failed to close output channel: %v", label, err)
	}

	log.Printf("[%s] session end (%s)", label, model.ReasonSpawnError)
	if g.store == nil {
		return
	}
	now := g.clock.Now()
	record := &model.SessionRecord{
		ID:        id,
		UserID:    userID,
		Command:   g.command,
		Status:    model.SessionStatusRunning,
		StartedAt: now,
	}
	ctx := context.Background()
	if err := g.store.Create(ctx, record); err != nil {
		log.Printf("[%s] failed to record session: %v", label, err)
		return
	}
	if err := g.store.MarkEnded(ctx, id, model.ReasonSpawnError, now); err != nil {
		log.Printf("[%s] failed to record session end: %v", label, err)
	}
}

// pump forwards process output to the channel until either side ends.
func (g *Gateway) pump(s *Session) {
	defer g.pumps.Done()

	lines := s.proc.Lines()
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				g.End(s, model.ReasonExited)
				return
			}
			if err := s.channel.Send(line); err != nil {
				g.End(s, model.ReasonClientDisconnect)
				return
			}
			s.Touch(g.clock.Now())
			s.recordOutput(line)
		case <-s.channel.Done():
			g.End(s, model.ReasonClientDisconnect)
			return
		case <-s.done:
			return
		}
	}
}

// Send writes payload to the user's backing process as one compact JSON line.
// A user without a session gets model.ErrNoSuchSession whatever the payload.
func (g *Gateway) Send(userID string, payload json.RawMessage) error {
	if userID == "" {
		return model.ErrMissingIdentity
	}

	s, ok := g.registry.Lookup(userID)
	if !ok {
		return model.ErrNoSuchSession
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}
	return g.deliver(s, buf.String())
}

// SendTo is Send bound to one session instance: once s has ended it fails
// with model.ErrNoSuchSession even if the user has reconnected.
func (g *Gateway) SendTo(s *Session, payload json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidPayload, err)
	}

	if s.ending.Load() {
		return model.ErrNoSuchSession
	}
	return g.deliver(s, buf.String())
}

func (g *Gateway) deliver(s *Session, line string) error {
	if err := s.proc.WriteLine(line); err != nil {
		log.Printf("[%s] write error: %v", s.label, err)
		g.End(s, model.ReasonWriteFailure)
		return fmt.Errorf("%w: %v", model.ErrDeliveryFailed, err)
	}

	s.Touch(g.clock.Now())
	s.recordInput(line)
	return nil
}

// Disconnect ends the user's session, if any.
func (g *Gateway) Disconnect(userID string) error {
	if userID == "" {
		return model.ErrMissingIdentity
	}
	g.Teardown(userID, model.ReasonClientDisconnect)
	return nil
}

// Teardown ends whatever session userID has. It is a no-op when there is none.
func (g *Gateway) Teardown(userID string, reason model.Reason) {
	if s := g.registry.Remove(userID, reason); s != nil {
		g.finish(s)
	}
}

// End ends s if it has not ended yet. A newer session of the same user is not
// affected.
func (g *Gateway) End(s *Session, reason model.Reason) {
	if g.registry.RemoveIf(s, reason) {
		g.finish(s)
	}
}

// Lookup returns the user's live session.
func (g *Gateway) Lookup(userID string) (*Session, bool) {
	return g.registry.Lookup(userID)
}

// Health returns the number of live sessions.
func (g *Gateway) Health() int {
	return g.registry.Size()
}

// Sessions returns the live sessions.
func (g *Gateway) Sessions() []*Session {
	return g.registry.Snapshot()
}

// Entries lists live sessions for the idle reaper.
func (g *Gateway) Entries() []reaper.Entry {
	sessions := g.registry.Snapshot()
	entries := make([]reaper.Entry, len(sessions))
	for i, s := range sessions {
		entries[i] = idleEntry{gateway: g, session: s}
	}
	return entries
}

// Close ends every session with reason shutdown and waits for their pumps
// until ctx ends. Later connects fail with model.ErrGatewayClosed.
func (g *Gateway) Close(ctx context.Context) error {
	if g.closed.CompareAndSwap(false, true) {
		for _, s := range g.registry.Close(model.ReasonShutdown) {
			g.finish(s)
		}
	}

	drained := make(chan struct{})
	go func() {
		g.pumps.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to drain session pumps: %w", ctx.Err())
	}
}

func (g *Gateway) finish(s *Session) {
	log.Printf("[%s] session end (%s)", s.label, s.EndReason())
	g.recordEnd(s)
}

func (g *Gateway) recordStart(s *Session) {
	if g.store == nil {
		return
	}

	record := &model.SessionRecord{
		ID:             s.ID,
		UserID:         s.UserID,
		Command:        g.command,
		Status:         model.SessionStatusRunning,
		TranscriptPath: s.TranscriptPath(),
		StartedAt:      s.StartedAt,
	}
	if pid := s.PID(); pid > 0 {
		record.PID = &pid
	}
	if err := g.store.Create(context.Background(), record); err != nil {
		log.Printf("[%s] failed to record session: %v", s.label, err)
	}
}

func (g *Gateway) recordEnd(s *Session) {
	if g.store == nil {
		return
	}
	if err := g.store.MarkEnded(context.Background(), s.ID, s.EndReason(), s.EndedAt()); err != nil {
		log.Printf("[%s] failed to record session end: %v", s.label, err)
	}
}

// idleEntry lets the reaper expire one session instance.
type idleEntry struct {
	gateway *Gateway
	session *Session
}

func (e idleEntry) LastActivity() time.Time { return e.session.LastActivity() }

func (e idleEntry) Expire() { e.gateway.End(e.session, model.ReasonTimeout) }
