package session

import (
	"sync"
	"time"

	"github.com/remote-agent-terminal/stdio-gateway/internal/model"
)

// Registry holds at most one live Session per user.
//
// A session is removed and claimed inside one critical section, so a
// replacement never becomes visible next to its predecessor and exactly one
// caller tears it down. The teardown itself runs after the lock is dropped.
// Done closes once it has finished.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	now      func() time.Time
}

// NewRegistry creates an empty registry. now stamps release times.
func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		sessions: make(map[string]*Session),
		now:      now,
	}
}

// Register inserts s. A prior session of the same user is released with reason
// reconnect and returned. When limit is positive and s belongs to a user with
// no live session, Register fails with model.ErrCapacity once limit sessions
// are live.
func (r *Registry) Register(s *Session, limit int) (*Session, error) {
	r.mu.Lock()

	if r.closed {
		r.mu.Unlock()
		return nil, model.ErrGatewayClosed
	}

	prev, exists := r.sessions[s.UserID]
	if !exists && limit > 0 && len(r.sessions) >= limit {
		r.mu.Unlock()
		return nil, model.ErrCapacity
	}

	claimed := exists && prev.claim(model.ReasonReconnect, r.now())
	r.sessions[s.UserID] = s
	r.mu.Unlock()

	if claimed {
		prev.teardown()
	}
	return prev, nil
}

// HasRoom reports whether a session for userID would currently be accepted.
func (r *Registry) HasRoom(userID string, limit int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return false
	}
	if _, exists := r.sessions[userID]; exists || limit <= 0 {
		return true
	}
	return len(r.sessions) < limit
}

// Lookup returns the live session for userID.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[userID]
	return s, ok
}

// Remove releases and removes the session for userID. It returns the session
// when this call released it, nil when there was nothing to do.
func (r *Registry) Remove(userID string, reason model.Reason) *Session {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.sessions, userID)
	claimed := s.claim(reason, r.now())
	r.mu.Unlock()

	if !claimed {
		return nil
	}
	s.teardown()
	return s
}

// RemoveIf releases s and removes it only while it is still the live session
// of its user; a successor registered under the same user is left alone. It
// reports whether this call released s.
func (r *Registry) RemoveIf(s *Session, reason model.Reason) bool {
	r.mu.Lock()
	if cur, ok := r.sessions[s.UserID]; ok && cur == s {
		delete(r.sessions, s.UserID)
	}
	claimed := s.claim(reason, r.now())
	r.mu.Unlock()

	if claimed {
		s.teardown()
	}
	return claimed
}

// Size returns the number of live sessions.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions at the time of the call.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Close releases every session with reason and refuses later registrations.
// It returns the sessions it released.
func (r *Registry) Close(reason model.Reason) []*Session {
	r.mu.Lock()
	r.closed = true
	var released []*Session
	for id, s := range r.sessions {
		delete(r.sessions, id)
		if s.claim(reason, r.now()) {
			released = append(released, s)
		}
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range released {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.teardown()
		}(s)
	}
	wg.Wait()
	return released
}
