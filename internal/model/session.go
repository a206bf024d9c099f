package model

import (
	"time"
)

// Reason says why a session was torn down.
type Reason string

const (
	ReasonReconnect        Reason = "reconnect"
	ReasonExited           Reason = "exited"
	ReasonSpawnError       Reason = "spawn-error"
	ReasonClientDisconnect Reason = "client-disconnect"
	ReasonTimeout          Reason = "timeout"
	ReasonWriteFailure     Reason = "write-failure"
	ReasonShutdown         Reason = "shutdown"
	ReasonCapacity         Reason = "capacity"
)

// SessionStatus represents the status of a persisted session record.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	SessionStatusEnded   SessionStatus = "ended"
)

// SessionRecord is the persisted trace of one session instance.
// A user reconnecting produces a new record; records are never reused.
type SessionRecord struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	Command        string        `json:"command"`
	PID            *int          `json:"pid,omitempty"`
	Status         SessionStatus `json:"status"`
	EndReason      Reason        `json:"endReason,omitempty"`
	TranscriptPath string        `json:"transcriptPath,omitempty"`
	StartedAt      time.Time     `json:"startedAt"`
	EndedAt        *time.Time    `json:"endedAt,omitempty"`
}

// Duration returns how long the session ran, or has been running so far.
func (r *SessionRecord) Duration() time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
