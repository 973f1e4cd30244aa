package models

import "time"

// SessionState describes what a session is doing right now.
type SessionState string

const (
	StateIdle       SessionState = "idle"
	StateRunning    SessionState = "running"
	StateCompacting SessionState = "compacting"
)

// Session is the durable identity of one conversation log. Runtime state
// (loop, queue, subscribers) lives in the orchestrator; this struct is what
// crosses the wire and what the store persists.
type Session struct {
	ID               string         `json:"id"`
	Title            string         `json:"title,omitempty"`
	WorkingDirectory string         `json:"workingDirectory"`
	Model            string         `json:"model"`
	ParentSessionID  string         `json:"parentSessionId,omitempty"`
	ParentEventID    string         `json:"parentEventId,omitempty"`
	State            SessionState   `json:"state,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// IsFork reports whether the session was forked from another session.
func (s *Session) IsFork() bool {
	return s.ParentSessionID != ""
}
