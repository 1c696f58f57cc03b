package models

import "time"

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

const (
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionStatusIdle, SessionStatusRunning, SessionStatusCancelled:
		return true
	}
	return false
}

// Session is a durable, resumable conversation with the agent. The ID is
// assigned by the agent process on the session's first run.
type Session struct {
	ID           string        `json:"id"`
	Workspace    string        `json:"workspace"`
	Environment  string        `json:"environment"`
	Repo         string        `json:"repo,omitempty"`
	Branch       string        `json:"branch,omitempty"`
	Status       SessionStatus `json:"status"`
	Title        string        `json:"title"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at"`

	// RunMessageOffset is the index of the first message produced by the
	// current run. Nil when no run is in flight.
	RunMessageOffset *int `json:"run_message_offset"`
}
