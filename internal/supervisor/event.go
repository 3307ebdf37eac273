package supervisor

import (
	"time"
)

type EventType string

const (
	EventStarting   EventType = "starting"
	EventRunning    EventType = "running"
	EventRestarting EventType = "restarting"
	EventStopping   EventType = "stopping"
	EventStopped    EventType = "stopped"
	EventFailed     EventType = "failed"
	EventHealth     EventType = "health"
)

func eventFor(s State) EventType {
	switch s {
	case StateStarting:
		return EventStarting
	case StateRunning:
		return EventRunning
	case StateRestarting:
		return EventRestarting
	case StateStopping:
		return EventStopping
	case StateStopped:
		return EventStopped
	case StateFailed:
		return EventFailed
	}
	return ""
}

// Event is one observable step of a supervisor. Seq is assigned by the
// emitter and is strictly increasing across all services of one run.
type Event struct {
	Seq      uint64    `json:"seq"`
	Service  string    `json:"service"`
	Type     EventType `json:"type"`
	From     State     `json:"from"`
	State    State     `json:"state"`
	PID      int       `json:"pid,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
	ExitCode *int      `json:"exit_code,omitempty"`
	Severity int       `json:"severity,omitempty"`
	Forced   bool      `json:"forced,omitempty"`
	Message  string    `json:"message,omitempty"`
	Err      error     `json:"-"`
	At       time.Time `json:"at"`
}

// Status is a point-in-time copy of a supervisor's state.
type Status struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Attempts  int       `json:"attempts"`
	LastExit  string    `json:"last_exit,omitempty"`
	Severity  int       `json:"health_severity"`
	Health    string    `json:"health,omitempty"`
	Forced    bool      `json:"forced,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Since     time.Time `json:"since"`
}
