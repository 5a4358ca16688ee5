package events

import "time"

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one progress notification from a self-healing run.
type Event struct {
	SessionID   string         `json:"session_id"`
	ProjectKey  string         `json:"project_key"`
	Phase       string         `json:"phase"`
	Attempt     int            `json:"attempt"`
	MaxAttempts int            `json:"max_attempts"`
	Message     string         `json:"message"`
	Timestamp   time.Time      `json:"timestamp"`
	Detail      map[string]any `json:"detail,omitempty"`
	Severity    Severity       `json:"severity,omitempty"`
}

// Observer receives events on the emitter's worker goroutine.
type Observer func(Event)
