package controller

import (
	"time"

	"github.com/mixbot/dispenser/chart"
	"github.com/mixbot/dispenser/status"
)

// EventType identifies a controller state change.
type EventType string

const (
	EventStarted          EventType = "started"
	EventAccepted         EventType = "accepted"
	EventProgress         EventType = "progress"
	EventCompleted        EventType = "completed"
	EventCompletionFailed EventType = "completion_failed"
	EventEmergencyStopped EventType = "emergency_stopped"
	EventEmergencyFailed  EventType = "emergency_failed"
	EventRequestFailed    EventType = "request_failed"
)

// Event is delivered to Dependencies.OnEvent.
type Event struct {
	Type     EventType
	CycleID  string
	Progress float64
	Sample   chart.ProgressSample
	Banner   status.Message
	Err      error
	At       time.Time
}

// Terminal reports whether the event ends a cycle.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventCompleted, EventCompletionFailed, EventEmergencyStopped, EventEmergencyFailed:
		return true
	}
	return false
}
