package database

import "time"

// Cycle is one journaled dispense cycle.
type Cycle struct {
	ID            int64
	CycleID       string
	StartedAt     time.Time
	EndedAt       *time.Time
	TargetWaterML float64
	TargetSyrupML float64
	FinalProgress float64
	Status        string
	StopReason    string
	NotifyError   string
	TraceID       string
}

// Duration returns how long the cycle ran, or zero while in progress.
func (c *Cycle) Duration() time.Duration {
	if c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(c.StartedAt)
}

// CycleStatus constants
const (
	CycleStatusInProgress    = "in_progress"
	CycleStatusCompleted     = "completed"
	CycleStatusEmergencyStop = "emergency_stop"
	CycleStatusAbandoned     = "abandoned"
)

// CycleEnd describes how a cycle finished.
type CycleEnd struct {
	Status      string
	Progress    float64
	StopReason  string
	NotifyError string
	EndedAt     time.Time
}
