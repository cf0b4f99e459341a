package model

import "time"

// SweepStatus represents the state of one fan-out execution
type SweepStatus string

const (
	SweepStatusStarted   SweepStatus = "started"
	SweepStatusFinalized SweepStatus = "finalized"
	SweepStatusAborted   SweepStatus = "aborted"
)

// SweepRun is a transient record of one full-fleet health check execution.
// It exists for the duration of the sweep plus a short retention window for
// observability.
type SweepRun struct {
	ID                string        `json:"id"`
	StartedAt         time.Time     `json:"started_at"`
	NodeCount         int           `json:"node_count"`
	ScheduledCount    int           `json:"scheduled_count"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Status            SweepStatus   `json:"status"`
	Duration          time.Duration `json:"duration,omitempty"`
}
