package model

import "time"

// AlertSeverity represents the severity level of an alert
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "LOW"
	AlertSeverityMedium   AlertSeverity = "MEDIUM"
	AlertSeverityHigh     AlertSeverity = "HIGH"
	AlertSeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus represents the lifecycle state of an alert
type AlertStatus string

const (
	AlertStatusOpen     AlertStatus = "OPEN"
	AlertStatusClosed   AlertStatus = "CLOSED"
	AlertStatusSilenced AlertStatus = "SILENCED"
)

// AlertKey identifies the alert lifecycle slot for a node. At most one OPEN
// and one SILENCED alert may exist per key.
type AlertKey struct {
	NodeID  string `json:"node_id"`
	Type    string `json:"alert_type"`
	Subtype string `json:"alert_subtype"`
}

// Alert is the lifecycle entity maintained by the evaluation engine.
// Created OPEN when a rule first fires; re-fires update LastOccurred in
// place; closed when the condition stops firing or manually; silenced only
// by explicit external action with a mandatory duration and reason.
type Alert struct {
	ID             string        `json:"id"`
	NodeID         string        `json:"node_id"`
	Type           string        `json:"alert_type"`
	Subtype        string        `json:"alert_subtype"`
	Title          string        `json:"title"`
	Description    string        `json:"description"`
	Severity       AlertSeverity `json:"severity"`
	Status         AlertStatus   `json:"status"`
	FirstOccurred  time.Time     `json:"first_occurred"`
	LastOccurred   time.Time     `json:"last_occurred"`
	ResolvedAt     *time.Time    `json:"resolved_at,omitempty"`
	SilencedAt     *time.Time    `json:"silenced_at,omitempty"`
	SilencedUntil  *time.Time    `json:"silenced_until,omitempty"`
	SilencedReason string        `json:"silenced_reason,omitempty"`
	SilencedBy     string        `json:"silenced_by,omitempty"`
}

// Key returns the lifecycle key of the alert.
func (a *Alert) Key() AlertKey {
	return AlertKey{NodeID: a.NodeID, Type: a.Type, Subtype: a.Subtype}
}

// CurrentlySilenced reports whether the alert is silenced and the silence
// window has not yet elapsed.
func (a *Alert) CurrentlySilenced(now time.Time) bool {
	return a.Status == AlertStatusSilenced && a.SilencedUntil != nil && now.Before(*a.SilencedUntil)
}
