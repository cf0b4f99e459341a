package model

import "time"

// HealthStatus represents the tri-state health of a node. Unknown is used
// when a node has no checkable endpoints.
type HealthStatus string

const (
	HealthStatusGreen   HealthStatus = "green"
	HealthStatusYellow  HealthStatus = "yellow"
	HealthStatusRed     HealthStatus = "red"
	HealthStatusUnknown HealthStatus = "unknown"
)

// SinglePointStatus describes the redundancy situation of a node under a
// link's single-point-risk policy.
type SinglePointStatus string

const (
	// SinglePointMissing means the node has zero checkable endpoints while
	// the link requires redundancy checking.
	SinglePointMissing SinglePointStatus = "missing"

	// SinglePointWarning means the node has exactly one checkable endpoint
	// while the link requires redundancy checking.
	SinglePointWarning SinglePointStatus = "warning"

	SinglePointNormal SinglePointStatus = "normal"
)

// Endpoint is one (host, port?) network target. Endpoints are shared
// resources: the same (host, port) pair exists once and may be referenced by
// any number of nodes.
type Endpoint struct {
	ID           string `json:"id"`
	Host         string `json:"host"`
	Port         *int   `json:"port,omitempty"`
	PingDisabled bool   `json:"ping_disabled"`
	Healthy      *bool  `json:"healthy,omitempty"`
	Remarks      string `json:"remarks,omitempty"`
}

// Node is a monitored logical unit owning zero or more endpoints.
type Node struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	LinkID        string       `json:"link_id"`
	Endpoints     []Endpoint   `json:"endpoints,omitempty"`
	HealthStatus  HealthStatus `json:"health_status"`
	LastCheckTime *time.Time   `json:"last_check_time,omitempty"`
	Active        bool         `json:"active"`
}

// Link groups nodes and carries the single-point-risk policy flag that
// changes how nodes with 0 or 1 checkable endpoints are aggregated.
type Link struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	CheckSinglePointRisk bool   `json:"check_single_point_risk"`
	Active               bool   `json:"active"`
}
