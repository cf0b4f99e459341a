package model

import "time"

// ProbeResult is the normalized outcome of one probe against one target.
// Drivers never raise errors past their boundary; any failure is expressed
// as Healthy=false plus an error message.
type ProbeResult struct {
	Host           string            `json:"host"`
	Port           *int              `json:"port,omitempty"`
	Kind           string            `json:"kind"`
	Healthy        bool              `json:"is_healthy"`
	ResponseTimeMs *float64          `json:"response_time_ms,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	Details        map[string]string `json:"details,omitempty"`
}

// EndpointResult merges the probe results for one endpoint. The endpoint is
// healthy only if every probe that ran against it succeeded.
type EndpointResult struct {
	EndpointID     string        `json:"endpoint_id"`
	Host           string        `json:"host"`
	Port           *int          `json:"port,omitempty"`
	Healthy        bool          `json:"is_healthy"`
	ResponseTimeMs *float64      `json:"response_time_ms,omitempty"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Probes         []ProbeResult `json:"probes,omitempty"`
}

// SampleDetails is the structured payload persisted with each health sample.
type SampleDetails struct {
	PerEndpoint       []EndpointResult  `json:"per_endpoint"`
	SinglePointStatus SinglePointStatus `json:"single_point_status"`
	SinglePointCount  int               `json:"single_point_count"`
}

// HealthSample is one immutable, append-only health record for a node.
// Samples are retention-pruned after a fixed horizon by a periodic job and
// are the source of truth the alert engine aggregates over.
type HealthSample struct {
	ID             string        `json:"id"`
	NodeID         string        `json:"node_id"`
	Status         HealthStatus  `json:"status"`
	ResponseTimeMs *float64      `json:"response_time_ms,omitempty"`
	Details        SampleDetails `json:"details"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}
