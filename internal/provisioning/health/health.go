// Package health provides dependency health reporting and the ops HTTP server.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// ComponentHealth is the result of checking one dependency.
type ComponentHealth struct {
	Name     string       `json:"name"`
	Status   SystemStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
	Latency  string       `json:"latency"`
	Required bool         `json:"required"`
}

// LimiterHealth reports generation limiter usage.
type LimiterHealth struct {
	InFlight   int     `json:"in_flight"`
	Capacity   int     `json:"capacity"`
	Saturation float64 `json:"saturation"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus               `json:"system_status"`
	Components   map[string]ComponentHealth `json:"components"`
	Limiter      *LimiterHealth             `json:"limiter,omitempty"`
	CheckedAt    time.Time                  `json:"checked_at"`
}
