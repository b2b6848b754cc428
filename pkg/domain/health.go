package domain

import "time"

// HealthStatus is the aggregate status of a set of health checks.
type HealthStatus string

const (
	// StatusHealthy means every registered check passed.
	StatusHealthy HealthStatus = "healthy"
	// StatusDegraded is reserved for partial failure modes. It is currently
	// never produced by the aggregator.
	StatusDegraded HealthStatus = "degraded"
	// StatusUnhealthy means at least one check failed.
	StatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResult is the outcome of a single named health check.
type HealthResult struct {
	Name    string         `json:"name"`
	Passed  bool           `json:"passed"`
	Message string         `json:"message,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// HealthReport aggregates all check results into one status payload.
type HealthReport struct {
	Status    HealthStatus            `json:"status"`
	Checks    map[string]HealthResult `json:"checks"`
	Timestamp time.Time               `json:"timestamp"`
}
