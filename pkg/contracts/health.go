package contracts

import "time"

// ConnState is the supervisor's health classification of the broker
// connection.
type ConnState string

const (
	ConnHealthy  ConnState = "HEALTHY"
	ConnDegraded ConnState = "DEGRADED"
	ConnCritical ConnState = "CRITICAL"
)

// BreakerState follows the standard circuit breaker lifecycle.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// ConnectionHealth is the supervisor-owned health record. Mutated only
// by the supervisor; read by the health FSM and halt propagation.
type ConnectionHealth struct {
	State               ConnState    `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSuccess         time.Time    `json:"last_success"`
	Breaker             BreakerState `json:"breaker"`
	NextRetry           time.Time    `json:"next_retry"`
	CriticalSince       time.Time    `json:"critical_since,omitempty"`
}

// ComponentStatus is one row of the health snapshot.
type ComponentStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// HealthSnapshot is the periodically refreshed, read-only structured
// health surface. Advisory only, never a control path.
type HealthSnapshot struct {
	Overall     string            `json:"overall"`
	Components  []ComponentStatus `json:"components"`
	Summary     string            `json:"summary,omitempty"`
	RefreshedAt time.Time         `json:"refreshed_at"`
}
