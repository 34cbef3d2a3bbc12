package contracts

import "time"

// HaltEvent records a single request_halt call.
type HaltEvent struct {
	EventID     string    `json:"event_id"`
	RequestedBy string    `json:"requested_by"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// HaltClearance records an authorized clear_halt. Only a human operator
// may clear; identity and reason are mandatory.
type HaltClearance struct {
	EventID   string    `json:"event_id"`
	ClearedBy string    `json:"cleared_by"`
	Reason    string    `json:"reason"`
	ClearedAt time.Time `json:"cleared_at"`
}

// HopStatus is the outcome of one propagation hop.
type HopStatus string

const (
	HopAcked    HopStatus = "ACKED"
	HopOrphaned HopStatus = "ORPHANED"
)

// HopResult records how one dependent responded to a cascading halt.
type HopResult struct {
	OrganID  string        `json:"organ_id"`
	Status   HopStatus     `json:"status"`
	Attempts int           `json:"attempts"`
	Elapsed  time.Duration `json:"elapsed"`
}

// PropagationReport is the full accounting of one cascade: every
// reachable dependent either acked or is recorded as orphaned. Orphans
// are surfaced, never silently dropped.
type PropagationReport struct {
	EventID   string        `json:"event_id"`
	SourceID  string        `json:"source_id"`
	Hops      []HopResult   `json:"hops"`
	Orphans   int           `json:"orphans"`
	Elapsed   time.Duration `json:"elapsed"`
	DoneBySLA bool          `json:"done_by_sla"`
}
