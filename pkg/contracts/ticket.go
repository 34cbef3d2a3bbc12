package contracts

import "time"

// Severity classifies a contract breach.
type Severity string

const (
	SeverityWarning   Severity = "WARNING"
	SeverityViolation Severity = "VIOLATION"
	SeverityCritical  Severity = "CRITICAL"
)

// TicketStatus is the lifecycle of a violation ticket.
// OPEN → ACKED → RESOLVED | WAIVED. Tickets are never deleted.
type TicketStatus string

const (
	TicketOpen     TicketStatus = "OPEN"
	TicketAcked    TicketStatus = "ACKED"
	TicketResolved TicketStatus = "RESOLVED"
	TicketWaived   TicketStatus = "WAIVED"
)

// ViolationTicket is the forensic record of a contract breach. It is
// mutated only by status transitions and escalation marks.
type ViolationTicket struct {
	TicketID  string       `json:"ticket_id"`
	OrganID   string       `json:"organ_id"`
	Invariant string       `json:"invariant"`
	Severity  Severity     `json:"severity"`
	Status    TicketStatus `json:"status"`
	Detail    string       `json:"detail,omitempty"`
	StateHash string       `json:"state_hash"`
	CreatedAt time.Time    `json:"created_at"`

	// Dead-man's-switch schedule: if the ticket is still OPEN at
	// these times the ladder fires, exactly once per rung.
	EscalateOwnerAt     time.Time `json:"escalate_owner_at"`
	EscalateAuthorityAt time.Time `json:"escalate_authority_at"`
	OwnerEscalated      bool      `json:"owner_escalated"`
	AuthorityEscalated  bool      `json:"authority_escalated"`

	// Resolution audit. Set by the status transition that closed it.
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Resolution string    `json:"resolution,omitempty"`
}

// EscalationRung identifies which rung of the ladder fired.
type EscalationRung string

const (
	RungOperationalOwner  EscalationRung = "OPERATIONAL_OWNER"
	RungUltimateAuthority EscalationRung = "ULTIMATE_AUTHORITY"
)

// EscalationEvent records one ladder firing.
type EscalationEvent struct {
	TicketID string         `json:"ticket_id"`
	Rung     EscalationRung `json:"rung"`
	FiredAt  time.Time      `json:"fired_at"`
}
