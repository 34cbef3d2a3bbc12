package contracts

import "time"

// LifecycleState is a position's place in the capital lifecycle.
type LifecycleState string

const (
	StateDraft        LifecycleState = "DRAFT"
	StateApproved     LifecycleState = "APPROVED"
	StateSubmitted    LifecycleState = "SUBMITTED"
	StateAcknowledged LifecycleState = "ACKNOWLEDGED"
	StateFilled       LifecycleState = "FILLED"
	StateManaged      LifecycleState = "MANAGED"
	StateClosed       LifecycleState = "CLOSED"
	StateStalled      LifecycleState = "STALLED"
	StateCancelled    LifecycleState = "CANCELLED"
	StateRejected     LifecycleState = "REJECTED"
)

// Terminal reports whether the state is immutable once reached.
func (s LifecycleState) Terminal() bool {
	switch s {
	case StateClosed, StateCancelled, StateRejected:
		return true
	}
	return false
}

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// TransitionRecord is one immutable audit entry on a position's trail.
type TransitionRecord struct {
	From      LifecycleState `json:"from"`
	To        LifecycleState `json:"to"`
	Trigger   string         `json:"trigger"`
	Actor     string         `json:"actor,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	StateHash string         `json:"state_hash"`
}

// Position is the authoritative record of a single capital position
// from intent to close. Transitions happen only through the lifecycle
// FSM; the trail is append-only.
type Position struct {
	ID            string         `json:"id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	RequestedSize float64        `json:"requested_size"`
	State         LifecycleState `json:"state"`

	// Nullable until the broker responds.
	BrokerOrderID string  `json:"broker_order_id,omitempty"`
	FillPrice     float64 `json:"fill_price,omitempty"`
	FillSize      float64 `json:"fill_size,omitempty"`

	CreatedAt   time.Time          `json:"created_at"`
	SubmittedAt time.Time          `json:"submitted_at,omitempty"`
	Trail       []TransitionRecord `json:"trail"`
}

// BrokerPosition is the broker-side truth the reconciler compares
// against, as returned by account/position queries.
type BrokerPosition struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Size          float64 `json:"size"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Status        string  `json:"status"`
	FilledRatio   float64 `json:"filled_ratio"`
}
