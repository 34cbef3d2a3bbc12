// Package contracts defines the shared types of the Phoenix governance
// core: access tiers, organ identity, halt events, violation tickets,
// position lifecycle records, drift records, and connection health.
//
// Types here are data only. Behavior lives in the packages that own
// each concern (halt, gate, position, reconcile, ...), so contracts can
// be imported anywhere without dragging in dependencies.
package contracts

// TierID classifies what an organ may read and write.
type TierID string

const (
	// TierT0 is read-only: no writes of any kind.
	TierT0 TierID = "T0"
	// TierT1 is advisory-write: may write advisory state, never
	// execution, order, or position state.
	TierT1 TierID = "T1"
	// TierT2 is capital-write: may place capital at risk, subject to
	// an Approval Token and an unset halt signal.
	TierT2 TierID = "T2"
)

// Valid reports whether t is a known tier.
func (t TierID) Valid() bool {
	switch t {
	case TierT0, TierT1, TierT2:
		return true
	}
	return false
}

// CanWriteAdvisory reports whether the tier permits advisory writes.
func (t TierID) CanWriteAdvisory() bool {
	return t == TierT1 || t == TierT2
}

// CanWriteCapital reports whether the tier permits capital writes.
func (t TierID) CanWriteCapital() bool {
	return t == TierT2
}

// ActionKind names a write action checked by the tier gate and carried
// in Approval Token scopes.
type ActionKind string

const (
	ActionAdvisoryWrite  ActionKind = "advisory_write"
	ActionOrderSubmit    ActionKind = "order_submit"
	ActionOrderCancel    ActionKind = "order_cancel"
	ActionPositionClose  ActionKind = "position_close"
	ActionHaltClear      ActionKind = "halt_clear"
	ActionDriftResolve   ActionKind = "drift_resolve"
	ActionKillFlagLift   ActionKind = "kill_flag_lift"
	ActionPositionAmend  ActionKind = "position_amend"
)

// CapitalAction reports whether the action places or moves capital and
// therefore requires T2 authorization.
func (a ActionKind) CapitalAction() bool {
	switch a {
	case ActionOrderSubmit, ActionOrderCancel, ActionPositionClose, ActionPositionAmend:
		return true
	}
	return false
}
