package contracts

import "time"

// DriftType names the dimension on which internal and broker truth
// disagree.
type DriftType string

const (
	DriftCount       DriftType = "count"
	DriftSize        DriftType = "size"
	DriftPnL         DriftType = "pnl"
	DriftStatus      DriftType = "status"
	DriftMissingSide DriftType = "missing_side"
	DriftFillRatio   DriftType = "fill_ratio"
)

// DriftResolution is set only by explicit operator action. Automation
// never mutates a drift record past UNRESOLVED.
type DriftResolution string

const (
	DriftUnresolved       DriftResolution = "UNRESOLVED"
	DriftPhoenixCorrected DriftResolution = "PHOENIX_CORRECTED"
	DriftBrokerCorrected  DriftResolution = "BROKER_CORRECTED"
	DriftAcknowledged     DriftResolution = "ACKNOWLEDGED"
	DriftStaleIgnored     DriftResolution = "STALE_IGNORED"
)

// DriftRecord is one detected mismatch between internal position state
// and broker-reported truth.
type DriftRecord struct {
	RecordID   string          `json:"record_id"`
	Type       DriftType       `json:"type"`
	Symbol     string          `json:"symbol,omitempty"`
	Internal   string          `json:"internal"`
	External   string          `json:"external"`
	Severity   Severity        `json:"severity"`
	Resolution DriftResolution `json:"resolution"`
	DetectedAt time.Time       `json:"detected_at"`

	// Resolution audit, set by the operator action that closed it.
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
	ResolutionNote string    `json:"resolution_note,omitempty"`
}
