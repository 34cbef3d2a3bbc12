package canonicalize

import (
	"bytes"
	"encoding/json"
	"sort"
)

// ShortHashLen is the truncated display form of a state hash: 16 hex
// characters (64 bits). The full digest is retained in the ledger for
// replay verification.
const ShortHashLen = 16

// StateView is the decision-relevant state that feeds the state hash:
// positions, orders, constraints, and risk status. Volatile fields
// (timestamps, heartbeats, diagnostics) must never appear here: the
// same logical state always yields the same hash.
type StateView struct {
	Positions   []PositionView `json:"positions"`
	Orders      []OrderView    `json:"orders"`
	Constraints []string       `json:"constraints"`
	RiskStatus  string         `json:"risk_status"`
	// Fragments holds per-organ state contributions, keyed by organ id.
	// Volatile keys inside a fragment are stripped like everywhere else.
	Fragments map[string]interface{} `json:"fragments,omitempty"`
}

// PositionView is the hash-relevant projection of a position. No
// timestamps, no audit trail.
type PositionView struct {
	ID     string  `json:"id"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Size   float64 `json:"size"`
	State  string  `json:"state"`
}

// OrderView is the hash-relevant projection of an open order.
type OrderView struct {
	ID     string  `json:"id"`
	Symbol string  `json:"symbol"`
	Side   string  `json:"side"`
	Size   float64 `json:"size"`
}

// volatileKeys are stripped from generic payloads before hashing.
var volatileKeys = map[string]bool{
	"timestamp":    true,
	"timestamps":   true,
	"heartbeat":    true,
	"heartbeats":   true,
	"diagnostics":  true,
	"refreshed_at": true,
	"last_seen":    true,
}

// StateHash computes the canonical, order-independent hash of a state
// view, truncated to ShortHashLen hex characters.
//
// Order independence: positions, orders, and constraints are treated as
// sets. The caller does not need to sort them.
func StateHash(view StateView) (string, error) {
	full, err := FullStateHash(view)
	if err != nil {
		return "", err
	}
	return full[:ShortHashLen], nil
}

// FullStateHash returns the untruncated digest for ledger storage.
func FullStateHash(view StateView) (string, error) {
	normalized, err := normalize(view)
	if err != nil {
		return "", err
	}
	return CanonicalHash(normalized)
}

// normalize converts the view to a generic value, strips volatile keys,
// and sorts set-valued collections by their canonical encoding so that
// input order does not affect the digest.
func normalize(view StateView) (interface{}, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	stripVolatile(generic)
	for _, key := range []string{"positions", "orders", "constraints"} {
		if arr, ok := generic[key].([]interface{}); ok {
			sorted, err := sortSet(arr)
			if err != nil {
				return nil, err
			}
			generic[key] = sorted
		}
	}
	return generic, nil
}

func stripVolatile(v interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if volatileKeys[k] {
				delete(t, k)
				continue
			}
			stripVolatile(child)
		}
	case []interface{}:
		for _, child := range t {
			stripVolatile(child)
		}
	}
}

// sortSet orders array elements by their canonical JSON encoding.
func sortSet(arr []interface{}) ([]interface{}, error) {
	type keyed struct {
		key  string
		elem interface{}
	}
	keyedElems := make([]keyed, len(arr))
	for i, elem := range arr {
		var buf bytes.Buffer
		if err := writeCanonical(&buf, elem); err != nil {
			return nil, err
		}
		keyedElems[i] = keyed{key: buf.String(), elem: elem}
	}
	sort.Slice(keyedElems, func(i, j int) bool { return keyedElems[i].key < keyedElems[j].key })
	out := make([]interface{}, len(arr))
	for i, ke := range keyedElems {
		out[i] = ke.elem
	}
	return out, nil
}
