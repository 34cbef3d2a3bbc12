// Package token issues and validates Approval Tokens: scoped,
// time-boxed, state-bound human credentials required for any
// capital-affecting (T2) action.
//
// Tokens are signed JWTs. The state hash at issuance time is carried as
// a private claim; validation fails if internal state moved since the
// human looked at it. Tokens are single use: the jti is consumed on
// first successful validation.
package token

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

const issuerName = "phoenix/governance"

// Claims extends registered JWT claims with the approval-specific
// scope and state binding.
type Claims struct {
	jwt.RegisteredClaims
	Scope     []string `json:"scope"`
	StateHash string   `json:"state_hash"`
}

// PermitsAction reports whether the scope covers the action.
func (c *Claims) PermitsAction(action contracts.ActionKind) bool {
	for _, s := range c.Scope {
		if s == string(action) {
			return true
		}
	}
	return false
}

// Issuer mints and validates approval tokens with a shared HMAC key.
type Issuer struct {
	key   []byte
	clock func() time.Time

	mu       sync.Mutex
	consumed map[string]time.Time // jti -> consumed at
}

// NewIssuer creates an issuer with the given signing key.
func NewIssuer(signingKey []byte) (*Issuer, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("token: signing key must not be empty")
	}
	return &Issuer{
		key:      signingKey,
		clock:    time.Now,
		consumed: make(map[string]time.Time),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (i *Issuer) WithClock(clock func() time.Time) *Issuer {
	i.clock = clock
	return i
}

// Issue creates a signed token. issuedBy is the human identity
// authorizing the action; it is mandatory.
func (i *Issuer) Issue(issuedBy string, scope []contracts.ActionKind, ttl time.Duration, stateHash string) (string, error) {
	if issuedBy == "" {
		return "", fmt.Errorf("token: issuer identity required")
	}
	if len(scope) == 0 {
		return "", fmt.Errorf("token: scope must not be empty")
	}
	if stateHash == "" {
		return "", fmt.Errorf("token: state hash required")
	}

	now := i.clock().UTC()
	scopeStrs := make([]string, len(scope))
	for idx, action := range scope {
		scopeStrs[idx] = string(action)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   issuedBy,
			Issuer:    issuerName,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scope:     scopeStrs,
		StateHash: stateHash,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(i.key)
}

// Validate checks a token against the current halt-free state and
// consumes it. Exactly one use per token: a second Validate on the same
// token fails even if everything else still holds.
//
// Failure modes (signature, expiry, wrong scope, hash mismatch, reuse)
// all map to ErrTokenInvalid; the detail says which check failed.
func (i *Issuer) Validate(tokenString string, action contracts.ActionKind, currentHash string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) { return i.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(i.clock),
		jwt.WithIssuer(issuerName),
	)
	if err != nil {
		return nil, contracts.Reject(contracts.ErrTokenInvalid, "INV-TOKEN-SIG", currentHash, err.Error())
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, contracts.Reject(contracts.ErrTokenInvalid, "INV-TOKEN-SIG", currentHash, "malformed claims")
	}

	if !claims.PermitsAction(action) {
		return nil, contracts.Reject(contracts.ErrTokenInvalid, "INV-TOKEN-SCOPE", currentHash,
			fmt.Sprintf("scope does not include %q", action))
	}

	if claims.StateHash != currentHash {
		return nil, contracts.Reject(contracts.ErrTokenInvalid, "INV-TOKEN-STATE", currentHash,
			fmt.Sprintf("state moved since issuance (token bound to %s)", claims.StateHash))
	}

	// Consume under lock; the loser of a concurrent double-spend sees
	// the jti already burned.
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, used := i.consumed[claims.ID]; used {
		return nil, contracts.Reject(contracts.ErrTokenInvalid, "INV-TOKEN-REUSE", currentHash,
			"token already consumed")
	}
	i.consumed[claims.ID] = i.clock()

	return claims, nil
}

// Consumed reports whether a jti has been spent.
func (i *Issuer) Consumed(jti string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, used := i.consumed[jti]
	return used
}
