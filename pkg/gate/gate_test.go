package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
	"github.com/phoenix-trading/phoenix/pkg/escalation"
	"github.com/phoenix-trading/phoenix/pkg/halt"
	"github.com/phoenix-trading/phoenix/pkg/token"
)

type fixture struct {
	signal  *halt.Signal
	tokens  *token.Issuer
	tickets *escalation.Manager
	gate    *Gate
	health  float64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		signal:  halt.NewSignal(),
		tickets: escalation.NewManager(nil),
		health:  0.95,
	}
	issuer, err := token.NewIssuer([]byte("gate-test-key"))
	require.NoError(t, err)
	f.tokens = issuer

	g, err := New(f.signal, f.tokens, f.tickets, func() float64 { return f.health }, nil)
	require.NoError(t, err)
	f.gate = g
	return f
}

func organ(id string, tier contracts.TierID) contracts.OrganIdentity {
	return contracts.OrganIdentity{ID: id, Tier: tier}
}

func (f *fixture) issue(t *testing.T, scope contracts.ActionKind, stateHash string) string {
	t.Helper()
	tok, err := f.tokens.Issue("operator:ada", []contracts.ActionKind{scope}, time.Minute, stateHash)
	require.NoError(t, err)
	return tok
}

func TestT0_CannotWrite(t *testing.T) {
	f := newFixture(t)

	err := f.gate.Authorize(organ("reader", contracts.TierT0), Request{
		Action: contracts.ActionAdvisoryWrite, StateHash: "h1",
	})
	require.ErrorIs(t, err, contracts.ErrTierViolation)
	require.Equal(t, 1, f.tickets.OpenCount(), "tier violation must raise a ticket")
}

func TestT1_AdvisoryWritePassesGate(t *testing.T) {
	f := newFixture(t)

	err := f.gate.Authorize(organ("advisor", contracts.TierT1), Request{
		Action: contracts.ActionAdvisoryWrite, StateHash: "h1",
	})
	require.NoError(t, err)
}

func TestT1_QualityGateFailsOnLowHealth(t *testing.T) {
	f := newFixture(t)
	f.health = 0.5

	err := f.gate.Authorize(organ("advisor", contracts.TierT1), Request{
		Action: contracts.ActionAdvisoryWrite, StateHash: "h1",
	})
	require.ErrorIs(t, err, ErrQualityGate)
	require.Equal(t, 0, f.tickets.OpenCount(), "gate failure is not a contract breach")
}

func TestT1_QualityGateFailsOnCriticalViolations(t *testing.T) {
	f := newFixture(t)
	f.tickets.Open("someone", "INV-X", contracts.SeverityCritical, "h", "")

	err := f.gate.Authorize(organ("advisor", contracts.TierT1), Request{
		Action: contracts.ActionAdvisoryWrite, StateHash: "h1",
	})
	require.ErrorIs(t, err, ErrQualityGate)
}

func TestT1_CannotWriteCapital(t *testing.T) {
	f := newFixture(t)

	err := f.gate.Authorize(organ("advisor", contracts.TierT1), Request{
		Action: contracts.ActionOrderSubmit, StateHash: "h1",
	})
	require.ErrorIs(t, err, contracts.ErrTierViolation)
}

func TestT2_CapitalWriteWithToken(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, contracts.ActionOrderSubmit, "h1")

	err := f.gate.Authorize(organ("executor", contracts.TierT2), Request{
		Action: contracts.ActionOrderSubmit, Token: tok, StateHash: "h1",
	})
	require.NoError(t, err)
}

func TestT2_HaltBeatsValidToken(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, contracts.ActionOrderSubmit, "h1")

	f.signal.Engage("detector", "critical drift")

	err := f.gate.Authorize(organ("executor", contracts.TierT2), Request{
		Action: contracts.ActionOrderSubmit, Token: tok, StateHash: "h1",
	})
	require.ErrorIs(t, err, contracts.ErrHaltActive)

	// Halt-before-token ordering: the token was never consumed.
	_, err = f.tokens.Validate(tok, contracts.ActionOrderSubmit, "h1")
	require.NoError(t, err)
}

func TestT2_StaleTokenRejected(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, contracts.ActionOrderSubmit, "hash-at-issue")

	err := f.gate.Authorize(organ("executor", contracts.TierT2), Request{
		Action: contracts.ActionOrderSubmit, Token: tok, StateHash: "hash-now",
	})
	require.ErrorIs(t, err, contracts.ErrTokenInvalid)
}

func TestT2_TokenSingleUseAcrossAuthorize(t *testing.T) {
	f := newFixture(t)
	tok := f.issue(t, contracts.ActionOrderSubmit, "h1")
	executor := organ("executor", contracts.TierT2)
	req := Request{Action: contracts.ActionOrderSubmit, Token: tok, StateHash: "h1"}

	require.NoError(t, f.gate.Authorize(executor, req))
	require.ErrorIs(t, f.gate.Authorize(executor, req), contracts.ErrTokenInvalid)
}

func TestEvaluate_DecomposedResults(t *testing.T) {
	f := newFixture(t)
	f.health = 0.5
	f.tickets.Open("someone", "INV-X", contracts.SeverityCritical, "h", "")

	result := f.gate.Evaluate()
	require.False(t, result.Pass)
	require.Len(t, result.Checks, 2)
	for _, check := range result.Checks {
		require.False(t, check.Pass, check.Name)
	}
}
