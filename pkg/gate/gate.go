// Package gate enforces the tier-permission contract on every write:
// T0 never writes, T1 advisory writes pass a decomposed quality gate,
// T2 capital writes require an unexpired state-bound Approval Token and
// an unset halt signal, in that order.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
	"github.com/phoenix-trading/phoenix/pkg/escalation"
	"github.com/phoenix-trading/phoenix/pkg/halt"
	"github.com/phoenix-trading/phoenix/pkg/token"
)

// ErrQualityGate rejects a T1 advisory write whose decomposed
// thresholds do not all pass. Not a contract breach (no ticket is
// raised), but the write does not happen.
var ErrQualityGate = errors.New("quality gate failed")

// Decomposed T1 thresholds. Composite scores are deliberately unused:
// every check passes or fails on its own.
const (
	exprHealth     = `health >= 0.70`
	exprViolations = `critical_violations_24h == 0`
)

// Check is one decomposed gate result.
type Check struct {
	Name string `json:"name"`
	Expr string `json:"expr"`
	Pass bool   `json:"pass"`
}

// Result is the decomposed outcome the strategy boundary consumes.
// No composite score.
type Result struct {
	Pass   bool    `json:"pass"`
	Checks []Check `json:"checks"`
}

// HealthScoreFn supplies the current connection health score in [0,1].
type HealthScoreFn func() float64

// Gate composes the halt signal, token issuer, and ticket manager into
// the single tier-enforcement surface.
type Gate struct {
	signal  *halt.Signal
	tokens  *token.Issuer
	tickets *escalation.Manager
	health  HealthScoreFn
	clock   func() time.Time
	logger  *slog.Logger

	healthPrg     cel.Program
	violationsPrg cel.Program
}

// New compiles the quality-gate programs and returns the gate.
// Compilation failure is fatal: the gate fails closed rather than
// running without its thresholds.
func New(signal *halt.Signal, tokens *token.Issuer, tickets *escalation.Manager, health HealthScoreFn, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("health", cel.DoubleType),
		cel.Variable("critical_violations_24h", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: cel environment: %w", err)
	}

	compile := func(expr string) (cel.Program, error) {
		ast, issues := env.Compile(expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("gate: compile %q: %w", expr, issues.Err())
		}
		return env.Program(ast)
	}

	healthPrg, err := compile(exprHealth)
	if err != nil {
		return nil, err
	}
	violationsPrg, err := compile(exprViolations)
	if err != nil {
		return nil, err
	}

	return &Gate{
		signal:        signal,
		tokens:        tokens,
		tickets:       tickets,
		health:        health,
		clock:         time.Now,
		logger:        logger.With("component", "gate"),
		healthPrg:     healthPrg,
		violationsPrg: violationsPrg,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Request carries the credentials for a write authorization.
type Request struct {
	Action contracts.ActionKind
	// Token is the Approval Token string; required for capital
	// actions, ignored otherwise.
	Token string
	// StateHash is the current canonical state hash the token must be
	// bound to.
	StateHash string
}

// Authorize checks a write request against the organ's declared tier.
//
// Ordering for capital actions is fixed: halt first (a set halt fails
// with HaltActive regardless of token validity), then token
// validation, then a final halt re-read immediately before reporting
// success so no gap remains between check and act. Callers performing
// the actual broker write re-check under their own lock as well.
//
// Tier violations are fatal to the action, never retried, and raise a
// violation ticket.
func (g *Gate) Authorize(organ contracts.OrganIdentity, req Request) error {
	if !organ.Tier.Valid() {
		return g.violation(organ, "INV-TIER-DECL", req.StateHash,
			fmt.Sprintf("unknown tier %q", organ.Tier))
	}

	if req.Action.CapitalAction() {
		return g.authorizeCapital(organ, req)
	}
	return g.authorizeAdvisory(organ, req)
}

func (g *Gate) authorizeAdvisory(organ contracts.OrganIdentity, req Request) error {
	if !organ.Tier.CanWriteAdvisory() {
		return g.violation(organ, "INV-TIER-T0", req.StateHash,
			fmt.Sprintf("tier %s may not write %s", organ.Tier, req.Action))
	}
	if err := g.signal.Check(); err != nil {
		return contracts.Reject(err, "INV-HALT-WRITE", req.StateHash, "advisory write while halted")
	}
	// T1 passes the decomposed quality gate; T2 advisory writes are
	// covered by the higher tier.
	if organ.Tier == contracts.TierT1 {
		result := g.Evaluate()
		if !result.Pass {
			return contracts.Reject(ErrQualityGate, "INV-GATE-T1", req.StateHash, failedChecks(result))
		}
	}
	return nil
}

func (g *Gate) authorizeCapital(organ contracts.OrganIdentity, req Request) error {
	if !organ.Tier.CanWriteCapital() {
		return g.violation(organ, "INV-TIER-T2", req.StateHash,
			fmt.Sprintf("tier %s may not perform capital action %s", organ.Tier, req.Action))
	}

	// Halt before token: a set halt wins regardless of credentials.
	if err := g.signal.Check(); err != nil {
		return contracts.Reject(err, "INV-HALT-T2", req.StateHash, "capital action while halted")
	}

	if _, err := g.tokens.Validate(req.Token, req.Action, req.StateHash); err != nil {
		return err
	}

	// Final re-read: the halt may have been set while the token was
	// validated. The token is already consumed; fail closed anyway.
	if err := g.signal.Check(); err != nil {
		return contracts.Reject(err, "INV-HALT-T2", req.StateHash, "halt engaged during authorization")
	}
	return nil
}

// Evaluate runs the decomposed quality-gate checks. Evaluation errors
// fail closed.
func (g *Gate) Evaluate() Result {
	input := map[string]interface{}{
		"health":                  g.health(),
		"critical_violations_24h": int64(g.tickets.CriticalSince(g.clock().Add(-24 * time.Hour))),
	}

	result := Result{Pass: true}
	for _, check := range []struct {
		name string
		expr string
		prg  cel.Program
	}{
		{"connection_health", exprHealth, g.healthPrg},
		{"critical_violations", exprViolations, g.violationsPrg},
	} {
		pass := false
		out, _, err := check.prg.Eval(input)
		if err != nil {
			g.logger.Error("quality gate evaluation failed closed", "check", check.name, "error", err)
		} else if b, ok := out.Value().(bool); ok {
			pass = b
		}
		result.Checks = append(result.Checks, Check{Name: check.name, Expr: check.expr, Pass: pass})
		if !pass {
			result.Pass = false
		}
	}
	return result
}

func (g *Gate) violation(organ contracts.OrganIdentity, invariant, stateHash, detail string) error {
	g.tickets.Open(organ.ID, invariant, contracts.SeverityViolation, stateHash, detail)
	return contracts.Reject(contracts.ErrTierViolation, invariant, stateHash, detail)
}

func failedChecks(result Result) string {
	failed := ""
	for _, check := range result.Checks {
		if !check.Pass {
			if failed != "" {
				failed += ", "
			}
			failed += check.Name
		}
	}
	return "failed checks: " + failed
}
