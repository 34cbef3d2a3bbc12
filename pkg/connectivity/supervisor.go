package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Prober is the liveness surface of the broker connection.
type Prober interface {
	Ping(ctx context.Context) error
}

// HaltRequester is invoked when the connection has been CRITICAL for
// longer than the configured duration.
type HaltRequester func(reason string)

// Config tunes the supervisor.
type Config struct {
	Interval         time.Duration // heartbeat period
	ProbeTimeout     time.Duration // per-probe deadline
	BreakerThreshold int           // consecutive failures before OPEN
	BreakerCooldown  time.Duration // OPEN -> HALF_OPEN delay
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackoffJitter    time.Duration
	// DegradedAfter failures mark the connection DEGRADED;
	// CriticalAfter failures (or an open breaker) mark it CRITICAL.
	DegradedAfter int
	CriticalAfter int
	// RecoverySuccesses is the hysteresis window: consecutive
	// successes required before CRITICAL/DEGRADED returns to HEALTHY.
	RecoverySuccesses int
	// CriticalHaltAfter is how long the connection may stay CRITICAL
	// before the supervisor requests a halt.
	CriticalHaltAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:          5 * time.Second,
		ProbeTimeout:      3 * time.Second,
		BreakerThreshold:  5,
		BreakerCooldown:   30 * time.Second,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        60 * time.Second,
		BackoffJitter:     250 * time.Millisecond,
		DegradedAfter:     1,
		CriticalAfter:     5,
		RecoverySuccesses: 3,
		CriticalHaltAfter: 2 * time.Minute,
	}
}

// Supervisor heartbeats the broker connection and maintains the
// connection health record. Health reads are a single atomic load and
// never block a halt check or a probe in progress.
type Supervisor struct {
	cfg     Config
	prober  Prober
	breaker *CircuitBreaker
	backoff *Backoff
	limiter *rate.Limiter
	clock   func() time.Time
	logger  *slog.Logger
	haltFn  HaltRequester

	health atomic.Pointer[contracts.ConnectionHealth]

	mu            sync.Mutex
	successStreak int
	haltRequested bool
	breakerFn     func(from, to contracts.BreakerState)
}

// NewSupervisor creates a supervisor over the given prober.
func NewSupervisor(cfg Config, prober Prober, haltFn HaltRequester, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:     cfg,
		prober:  prober,
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		backoff: NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffJitter),
		limiter: rate.NewLimiter(rate.Every(cfg.Interval), 1),
		clock:   time.Now,
		logger:  logger.With("component", "connectivity"),
		haltFn:  haltFn,
	}
	s.health.Store(&contracts.ConnectionHealth{
		State:   contracts.ConnHealthy,
		Breaker: contracts.BreakerClosed,
	})
	return s
}

// SetHaltRequester installs the halt path after construction, for
// callers that assemble the supervisor before the halt authority
// exists. Must be called before Run.
func (s *Supervisor) SetHaltRequester(fn HaltRequester) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.haltFn = fn
}

// OnBreakerTransition installs an observer for breaker state changes
// (metrics). Must be called before Run.
func (s *Supervisor) OnBreakerTransition(fn func(from, to contracts.BreakerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakerFn = fn
}

// WithClock overrides the clock for deterministic testing. The breaker
// shares it.
func (s *Supervisor) WithClock(clock func() time.Time) *Supervisor {
	s.clock = clock
	s.breaker.WithClock(clock)
	return s
}

// Run drives the heartbeat on its own schedule until the context is
// cancelled. Independent of trading activity. Failures push the next
// attempt out to the backoff deadline; healthy probes pace at the
// heartbeat interval.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.Probe(ctx); err != nil {
			if !s.awaitRetry(ctx) {
				return
			}
		}
	}
}

// awaitRetry blocks until the backoff deadline recorded by the last
// failure. Returns false when the context ends first.
func (s *Supervisor) awaitRetry(ctx context.Context) bool {
	delay := s.Health().NextRetry.Sub(s.clock())
	if delay <= 0 {
		return true
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Probe performs one heartbeat cycle: breaker check, network probe
// with timeout, accounting, health reclassification.
func (s *Supervisor) Probe(ctx context.Context) error {
	if !s.breaker.Allow() {
		// Short-circuit: no network attempt while the breaker holds.
		s.recordFailure(contracts.Reject(contracts.ErrBreakerOpen, "INV-CONN-BREAKER", "", ""), false)
		return contracts.ErrBreakerOpen
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.ProbeTimeout)
	err := s.prober.Ping(probeCtx)
	cancel()

	if err != nil {
		s.breaker.Failure()
		s.recordFailure(fmt.Errorf("%w: %v", contracts.ErrConnectivityFailure, err), true)
		return err
	}

	s.breaker.Success()
	s.recordSuccess()
	return nil
}

func (s *Supervisor) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successStreak++
	s.backoff.Reset()

	now := s.clock()
	prev := s.health.Load()
	next := *prev
	next.ConsecutiveFailures = 0
	next.LastSuccess = now
	next.Breaker = s.breaker.State()
	next.NextRetry = time.Time{}

	// Hysteresis: an unhealthy connection needs a sustained success
	// window before it is HEALTHY again. Prevents flapping.
	if prev.State == contracts.ConnHealthy || s.successStreak >= s.cfg.RecoverySuccesses {
		next.State = contracts.ConnHealthy
		next.CriticalSince = time.Time{}
		s.haltRequested = false
	}

	if s.breakerFn != nil && prev.Breaker != next.Breaker {
		s.breakerFn(prev.Breaker, next.Breaker)
	}
	s.health.Store(&next)
}

func (s *Supervisor) recordFailure(cause error, networkAttempted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successStreak = 0
	now := s.clock()

	prev := s.health.Load()
	next := *prev
	if networkAttempted {
		next.ConsecutiveFailures++
	}
	next.Breaker = s.breaker.State()
	next.NextRetry = now.Add(s.backoff.Next())

	switch {
	case next.Breaker == contracts.BreakerOpen || next.ConsecutiveFailures >= s.cfg.CriticalAfter:
		if prev.State != contracts.ConnCritical {
			next.CriticalSince = now
			s.logger.Error("broker connection critical",
				"failures", next.ConsecutiveFailures, "breaker", next.Breaker, "cause", cause)
		}
		next.State = contracts.ConnCritical
	case next.ConsecutiveFailures >= s.cfg.DegradedAfter:
		next.State = contracts.ConnDegraded
		next.CriticalSince = time.Time{}
	}

	// CRITICAL held past the configured duration escalates into the
	// halt signal. Fired once per critical episode.
	if next.State == contracts.ConnCritical && !next.CriticalSince.IsZero() &&
		now.Sub(next.CriticalSince) >= s.cfg.CriticalHaltAfter && !s.haltRequested && s.haltFn != nil {
		s.haltRequested = true
		s.haltFn(fmt.Sprintf("broker connectivity critical for %s", now.Sub(next.CriticalSince)))
	}

	if s.breakerFn != nil && prev.Breaker != next.Breaker {
		s.breakerFn(prev.Breaker, next.Breaker)
	}
	s.health.Store(&next)
}

// Health returns the current connection health record. Lock-free.
func (s *Supervisor) Health() contracts.ConnectionHealth {
	return *s.health.Load()
}

// HealthScore folds the health state to [0,1] for the quality gate.
func (s *Supervisor) HealthScore() float64 {
	switch s.health.Load().State {
	case contracts.ConnHealthy:
		return 1.0
	case contracts.ConnDegraded:
		return 0.5
	default:
		return 0.0
	}
}
