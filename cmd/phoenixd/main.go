// Command phoenixd runs the trading governance daemon: halt signal and
// propagation, tier gate, position lifecycle, broker connectivity
// supervision, reconciliation, and the append-only decision ledger.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/phoenix-trading/phoenix/pkg/broker"
	"github.com/phoenix-trading/phoenix/pkg/canonicalize"
	"github.com/phoenix-trading/phoenix/pkg/config"
	"github.com/phoenix-trading/phoenix/pkg/connectivity"
	"github.com/phoenix-trading/phoenix/pkg/contracts"
	"github.com/phoenix-trading/phoenix/pkg/escalation"
	"github.com/phoenix-trading/phoenix/pkg/gate"
	"github.com/phoenix-trading/phoenix/pkg/governance"
	"github.com/phoenix-trading/phoenix/pkg/halt"
	"github.com/phoenix-trading/phoenix/pkg/killflag"
	"github.com/phoenix-trading/phoenix/pkg/ledger"
	"github.com/phoenix-trading/phoenix/pkg/observability"
	"github.com/phoenix-trading/phoenix/pkg/position"
	"github.com/phoenix-trading/phoenix/pkg/reconcile"
	"github.com/phoenix-trading/phoenix/pkg/registry"
	"github.com/phoenix-trading/phoenix/pkg/token"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "phoenixd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence first: nothing governs without the ledger.
	led, err := ledger.Open(cfg.Ledger.Path)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "phoenix",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.Otel.Endpoint,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.Otel.Enabled,
		Insecure:       cfg.Otel.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	signingKey, err := loadSigningKey(cfg.Tokens.SigningKey, logger)
	if err != nil {
		return err
	}
	issuer, err := token.NewIssuer(signingKey)
	if err != nil {
		return err
	}

	// Governance core.
	sig := halt.NewSignal()
	graph := halt.NewGraph()
	propagator := halt.NewPropagator(graph, logger)
	reg, err := registry.New(graph, logger)
	if err != nil {
		return err
	}
	tickets := escalation.NewManager(logger).
		WithLadder(cfg.EscalationOwner, cfg.EscalationAuthority)
	tickets.Subscribe(func(event contracts.EscalationEvent) {
		logger.Warn("escalation fired", "ticket", event.TicketID, "rung", event.Rung)
	})

	flags := killflag.NewStore(logger)
	if cfg.Redis.Addr != "" {
		flags = flags.WithRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err := flags.Sync(ctx); err != nil {
			logger.Warn("kill flag sync failed, continuing with local flags", "error", err)
		}
	}

	// Broker and connectivity.
	brk, err := newBroker(cfg.Broker)
	if err != nil {
		return err
	}

	// The book and engine reference each other: the engine hashes the
	// book's view, the book stamps the engine's hash on every
	// transition. Late-bind through the pointer.
	var book *position.Book

	supervisor := connectivity.NewSupervisor(connectivity.Config{
		Interval:          cfg.Health.HeartbeatInterval,
		ProbeTimeout:      cfg.Health.ProbeTimeout,
		BreakerThreshold:  cfg.Health.BreakerThreshold,
		BreakerCooldown:   cfg.Health.BreakerCooldown,
		BackoffBase:       cfg.Health.BackoffBase,
		BackoffMax:        cfg.Health.BackoffCeiling,
		BackoffJitter:     cfg.Health.BackoffBase / 2,
		DegradedAfter:     cfg.Health.DegradedAfter,
		CriticalAfter:     cfg.Health.CriticalAfter,
		RecoverySuccesses: cfg.Health.RecoverySuccesses,
		CriticalHaltAfter: cfg.Health.CriticalHaltAfter,
	}, brk, nil, logger)

	g, err := gate.New(sig, issuer, tickets, supervisor.HealthScore, logger)
	if err != nil {
		return err
	}

	engine, err := governance.NewEngine(governance.Config{
		Signal:     sig,
		Propagator: propagator,
		Registry:   reg,
		Gate:       g,
		Tickets:    tickets,
		Flags:      flags,
		State: governance.StateSource{
			Positions: func() []canonicalize.PositionView {
				if book == nil {
					return nil
				}
				return book.View()
			},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	supervisor.SetHaltRequester(func(reason string) {
		engine.RequestHalt("connectivity-supervisor", reason)
	})
	supervisor.OnBreakerTransition(func(from, to contracts.BreakerState) {
		obs.RecordBreakerTransition(ctx, from, to)
	})

	book = position.NewBook(sig, issuer, engine.StateHashFn(), logger)

	detector := reconcile.NewDetector(book.All, brk, func(reason string) {
		engine.RequestHalt("drift-detector", reason)
	}, logger)

	wireLedger(ctx, led, obs, engine, book, detector, tickets, flags)

	snapshotter := observability.NewSnapshotter()
	snapshotter.AddProbe("broker", func() contracts.ComponentStatus {
		health := supervisor.Health()
		return contracts.ComponentStatus{
			Name:   "broker",
			Status: strings.ToLower(string(health.State)),
			Detail: fmt.Sprintf("breaker=%s failures=%d", health.Breaker, health.ConsecutiveFailures),
		}
	})
	snapshotter.AddProbe("governance", func() contracts.ComponentStatus {
		status := "healthy"
		detail := ""
		if engine.Halted() {
			status = "critical"
			if event, ok := engine.LastReport(); ok {
				detail = fmt.Sprintf("halted, %d orphaned hops", event.Orphans)
			} else {
				detail = "halted"
			}
		}
		return contracts.ComponentStatus{Name: "governance", Status: status, Detail: detail}
	})
	snapshotter.AddProbe("tickets", func() contracts.ComponentStatus {
		open := tickets.OpenCount()
		status := "healthy"
		if open > 0 {
			status = "degraded"
		}
		return contracts.ComponentStatus{
			Name: "tickets", Status: status,
			Detail: fmt.Sprintf("%d open", open),
		}
	})
	snapshotter.AddProbe("drift", func() contracts.ComponentStatus {
		unresolved := detector.Unresolved()
		status := "healthy"
		if unresolved > 0 {
			status = "degraded"
		}
		return contracts.ComponentStatus{
			Name: "drift", Status: status,
			Detail: fmt.Sprintf("%d unresolved", unresolved),
		}
	})

	registerOrgans(engine, logger)

	logger.Info("phoenixd starting",
		"broker_mode", cfg.Broker.Mode,
		"ledger", cfg.Ledger.Path,
		"heartbeat", cfg.Health.HeartbeatInterval,
		"token_ttl", cfg.Tokens.TTL)

	go supervisor.Run(ctx)
	go detector.Run(ctx, cfg.ReconcileInterval)
	go engine.RunEscalations(ctx, time.Minute)
	go snapshotter.Run(ctx, 10*time.Second)
	go runStallSweep(ctx, book)

	<-ctx.Done()
	logger.Info("phoenixd shutting down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func loadSigningKey(configured string, logger *slog.Logger) ([]byte, error) {
	if configured != "" {
		if decoded, err := hex.DecodeString(configured); err == nil {
			return decoded, nil
		}
		return []byte(configured), nil
	}
	// Ephemeral key: tokens do not survive a restart, which is safe
	// but noisy for operators.
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	logger.Warn("no token signing key configured, generated an ephemeral one")
	return key, nil
}

func newBroker(cfg config.BrokerConfig) (broker.Broker, error) {
	switch cfg.Mode {
	case "paper":
		return broker.NewSimBroker(100_000), nil
	default:
		// Live connectivity ships separately; config validation keeps
		// this unreachable today.
		return nil, fmt.Errorf("broker mode %q not supported by this build", cfg.Mode)
	}
}

// wireLedger routes every audit-worthy event into the sqlite ledger
// and the metric counters. Persistence failures are logged, never
// fatal: the in-memory record stays authoritative.
func wireLedger(
	ctx context.Context,
	led *ledger.Ledger,
	obs *observability.Provider,
	engine *governance.Engine,
	book *position.Book,
	detector *reconcile.Detector,
	tickets *escalation.Manager,
	flags *killflag.Store,
) {
	logger := slog.Default().With("component", "ledger-wiring")

	book.Subscribe(func(positionID string, rec contracts.TransitionRecord) {
		if err := led.RecordTransition(ctx, positionID, rec); err != nil {
			logger.Error("transition not persisted", "position", positionID, "error", err)
		}
		// The transition record carries the truncated hash; keep the
		// full digest alongside for replay verification.
		short, full, err := engine.ComputeStateHash()
		if err == nil {
			err = led.RecordStateHash(ctx, short, full)
		}
		if err != nil {
			logger.Error("state hash not persisted", "position", positionID, "error", err)
		}
	})
	engine.SubscribeHalt(func(event contracts.HaltEvent, engageLatency time.Duration) {
		obs.RecordHaltRequested(ctx, engageLatency, event.RequestedBy)
		if err := led.RecordHalt(ctx, event); err != nil {
			logger.Error("halt event not persisted", "event", event.EventID, "error", err)
		}
	})
	engine.SubscribeReport(func(report contracts.PropagationReport) {
		obs.RecordPropagation(ctx, report)
	})
	engine.SubscribeClearance(func(clearance contracts.HaltClearance) {
		if err := led.RecordClearance(ctx, clearance); err != nil {
			logger.Error("halt clearance not persisted", "event", clearance.EventID, "error", err)
		}
	})
	detector.Subscribe(func(rec contracts.DriftRecord) {
		obs.RecordDrift(ctx, rec)
		if err := led.RecordDrift(ctx, rec); err != nil {
			logger.Error("drift record not persisted", "record", rec.RecordID, "error", err)
		}
	})
	tickets.SubscribeTickets(func(ticket contracts.ViolationTicket) {
		if strings.HasPrefix(ticket.Invariant, "INV-TIER") {
			obs.RecordTierViolation(ctx, ticket.OrganID, ticket.Invariant)
		}
		if err := led.RecordTicket(ctx, ticket); err != nil {
			logger.Error("ticket not persisted", "ticket", ticket.TicketID, "error", err)
		}
	})
	tickets.Subscribe(func(event contracts.EscalationEvent) {
		ticket, err := tickets.Get(event.TicketID)
		if err != nil {
			return
		}
		if err := led.RecordTicket(ctx, ticket); err != nil {
			logger.Error("ticket not persisted", "ticket", event.TicketID, "error", err)
		}
	})
	flags.Subscribe(func(flag killflag.Flag, lifted bool) {
		if _, err := led.Append(ctx, ledger.EntryKillFlag, flag.Scope, flag); err != nil {
			logger.Error("kill flag not persisted", "scope", flag.Scope, "error", err)
		}
	})
}

// registerOrgans admits the built-in organs so the halt graph covers
// the daemon's own subsystems.
func registerOrgans(engine *governance.Engine, logger *slog.Logger) {
	manifests := []contracts.OrganManifest{
		{ID: "phoenix.supervisor", Tier: "T0", LongRunning: true,
			YieldPoints: []string{"probe_loop"}},
		{ID: "phoenix.reconciler", Tier: "T0", LongRunning: true,
			YieldPoints:  []string{"compare_pass"},
			Dependencies: []string{"phoenix.supervisor"}},
		{ID: "phoenix.executor", Tier: "T2",
			Dependencies: []string{"phoenix.supervisor"},
			Invariants:   []string{"INV-POS-FSM", "INV-HALT-SUBMIT"}},
	}
	for _, manifest := range manifests {
		if _, err := engine.RegisterOrgan(manifest, haltLogger{manifest.ID, logger}); err != nil {
			logger.Error("organ registration failed", "organ", manifest.ID, "error", err)
		}
	}
}

// haltLogger acknowledges cascade hops for the built-in organs. Their
// actual halt behavior is cooperative: each loop calls CheckHalt at
// its yield points.
type haltLogger struct {
	id     string
	logger *slog.Logger
}

func (h haltLogger) OnHalt(ctx context.Context, event contracts.HaltEvent) error {
	h.logger.Warn("halt acknowledged", "organ", h.id, "event", event.EventID)
	return nil
}

func runStallSweep(ctx context.Context, book *position.Book) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			book.CheckStalls()
		}
	}
}
