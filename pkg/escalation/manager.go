// Package escalation provides the violation ticket manager: the
// runtime engine that records contract breaches and walks unresolved
// tickets up the escalation ladder.
//
// The ladder is a dead-man's-switch, not a retry: a ticket left OPEN
// escalates to the operational owner at +12h and to the ultimate
// authority at +24h, each exactly once. Tickets are never deleted;
// they are the forensic record.
package escalation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Default ladder offsets from ticket creation.
const (
	DefaultOwnerDelay     = 12 * time.Hour
	DefaultAuthorityDelay = 24 * time.Hour
)

// Sink receives escalation events as they fire (notification surface,
// ledger). Must not block.
type Sink func(event contracts.EscalationEvent)

// TicketSink receives a ticket snapshot when it is opened and on every
// status change. Must not block.
type TicketSink func(ticket contracts.ViolationTicket)

// Manager handles the lifecycle of violation tickets.
type Manager struct {
	mu      sync.Mutex
	tickets map[string]*contracts.ViolationTicket

	clock          func() time.Time
	logger         *slog.Logger
	ownerDelay     time.Duration
	authorityDelay time.Duration
	sinks          []Sink
	ticketSinks    []TicketSink
}

// NewManager creates a new ticket manager with the default ladder.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tickets:        make(map[string]*contracts.ViolationTicket),
		clock:          time.Now,
		logger:         logger.With("component", "escalation"),
		ownerDelay:     DefaultOwnerDelay,
		authorityDelay: DefaultAuthorityDelay,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithLadder overrides the escalation offsets.
func (m *Manager) WithLadder(ownerDelay, authorityDelay time.Duration) *Manager {
	m.ownerDelay = ownerDelay
	m.authorityDelay = authorityDelay
	return m
}

// Subscribe adds a sink for escalation events.
func (m *Manager) Subscribe(sink Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// SubscribeTickets adds a sink for ticket creation and status changes.
func (m *Manager) SubscribeTickets(sink TicketSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticketSinks = append(m.ticketSinks, sink)
}

func (m *Manager) notifyTicket(ticket contracts.ViolationTicket) {
	m.mu.Lock()
	sinks := m.ticketSinks
	m.mu.Unlock()
	for _, sink := range sinks {
		sink(ticket)
	}
}

// Open creates a ticket for a contract breach.
func (m *Manager) Open(organID, invariant string, severity contracts.Severity, stateHash, detail string) *contracts.ViolationTicket {
	now := m.clock()
	ticket := &contracts.ViolationTicket{
		TicketID:            uuid.New().String(),
		OrganID:             organID,
		Invariant:           invariant,
		Severity:            severity,
		Status:              contracts.TicketOpen,
		Detail:              detail,
		StateHash:           stateHash,
		CreatedAt:           now,
		EscalateOwnerAt:     now.Add(m.ownerDelay),
		EscalateAuthorityAt: now.Add(m.authorityDelay),
	}

	m.mu.Lock()
	m.tickets[ticket.TicketID] = ticket
	m.mu.Unlock()

	m.logger.Warn("violation ticket opened",
		"ticket_id", ticket.TicketID,
		"organ", organID,
		"invariant", invariant,
		"severity", severity)

	copied := *ticket
	m.notifyTicket(copied)
	return &copied
}

// Acknowledge moves an OPEN ticket to ACKED.
func (m *Manager) Acknowledge(ticketID, actor string) error {
	return m.transition(ticketID, actor, "", contracts.TicketOpen, contracts.TicketAcked)
}

// Resolve closes a ticket as RESOLVED. Allowed from OPEN or ACKED.
func (m *Manager) Resolve(ticketID, actor, resolution string) error {
	if err := m.transition(ticketID, actor, resolution, contracts.TicketOpen, contracts.TicketResolved); err == nil {
		return nil
	}
	return m.transition(ticketID, actor, resolution, contracts.TicketAcked, contracts.TicketResolved)
}

// Waive closes a ticket as WAIVED. Allowed from OPEN or ACKED.
func (m *Manager) Waive(ticketID, actor, reason string) error {
	if err := m.transition(ticketID, actor, reason, contracts.TicketOpen, contracts.TicketWaived); err == nil {
		return nil
	}
	return m.transition(ticketID, actor, reason, contracts.TicketAcked, contracts.TicketWaived)
}

func (m *Manager) transition(ticketID, actor, note string, from, to contracts.TicketStatus) error {
	if actor == "" {
		return fmt.Errorf("escalation: ticket transition requires actor identity")
	}
	m.mu.Lock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("escalation: ticket %q not found", ticketID)
	}
	if ticket.Status != from {
		status := ticket.Status
		m.mu.Unlock()
		return fmt.Errorf("escalation: ticket %q is %s, not %s", ticketID, status, from)
	}

	ticket.Status = to
	if to == contracts.TicketResolved || to == contracts.TicketWaived {
		ticket.ResolvedBy = actor
		ticket.ResolvedAt = m.clock()
		ticket.Resolution = note
	}
	copied := *ticket
	m.mu.Unlock()

	m.notifyTicket(copied)
	return nil
}

// CheckEscalations scans tickets and fires any ladder rungs whose time
// has come. Each rung fires exactly once per ticket; resolved and
// waived tickets do not escalate.
func (m *Manager) CheckEscalations() []contracts.EscalationEvent {
	m.mu.Lock()
	now := m.clock()
	var events []contracts.EscalationEvent
	for _, ticket := range m.tickets {
		if ticket.Status == contracts.TicketResolved || ticket.Status == contracts.TicketWaived {
			continue
		}
		if !ticket.OwnerEscalated && !now.Before(ticket.EscalateOwnerAt) {
			ticket.OwnerEscalated = true
			events = append(events, contracts.EscalationEvent{
				TicketID: ticket.TicketID,
				Rung:     contracts.RungOperationalOwner,
				FiredAt:  now,
			})
		}
		if !ticket.AuthorityEscalated && !now.Before(ticket.EscalateAuthorityAt) {
			ticket.AuthorityEscalated = true
			events = append(events, contracts.EscalationEvent{
				TicketID: ticket.TicketID,
				Rung:     contracts.RungUltimateAuthority,
				FiredAt:  now,
			})
		}
	}
	sinks := m.sinks
	m.mu.Unlock()

	for _, event := range events {
		m.logger.Error("ticket escalated",
			"ticket_id", event.TicketID, "rung", event.Rung)
		for _, sink := range sinks {
			sink(event)
		}
	}
	return events
}

// Get returns a copy of a ticket.
func (m *Manager) Get(ticketID string) (contracts.ViolationTicket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ticket, ok := m.tickets[ticketID]
	if !ok {
		return contracts.ViolationTicket{}, fmt.Errorf("escalation: ticket %q not found", ticketID)
	}
	return *ticket, nil
}

// OpenCount returns the number of tickets not yet resolved or waived.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ticket := range m.tickets {
		if ticket.Status == contracts.TicketOpen || ticket.Status == contracts.TicketAcked {
			count++
		}
	}
	return count
}

// CriticalSince counts CRITICAL tickets created at or after the cutoff,
// regardless of status. Feeds the T1 quality gate's trailing window.
func (m *Manager) CriticalSince(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, ticket := range m.tickets {
		if ticket.Severity == contracts.SeverityCritical && !ticket.CreatedAt.Before(cutoff) {
			count++
		}
	}
	return count
}

// All returns copies of every ticket, for export and audit.
func (m *Manager) All() []contracts.ViolationTicket {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]contracts.ViolationTicket, 0, len(m.tickets))
	for _, ticket := range m.tickets {
		out = append(out, *ticket)
	}
	return out
}
