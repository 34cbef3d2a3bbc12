package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

func TestOpenAndResolve(t *testing.T) {
	m := NewManager(nil)

	ticket := m.Open("executor", "INV-TIER-T2", contracts.SeverityViolation, "abcd1234", "T0 organ attempted order write")
	require.NotEmpty(t, ticket.TicketID)
	require.Equal(t, contracts.TicketOpen, ticket.Status)
	require.Equal(t, 1, m.OpenCount())

	require.NoError(t, m.Acknowledge(ticket.TicketID, "operator:ada"))
	require.NoError(t, m.Resolve(ticket.TicketID, "operator:ada", "organ redeployed with correct tier"))

	got, err := m.Get(ticket.TicketID)
	require.NoError(t, err)
	require.Equal(t, contracts.TicketResolved, got.Status)
	require.Equal(t, "operator:ada", got.ResolvedBy)
	require.Equal(t, 0, m.OpenCount())
}

func TestTransitionRequiresActor(t *testing.T) {
	m := NewManager(nil)
	ticket := m.Open("x", "INV-X", contracts.SeverityWarning, "h", "")
	require.Error(t, m.Acknowledge(ticket.TicketID, ""))
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := NewManager(nil)
	ticket := m.Open("x", "INV-X", contracts.SeverityWarning, "h", "")

	require.NoError(t, m.Resolve(ticket.TicketID, "op", "done"))
	// Resolved tickets cannot be acked or re-resolved.
	require.Error(t, m.Acknowledge(ticket.TicketID, "op"))
	require.Error(t, m.Resolve(ticket.TicketID, "op", "again"))
}

func TestEscalationLadder_FiresExactlyOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(nil).WithClock(func() time.Time { return now })

	var fired []contracts.EscalationEvent
	m.Subscribe(func(event contracts.EscalationEvent) {
		fired = append(fired, event)
	})

	ticket := m.Open("executor", "INV-TIER-T2", contracts.SeverityCritical, "h", "")

	// Before +12h: nothing fires.
	now = now.Add(11 * time.Hour)
	require.Empty(t, m.CheckEscalations())

	// +12h: operational owner rung.
	now = now.Add(time.Hour)
	events := m.CheckEscalations()
	require.Len(t, events, 1)
	require.Equal(t, contracts.RungOperationalOwner, events[0].Rung)
	require.Equal(t, ticket.TicketID, events[0].TicketID)

	// Re-sweeping does not refire.
	require.Empty(t, m.CheckEscalations())

	// +24h: ultimate authority rung, once.
	now = now.Add(12 * time.Hour)
	events = m.CheckEscalations()
	require.Len(t, events, 1)
	require.Equal(t, contracts.RungUltimateAuthority, events[0].Rung)
	require.Empty(t, m.CheckEscalations())

	require.Len(t, fired, 2)
}

func TestEscalation_SkipsResolvedTickets(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(nil).WithClock(func() time.Time { return now })

	ticket := m.Open("x", "INV-X", contracts.SeverityViolation, "h", "")
	require.NoError(t, m.Resolve(ticket.TicketID, "op", "fixed"))

	now = now.Add(48 * time.Hour)
	require.Empty(t, m.CheckEscalations())
}

func TestEscalation_LateSweepFiresBothRungs(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(nil).WithClock(func() time.Time { return now })

	m.Open("x", "INV-X", contracts.SeverityViolation, "h", "")

	// First sweep happens long after both deadlines.
	now = now.Add(30 * time.Hour)
	events := m.CheckEscalations()
	require.Len(t, events, 2)
}

func TestCriticalSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManager(nil).WithClock(func() time.Time { return now })

	m.Open("a", "INV-A", contracts.SeverityCritical, "h", "")
	now = now.Add(30 * time.Hour)
	m.Open("b", "INV-B", contracts.SeverityCritical, "h", "")
	m.Open("c", "INV-C", contracts.SeverityWarning, "h", "")

	cutoff := now.Add(-24 * time.Hour)
	require.Equal(t, 1, m.CriticalSince(cutoff))
}

func TestTicketSink_SeesOpenAndStatusChanges(t *testing.T) {
	m := NewManager(nil)

	var seen []contracts.TicketStatus
	m.SubscribeTickets(func(ticket contracts.ViolationTicket) {
		seen = append(seen, ticket.Status)
	})

	ticket := m.Open("organ.exec", "INV-POS-FSM", contracts.SeverityViolation, "h", "")
	require.NoError(t, m.Acknowledge(ticket.TicketID, "op"))
	require.NoError(t, m.Resolve(ticket.TicketID, "op", "fixed"))

	// Failed transitions must not notify.
	require.Error(t, m.Acknowledge(ticket.TicketID, "op"))

	require.Equal(t, []contracts.TicketStatus{
		contracts.TicketOpen,
		contracts.TicketAcked,
		contracts.TicketResolved,
	}, seen)
}
