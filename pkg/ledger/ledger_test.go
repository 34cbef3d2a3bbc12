package ledger

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

func openTemp(t *testing.T) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phoenix.db")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func TestAppend_ChainsEntries(t *testing.T) {
	l, _ := openTemp(t)
	ctx := context.Background()

	first, err := l.Append(ctx, EntryHalt, "evt-1", map[string]string{"reason": "drift"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Sequence)
	require.Equal(t, "genesis", first.PreviousHash)

	second, err := l.Append(ctx, EntryStateHash, "abcd", map[string]string{"state_hash": "abcd"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), second.Sequence)
	require.Equal(t, first.EntryHash, second.PreviousHash)

	head, seq := l.Head()
	require.Equal(t, second.EntryHash, head)
	require.Equal(t, uint64(2), seq)
}

func TestReplay_ReconstructsDecisionSequence(t *testing.T) {
	l, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, l.RecordHalt(ctx, contracts.HaltEvent{
		EventID: "evt-1", RequestedBy: "supervisor", Reason: "breaker open",
		RequestedAt: time.Now().UTC(),
	}))
	require.NoError(t, l.RecordTransition(ctx, "pos-1", contracts.TransitionRecord{
		From: contracts.StateDraft, To: contracts.StateApproved,
		Trigger: "approval_token", StateHash: "aaaa",
	}))
	require.NoError(t, l.RecordStateHash(ctx, "aaaa", "sha256:full"))

	entries, err := l.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, EntryHalt, entries[0].EntryType)
	require.Equal(t, EntryTransition, entries[1].EntryType)
	require.Equal(t, EntryStateHash, entries[2].EntryType)
}

func TestReplay_DetectsTampering(t *testing.T) {
	l, path := openTemp(t)
	ctx := context.Background()

	_, err := l.Append(ctx, EntryHalt, "evt-1", map[string]string{"reason": "original"})
	require.NoError(t, err)
	_, err = l.Append(ctx, EntryHalt, "evt-2", map[string]string{"reason": "second"})
	require.NoError(t, err)

	// Rewrite an audit row behind the ledger's back.
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer func() { _ = raw.Close() }()
	_, err = raw.Exec(`UPDATE audit_trail SET payload = '{"reason":"rewritten"}' WHERE sequence = 1`)
	require.NoError(t, err)

	_, err = l.Replay(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
}

func TestOpen_ResumesChainAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phoenix.db")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	first, err := l.Append(ctx, EntryHalt, "evt-1", map[string]string{"reason": "drift"})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	second, err := reopened.Append(ctx, EntryClearance, "evt-1", map[string]string{"cleared_by": "operator:ada"})
	require.NoError(t, err)
	require.Equal(t, first.EntryHash, second.PreviousHash)

	entries, err := reopened.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestTicketHistory_PreservesEveryStatusRow(t *testing.T) {
	l, _ := openTemp(t)
	ctx := context.Background()

	// Advancing clock keeps row ordering deterministic.
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	l.WithClock(func() time.Time {
		now = now.Add(time.Second)
		return now
	})

	base := contracts.ViolationTicket{
		TicketID: "tkt-1", OrganID: "organ.exec",
		Invariant: "INV-TIER-WRITE", Severity: contracts.SeverityViolation,
		Status: contracts.TicketOpen, Detail: "T1 organ attempted capital write",
	}
	require.NoError(t, l.RecordTicket(ctx, base))

	acked := base
	acked.Status = contracts.TicketAcked
	require.NoError(t, l.RecordTicket(ctx, acked))

	resolved := base
	resolved.Status = contracts.TicketResolved
	resolved.ResolvedBy = "operator:ada"
	require.NoError(t, l.RecordTicket(ctx, resolved))

	history, err := l.TicketHistory(ctx, "tkt-1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, contracts.TicketOpen, history[0].Status)
	require.Equal(t, contracts.TicketAcked, history[1].Status)
	require.Equal(t, contracts.TicketResolved, history[2].Status)
	require.Equal(t, "operator:ada", history[2].ResolvedBy)
}

func TestRecordDrift_LandsInBothTables(t *testing.T) {
	l, _ := openTemp(t)
	ctx := context.Background()

	require.NoError(t, l.RecordDrift(ctx, contracts.DriftRecord{
		RecordID: "drift-1", Type: contracts.DriftCount,
		Internal: "2", External: "3",
		Severity: contracts.SeverityCritical, Resolution: contracts.DriftUnresolved,
	}))

	entries, err := l.Replay(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, EntryDrift, entries[0].EntryType)
	require.Equal(t, "drift-1", entries[0].Subject)
}
