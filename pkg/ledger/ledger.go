// Package ledger persists the governance decision sequence to sqlite.
//
// Every event lands twice: in a typed table for querying and in the
// hash-chained audit_trail, which is the replayable record. All tables
// are insert-only. Ticket status changes and drift resolutions are new
// rows referencing the original id, never updates.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

var (
	ErrChainBroken   = errors.New("ledger: hash chain is broken")
	ErrEntryNotFound = errors.New("ledger: entry not found")
)

// EntryType categorizes audit trail entries.
type EntryType string

const (
	EntryTransition EntryType = "position_transition"
	EntryTicket     EntryType = "violation_ticket"
	EntryDrift      EntryType = "drift_record"
	EntryHalt       EntryType = "halt_event"
	EntryClearance  EntryType = "halt_clearance"
	EntryStateHash  EntryType = "state_hash"
	EntryKillFlag   EntryType = "kill_flag"
)

const genesisHash = "genesis"

// Entry is one immutable row of the audit trail.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	EntryType    EntryType       `json:"entry_type"`
	Subject      string          `json:"subject"`
	Payload      json.RawMessage `json:"payload"`
	PayloadHash  string          `json:"payload_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

// Ledger is the append-only sqlite store.
type Ledger struct {
	mu        sync.Mutex
	db        *sql.DB
	sequence  uint64
	chainHead string
	clock     func() time.Time
}

// Open opens (or creates) the ledger at path and resumes the hash
// chain from the last persisted entry. Use ":memory:" for tests.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	l := &Ledger{db: db, chainHead: genesisHash, clock: time.Now}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := l.resume(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func (l *Ledger) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_trail (
			sequence INTEGER PRIMARY KEY,
			entry_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			entry_type TEXT NOT NULL,
			subject TEXT NOT NULL,
			payload JSON NOT NULL,
			payload_hash TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS tickets (
			row_id TEXT PRIMARY KEY,
			ticket_id TEXT NOT NULL,
			organ_id TEXT,
			invariant TEXT NOT NULL,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			resolved_by TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS drift_records (
			row_id TEXT PRIMARY KEY,
			record_id TEXT NOT NULL,
			drift_type TEXT NOT NULL,
			symbol TEXT,
			internal TEXT NOT NULL,
			external TEXT NOT NULL,
			severity TEXT NOT NULL,
			resolution TEXT NOT NULL,
			resolved_by TEXT,
			resolution_note TEXT,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS state_hashes (
			sequence INTEGER PRIMARY KEY AUTOINCREMENT,
			state_hash TEXT NOT NULL,
			full_digest TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS halt_events (
			row_id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			actor TEXT NOT NULL,
			reason TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := l.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// resume loads the chain head so appends continue the persisted chain.
func (l *Ledger) resume() error {
	row := l.db.QueryRow(`SELECT sequence, entry_hash FROM audit_trail ORDER BY sequence DESC LIMIT 1`)
	var seq uint64
	var head string
	switch err := row.Scan(&seq, &head); {
	case errors.Is(err, sql.ErrNoRows):
		return nil
	case err != nil:
		return fmt.Errorf("ledger: resume: %w", err)
	}
	l.sequence = seq
	l.chainHead = head
	return nil
}

// Append writes one chained entry. Payload is serialized as JSON.
func (l *Ledger) Append(ctx context.Context, entryType EntryType, subject string, payload any) (Entry, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: serialize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		EntryType:    entryType,
		Subject:      subject,
		Payload:      body,
		PayloadHash:  digest(body),
		PreviousHash: l.chainHead,
	}
	entry.EntryHash = entryDigest(entry)

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_trail (sequence, entry_id, timestamp, entry_type, subject, payload, payload_hash, previous_hash, entry_hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.EntryID, entry.Timestamp.Format(time.RFC3339Nano),
		string(entry.EntryType), entry.Subject, string(entry.Payload),
		entry.PayloadHash, entry.PreviousHash, entry.EntryHash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: append: %w", err)
	}
	l.sequence = entry.Sequence
	l.chainHead = entry.EntryHash
	return entry, nil
}

// RecordTransition persists a position lifecycle transition.
func (l *Ledger) RecordTransition(ctx context.Context, positionID string, rec contracts.TransitionRecord) error {
	_, err := l.Append(ctx, EntryTransition, positionID, rec)
	return err
}

// RecordTicket persists a ticket snapshot as a new row. Each status
// transition is a fresh row referencing the same ticket id, so the
// full history is reconstructable.
func (l *Ledger) RecordTicket(ctx context.Context, ticket contracts.ViolationTicket) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO tickets (row_id, ticket_id, organ_id, invariant, severity, status, detail, resolved_by, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), ticket.TicketID, ticket.OrganID, ticket.Invariant,
		string(ticket.Severity), string(ticket.Status), ticket.Detail, ticket.ResolvedBy,
		l.clock().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: record ticket: %w", err)
	}
	_, err = l.Append(ctx, EntryTicket, ticket.TicketID, ticket)
	return err
}

// RecordDrift persists a drift record snapshot as a new row.
func (l *Ledger) RecordDrift(ctx context.Context, rec contracts.DriftRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO drift_records (row_id, record_id, drift_type, symbol, internal, external, severity, resolution, resolved_by, resolution_note, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), rec.RecordID, string(rec.Type), rec.Symbol,
		rec.Internal, rec.External, string(rec.Severity), string(rec.Resolution),
		rec.ResolvedBy, rec.ResolutionNote,
		l.clock().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: record drift: %w", err)
	}
	_, err = l.Append(ctx, EntryDrift, rec.RecordID, rec)
	return err
}

// RecordHalt persists a halt engagement.
func (l *Ledger) RecordHalt(ctx context.Context, event contracts.HaltEvent) error {
	if err := l.insertHaltRow(ctx, event.EventID, "engage", event.RequestedBy, event.Reason); err != nil {
		return err
	}
	_, err := l.Append(ctx, EntryHalt, event.EventID, event)
	return err
}

// RecordClearance persists a halt clearance.
func (l *Ledger) RecordClearance(ctx context.Context, clearance contracts.HaltClearance) error {
	if err := l.insertHaltRow(ctx, clearance.EventID, "clear", clearance.ClearedBy, clearance.Reason); err != nil {
		return err
	}
	_, err := l.Append(ctx, EntryClearance, clearance.EventID, clearance)
	return err
}

func (l *Ledger) insertHaltRow(ctx context.Context, eventID, kind, actor, reason string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO halt_events (row_id, event_id, kind, actor, reason, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), eventID, kind, actor, reason,
		l.clock().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: record halt event: %w", err)
	}
	return nil
}

// RecordStateHash persists one state hash observation.
func (l *Ledger) RecordStateHash(ctx context.Context, short, fullDigest string) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO state_hashes (state_hash, full_digest, recorded_at) VALUES (?, ?, ?)`,
		short, fullDigest, l.clock().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("ledger: record state hash: %w", err)
	}
	_, err = l.Append(ctx, EntryStateHash, short, map[string]string{
		"state_hash": short, "full_digest": fullDigest,
	})
	return err
}

// Replay reads the full audit trail in order and verifies the hash
// chain, returning the reconstructed decision sequence.
func (l *Ledger) Replay(ctx context.Context) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT sequence, entry_id, timestamp, entry_type, subject, payload, payload_hash, previous_hash, entry_hash
		 FROM audit_trail ORDER BY sequence ASC`)
	if err != nil {
		return nil, fmt.Errorf("ledger: replay: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	expectedPrev := genesisHash
	expectedSeq := uint64(1)
	for rows.Next() {
		var e Entry
		var ts, entryType, payload string
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &entryType, &e.Subject,
			&payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("ledger: replay scan: %w", err)
		}
		e.EntryType = EntryType(entryType)
		e.Payload = json.RawMessage(payload)
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("ledger: replay timestamp: %w", err)
		}

		if e.Sequence != expectedSeq {
			return nil, fmt.Errorf("%w: sequence gap at %d (expected %d)", ErrChainBroken, e.Sequence, expectedSeq)
		}
		if e.PreviousHash != expectedPrev {
			return nil, fmt.Errorf("%w: entry %d links %s, expected %s", ErrChainBroken, e.Sequence, e.PreviousHash, expectedPrev)
		}
		if digest(e.Payload) != e.PayloadHash {
			return nil, fmt.Errorf("%w: entry %d payload hash mismatch", ErrChainBroken, e.Sequence)
		}
		if entryDigest(e) != e.EntryHash {
			return nil, fmt.Errorf("%w: entry %d entry hash mismatch", ErrChainBroken, e.Sequence)
		}
		expectedPrev = e.EntryHash
		expectedSeq++
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: replay: %w", err)
	}
	return entries, nil
}

// TicketHistory returns every persisted row for a ticket, oldest first.
func (l *Ledger) TicketHistory(ctx context.Context, ticketID string) ([]contracts.ViolationTicket, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT ticket_id, organ_id, invariant, severity, status, detail, resolved_by
		 FROM tickets WHERE ticket_id = ? ORDER BY recorded_at ASC, row_id ASC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("ledger: ticket history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.ViolationTicket
	for rows.Next() {
		var t contracts.ViolationTicket
		var severity, status string
		var organ, detail, resolvedBy sql.NullString
		if err := rows.Scan(&t.TicketID, &organ, &t.Invariant, &severity, &status, &detail, &resolvedBy); err != nil {
			return nil, err
		}
		t.OrganID = organ.String
		t.Severity = contracts.Severity(severity)
		t.Status = contracts.TicketStatus(status)
		t.Detail = detail.String
		t.ResolvedBy = resolvedBy.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// Head returns the current chain head hash and sequence.
func (l *Ledger) Head() (string, uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainHead, l.sequence
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// entryDigest hashes the chain-relevant fields, previous hash included.
func entryDigest(e Entry) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EntryType    EntryType `json:"entry_type"`
		Subject      string    `json:"subject"`
		PayloadHash  string    `json:"payload_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.EntryType, e.Subject, e.PayloadHash, e.PreviousHash}
	data, _ := json.Marshal(hashable)
	return digest(data)
}
