package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// LedgerEvent is the persisted form of spec §3's LedgerEvent. Append-only.
type LedgerEvent struct {
	EventID      string
	FeatureKind  string
	TxID         string
	OwnerUserID  string
	Outcome      string // confirmed_settled | confirmed_rejected | failed | timeout
	ProgramID    string
	FunctionName string
	CreatedAt    time.Time
}

// SaveLedgerEvent inserts a LedgerEvent, optionally as part of tx (the same
// atomic transaction as the feature mutation, per spec §4.4 step 4) or
// directly against the database when tx is nil (SG's terminal-without-apply
// outcomes: tx_failed, policy_rejected, timeout).
func (s *Storage) SaveLedgerEvent(tx *sql.Tx, e *LedgerEvent) error {
	const q = `
		INSERT INTO settlement_events (event_id, feature_kind, tx_id, owner_user_id, outcome, program_id, function_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	args := []interface{}{e.EventID, e.FeatureKind, e.TxID, e.OwnerUserID, e.Outcome,
		nullableString(e.ProgramID), nullableString(e.FunctionName), e.CreatedAt.Unix()}

	var err error
	if tx != nil {
		_, err = tx.Exec(q, args...)
	} else {
		_, err = s.db.Exec(q, args...)
	}
	if err != nil {
		return fmt.Errorf("failed to save ledger event: %w", err)
	}
	return nil
}

// ListLedgerEvents returns every LedgerEvent for an owner, newest first.
// Supplements spec §3 (the ledger is otherwise write-only from SG).
func (s *Storage) ListLedgerEvents(ownerUserID string) ([]*LedgerEvent, error) {
	rows, err := s.db.Query(`
		SELECT event_id, feature_kind, tx_id, owner_user_id, outcome, COALESCE(program_id, ''), COALESCE(function_name, ''), created_at
		FROM settlement_events WHERE owner_user_id = ? ORDER BY created_at DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger events: %w", err)
	}
	defer rows.Close()

	var events []*LedgerEvent
	for rows.Next() {
		var e LedgerEvent
		var createdAt int64
		if err := rows.Scan(&e.EventID, &e.FeatureKind, &e.TxID, &e.OwnerUserID, &e.Outcome, &e.ProgramID, &e.FunctionName, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger event: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, &e)
	}
	return events, rows.Err()
}

// GetLedgerEventByTxAndOutcome looks up an existing LedgerEvent for a tx id
// with a specific outcome, backing SG's idempotent re-settle check (spec
// §8: "settle on an already-applied SettlementIntent is a no-op").
func (s *Storage) GetLedgerEventByTxAndOutcome(txID, outcome string) (*LedgerEvent, error) {
	var e LedgerEvent
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT event_id, feature_kind, tx_id, owner_user_id, outcome, COALESCE(program_id, ''), COALESCE(function_name, ''), created_at
		FROM settlement_events WHERE tx_id = ? AND outcome = ? ORDER BY created_at DESC LIMIT 1`, txID, outcome).
		Scan(&e.EventID, &e.FeatureKind, &e.TxID, &e.OwnerUserID, &e.Outcome, &e.ProgramID, &e.FunctionName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger event by tx: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}

// GetLedgerEvent fetches a single LedgerEvent by id.
func (s *Storage) GetLedgerEvent(eventID string) (*LedgerEvent, error) {
	var e LedgerEvent
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT event_id, feature_kind, tx_id, owner_user_id, outcome, COALESCE(program_id, ''), COALESCE(function_name, ''), created_at
		FROM settlement_events WHERE event_id = ?`, eventID).
		Scan(&e.EventID, &e.FeatureKind, &e.TxID, &e.OwnerUserID, &e.Outcome, &e.ProgramID, &e.FunctionName, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger event: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &e, nil
}
