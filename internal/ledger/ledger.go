// Package ledger implements the Settlement Ledger (SL): an append-only
// record of settlement events, written by SG on every terminal outcome.
package ledger

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/envelop-relayer/settlement-core/internal/storage"
)

// Outcome is the closed set of terminal LedgerEvent outcomes (spec §3).
type Outcome string

const (
	OutcomeConfirmedSettled  Outcome = "confirmed_settled"
	OutcomeConfirmedRejected Outcome = "confirmed_rejected"
	OutcomeFailed            Outcome = "failed"
	OutcomeTimeout           Outcome = "timeout"
)

// Ledger wraps storage's settlement_events table.
type Ledger struct {
	store *storage.Storage
}

// New constructs a Ledger over store.
func New(store *storage.Storage) *Ledger {
	return &Ledger{store: store}
}

// Record input describes one terminal outcome to append.
type Record struct {
	FeatureKind  string
	TxID         string
	OwnerUserID  string
	Outcome      Outcome
	ProgramID    string
	FunctionName string
}

// Append writes a LedgerEvent, optionally inside tx (for confirmed_settled,
// which must land in the same atomic transaction as the feature mutation)
// or directly against storage when tx is nil (the other three outcomes,
// which by definition have no feature row to pair with).
func (l *Ledger) Append(tx *sql.Tx, r Record) error {
	event := &storage.LedgerEvent{
		EventID:      uuid.NewString(),
		FeatureKind:  r.FeatureKind,
		TxID:         r.TxID,
		OwnerUserID:  r.OwnerUserID,
		Outcome:      string(r.Outcome),
		ProgramID:    r.ProgramID,
		FunctionName: r.FunctionName,
		CreatedAt:    time.Now(),
	}
	return l.store.SaveLedgerEvent(tx, event)
}

// ListForOwner returns every LedgerEvent recorded for an owner, newest first.
func (l *Ledger) ListForOwner(ownerUserID string) ([]*storage.LedgerEvent, error) {
	return l.store.ListLedgerEvents(ownerUserID)
}

// Get fetches a single LedgerEvent by id.
func (l *Ledger) Get(eventID string) (*storage.LedgerEvent, error) {
	return l.store.GetLedgerEvent(eventID)
}

// FindSettled reports whether tx_id already has a confirmed_settled
// LedgerEvent, backing SG's idempotent no-op re-settle check.
func (l *Ledger) FindSettled(txID string) (*storage.LedgerEvent, error) {
	return l.store.GetLedgerEventByTxAndOutcome(txID, string(OutcomeConfirmedSettled))
}
