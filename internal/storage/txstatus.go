package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TxStatusSnapshot is the persisted form of spec §3's TxStatusSnapshot.
// It is never mutated in place; SaveTxStatusSnapshot always replaces the
// row for tx_id with the newer fetch.
type TxStatusSnapshot struct {
	TxID            string
	NormalizedState string
	RawStateString  string
	SourceEndpoint  string
	FetchedAt       time.Time
	DecodedTx       string // opaque JSON blob
}

// SaveTxStatusSnapshot upserts the snapshot for a tx id. Last-writer-wins by
// fetched_at, matching CSO's single-writer-per-key cache policy.
func (s *Storage) SaveTxStatusSnapshot(snap *TxStatusSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO tx_status_snapshots (tx_id, normalized_state, raw_state_string, source_endpoint, fetched_at, decoded_tx)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_id) DO UPDATE SET
			normalized_state = excluded.normalized_state,
			raw_state_string = excluded.raw_state_string,
			source_endpoint = excluded.source_endpoint,
			fetched_at = excluded.fetched_at,
			decoded_tx = excluded.decoded_tx
		WHERE excluded.fetched_at >= tx_status_snapshots.fetched_at`,
		snap.TxID, snap.NormalizedState, snap.RawStateString, snap.SourceEndpoint, snap.FetchedAt.UnixMilli(), snap.DecodedTx)
	if err != nil {
		return fmt.Errorf("failed to save tx status snapshot: %w", err)
	}
	return nil
}

// GetTxStatusSnapshot loads the latest snapshot for a tx id, or nil if absent.
func (s *Storage) GetTxStatusSnapshot(txID string) (*TxStatusSnapshot, error) {
	var snap TxStatusSnapshot
	var fetchedAt int64
	err := s.db.QueryRow(`
		SELECT tx_id, normalized_state, raw_state_string, source_endpoint, fetched_at, COALESCE(decoded_tx, '')
		FROM tx_status_snapshots WHERE tx_id = ?`, txID).
		Scan(&snap.TxID, &snap.NormalizedState, &snap.RawStateString, &snap.SourceEndpoint, &fetchedAt, &snap.DecodedTx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tx status snapshot: %w", err)
	}
	snap.FetchedAt = time.UnixMilli(fetchedAt).UTC()
	return &snap, nil
}
