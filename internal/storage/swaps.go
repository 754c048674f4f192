package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SwapQuote is a priced swap offer awaiting on-chain confirmation.
type SwapQuote struct {
	QuoteID         string
	OwnerUserID     string
	TokenIn         string
	TokenOut        string
	AmountInAtomic  int64
	AmountOutAtomic int64
	ExpiresAt       time.Time
	CreatedAt       time.Time
	ConsumedAt      time.Time
}

// SwapRecord is the settled form of a SwapQuote (spec §4.4 swap handler).
type SwapRecord struct {
	SwapID          string
	QuoteID         string
	OwnerUserID     string
	AleoTxID        string
	TokenIn         string
	TokenOut        string
	AmountInAtomic  int64
	AmountOutAtomic int64
	CreatedAt       time.Time
}

// SaveSwapQuote inserts a new quote.
func (s *Storage) SaveSwapQuote(q *SwapQuote) error {
	_, err := s.db.Exec(`
		INSERT INTO swap_quotes (quote_id, owner_user_id, token_in, token_out, amount_in_atomic, amount_out_atomic, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.QuoteID, q.OwnerUserID, q.TokenIn, q.TokenOut, q.AmountInAtomic, q.AmountOutAtomic, q.ExpiresAt.Unix(), q.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save swap quote: %w", err)
	}
	return nil
}

// GetSwapQuoteForUpdateTx loads and locks a quote row for the duration of the
// settlement transaction (spec §4.4: "look up and lock the referenced quote row").
func (s *Storage) GetSwapQuoteForUpdateTx(tx *sql.Tx, quoteID string) (*SwapQuote, error) {
	var q SwapQuote
	var expiresAt, createdAt int64
	var consumedAt sql.NullInt64
	err := tx.QueryRow(`
		SELECT quote_id, owner_user_id, token_in, token_out, amount_in_atomic, amount_out_atomic, expires_at, created_at, consumed_at
		FROM swap_quotes WHERE quote_id = ?`, quoteID).
		Scan(&q.QuoteID, &q.OwnerUserID, &q.TokenIn, &q.TokenOut, &q.AmountInAtomic, &q.AmountOutAtomic, &expiresAt, &createdAt, &consumedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load swap quote: %w", err)
	}
	q.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	q.CreatedAt = time.Unix(createdAt, 0).UTC()
	if consumedAt.Valid {
		q.ConsumedAt = time.Unix(consumedAt.Int64, 0).UTC()
	}
	return &q, nil
}

// MarkSwapQuoteConsumedTx marks a quote as consumed inside the settlement transaction.
func (s *Storage) MarkSwapQuoteConsumedTx(tx *sql.Tx, quoteID string) error {
	_, err := tx.Exec(`UPDATE swap_quotes SET consumed_at = ? WHERE quote_id = ?`, time.Now().Unix(), quoteID)
	if err != nil {
		return fmt.Errorf("failed to mark swap quote consumed: %w", err)
	}
	return nil
}

// SaveSwapTx writes a settled SwapRecord inside the settlement transaction.
func (s *Storage) SaveSwapTx(tx *sql.Tx, r *SwapRecord) error {
	_, err := tx.Exec(`
		INSERT INTO swaps (swap_id, quote_id, owner_user_id, aleo_tx_id, token_in, token_out, amount_in_atomic, amount_out_atomic, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SwapID, r.QuoteID, r.OwnerUserID, r.AleoTxID, r.TokenIn, r.TokenOut, r.AmountInAtomic, r.AmountOutAtomic, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save swap: %w", err)
	}
	return nil
}

// GetSwap fetches a settled swap by id.
func (s *Storage) GetSwap(swapID string) (*SwapRecord, error) {
	var r SwapRecord
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT swap_id, quote_id, owner_user_id, aleo_tx_id, token_in, token_out, amount_in_atomic, amount_out_atomic, created_at
		FROM swaps WHERE swap_id = ?`, swapID).
		Scan(&r.SwapID, &r.QuoteID, &r.OwnerUserID, &r.AleoTxID, &r.TokenIn, &r.TokenOut, &r.AmountInAtomic, &r.AmountOutAtomic, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load swap: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}
