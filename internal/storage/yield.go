package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// YieldQuote is a planned ordered sequence of transitions for a yield_step intent.
type YieldQuote struct {
	YieldQuoteID    string
	OwnerUserID     string
	PlanTransitions string // JSON-encoded ordered [(program_id, function_name)] list
	CreatedAt       time.Time
}

// YieldActionRecord is the settled form of a yield_step intent.
type YieldActionRecord struct {
	YieldActionID string
	YieldQuoteID  string
	OwnerUserID   string
	FinalTxID     string
	CreatedAt     time.Time
}

// SaveYieldQuote inserts a new yield plan.
func (s *Storage) SaveYieldQuote(q *YieldQuote) error {
	_, err := s.db.Exec(`
		INSERT INTO yield_quotes (yield_quote_id, owner_user_id, plan_transitions, created_at)
		VALUES (?, ?, ?, ?)`,
		q.YieldQuoteID, q.OwnerUserID, q.PlanTransitions, q.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save yield quote: %w", err)
	}
	return nil
}

// GetYieldQuote loads a yield plan by id.
func (s *Storage) GetYieldQuote(yieldQuoteID string) (*YieldQuote, error) {
	var q YieldQuote
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT yield_quote_id, owner_user_id, plan_transitions, created_at
		FROM yield_quotes WHERE yield_quote_id = ?`, yieldQuoteID).
		Scan(&q.YieldQuoteID, &q.OwnerUserID, &q.PlanTransitions, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load yield quote: %w", err)
	}
	q.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &q, nil
}

// SaveYieldActionTx writes a settled YieldActionRecord inside the settlement transaction.
func (s *Storage) SaveYieldActionTx(tx *sql.Tx, r *YieldActionRecord) error {
	_, err := tx.Exec(`
		INSERT INTO yield_actions (yield_action_id, yield_quote_id, owner_user_id, final_tx_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.YieldActionID, r.YieldQuoteID, r.OwnerUserID, r.FinalTxID, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save yield action: %w", err)
	}
	return nil
}
