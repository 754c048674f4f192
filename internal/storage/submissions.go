package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SubmissionRecord is the persisted form of spec §3's SubmissionRecord.
type SubmissionRecord struct {
	SubmissionID    string
	OwnerUserID     string
	ClientTxID      string
	SerializedTxLen int
	TxID            string
	SubmissionMode  string // register_only | network_submit
	Status          string // accepted | failed
	ResponseBlob    string
	CreatedAt       time.Time
}

// SaveSubmission inserts a new submission record.
func (s *Storage) SaveSubmission(r *SubmissionRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO submissions (submission_id, owner_user_id, client_tx_id, serialized_tx_len, tx_id, submission_mode, submission_status, response_blob, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SubmissionID, r.OwnerUserID, nullableString(r.ClientTxID), r.SerializedTxLen,
		nullableString(r.TxID), r.SubmissionMode, r.Status, r.ResponseBlob, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save submission: %w", err)
	}
	return nil
}

// GetSubmissionByClientTxID implements the idempotency invariant: at most one
// SubmissionRecord per (owner_user_id, client_tx_id).
func (s *Storage) GetSubmissionByClientTxID(ownerUserID, clientTxID string) (*SubmissionRecord, error) {
	if clientTxID == "" {
		return nil, nil
	}
	return s.scanSubmission(s.db.QueryRow(`
		SELECT submission_id, owner_user_id, COALESCE(client_tx_id, ''), serialized_tx_len,
			COALESCE(tx_id, ''), submission_mode, submission_status, COALESCE(response_blob, ''), created_at
		FROM submissions WHERE owner_user_id = ? AND client_tx_id = ?`, ownerUserID, clientTxID))
}

// GetSubmission fetches a submission by id.
func (s *Storage) GetSubmission(submissionID string) (*SubmissionRecord, error) {
	return s.scanSubmission(s.db.QueryRow(`
		SELECT submission_id, owner_user_id, COALESCE(client_tx_id, ''), serialized_tx_len,
			COALESCE(tx_id, ''), submission_mode, submission_status, COALESCE(response_blob, ''), created_at
		FROM submissions WHERE submission_id = ?`, submissionID))
}

func (s *Storage) scanSubmission(row *sql.Row) (*SubmissionRecord, error) {
	var r SubmissionRecord
	var createdAt int64
	err := row.Scan(&r.SubmissionID, &r.OwnerUserID, &r.ClientTxID, &r.SerializedTxLen,
		&r.TxID, &r.SubmissionMode, &r.Status, &r.ResponseBlob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load submission: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
