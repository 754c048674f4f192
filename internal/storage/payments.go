package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PaymentRecord is the settled form of a payment_settle or invoice_pay intent.
type PaymentRecord struct {
	PaymentID              string
	SenderUserID           string
	RecipientUserID        string
	RecipientWalletAddress string
	Token                  string
	AmountAtomic           int64
	TxID                   string
	InvoiceID              string
	CreatedAt              time.Time
}

// SavePaymentTx writes a PaymentRecord inside the settlement transaction.
func (s *Storage) SavePaymentTx(tx *sql.Tx, r *PaymentRecord) error {
	_, err := tx.Exec(`
		INSERT INTO payments (payment_id, sender_user_id, recipient_user_id, recipient_wallet_address, token, amount_atomic, tx_id, invoice_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PaymentID, r.SenderUserID, nullableString(r.RecipientUserID), r.RecipientWalletAddress,
		r.Token, r.AmountAtomic, r.TxID, nullableString(r.InvoiceID), r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

// GetPayment fetches a payment by id.
func (s *Storage) GetPayment(paymentID string) (*PaymentRecord, error) {
	var r PaymentRecord
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT payment_id, sender_user_id, COALESCE(recipient_user_id, ''), recipient_wallet_address, token, amount_atomic, tx_id, COALESCE(invoice_id, ''), created_at
		FROM payments WHERE payment_id = ?`, paymentID).
		Scan(&r.PaymentID, &r.SenderUserID, &r.RecipientUserID, &r.RecipientWalletAddress, &r.Token, &r.AmountAtomic, &r.TxID, &r.InvoiceID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &r, nil
}
