package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InvoiceRecord tracks an invoice_create/invoice_pay pair (spec §4.4).
type InvoiceRecord struct {
	InvoiceID    string
	OwnerUserID  string
	Token        string
	AmountAtomic int64
	Status       string // open | paid
	CreateTxID   string
	PayTxID      string
	CreatedAt    time.Time
	PaidAt       time.Time
}

// SaveInvoiceTx creates an invoice row with status=open inside a transaction.
func (s *Storage) SaveInvoiceTx(tx *sql.Tx, r *InvoiceRecord) error {
	_, err := tx.Exec(`
		INSERT INTO invoices (invoice_id, owner_user_id, token, amount_atomic, status, create_tx_id, created_at)
		VALUES (?, ?, ?, ?, 'open', ?, ?)`,
		r.InvoiceID, r.OwnerUserID, r.Token, r.AmountAtomic, r.CreateTxID, r.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save invoice: %w", err)
	}
	return nil
}

// GetInvoiceForUpdateTx loads an invoice row for the duration of the settlement transaction.
func (s *Storage) GetInvoiceForUpdateTx(tx *sql.Tx, invoiceID string) (*InvoiceRecord, error) {
	var r InvoiceRecord
	var createdAt int64
	var paidAt sql.NullInt64
	err := tx.QueryRow(`
		SELECT invoice_id, owner_user_id, token, amount_atomic, status, COALESCE(create_tx_id, ''), COALESCE(pay_tx_id, ''), created_at, paid_at
		FROM invoices WHERE invoice_id = ?`, invoiceID).
		Scan(&r.InvoiceID, &r.OwnerUserID, &r.Token, &r.AmountAtomic, &r.Status, &r.CreateTxID, &r.PayTxID, &createdAt, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	if paidAt.Valid {
		r.PaidAt = time.Unix(paidAt.Int64, 0).UTC()
	}
	return &r, nil
}

// MarkInvoicePaidTx marks an invoice paid and links the paying tx id.
func (s *Storage) MarkInvoicePaidTx(tx *sql.Tx, invoiceID, payTxID string) error {
	_, err := tx.Exec(`UPDATE invoices SET status = 'paid', pay_tx_id = ?, paid_at = ? WHERE invoice_id = ?`,
		payTxID, time.Now().Unix(), invoiceID)
	if err != nil {
		return fmt.Errorf("failed to mark invoice paid: %w", err)
	}
	return nil
}

// GetInvoice fetches an invoice outside any transaction (for reads from the API layer).
func (s *Storage) GetInvoice(invoiceID string) (*InvoiceRecord, error) {
	var r InvoiceRecord
	var createdAt int64
	var paidAt sql.NullInt64
	err := s.db.QueryRow(`
		SELECT invoice_id, owner_user_id, token, amount_atomic, status, COALESCE(create_tx_id, ''), COALESCE(pay_tx_id, ''), created_at, paid_at
		FROM invoices WHERE invoice_id = ?`, invoiceID).
		Scan(&r.InvoiceID, &r.OwnerUserID, &r.Token, &r.AmountAtomic, &r.Status, &r.CreateTxID, &r.PayTxID, &createdAt, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load invoice: %w", err)
	}
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	if paidAt.Valid {
		r.PaidAt = time.Unix(paidAt.Int64, 0).UTC()
	}
	return &r, nil
}
