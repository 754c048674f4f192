package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// User is the persisted account row settlement handlers resolve recipients
// and wallet addresses against.
type User struct {
	UserID             string
	WalletAddress      string
	Phone              string
	Username           string
	DisplayName        string
	UsernameClaimTxID  string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func scanUser(row interface{ Scan(...interface{}) error }) (*User, error) {
	var u User
	var createdAt, updatedAt int64
	err := row.Scan(&u.UserID, &u.WalletAddress, &u.Phone, &u.Username, &u.DisplayName,
		&u.UsernameClaimTxID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	u.CreatedAt = time.Unix(createdAt, 0).UTC()
	u.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &u, nil
}

const userSelect = `SELECT user_id, wallet_address, COALESCE(phone, ''), COALESCE(username, ''), COALESCE(display_name, ''), COALESCE(username_claim_tx_id, ''), created_at, updated_at FROM users`

// GetUser fetches a user by id.
func (s *Storage) GetUser(userID string) (*User, error) {
	return scanUser(s.db.QueryRow(userSelect+` WHERE user_id = ?`, userID))
}

// GetUserTx is GetUser scoped to an in-flight transaction, used by SG to
// lock the owner row for the duration of the settlement transaction.
func (s *Storage) GetUserTx(tx *sql.Tx, userID string) (*User, error) {
	return scanUser(tx.QueryRow(userSelect+` WHERE user_id = ? `, userID))
}

// GetUserByUsername resolves a username via the on-chain claim index (the
// preferred path per spec §4.4 recipient resolution).
func (s *Storage) GetUserByUsername(username string) (*User, error) {
	return scanUser(s.db.QueryRow(userSelect+` WHERE username = ?`, username))
}

// GetUserByPhone resolves a legacy phone-based recipient.
func (s *Storage) GetUserByPhone(phone string) (*User, error) {
	return scanUser(s.db.QueryRow(userSelect+` WHERE phone = ?`, phone))
}

// GetUserByWalletAddress resolves a raw-address recipient.
func (s *Storage) GetUserByWalletAddress(addr string) (*User, error) {
	return scanUser(s.db.QueryRow(userSelect+` WHERE wallet_address = ?`, addr))
}

// UpsertUser creates a user row if absent, or updates wallet/phone if present.
func (s *Storage) UpsertUser(u *User) error {
	now := time.Now().Unix()
	_, err := s.db.Exec(`
		INSERT INTO users (user_id, wallet_address, phone, username, display_name, username_claim_tx_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			wallet_address = excluded.wallet_address,
			phone = excluded.phone,
			updated_at = excluded.updated_at`,
		u.UserID, u.WalletAddress, nullableString(u.Phone), nullableString(u.Username),
		nullableString(u.DisplayName), nullableString(u.UsernameClaimTxID), now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// SetUsernameTx binds username/display name/claim tx id to a user inside an
// in-flight transaction. Callers must have already enforced the one-shot
// invariant (spec §4.4 identity_claim edge case).
func (s *Storage) SetUsernameTx(tx *sql.Tx, userID, username, displayName, claimTxID string) error {
	res, err := tx.Exec(`
		UPDATE users SET username = ?, display_name = ?, username_claim_tx_id = ?, updated_at = ?
		WHERE user_id = ?`,
		username, nullableString(displayName), claimTxID, time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("failed to set username: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// GetBalanceTx reads a user's cached balance for a token inside a transaction.
func (s *Storage) GetBalanceTx(tx *sql.Tx, userID, token string) (int64, error) {
	var amount int64
	err := tx.QueryRow(`SELECT amount_atomic FROM balances WHERE user_id = ? AND token = ?`, userID, token).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return amount, nil
}

// AdjustBalanceTx applies delta (positive or negative) to a user's cached
// balance inside a transaction. Only called when onchain_ledger=false
// (mode B, spec §4.4).
func (s *Storage) AdjustBalanceTx(tx *sql.Tx, userID, token string, delta int64) error {
	current, err := s.GetBalanceTx(tx, userID, token)
	if err != nil {
		return err
	}
	next := current + delta
	_, err = tx.Exec(`
		INSERT INTO balances (user_id, token, amount_atomic, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET amount_atomic = excluded.amount_atomic, updated_at = excluded.updated_at`,
		userID, token, next, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to adjust balance: %w", err)
	}
	return nil
}
