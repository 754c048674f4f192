package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// IdentityClaim is the persisted form of spec §3's IdentityClaim.
type IdentityClaim struct {
	Username         string
	UsernameHash     string
	DisplayNameHash  string
	WalletAddress    string
	ClaimTxID        string
	ProgramID        string
	FunctionName     string
	ClaimedAt        time.Time
}

// GetIdentityClaimTx loads a claim row by username inside a transaction, used
// to enforce the one-shot-per-username invariant before mutating user state.
func (s *Storage) GetIdentityClaimTx(tx *sql.Tx, username string) (*IdentityClaim, error) {
	var c IdentityClaim
	var claimedAt int64
	err := tx.QueryRow(`
		SELECT username, username_hash, COALESCE(display_name_hash, ''), wallet_address, claim_tx_id, COALESCE(program_id, ''), COALESCE(function_name, ''), claimed_at
		FROM identity_claims WHERE username = ?`, username).
		Scan(&c.Username, &c.UsernameHash, &c.DisplayNameHash, &c.WalletAddress, &c.ClaimTxID, &c.ProgramID, &c.FunctionName, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity claim: %w", err)
	}
	c.ClaimedAt = time.Unix(claimedAt, 0).UTC()
	return &c, nil
}

// SaveIdentityClaimTx inserts a new claim row inside a transaction. Callers
// must have already verified the username is unbound or bound to the same
// wallet address.
func (s *Storage) SaveIdentityClaimTx(tx *sql.Tx, c *IdentityClaim) error {
	_, err := tx.Exec(`
		INSERT INTO identity_claims (username, username_hash, display_name_hash, wallet_address, claim_tx_id, program_id, function_name, claimed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Username, c.UsernameHash, nullableString(c.DisplayNameHash), c.WalletAddress, c.ClaimTxID,
		nullableString(c.ProgramID), nullableString(c.FunctionName), c.ClaimedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save identity claim: %w", err)
	}
	return nil
}
