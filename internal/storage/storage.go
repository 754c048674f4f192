// Package storage provides persistent storage for the settlement relayer
// using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the settlement relayer.
type Storage struct {
	db     *sql.DB
	dbPath string
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "relayer.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// WithTx runs fn inside a single atomic transaction. If fn returns an error
// the transaction is rolled back; otherwise it is committed. This backs the
// "single atomic storage transaction per SettlementIntent" requirement.
func (s *Storage) WithTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// initSchema creates all database tables (spec §6.4).
func (s *Storage) initSchema() error {
	schema := `
	-- Users (spec §6.4). A username is bound at most once (spec §3 IdentityClaim invariant).
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		wallet_address TEXT NOT NULL,
		phone TEXT,
		username TEXT UNIQUE,
		display_name TEXT,
		username_claim_tx_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_users_wallet ON users(wallet_address);
	CREATE INDEX IF NOT EXISTS idx_users_phone ON users(phone);

	-- Simulated balance cache, written only when onchain_ledger=false.
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT NOT NULL,
		token TEXT NOT NULL,
		amount_atomic INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (user_id, token)
	);

	-- Submissions: RS output (spec §3 SubmissionRecord).
	CREATE TABLE IF NOT EXISTS submissions (
		submission_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		client_tx_id TEXT,
		serialized_tx_len INTEGER NOT NULL DEFAULT 0,
		tx_id TEXT,
		submission_mode TEXT NOT NULL,
		submission_status TEXT NOT NULL,
		response_blob TEXT,
		created_at INTEGER NOT NULL,
		UNIQUE(owner_user_id, client_tx_id)
	);

	CREATE INDEX IF NOT EXISTS idx_submissions_tx ON submissions(tx_id);

	-- tx_status_snapshots: persisted TxStatusSnapshot rows (spec §3). CSO keeps
	-- its cache in memory and does not read or write this table.
	CREATE TABLE IF NOT EXISTS tx_status_snapshots (
		tx_id TEXT PRIMARY KEY,
		normalized_state TEXT NOT NULL,
		raw_state_string TEXT NOT NULL,
		source_endpoint TEXT NOT NULL,
		fetched_at INTEGER NOT NULL,
		decoded_tx TEXT
	);

	-- settlement_events: SL, append-only (spec §3 LedgerEvent).
	CREATE TABLE IF NOT EXISTS settlement_events (
		event_id TEXT PRIMARY KEY,
		feature_kind TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		owner_user_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		program_id TEXT,
		function_name TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_owner ON settlement_events(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_events_tx ON settlement_events(tx_id);

	-- swap_quotes: offered prior to on-chain settlement.
	CREATE TABLE IF NOT EXISTS swap_quotes (
		quote_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		token_in TEXT NOT NULL,
		token_out TEXT NOT NULL,
		amount_in_atomic INTEGER NOT NULL,
		amount_out_atomic INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		consumed_at INTEGER
	);

	-- swaps: settled swap rows (spec §4.4 swap handler).
	CREATE TABLE IF NOT EXISTS swaps (
		swap_id TEXT PRIMARY KEY,
		quote_id TEXT NOT NULL,
		owner_user_id TEXT NOT NULL,
		aleo_tx_id TEXT NOT NULL,
		token_in TEXT NOT NULL,
		token_out TEXT NOT NULL,
		amount_in_atomic INTEGER NOT NULL,
		amount_out_atomic INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_owner ON swaps(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_swaps_quote ON swaps(quote_id);

	-- payments: settled payment_settle/invoice_pay rows.
	CREATE TABLE IF NOT EXISTS payments (
		payment_id TEXT PRIMARY KEY,
		sender_user_id TEXT NOT NULL,
		recipient_user_id TEXT,
		recipient_wallet_address TEXT NOT NULL,
		token TEXT NOT NULL,
		amount_atomic INTEGER NOT NULL,
		tx_id TEXT NOT NULL,
		invoice_id TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_sender ON payments(sender_user_id);
	CREATE INDEX IF NOT EXISTS idx_payments_invoice ON payments(invoice_id);

	-- invoices: invoice_create/invoice_pay rows.
	CREATE TABLE IF NOT EXISTS invoices (
		invoice_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		token TEXT NOT NULL,
		amount_atomic INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'open',
		create_tx_id TEXT,
		pay_tx_id TEXT,
		created_at INTEGER NOT NULL,
		paid_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_owner ON invoices(owner_user_id);

	-- yield_quotes: planned multi-transition yield actions.
	CREATE TABLE IF NOT EXISTS yield_quotes (
		yield_quote_id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL,
		plan_transitions TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		consumed_at INTEGER
	);

	-- yield_actions: settled yield_step rows.
	CREATE TABLE IF NOT EXISTS yield_actions (
		yield_action_id TEXT PRIMARY KEY,
		yield_quote_id TEXT NOT NULL,
		owner_user_id TEXT NOT NULL,
		final_tx_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- identity_claims: IdentityClaim table (spec §3).
	CREATE TABLE IF NOT EXISTS identity_claims (
		username TEXT PRIMARY KEY,
		username_hash TEXT NOT NULL,
		display_name_hash TEXT,
		wallet_address TEXT NOT NULL,
		claim_tx_id TEXT NOT NULL,
		program_id TEXT,
		function_name TEXT,
		claimed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_identity_wallet ON identity_claims(wallet_address);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
