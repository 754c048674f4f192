package storage

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "relayer-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestNew(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "relayer-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	store, err := New(&Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	dbPath := filepath.Join(tmpDir, "relayer.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")
	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
}

func TestStorageSchema(t *testing.T) {
	store := newTestStorage(t)

	tables := []string{
		"users", "balances", "submissions", "tx_status_snapshots",
		"settlement_events", "swap_quotes", "swaps", "payments",
		"invoices", "yield_quotes", "yield_actions", "identity_claims",
	}
	for _, table := range tables {
		var name string
		err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestSubmissionIdempotency(t *testing.T) {
	store := newTestStorage(t)

	rec := &SubmissionRecord{
		SubmissionID:   "sub1",
		OwnerUserID:    "user1",
		ClientTxID:     "client1",
		TxID:           "at1aaa",
		SubmissionMode: "register_only",
		Status:         "accepted",
		CreatedAt:      time.Now(),
	}
	if err := store.SaveSubmission(rec); err != nil {
		t.Fatalf("SaveSubmission() error = %v", err)
	}

	got, err := store.GetSubmissionByClientTxID("user1", "client1")
	if err != nil {
		t.Fatalf("GetSubmissionByClientTxID() error = %v", err)
	}
	if got == nil || got.SubmissionID != "sub1" {
		t.Fatalf("GetSubmissionByClientTxID() = %+v, want submission_id=sub1", got)
	}

	// A second insert of the same (owner_user_id, client_tx_id) pair violates
	// the UNIQUE constraint, which is the storage-level backstop for the
	// idempotency invariant enforced at the RS layer.
	if err := store.SaveSubmission(rec); err == nil {
		t.Fatal("SaveSubmission() with duplicate (owner_user_id, client_tx_id) should fail")
	}
}

func TestTxStatusSnapshotLastWriterWins(t *testing.T) {
	store := newTestStorage(t)

	older := &TxStatusSnapshot{TxID: "at1", NormalizedState: "pending", RawStateString: "pending", SourceEndpoint: "primary", FetchedAt: time.Now()}
	if err := store.SaveTxStatusSnapshot(older); err != nil {
		t.Fatalf("SaveTxStatusSnapshot() error = %v", err)
	}

	newer := &TxStatusSnapshot{TxID: "at1", NormalizedState: "confirmed", RawStateString: "confirmed", SourceEndpoint: "primary", FetchedAt: older.FetchedAt.Add(time.Second)}
	if err := store.SaveTxStatusSnapshot(newer); err != nil {
		t.Fatalf("SaveTxStatusSnapshot() error = %v", err)
	}

	got, err := store.GetTxStatusSnapshot("at1")
	if err != nil {
		t.Fatalf("GetTxStatusSnapshot() error = %v", err)
	}
	if got.NormalizedState != "confirmed" {
		t.Errorf("NormalizedState = %s, want confirmed", got.NormalizedState)
	}
}

func TestBalanceAdjustment(t *testing.T) {
	store := newTestStorage(t)

	if err := store.UpsertUser(&User{UserID: "u1", WalletAddress: "aleo1owner"}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}

	if err := store.WithTx(func(tx *sql.Tx) error {
		return store.AdjustBalanceTx(tx, "u1", "USDC", 500_000)
	}); err != nil {
		t.Fatalf("adjust balance error = %v", err)
	}
	if err := store.WithTx(func(tx *sql.Tx) error {
		return store.AdjustBalanceTx(tx, "u1", "USDC", -200_000)
	}); err != nil {
		t.Fatalf("adjust balance error = %v", err)
	}

	var bal int64
	if err := store.WithTx(func(tx *sql.Tx) error {
		var err error
		bal, err = store.GetBalanceTx(tx, "u1", "USDC")
		return err
	}); err != nil {
		t.Fatalf("read balance error = %v", err)
	}
	if bal != 300_000 {
		t.Errorf("balance = %d, want 300000", bal)
	}
}
