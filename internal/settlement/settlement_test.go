package settlement

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/internal/chainstatus"
	"github.com/envelop-relayer/settlement-core/internal/ledger"
	"github.com/envelop-relayer/settlement-core/internal/policy"
	"github.com/envelop-relayer/settlement-core/internal/storage"
)

const (
	swapProgramID = "swap_router.aleo"
	claimProgram  = "identity.aleo"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "settlement-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testPolicies() map[policy.FeatureKind]policy.FeaturePolicy {
	return map[policy.FeatureKind]policy.FeaturePolicy{
		policy.FeatureSwap:          policy.NewFeaturePolicy(policy.FeatureSwap, swapProgramID, []string{"settle_swap_onchain"}, true),
		policy.FeaturePaymentSettle: policy.NewFeaturePolicy(policy.FeaturePaymentSettle, "credits.aleo", []string{"transfer_public"}, true),
		policy.FeatureInvoiceCreate: policy.NewFeaturePolicy(policy.FeatureInvoiceCreate, "credits.aleo", []string{"transfer_public"}, false),
		policy.FeatureInvoicePay:    policy.NewFeaturePolicy(policy.FeatureInvoicePay, "credits.aleo", []string{"transfer_public"}, true),
		policy.FeatureYieldStep:     policy.NewFeaturePolicy(policy.FeatureYieldStep, "vault.aleo", []string{"deposit", "stake", "claim"}, true),
		policy.FeatureIdentityClaim: policy.NewFeaturePolicy(policy.FeatureIdentityClaim, claimProgram, []string{"claim_username"}, true),
	}
}

func newTestGate(t *testing.T, cso *chainstatus.Oracle) (*Gate, *storage.Storage) {
	t.Helper()
	store := newTestStore(t)
	led := ledger.New(store)
	gate := NewGate(store, cso, led, testPolicies(), Config{
		PollInterval: 5 * time.Millisecond,
		Timeout:      50 * time.Millisecond,
	})
	return gate, store
}

func mustUpsertUser(t *testing.T, store *storage.Storage, userID, wallet string) {
	t.Helper()
	if err := store.UpsertUser(&storage.User{UserID: userID, WalletAddress: wallet}); err != nil {
		t.Fatalf("UpsertUser() error = %v", err)
	}
}

func TestSettleSwapHappyPath(t *testing.T) {
	mock := chainstatus.NewMockEndpointClient("primary")
	mock.SetResponse("at1swap", "confirmed", policy.DecodedTx{
		SignerAddress: "aleo1owner",
		Transitions: []policy.Transition{
			{ProgramID: swapProgramID, FunctionName: "settle_swap_onchain", Signer: "aleo1owner"},
		},
	})
	cso := chainstatus.NewOracle(mock, nil, time.Hour)

	gate, store := newTestGate(t, cso)
	mustUpsertUser(t, store, "u1", "aleo1owner")

	quote := &storage.SwapQuote{
		QuoteID: "q1", OwnerUserID: "u1", TokenIn: "usdc", TokenOut: "eth",
		AmountInAtomic: 1000, AmountOutAtomic: 500,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}
	if err := store.SaveSwapQuote(quote); err != nil {
		t.Fatalf("SaveSwapQuote() error = %v", err)
	}

	result, err := gate.Settle(context.Background(), Intent{
		FeatureKind: policy.FeatureSwap,
		OwnerUserID: "u1",
		TxID:        "at1swap",
		QuoteID:     "q1",
	})
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if result.Outcome != ledger.OutcomeConfirmedSettled {
		t.Fatalf("Outcome = %s, want confirmed_settled", result.Outcome)
	}
	if result.SwapRecord == nil || result.SwapRecord.AleoTxID != "at1swap" {
		t.Fatalf("unexpected swap record: %+v", result.SwapRecord)
	}

	// Idempotent re-settle is a no-op returning the prior outcome.
	again, err := gate.Settle(context.Background(), Intent{
		FeatureKind: policy.FeatureSwap, OwnerUserID: "u1", TxID: "at1swap", QuoteID: "q1",
	})
	if err != nil {
		t.Fatalf("second Settle() error = %v", err)
	}
	if again.Outcome != ledger.OutcomeConfirmedSettled || again.SwapRecord != nil {
		t.Errorf("expected bare no-op result on re-settle, got %+v", again)
	}
}

func TestSettlePolicyMismatchRecordsRejection(t *testing.T) {
	mock := chainstatus.NewMockEndpointClient("primary")
	mock.SetResponse("at1bad", "confirmed", policy.DecodedTx{
		SignerAddress: "aleo1owner",
		Transitions: []policy.Transition{
			{ProgramID: "unrelated.aleo", FunctionName: "whatever"},
		},
	})
	cso := chainstatus.NewOracle(mock, nil, time.Hour)

	gate, store := newTestGate(t, cso)
	mustUpsertUser(t, store, "u1", "aleo1owner")
	if err := store.SaveSwapQuote(&storage.SwapQuote{
		QuoteID: "q1", OwnerUserID: "u1", AmountInAtomic: 1, AmountOutAtomic: 1,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveSwapQuote() error = %v", err)
	}

	_, err := gate.Settle(context.Background(), Intent{
		FeatureKind: policy.FeatureSwap, OwnerUserID: "u1", TxID: "at1bad", QuoteID: "q1",
	})
	if err == nil || err.Kind != apperr.PolicyMismatch {
		t.Fatalf("Settle() error = %v, want policy_mismatch", err)
	}

	ev, gerr := store.GetLedgerEventByTxAndOutcome("at1bad", string(ledger.OutcomeConfirmedRejected))
	if gerr != nil || ev == nil {
		t.Errorf("confirmed_rejected ledger event = %+v (error %v), want one recorded", ev, gerr)
	}
}

func TestSettleFailedTxRecordsFailure(t *testing.T) {
	mock := chainstatus.NewMockEndpointClient("primary")
	mock.SetResponse("at1failed", "rejected", policy.DecodedTx{})
	cso := chainstatus.NewOracle(mock, nil, time.Hour)

	gate, store := newTestGate(t, cso)
	mustUpsertUser(t, store, "u1", "aleo1owner")
	if err := store.SaveSwapQuote(&storage.SwapQuote{
		QuoteID: "q1", OwnerUserID: "u1", AmountInAtomic: 1, AmountOutAtomic: 1,
		ExpiresAt: time.Now().Add(time.Hour), CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveSwapQuote() error = %v", err)
	}

	_, err := gate.Settle(context.Background(), Intent{
		FeatureKind: policy.FeatureSwap, OwnerUserID: "u1", TxID: "at1failed", QuoteID: "q1",
	})
	if err == nil || err.Kind != apperr.TxFailed {
		t.Fatalf("Settle() error = %v, want tx_failed", err)
	}

	ev, gerr := store.GetLedgerEventByTxAndOutcome("at1failed", string(ledger.OutcomeFailed))
	if gerr != nil || ev == nil {
		t.Errorf("failed ledger event = %+v (error %v), want one recorded", ev, gerr)
	}
}

func TestSettleTimeoutWhenTxStaysPending(t *testing.T) {
	mock := chainstatus.NewMockEndpointClient("primary")
	mock.SetResponse("at1stuck", "pending", policy.DecodedTx{})
	cso := chainstatus.NewOracle(mock, nil, time.Millisecond)

	gate, store := newTestGate(t, cso)
	mustUpsertUser(t, store, "u1", "aleo1owner")

	_, err := gate.Settle(context.Background(), Intent{
		FeatureKind: policy.FeaturePaymentSettle,
		OwnerUserID: "u1",
		TxID:        "at1stuck",
		Recipient:   RecipientRef{WalletAddress: "aleo1recipient"},
		Token:       "usdc",
		AmountAtomic: 10,
	})
	if err == nil || err.Kind != apperr.Timeout {
		t.Fatalf("Settle() error = %v, want timeout", err)
	}
}

func TestSettleYieldStepMultiTransition(t *testing.T) {
	mock := chainstatus.NewMockEndpointClient("primary")
	mock.SetResponse("at1step1", "confirmed", policy.DecodedTx{
		SignerAddress: "aleo1owner",
		Transitions:   []policy.Transition{{ProgramID: "vault.aleo", FunctionName: "deposit", Signer: "aleo1owner"}},
	})
	mock.SetResponse("at1step2", "confirmed", policy.DecodedTx{
		SignerAddress: "aleo1owner",
		Transitions:   []policy.Transition{{ProgramID: "vault.aleo", FunctionName: "stake", Signer: "aleo1owner"}},
	})
	cso := chainstatus.NewOracle(mock, nil, time.Hour)

	gate, store := newTestGate(t, cso)
	mustUpsertUser(t, store, "u1", "aleo1owner")

	result, err := gate.Settle(context.Background(), Intent{
		FeatureKind:  policy.FeatureYieldStep,
		OwnerUserID:  "u1",
		TxIDs:        []string{"at1step1", "at1step2"},
		YieldQuoteID: "yq1",
		PlanTransitions: []policy.Transition{
			{ProgramID: "vault.aleo", FunctionName: "deposit"},
			{ProgramID: "vault.aleo", FunctionName: "stake"},
		},
	})
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if result.YieldAction == nil || result.YieldAction.FinalTxID != "at1step2" {
		t.Fatalf("unexpected yield action: %+v", result.YieldAction)
	}
}

func TestSettleIdentityClaimOneShot(t *testing.T) {
	mock := chainstatus.NewMockEndpointClient("primary")
	wantHash := policy.FieldLiteral(policy.HashToField("user:alice"))
	mock.SetResponse("at1claim", "confirmed", policy.DecodedTx{
		SignerAddress: "aleo1owner",
		Transitions: []policy.Transition{{
			ProgramID: claimProgram, FunctionName: "claim_username", Signer: "aleo1owner",
			Inputs: map[string]string{"username_hash": wantHash},
		}},
	})
	cso := chainstatus.NewOracle(mock, nil, time.Hour)

	gate, store := newTestGate(t, cso)
	mustUpsertUser(t, store, "u1", "aleo1owner")

	result, err := gate.Settle(context.Background(), Intent{
		FeatureKind: policy.FeatureIdentityClaim,
		OwnerUserID: "u1",
		TxID:        "at1claim",
		Username:    "alice",
	})
	if err != nil {
		t.Fatalf("Settle() error = %v", err)
	}
	if result.IdentityClaim == nil || result.IdentityClaim.Username != "alice" {
		t.Fatalf("unexpected identity claim: %+v", result.IdentityClaim)
	}

	// A second claim of a different username by the same user is a conflict.
	mock.SetResponse("at1claim2", "confirmed", policy.DecodedTx{
		SignerAddress: "aleo1owner",
		Transitions: []policy.Transition{{
			ProgramID: claimProgram, FunctionName: "claim_username", Signer: "aleo1owner",
			Inputs: map[string]string{"username_hash": policy.FieldLiteral(policy.HashToField("user:alicia"))},
		}},
	})
	_, err = gate.Settle(context.Background(), Intent{
		FeatureKind: policy.FeatureIdentityClaim,
		OwnerUserID: "u1",
		TxID:        "at1claim2",
		Username:    "alicia",
	})
	if err == nil || err.Kind != apperr.Conflict {
		t.Fatalf("second Settle() error = %v, want conflict", err)
	}

	owner, gerr := store.GetUser("u1")
	if gerr != nil {
		t.Fatalf("GetUser() error = %v", gerr)
	}
	if owner.Username != "alice" {
		t.Errorf("user.Username = %q, want alice", owner.Username)
	}
}

func TestResolveRecipientPrefersUsername(t *testing.T) {
	store := newTestStore(t)
	led := ledger.New(store)
	gate := NewGate(store, nil, led, testPolicies(), Config{})

	mustUpsertUser(t, store, "u2", "aleo1bob")
	if err := store.WithTx(func(tx *sql.Tx) error {
		return store.SetUsernameTx(tx, "u2", "bob", "", "at1x")
	}); err != nil {
		t.Fatalf("SetUsernameTx() error = %v", err)
	}

	userID, wallet, verr := gate.resolveRecipient(RecipientRef{Username: "bob", WalletAddress: "aleo1other"})
	if verr != nil {
		t.Fatalf("resolveRecipient() error = %v", verr)
	}
	if userID != "u2" || wallet != "aleo1bob" {
		t.Errorf("resolveRecipient() = (%s, %s), want (u2, aleo1bob)", userID, wallet)
	}

	_, _, verr = gate.resolveRecipient(RecipientRef{Username: "nonexistent"})
	if verr == nil || verr.Kind != apperr.RecipientUnresolved {
		t.Fatalf("resolveRecipient() error = %v, want recipient_unresolved", verr)
	}
}
