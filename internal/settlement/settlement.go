// Package settlement implements the Settlement Gate (SG): the conductor
// that waits for a submitted transaction to reach a terminal chain state,
// verifies it against policy, and applies the matching feature handler in a
// single atomic storage transaction.
package settlement

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/internal/chainstatus"
	"github.com/envelop-relayer/settlement-core/internal/ledger"
	"github.com/envelop-relayer/settlement-core/internal/policy"
	"github.com/envelop-relayer/settlement-core/internal/storage"
	"github.com/envelop-relayer/settlement-core/pkg/helpers"
	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

// displayDecimals is the decimal precision used when rendering an atomic
// token amount in a log line. Aleo ARC-20 tokens (and the native credits
// program) both use 6 decimals.
const displayDecimals = 6

// RecipientRef is the set of identifiers a caller may use to name a payment
// or invoice recipient (spec §4.4 recipient resolution).
type RecipientRef struct {
	Username      string
	Phone         string
	WalletAddress string
}

// Intent is the Go rendering of spec §3's SettlementIntent: one flat struct
// carrying every feature's payload, since which fields are meaningful is
// determined entirely by FeatureKind.
type Intent struct {
	FeatureKind policy.FeatureKind
	OwnerUserID string

	// Single-tx features (swap, payment_settle, invoice_create, invoice_pay,
	// identity_claim): the tx id to gate on.
	TxID string

	// yield_step: the ordered list of tx ids, one per planned transition.
	TxIDs []string

	// swap
	QuoteID string

	// payment_settle
	Recipient    RecipientRef
	Token        string
	AmountAtomic int64

	// invoice_create / invoice_pay
	InvoiceID string

	// yield_step
	YieldQuoteID    string
	PlanTransitions []policy.Transition

	// identity_claim
	Username    string
	DisplayName string
}

// primaryTxID is the tx id SG gates single-tx features on.
func (in Intent) primaryTxID() string {
	if len(in.TxIDs) > 0 {
		return in.TxIDs[len(in.TxIDs)-1]
	}
	return in.TxID
}

// Result is SG's output: the outcome plus whichever feature row the handler
// produced (nil for terminal-without-apply outcomes).
type Result struct {
	Outcome       ledger.Outcome
	SwapRecord    *storage.SwapRecord
	PaymentRecord *storage.PaymentRecord
	InvoiceRecord *storage.InvoiceRecord
	YieldAction   *storage.YieldActionRecord
	IdentityClaim *storage.IdentityClaim
}

// Gate is SG.
type Gate struct {
	store    *storage.Storage
	cso      *chainstatus.Oracle
	ledger   *ledger.Ledger
	policies map[policy.FeatureKind]policy.FeaturePolicy

	pollInterval time.Duration
	timeout      time.Duration

	onchainLedger                   bool
	identityRequireOnchainRecipient bool

	locks *keyedMutex
	log   *logging.Logger
}

// Config configures a Gate.
type Config struct {
	PollInterval                    time.Duration
	Timeout                         time.Duration
	OnchainLedger                   bool
	IdentityRequireOnchainRecipient bool
}

// NewGate constructs SG.
func NewGate(store *storage.Storage, cso *chainstatus.Oracle, led *ledger.Ledger, policies map[policy.FeatureKind]policy.FeaturePolicy, cfg Config) *Gate {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	return &Gate{
		store:                            store,
		cso:                              cso,
		ledger:                           led,
		policies:                         policies,
		pollInterval:                     cfg.PollInterval,
		timeout:                          cfg.Timeout,
		onchainLedger:                    cfg.OnchainLedger,
		identityRequireOnchainRecipient:  cfg.IdentityRequireOnchainRecipient,
		locks:                            newKeyedMutex(),
		log:                              logging.GetDefault().Component("sg"),
	}
}

// Settle implements spec §4.4's settle(SettlementIntent) operation.
func (g *Gate) Settle(ctx context.Context, intent Intent) (*Result, *apperr.Error) {
	unlock := g.locks.Lock(intent.OwnerUserID + ":" + string(intent.FeatureKind))
	defer unlock()

	if existing, err := g.ledger.FindSettled(intent.primaryTxID()); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to check prior settlement")
	} else if existing != nil {
		return &Result{Outcome: ledger.OutcomeConfirmedSettled}, nil
	}

	if intent.FeatureKind == policy.FeatureYieldStep {
		return g.settleYieldStep(ctx, intent)
	}
	return g.settleSingleTx(ctx, intent)
}

func (g *Gate) settleSingleTx(ctx context.Context, intent Intent) (*Result, *apperr.Error) {
	txID := intent.TxID

	lookup, werr := g.waitForTerminal(ctx, txID)
	if werr != nil {
		if err := g.ledger.Append(nil, ledger.Record{
			FeatureKind: string(intent.FeatureKind), TxID: txID, OwnerUserID: intent.OwnerUserID, Outcome: ledger.OutcomeTimeout,
		}); err != nil {
			g.log.Error("failed to record timeout", "tx_id", txID, "error", err)
		}
		return nil, werr
	}
	if lookup.State == chainstatus.StateFailed {
		return g.recordTerminalFailure(intent, txID, ledger.OutcomeFailed, apperr.TxFailed,
			fmt.Sprintf("transaction %s failed on-chain", txID))
	}

	pol, ok := g.policies[intent.FeatureKind]
	if !ok {
		return nil, apperr.New(apperr.PolicyMismatch, "no policy configured for feature %s", intent.FeatureKind)
	}

	owner, err := g.store.GetUser(intent.OwnerUserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to load owner")
	}
	if owner == nil {
		return nil, apperr.New(apperr.NotFound, "user %s not found", intent.OwnerUserID)
	}

	var claim *policy.ClaimInput
	if intent.FeatureKind == policy.FeatureIdentityClaim {
		claim = &policy.ClaimInput{Username: intent.Username, DisplayName: intent.DisplayName}
	}

	verifyResult, verr := policy.Verify(lookup.Decoded, pol, owner.WalletAddress, claim)
	if verr != nil {
		if err := g.ledger.Append(nil, ledger.Record{
			FeatureKind: string(intent.FeatureKind), TxID: txID, OwnerUserID: intent.OwnerUserID,
			Outcome: ledger.OutcomeConfirmedRejected,
		}); err != nil {
			g.log.Error("failed to record policy rejection", "tx_id", txID, "error", err)
		}
		return nil, verr
	}

	// Recipient resolution for payment_settle happens before the transaction
	// (invoice_pay takes the invoice owner inside it): it is a read-only
	// lookup, not a mutation (spec §5's "SG
	// holds no DB lock across network I/O" applies symmetrically to reads
	// that don't need transactional consistency with the write).
	var recipientUserID, recipientWallet string
	if intent.FeatureKind == policy.FeaturePaymentSettle {
		recipientUserID, recipientWallet, verr = g.resolveRecipient(intent.Recipient)
		if verr != nil {
			return nil, verr
		}
	}

	result := &Result{}
	txErr := g.store.WithTx(func(tx *sql.Tx) error {
		var handlerErr *apperr.Error
		switch intent.FeatureKind {
		case policy.FeatureSwap:
			result.SwapRecord, handlerErr = g.handleSwap(tx, intent, txID)
		case policy.FeaturePaymentSettle:
			result.PaymentRecord, handlerErr = g.handlePaymentSettle(tx, intent, txID, recipientUserID, recipientWallet)
		case policy.FeatureInvoiceCreate:
			result.InvoiceRecord, handlerErr = g.handleInvoiceCreate(tx, intent, txID)
		case policy.FeatureInvoicePay:
			result.PaymentRecord, handlerErr = g.handleInvoicePay(tx, intent, txID)
		case policy.FeatureIdentityClaim:
			result.IdentityClaim, handlerErr = g.handleIdentityClaim(tx, intent)
		default:
			handlerErr = apperr.New(apperr.InvalidArgument, "feature %s has no settlement handler", intent.FeatureKind)
		}
		if handlerErr != nil {
			return handlerErr
		}

		return g.ledger.Append(tx, ledger.Record{
			FeatureKind: string(intent.FeatureKind), TxID: txID, OwnerUserID: intent.OwnerUserID,
			Outcome: ledger.OutcomeConfirmedSettled, ProgramID: verifyResult.Matched.ProgramID,
			FunctionName: verifyResult.Matched.FunctionName,
		})
	})
	if txErr != nil {
		var ae *apperr.Error
		if apperr.As(txErr, &ae) {
			return nil, ae
		}
		return nil, apperr.Wrap(apperr.StorageError, txErr, "settlement transaction failed")
	}

	result.Outcome = ledger.OutcomeConfirmedSettled
	return result, nil
}

// settleYieldStep handles spec §4.4's multi-step yield flow: each tx id in
// intent.TxIDs is independently waited-for and policy-verified against its
// corresponding planned transition, in order; any failure aborts the whole
// intent before any storage write happens.
func (g *Gate) settleYieldStep(ctx context.Context, intent Intent) (*Result, *apperr.Error) {
	if len(intent.TxIDs) != len(intent.PlanTransitions) {
		return nil, apperr.New(apperr.InvalidArgument,
			"yield_step requires one tx id per planned transition (%d ids, %d transitions)",
			len(intent.TxIDs), len(intent.PlanTransitions))
	}

	pol, ok := g.policies[policy.FeatureYieldStep]
	if !ok {
		return nil, apperr.New(apperr.PolicyMismatch, "no policy configured for feature yield_step")
	}

	owner, err := g.store.GetUser(intent.OwnerUserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to load owner")
	}
	if owner == nil {
		return nil, apperr.New(apperr.NotFound, "user %s not found", intent.OwnerUserID)
	}

	for i, txID := range intent.TxIDs {
		planned := intent.PlanTransitions[i]

		lookup, werr := g.waitForTerminal(ctx, txID)
		if werr != nil {
			if err := g.ledger.Append(nil, ledger.Record{
				FeatureKind: string(policy.FeatureYieldStep), TxID: txID, OwnerUserID: intent.OwnerUserID, Outcome: ledger.OutcomeTimeout,
			}); err != nil {
				g.log.Error("failed to record yield step timeout", "tx_id", txID, "error", err)
			}
			return nil, werr
		}
		if lookup.State == chainstatus.StateFailed {
			return g.recordTerminalFailure(intent, txID, ledger.OutcomeFailed, apperr.TxFailed,
				fmt.Sprintf("yield step transaction %s failed on-chain", txID))
		}

		stepPolicy := policy.NewFeaturePolicy(policy.FeatureYieldStep, planned.ProgramID, []string{planned.FunctionName}, pol.RequireFeePayerMatch)
		if _, verr := policy.Verify(lookup.Decoded, stepPolicy, owner.WalletAddress, nil); verr != nil {
			if err := g.ledger.Append(nil, ledger.Record{
				FeatureKind: string(policy.FeatureYieldStep), TxID: txID, OwnerUserID: intent.OwnerUserID,
				Outcome: ledger.OutcomeConfirmedRejected,
			}); err != nil {
				g.log.Error("failed to record yield step rejection", "tx_id", txID, "error", err)
			}
			return nil, verr
		}
	}

	finalTxID := intent.TxIDs[len(intent.TxIDs)-1]
	result := &Result{}
	txErr := g.store.WithTx(func(tx *sql.Tx) error {
		rec := &storage.YieldActionRecord{
			YieldActionID: uuid.NewString(),
			YieldQuoteID:  intent.YieldQuoteID,
			OwnerUserID:   intent.OwnerUserID,
			FinalTxID:     finalTxID,
			CreatedAt:     time.Now(),
		}
		if err := g.store.SaveYieldActionTx(tx, rec); err != nil {
			return apperr.Wrap(apperr.StorageError, err, "failed to save yield action")
		}
		result.YieldAction = rec

		return g.ledger.Append(tx, ledger.Record{
			FeatureKind: string(policy.FeatureYieldStep), TxID: finalTxID, OwnerUserID: intent.OwnerUserID,
			Outcome: ledger.OutcomeConfirmedSettled,
		})
	})
	if txErr != nil {
		var ae *apperr.Error
		if apperr.As(txErr, &ae) {
			return nil, ae
		}
		return nil, apperr.Wrap(apperr.StorageError, txErr, "settlement transaction failed")
	}

	result.Outcome = ledger.OutcomeConfirmedSettled
	return result, nil
}

// waitForTerminal implements spec §4.4 step 1's polling loop.
func (g *Gate) waitForTerminal(ctx context.Context, txID string) (chainstatus.LookupResult, *apperr.Error) {
	deadline := time.Now().Add(g.timeout)
	for {
		result := g.cso.Lookup(ctx, txID)
		if result.State == chainstatus.StateConfirmed || result.State == chainstatus.StateFailed {
			return result, nil
		}

		if !time.Now().Before(deadline) {
			return result, apperr.New(apperr.Timeout, "timed out waiting for tx %s to reach a terminal state", txID).
				WithTxState(string(result.State), result.Raw)
		}

		select {
		case <-ctx.Done():
			return result, apperr.Wrap(apperr.Timeout, ctx.Err(), "context cancelled while waiting for tx %s", txID)
		case <-time.After(g.pollInterval):
		}
	}
}

func (g *Gate) recordTerminalFailure(intent Intent, txID string, outcome ledger.Outcome, kind apperr.Kind, message string) (*Result, *apperr.Error) {
	if err := g.ledger.Append(nil, ledger.Record{
		FeatureKind: string(intent.FeatureKind), TxID: txID, OwnerUserID: intent.OwnerUserID, Outcome: outcome,
	}); err != nil {
		g.log.Error("failed to record terminal failure", "tx_id", txID, "error", err)
	}
	return nil, apperr.New(kind, "%s", message)
}

// resolveRecipient implements spec §4.4's recipient resolution order:
// username via the on-chain claim index, else phone, else raw address.
func (g *Gate) resolveRecipient(ref RecipientRef) (userID, walletAddress string, aerr *apperr.Error) {
	if ref.Username != "" {
		u, err := g.store.GetUserByUsername(ref.Username)
		if err != nil {
			return "", "", apperr.Wrap(apperr.StorageError, err, "failed to resolve username")
		}
		if u == nil {
			return "", "", apperr.New(apperr.RecipientUnresolved, "no user bound to username %q", ref.Username)
		}
		return u.UserID, u.WalletAddress, nil
	}

	if g.identityRequireOnchainRecipient {
		return "", "", apperr.New(apperr.RecipientUnresolved, "recipient must be resolved via an on-chain username claim")
	}

	if ref.Phone != "" {
		u, err := g.store.GetUserByPhone(ref.Phone)
		if err != nil {
			return "", "", apperr.Wrap(apperr.StorageError, err, "failed to resolve phone")
		}
		if u != nil {
			return u.UserID, u.WalletAddress, nil
		}
	}

	if ref.WalletAddress != "" {
		u, err := g.store.GetUserByWalletAddress(ref.WalletAddress)
		if err != nil {
			return "", "", apperr.Wrap(apperr.StorageError, err, "failed to resolve wallet address")
		}
		if u != nil {
			return u.UserID, u.WalletAddress, nil
		}
		return "", ref.WalletAddress, nil
	}

	return "", "", apperr.New(apperr.InvalidArgument, "no recipient identifier supplied")
}

func (g *Gate) handleSwap(tx *sql.Tx, intent Intent, txID string) (*storage.SwapRecord, *apperr.Error) {
	quote, err := g.store.GetSwapQuoteForUpdateTx(tx, intent.QuoteID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to load swap quote")
	}
	if quote == nil {
		return nil, apperr.New(apperr.NotFound, "swap quote %s not found", intent.QuoteID)
	}
	if quote.OwnerUserID != intent.OwnerUserID {
		return nil, apperr.New(apperr.Forbidden, "swap quote %s does not belong to owner", intent.QuoteID)
	}
	if !quote.ConsumedAt.IsZero() {
		return nil, apperr.New(apperr.Conflict, "swap quote %s already consumed", intent.QuoteID)
	}
	if !time.Now().Before(quote.ExpiresAt) {
		return nil, apperr.New(apperr.InvalidArgument, "swap quote %s has expired", intent.QuoteID)
	}

	rec := &storage.SwapRecord{
		SwapID:          uuid.NewString(),
		QuoteID:         quote.QuoteID,
		OwnerUserID:     quote.OwnerUserID,
		AleoTxID:        txID,
		TokenIn:         quote.TokenIn,
		TokenOut:        quote.TokenOut,
		AmountInAtomic:  quote.AmountInAtomic,
		AmountOutAtomic: quote.AmountOutAtomic,
		CreatedAt:       time.Now(),
	}

	if err := g.store.MarkSwapQuoteConsumedTx(tx, quote.QuoteID); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to mark swap quote consumed")
	}
	if err := g.store.SaveSwapTx(tx, rec); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to save swap")
	}
	g.log.Info("swap settled", "swap_id", rec.SwapID, "tx_id", txID,
		"amount_in", helpers.FormatAmount(uint64(quote.AmountInAtomic), displayDecimals), "token_in", quote.TokenIn,
		"amount_out", helpers.FormatAmount(uint64(quote.AmountOutAtomic), displayDecimals), "token_out", quote.TokenOut)

	if !g.onchainLedger {
		if err := g.store.AdjustBalanceTx(tx, quote.OwnerUserID, quote.TokenIn, -quote.AmountInAtomic); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "failed to debit token_in")
		}
		if err := g.store.AdjustBalanceTx(tx, quote.OwnerUserID, quote.TokenOut, quote.AmountOutAtomic); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "failed to credit token_out")
		}
	}

	return rec, nil
}

func (g *Gate) handlePaymentSettle(tx *sql.Tx, intent Intent, txID, recipientUserID, recipientWallet string) (*storage.PaymentRecord, *apperr.Error) {
	rec := &storage.PaymentRecord{
		PaymentID:              uuid.NewString(),
		SenderUserID:           intent.OwnerUserID,
		RecipientUserID:        recipientUserID,
		RecipientWalletAddress: recipientWallet,
		Token:                  intent.Token,
		AmountAtomic:           intent.AmountAtomic,
		TxID:                   txID,
		CreatedAt:              time.Now(),
	}
	if err := g.store.SavePaymentTx(tx, rec); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to save payment")
	}
	g.log.Info("payment settled", "payment_id", rec.PaymentID, "tx_id", txID,
		"amount", helpers.FormatAmount(uint64(intent.AmountAtomic), displayDecimals), "token", intent.Token)

	if !g.onchainLedger {
		if err := g.store.AdjustBalanceTx(tx, intent.OwnerUserID, intent.Token, -intent.AmountAtomic); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "failed to debit sender")
		}
		if recipientUserID != "" {
			if err := g.store.AdjustBalanceTx(tx, recipientUserID, intent.Token, intent.AmountAtomic); err != nil {
				return nil, apperr.Wrap(apperr.StorageError, err, "failed to credit recipient")
			}
		}
	}

	return rec, nil
}

func (g *Gate) handleInvoiceCreate(tx *sql.Tx, intent Intent, txID string) (*storage.InvoiceRecord, *apperr.Error) {
	rec := &storage.InvoiceRecord{
		InvoiceID:    uuid.NewString(),
		OwnerUserID:  intent.OwnerUserID,
		Token:        intent.Token,
		AmountAtomic: intent.AmountAtomic,
		Status:       "open",
		CreateTxID:   txID,
		CreatedAt:    time.Now(),
	}
	if err := g.store.SaveInvoiceTx(tx, rec); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to save invoice")
	}
	return rec, nil
}

func (g *Gate) handleInvoicePay(tx *sql.Tx, intent Intent, txID string) (*storage.PaymentRecord, *apperr.Error) {
	inv, err := g.store.GetInvoiceForUpdateTx(tx, intent.InvoiceID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to load invoice")
	}
	if inv == nil {
		return nil, apperr.New(apperr.NotFound, "invoice %s not found", intent.InvoiceID)
	}
	if inv.Status != "open" {
		return nil, apperr.New(apperr.Conflict, "invoice %s is not open", intent.InvoiceID)
	}

	recipient, err := g.store.GetUserTx(tx, inv.OwnerUserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to load invoice owner")
	}
	if recipient == nil {
		return nil, apperr.New(apperr.NotFound, "invoice owner %s not found", inv.OwnerUserID)
	}

	rec := &storage.PaymentRecord{
		PaymentID:              uuid.NewString(),
		SenderUserID:           intent.OwnerUserID,
		RecipientUserID:        recipient.UserID,
		RecipientWalletAddress: recipient.WalletAddress,
		Token:                  inv.Token,
		AmountAtomic:           inv.AmountAtomic,
		TxID:                   txID,
		InvoiceID:              inv.InvoiceID,
		CreatedAt:              time.Now(),
	}
	if err := g.store.SavePaymentTx(tx, rec); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to save payment")
	}
	if err := g.store.MarkInvoicePaidTx(tx, inv.InvoiceID, txID); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to mark invoice paid")
	}
	g.log.Info("invoice paid", "invoice_id", inv.InvoiceID, "tx_id", txID,
		"amount", helpers.FormatAmount(uint64(inv.AmountAtomic), displayDecimals), "token", inv.Token)

	if !g.onchainLedger {
		if err := g.store.AdjustBalanceTx(tx, intent.OwnerUserID, inv.Token, -inv.AmountAtomic); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "failed to debit payer")
		}
		if err := g.store.AdjustBalanceTx(tx, recipient.UserID, inv.Token, inv.AmountAtomic); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "failed to credit invoice owner")
		}
	}

	return rec, nil
}

func (g *Gate) handleIdentityClaim(tx *sql.Tx, intent Intent) (*storage.IdentityClaim, *apperr.Error) {
	owner, err := g.store.GetUserTx(tx, intent.OwnerUserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to load owner")
	}
	if owner == nil {
		return nil, apperr.New(apperr.NotFound, "user %s not found", intent.OwnerUserID)
	}

	// One-shot per user: once bound, a different username is a conflict; the
	// same username with a fresh confirmed tx just re-verifies (spec §4.4
	// edge case).
	if owner.Username != "" && owner.Username != intent.Username {
		return nil, apperr.New(apperr.Conflict, "user %s already owns username %q", intent.OwnerUserID, owner.Username)
	}

	existing, err := g.store.GetIdentityClaimTx(tx, intent.Username)
	if err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to load identity claim")
	}
	if existing != nil {
		if existing.WalletAddress != owner.WalletAddress {
			return nil, apperr.New(apperr.Conflict, "username %q is already bound to a different wallet", intent.Username)
		}
		return existing, nil
	}

	claim := &storage.IdentityClaim{
		Username:      intent.Username,
		UsernameHash:  policy.FieldLiteral(policy.HashToField("user:" + strings.ToLower(intent.Username))),
		WalletAddress: owner.WalletAddress,
		ClaimTxID:     intent.TxID,
		ClaimedAt:     time.Now(),
	}
	if intent.DisplayName != "" {
		claim.DisplayNameHash = policy.FieldLiteral(policy.HashToField(intent.DisplayName))
	}
	if err := g.store.SaveIdentityClaimTx(tx, claim); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to save identity claim")
	}

	if err := g.store.SetUsernameTx(tx, intent.OwnerUserID, intent.Username, intent.DisplayName, intent.TxID); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to bind username to user")
	}

	return claim, nil
}

// keyedMutex serializes operations sharing the same string key (spec §5:
// "within one user, SG serializes intents of the same feature_kind").
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	lock, ok := k.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		k.locks[key] = lock
	}
	k.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
