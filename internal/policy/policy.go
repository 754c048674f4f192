// Package policy implements the Transaction Policy Verifier (TPV): a pure
// function that checks a decoded chain transaction against a feature's
// allowed program id, allowed function names and fee-payer requirement.
// It never calls the chain status oracle and has no side effects.
package policy

import (
	"fmt"
	"strings"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/pkg/helpers"
)

// Transition is one (program_id, function_name) invocation within a tx.
type Transition struct {
	ProgramID    string
	FunctionName string
	Signer       string
	// Inputs carries recorded field-literal inputs for transitions that need
	// hash verification (identity_claim), e.g. "username_hash" -> "<n>field".
	Inputs map[string]string
}

// DecodedTx is CSO's decoded output for a confirmed transaction.
type DecodedTx struct {
	ProgramID     string
	FunctionName  string
	SignerAddress string
	Transitions   []Transition
}

// FeatureKind enumerates the closed set of settlement features from spec §3.
type FeatureKind string

const (
	FeatureSwap           FeatureKind = "swap"
	FeaturePaymentCreate  FeatureKind = "payment_create"
	FeaturePaymentSettle  FeatureKind = "payment_settle"
	FeatureInvoiceCreate  FeatureKind = "invoice_create"
	FeatureInvoicePay     FeatureKind = "invoice_pay"
	FeatureYieldStep      FeatureKind = "yield_step"
	FeatureIdentityClaim  FeatureKind = "identity_claim"
)

// FeaturePolicy is the process-wide, immutable policy row for one feature kind.
type FeaturePolicy struct {
	FeatureKind          FeatureKind
	AllowedProgramID     string
	AllowedFunctionNames map[string]struct{}
	RequireFeePayerMatch bool
}

// NewFeaturePolicy builds a FeaturePolicy from a plain function-name list.
func NewFeaturePolicy(kind FeatureKind, programID string, functionNames []string, requireFeePayerMatch bool) FeaturePolicy {
	set := make(map[string]struct{}, len(functionNames))
	for _, fn := range functionNames {
		set[fn] = struct{}{}
	}
	return FeaturePolicy{
		FeatureKind:          kind,
		AllowedProgramID:     programID,
		AllowedFunctionNames: set,
		RequireFeePayerMatch: requireFeePayerMatch,
	}
}

// ClaimInput carries the raw strings an identity_claim verification must
// re-hash and compare against the transition's recorded field literals.
type ClaimInput struct {
	Username    string
	DisplayName string
}

// Result is returned by a successful Verify.
type Result struct {
	Matched Transition
	Warning string
}

// Verify implements spec §4.2's three ordered rules, first failure wins.
func Verify(decoded DecodedTx, pol FeaturePolicy, expectedWalletAddress string, claim *ClaimInput) (*Result, *apperr.Error) {
	// Rule 1: at least one transition matches (program_id, function_name).
	var matched *Transition
	for i := range decoded.Transitions {
		t := &decoded.Transitions[i]
		if t.ProgramID != pol.AllowedProgramID {
			continue
		}
		if _, ok := pol.AllowedFunctionNames[t.FunctionName]; !ok {
			continue
		}
		matched = t
		break
	}
	if matched == nil {
		return nil, apperr.New(apperr.PolicyMismatch,
			"no transition matches program_id=%s with an allowed function name", pol.AllowedProgramID)
	}

	result := &Result{Matched: *matched}

	// Rule 2: signer/fee-payer match.
	signer := matched.Signer
	if signer == "" {
		signer = decoded.SignerAddress
	}
	if signer != expectedWalletAddress {
		if pol.RequireFeePayerMatch {
			return nil, apperr.New(apperr.SignerMismatch,
				"transition signer %s does not match expected wallet %s", signer, expectedWalletAddress)
		}
		result.Warning = fmt.Sprintf("signer %s does not match expected wallet %s (fee payer match not enforced)", signer, expectedWalletAddress)
	}

	// Rule 3: identity claim hash verification.
	if pol.FeatureKind == FeatureIdentityClaim && claim != nil {
		if err := verifyClaimHashes(*matched, *claim); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func verifyClaimHashes(t Transition, claim ClaimInput) *apperr.Error {
	wantUsername := FieldLiteral(HashToField("user:" + strings.ToLower(claim.Username)))
	if got := t.Inputs["username_hash"]; helpers.CompareBytes([]byte(got), []byte(wantUsername)) != 0 {
		return apperr.New(apperr.ClaimInputMismatch,
			"username_hash mismatch: transition has %s, recomputed %s", got, wantUsername)
	}

	if claim.DisplayName != "" {
		wantDisplay := FieldLiteral(HashToField(claim.DisplayName))
		if got := t.Inputs["display_name_hash"]; got != "" && helpers.CompareBytes([]byte(got), []byte(wantDisplay)) != 0 {
			return apperr.New(apperr.ClaimInputMismatch,
				"display_name_hash mismatch: transition has %s, recomputed %s", got, wantDisplay)
		}
	}

	return nil
}

// FieldLiteral renders a hash-to-field output in the "<n>field" syntax used
// throughout the glossary and by on-chain programs. Exported so callers that
// persist a claim's recomputed hashes (e.g. settlement's identity_claim
// handler) don't duplicate the format.
func FieldLiteral(n uint64) string {
	return fmt.Sprintf("%dfield", n)
}
