package policy

import (
	"testing"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
)

func TestHashToFieldFixtures(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"user:alice", 7591812323833019248},
		{"memo", 4828430146670440099},
	}
	for _, c := range cases {
		if got := HashToField(c.in); got != c.want {
			t.Errorf("HashToField(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestVerifyPolicyMismatch(t *testing.T) {
	pol := NewFeaturePolicy(FeatureSwap, "envelop_swap.aleo", []string{"create_swap_request", "settle_swap_onchain"}, true)
	decoded := DecodedTx{
		Transitions: []Transition{
			{ProgramID: "envelop_payments.aleo", FunctionName: "create_payment_intent", Signer: "aleo1owner"},
		},
	}

	_, err := Verify(decoded, pol, "aleo1owner", nil)
	if err == nil || err.Kind != apperr.PolicyMismatch {
		t.Fatalf("Verify() error = %v, want policy_mismatch", err)
	}
}

func TestVerifySuccess(t *testing.T) {
	pol := NewFeaturePolicy(FeatureSwap, "envelop_swap.aleo", []string{"create_swap_request", "settle_swap_onchain"}, true)
	decoded := DecodedTx{
		Transitions: []Transition{
			{ProgramID: "envelop_swap.aleo", FunctionName: "create_swap_request", Signer: "aleo1owner"},
			{ProgramID: "envelop_swap.aleo", FunctionName: "settle_swap_onchain", Signer: "aleo1owner"},
		},
	}

	res, err := Verify(decoded, pol, "aleo1owner", nil)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Matched.FunctionName != "create_swap_request" {
		t.Errorf("Matched.FunctionName = %s, want create_swap_request (first matching transition)", res.Matched.FunctionName)
	}
}

func TestVerifySignerMismatchEnforced(t *testing.T) {
	pol := NewFeaturePolicy(FeatureSwap, "envelop_swap.aleo", []string{"create_swap_request"}, true)
	decoded := DecodedTx{
		Transitions: []Transition{
			{ProgramID: "envelop_swap.aleo", FunctionName: "create_swap_request", Signer: "aleo1someoneelse"},
		},
	}

	_, err := Verify(decoded, pol, "aleo1owner", nil)
	if err == nil || err.Kind != apperr.SignerMismatch {
		t.Fatalf("Verify() error = %v, want signer_mismatch", err)
	}
}

func TestVerifySignerMismatchWarningOnly(t *testing.T) {
	pol := NewFeaturePolicy(FeatureSwap, "envelop_swap.aleo", []string{"create_swap_request"}, false)
	decoded := DecodedTx{
		Transitions: []Transition{
			{ProgramID: "envelop_swap.aleo", FunctionName: "create_swap_request", Signer: "aleo1someoneelse"},
		},
	}

	res, err := Verify(decoded, pol, "aleo1owner", nil)
	if err != nil {
		t.Fatalf("Verify() error = %v, want success with warning", err)
	}
	if res.Warning == "" {
		t.Error("expected a warning when require_fee_payer_match is false and signer differs")
	}
}

func TestVerifyEmptyAllowedFunctionsAlwaysMismatch(t *testing.T) {
	pol := NewFeaturePolicy(FeatureSwap, "envelop_swap.aleo", nil, true)
	decoded := DecodedTx{
		Transitions: []Transition{
			{ProgramID: "envelop_swap.aleo", FunctionName: "create_swap_request", Signer: "aleo1owner"},
		},
	}

	_, err := Verify(decoded, pol, "aleo1owner", nil)
	if err == nil || err.Kind != apperr.PolicyMismatch {
		t.Fatalf("Verify() error = %v, want policy_mismatch for empty allowed function set", err)
	}
}

func TestVerifyIdentityClaimHashMismatch(t *testing.T) {
	pol := NewFeaturePolicy(FeatureIdentityClaim, "envelop_identity.aleo", []string{"claim_username"}, true)
	decoded := DecodedTx{
		Transitions: []Transition{
			{
				ProgramID: "envelop_identity.aleo", FunctionName: "claim_username", Signer: "aleo1owner",
				Inputs: map[string]string{"username_hash": "0field"},
			},
		},
	}

	_, err := Verify(decoded, pol, "aleo1owner", &ClaimInput{Username: "alice"})
	if err == nil || err.Kind != apperr.ClaimInputMismatch {
		t.Fatalf("Verify() error = %v, want claim_input_mismatch", err)
	}
}

func TestVerifyIdentityClaimHashMatch(t *testing.T) {
	pol := NewFeaturePolicy(FeatureIdentityClaim, "envelop_identity.aleo", []string{"claim_username"}, true)
	decoded := DecodedTx{
		Transitions: []Transition{
			{
				ProgramID: "envelop_identity.aleo", FunctionName: "claim_username", Signer: "aleo1owner",
				Inputs: map[string]string{"username_hash": "7591812323833019248field"},
			},
		},
	}

	if _, err := Verify(decoded, pol, "aleo1owner", &ClaimInput{Username: "alice"}); err != nil {
		t.Fatalf("Verify() error = %v, want success", err)
	}
}
