package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/internal/policy"
	"github.com/envelop-relayer/settlement-core/internal/relay"
	"github.com/envelop-relayer/settlement-core/internal/settlement"
)

// relaySubmitRequest is POST /relay/submit's body (spec.md §6.1).
type relaySubmitRequest struct {
	SerializedTransaction string `json:"serialized_transaction"`
	TxID                  string `json:"tx_id"`
	ClientTxID            string `json:"client_tx_id"`
}

type relaySubmitResponse struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
	Mode         string `json:"mode"`
	TxID         string `json:"tx_id,omitempty"`
	Note         string `json:"note,omitempty"`
}

func (s *Server) handleRelaySubmit(w http.ResponseWriter, r *http.Request) {
	var req relaySubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}

	owner := ownerFromContext(r.Context())
	rec, aerr := s.app.RS.Submit(r.Context(), relay.SubmitRequest{
		OwnerUserID:  owner,
		SerializedTx: req.SerializedTransaction,
		TxID:         req.TxID,
		ClientTxID:   req.ClientTxID,
	})
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	resp := relaySubmitResponse{
		SubmissionID: rec.SubmissionID,
		Status:       rec.Status,
		Mode:         rec.SubmissionMode,
		TxID:         rec.TxID,
	}
	if rec.Status == "failed" {
		resp.Note = rec.ResponseBlob
	}
	writeJSON(w, http.StatusOK, resp)
}

type relayStatusResponse struct {
	TxID            string `json:"tx_id"`
	NormalizedState string `json:"normalized_state"`
	RawState        string `json:"raw_state"`
	Source          string `json:"source"`
}

// handleRelayStatus never returns 4xx for pending/unknown (spec.md §6.1):
// it always answers 200 with whatever CSO currently knows.
func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "tx_id")
	if r.URL.Query().Get("refresh") == "true" {
		s.app.CSO.Invalidate(txID)
	}

	result := s.app.CSO.Lookup(r.Context(), txID)
	writeJSON(w, http.StatusOK, relayStatusResponse{
		TxID:            txID,
		NormalizedState: string(result.State),
		RawState:        result.Raw,
		Source:          result.Source,
	})
}

type swapExecuteRequest struct {
	QuoteID string `json:"quote_id"`
	TxID    string `json:"tx_id"`
}

func (s *Server) handleSwapExecute(w http.ResponseWriter, r *http.Request) {
	var req swapExecuteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent := settlement.Intent{
		FeatureKind: policy.FeatureSwap,
		OwnerUserID: ownerFromContext(r.Context()),
		TxID:        req.TxID,
		QuoteID:     req.QuoteID,
	}
	s.settleAndRespond(w, r, intent, func(res *settlement.Result) interface{} { return res.SwapRecord })
}

type recipientRequest struct {
	Username      string `json:"username"`
	Phone         string `json:"phone"`
	WalletAddress string `json:"wallet_address"`
}

type paymentsSendRequest struct {
	TxID         string           `json:"tx_id"`
	Token        string           `json:"token"`
	AmountAtomic int64            `json:"amount_atomic"`
	Recipient    recipientRequest `json:"recipient"`
}

func (s *Server) handlePaymentsSend(w http.ResponseWriter, r *http.Request) {
	var req paymentsSendRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent := settlement.Intent{
		FeatureKind:  policy.FeaturePaymentSettle,
		OwnerUserID:  ownerFromContext(r.Context()),
		TxID:         req.TxID,
		Token:        req.Token,
		AmountAtomic: req.AmountAtomic,
		Recipient: settlement.RecipientRef{
			Username:      req.Recipient.Username,
			Phone:         req.Recipient.Phone,
			WalletAddress: req.Recipient.WalletAddress,
		},
	}
	s.settleAndRespond(w, r, intent, func(res *settlement.Result) interface{} { return res.PaymentRecord })
}

type invoicesCreateRequest struct {
	TxID         string `json:"tx_id"`
	Token        string `json:"token"`
	AmountAtomic int64  `json:"amount_atomic"`
}

func (s *Server) handleInvoicesCreate(w http.ResponseWriter, r *http.Request) {
	var req invoicesCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent := settlement.Intent{
		FeatureKind:  policy.FeatureInvoiceCreate,
		OwnerUserID:  ownerFromContext(r.Context()),
		TxID:         req.TxID,
		Token:        req.Token,
		AmountAtomic: req.AmountAtomic,
	}
	s.settleAndRespond(w, r, intent, func(res *settlement.Result) interface{} { return res.InvoiceRecord })
}

type invoicesPayRequest struct {
	TxID string `json:"tx_id"`
}

func (s *Server) handleInvoicesPay(w http.ResponseWriter, r *http.Request) {
	var req invoicesPayRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent := settlement.Intent{
		FeatureKind: policy.FeatureInvoicePay,
		OwnerUserID: ownerFromContext(r.Context()),
		TxID:        req.TxID,
		InvoiceID:   chi.URLParam(r, "id"),
	}
	s.settleAndRespond(w, r, intent, func(res *settlement.Result) interface{} { return res.PaymentRecord })
}

// planStep is the JSON shape yield_quotes.plan_transitions is stored as
// (an ordered [(program_id, function_name)] list, per storage/yield.go).
type planStep struct {
	ProgramID    string `json:"program_id"`
	FunctionName string `json:"function_name"`
}

type yieldSolveRequest struct {
	YieldQuoteID string   `json:"yield_quote_id"`
	TxIDs        []string `json:"tx_ids"`
}

func (s *Server) handleYieldSolve(w http.ResponseWriter, r *http.Request) {
	var req yieldSolveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	quote, err := s.app.Storage.GetYieldQuote(req.YieldQuoteID)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.StorageError, err, "failed to load yield quote"))
		return
	}
	if quote == nil {
		writeError(w, apperr.New(apperr.NotFound, "yield quote %s not found", req.YieldQuoteID))
		return
	}
	if aerr := requireOwnership(r.Context(), quote.OwnerUserID); aerr != nil {
		writeError(w, aerr)
		return
	}

	var steps []planStep
	if err := json.Unmarshal([]byte(quote.PlanTransitions), &steps); err != nil {
		writeError(w, apperr.Wrap(apperr.StorageError, err, "failed to decode planned transitions"))
		return
	}
	transitions := make([]policy.Transition, len(steps))
	for i, step := range steps {
		transitions[i] = policy.Transition{ProgramID: step.ProgramID, FunctionName: step.FunctionName}
	}

	intent := settlement.Intent{
		FeatureKind:     policy.FeatureYieldStep,
		OwnerUserID:     quote.OwnerUserID,
		TxIDs:           req.TxIDs,
		YieldQuoteID:    quote.YieldQuoteID,
		PlanTransitions: transitions,
	}
	s.settleAndRespond(w, r, intent, func(res *settlement.Result) interface{} { return res.YieldAction })
}

type meProfileRequest struct {
	TxID        string `json:"tx_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleMeProfile(w http.ResponseWriter, r *http.Request) {
	var req meProfileRequest
	if !decodeBody(w, r, &req) {
		return
	}

	intent := settlement.Intent{
		FeatureKind: policy.FeatureIdentityClaim,
		OwnerUserID: ownerFromContext(r.Context()),
		TxID:        req.TxID,
		Username:    req.Username,
		DisplayName: req.DisplayName,
	}
	s.settleAndRespond(w, r, intent, func(res *settlement.Result) interface{} { return res.IdentityClaim })
}

// settleAndRespond awaits SG for intent, pushes a WebSocket notification on
// any terminal outcome, and writes the feature row picker extracts as the
// success body (spec.md §6.1: "Success returns the feature row").
func (s *Server) settleAndRespond(w http.ResponseWriter, r *http.Request, intent settlement.Intent, picker func(*settlement.Result) interface{}) {
	res, aerr := s.app.SG.Settle(r.Context(), intent)

	s.wsHub.Broadcast(EventSettlementUpdate, settlementUpdateEvent{
		OwnerUserID: intent.OwnerUserID,
		FeatureKind: string(intent.FeatureKind),
		Outcome:     outcomeOf(res),
		Error:       errKindOf(aerr),
	})

	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, picker(res))
}

func outcomeOf(res *settlement.Result) string {
	if res == nil {
		return ""
	}
	return string(res.Outcome)
}

func errKindOf(aerr *apperr.Error) string {
	if aerr == nil {
		return ""
	}
	return string(aerr.Kind)
}
