// Package relay implements the Relay Submitter (RS): it forwards serialized
// ZK transactions to a configured broadcast endpoint, or registers a
// client-supplied transaction id, persisting a SubmissionRecord either way.
package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/internal/retry"
	"github.com/envelop-relayer/settlement-core/internal/storage"
	"github.com/envelop-relayer/settlement-core/pkg/logging"
)

// PayloadMode controls how RS wraps the outgoing broadcast payload.
type PayloadMode string

const (
	PayloadRaw     PayloadMode = "raw"
	PayloadAuto    PayloadMode = "auto"
	PayloadWrapped PayloadMode = "wrapped"
)

// SubmitRequest is the input to Submit (spec §4.3).
type SubmitRequest struct {
	OwnerUserID   string
	SerializedTx  string
	TxID          string
	ClientTxID    string
}

// Config configures RS's broadcast behavior.
type Config struct {
	SubmitURL   string
	PayloadMode PayloadMode
	// RetryEnabled resolves the spec §9 open question: off by default.
	RetryEnabled bool
	RetryPolicy  retry.Policy
}

// Submitter is the Relay Submitter.
type Submitter struct {
	store  *storage.Storage
	cfg    Config
	client *http.Client
	log    *logging.Logger
}

// NewSubmitter constructs an RS.
func NewSubmitter(store *storage.Storage, cfg Config) *Submitter {
	if cfg.RetryPolicy.MaxAttempts == 0 {
		cfg.RetryPolicy = retry.Policy{Base: 2 * time.Second, Max: 30 * time.Second, Factor: 2, MaxAttempts: 3}
	}
	return &Submitter{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    logging.GetDefault().Component("rs"),
	}
}

// Submit implements spec §4.3's submit operation.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*storage.SubmissionRecord, *apperr.Error) {
	if req.SerializedTx == "" && req.TxID == "" {
		return nil, apperr.New(apperr.InvalidArgument, "exactly one of serialized_tx or tx_id must be present")
	}
	if req.SerializedTx != "" && req.TxID != "" {
		return nil, apperr.New(apperr.InvalidArgument, "exactly one of serialized_tx or tx_id must be present")
	}

	if req.ClientTxID != "" {
		existing, err := s.store.GetSubmissionByClientTxID(req.OwnerUserID, req.ClientTxID)
		if err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "failed to check idempotency")
		}
		if existing != nil {
			return existing, nil
		}
	}

	if req.TxID != "" {
		return s.registerOnly(req)
	}
	return s.networkSubmit(ctx, req)
}

func (s *Submitter) registerOnly(req SubmitRequest) (*storage.SubmissionRecord, *apperr.Error) {
	rec := &storage.SubmissionRecord{
		SubmissionID:   uuid.NewString(),
		OwnerUserID:    req.OwnerUserID,
		ClientTxID:     req.ClientTxID,
		TxID:           req.TxID,
		SubmissionMode: "register_only",
		Status:         "accepted",
		CreatedAt:      time.Now(),
	}
	if err := s.store.SaveSubmission(rec); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to persist submission")
	}
	return rec, nil
}

func (s *Submitter) networkSubmit(ctx context.Context, req SubmitRequest) (*storage.SubmissionRecord, *apperr.Error) {
	if s.cfg.SubmitURL == "" {
		return nil, apperr.New(apperr.RelayNotConfigured, "no broadcast endpoint is configured")
	}

	body, bodyErr := s.buildPayload(req.SerializedTx)
	if bodyErr != nil {
		return nil, bodyErr
	}

	rec := &storage.SubmissionRecord{
		SubmissionID:    uuid.NewString(),
		OwnerUserID:     req.OwnerUserID,
		ClientTxID:      req.ClientTxID,
		SerializedTxLen: len(req.SerializedTx),
		SubmissionMode:  "network_submit",
		CreatedAt:       time.Now(),
	}

	respBody, txID, broadcastErr := s.broadcast(ctx, body, req.OwnerUserID, req.ClientTxID)
	if broadcastErr != nil {
		rec.Status = "failed"
		rec.ResponseBlob = broadcastErr.Error()
		if err := s.store.SaveSubmission(rec); err != nil {
			return nil, apperr.Wrap(apperr.StorageError, err, "failed to persist failed submission")
		}
		return rec, nil
	}

	rec.ResponseBlob = string(respBody)
	if txID == "" {
		rec.Status = "failed"
	} else {
		rec.Status = "accepted"
		rec.TxID = txID
	}

	if err := s.store.SaveSubmission(rec); err != nil {
		return nil, apperr.Wrap(apperr.StorageError, err, "failed to persist submission")
	}
	return rec, nil
}

func (s *Submitter) buildPayload(serializedTx string) ([]byte, *apperr.Error) {
	mode := s.cfg.PayloadMode
	if mode == "" {
		mode = PayloadAuto
	}

	isJSON := json.Valid([]byte(serializedTx))

	switch mode {
	case PayloadRaw:
		if !isJSON {
			return nil, apperr.New(apperr.InvalidArgument, "serialized_tx is not valid JSON and payload mode is raw")
		}
		return []byte(serializedTx), nil
	case PayloadWrapped:
		return json.Marshal(map[string]string{"transaction": serializedTx})
	case PayloadAuto:
		if isJSON {
			return []byte(serializedTx), nil
		}
		return json.Marshal(map[string]string{"transaction": serializedTx})
	default:
		return nil, apperr.New(apperr.InvalidArgument, "unknown payload mode %q", mode)
	}
}

// broadcast POSTs body to the configured endpoint, retrying on 5xx only when
// RS is configured for it, attaching an Idempotency-Key derived from
// (owner_user_id, client_tx_id) when one was supplied.
func (s *Submitter) broadcast(ctx context.Context, body []byte, ownerUserID, clientTxID string) ([]byte, string, error) {
	attempts := 1
	policy := s.cfg.RetryPolicy
	if s.cfg.RetryEnabled && clientTxID != "" {
		attempts = policy.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := policy.Sleep(ctx, attempt-1); err != nil {
				return nil, "", err
			}
		}

		respBody, status, err := s.doPost(ctx, body, ownerUserID, clientTxID)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("broadcast endpoint returned status %d", status)
			if !s.cfg.RetryEnabled || clientTxID == "" {
				break
			}
			continue
		}

		txID := extractTxID(respBody)
		return respBody, txID, nil
	}
	return nil, "", lastErr
}

func (s *Submitter) doPost(ctx context.Context, body []byte, ownerUserID, clientTxID string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.SubmitURL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.RetryEnabled && clientTxID != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey(ownerUserID, clientTxID))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("broadcast request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return respBody, resp.StatusCode, nil
}

// idempotencyKey implements the derivation from spec §3's supplement:
// sha256(owner_user_id:client_tx_id), truncated to 32 hex chars.
func idempotencyKey(ownerUserID, clientTxID string) string {
	sum := sha256.Sum256([]byte(ownerUserID + ":" + clientTxID))
	return fmt.Sprintf("%x", sum)[:32]
}

// extractTxID pulls the tx id from the broadcast response in the priority
// order from spec §4.3: transactionId, tx_id, id.
func extractTxID(body []byte) string {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ""
	}
	for _, key := range []string{"transactionId", "tx_id", "id"} {
		if v, ok := parsed[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
