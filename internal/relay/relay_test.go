package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/envelop-relayer/settlement-core/internal/apperr"
	"github.com/envelop-relayer/settlement-core/internal/storage"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "relay-test-*")
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

func TestSubmitRegisterOnly(t *testing.T) {
	store := newTestStore(t)
	rs := NewSubmitter(store, Config{})

	rec, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1", TxID: "at1aaa"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.SubmissionMode != "register_only" || rec.TxID != "at1aaa" || rec.Status != "accepted" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestSubmitBothAbsentIsInvalidArgument(t *testing.T) {
	store := newTestStore(t)
	rs := NewSubmitter(store, Config{})

	_, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1"})
	if err == nil || err.Kind != apperr.InvalidArgument {
		t.Fatalf("Submit() error = %v, want invalid_argument", err)
	}
}

func TestSubmitBothPresentIsInvalidArgument(t *testing.T) {
	store := newTestStore(t)
	rs := NewSubmitter(store, Config{})

	_, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1", TxID: "at1aaa", SerializedTx: "{}"})
	if err == nil || err.Kind != apperr.InvalidArgument {
		t.Fatalf("Submit() error = %v, want invalid_argument", err)
	}
}

func TestSubmitNetworkNotConfigured(t *testing.T) {
	store := newTestStore(t)
	rs := NewSubmitter(store, Config{})

	_, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1", SerializedTx: `{"foo":"bar"}`})
	if err == nil || err.Kind != apperr.RelayNotConfigured {
		t.Fatalf("Submit() error = %v, want relay_not_configured", err)
	}
}

func TestSubmitNetworkSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"transactionId":"at1fromnetwork"}`))
	}))
	defer server.Close()

	store := newTestStore(t)
	rs := NewSubmitter(store, Config{SubmitURL: server.URL, PayloadMode: PayloadAuto})

	rec, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1", SerializedTx: `{"foo":"bar"}`})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.TxID != "at1fromnetwork" || rec.Status != "accepted" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestSubmitNetworkNoIDInResponseMarksFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	store := newTestStore(t)
	rs := NewSubmitter(store, Config{SubmitURL: server.URL, PayloadMode: PayloadAuto})

	rec, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1", SerializedTx: `{"foo":"bar"}`})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if rec.Status != "failed" || rec.TxID != "" {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func TestSubmitIdempotentResubmit(t *testing.T) {
	store := newTestStore(t)
	rs := NewSubmitter(store, Config{})

	first, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1", TxID: "at1aaa", ClientTxID: "c1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	second, err := rs.Submit(context.Background(), SubmitRequest{OwnerUserID: "u1", TxID: "at1bbb", ClientTxID: "c1"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if second.SubmissionID != first.SubmissionID {
		t.Errorf("resubmit created a new record: first=%s second=%s", first.SubmissionID, second.SubmissionID)
	}
	if second.TxID != "at1aaa" {
		t.Errorf("resubmit should return the original record unchanged, got tx_id=%s", second.TxID)
	}
}

func TestPayloadModeRaw(t *testing.T) {
	store := newTestStore(t)
	rs := NewSubmitter(store, Config{SubmitURL: "http://example.invalid", PayloadMode: PayloadRaw})

	_, err := rs.buildPayload("not json")
	if err == nil || err.Kind != apperr.InvalidArgument {
		t.Fatalf("buildPayload() error = %v, want invalid_argument for non-JSON under raw mode", err)
	}

	body, err := rs.buildPayload(`{"a":1}`)
	if err != nil {
		t.Fatalf("buildPayload() error = %v", err)
	}
	if string(body) != `{"a":1}` {
		t.Errorf("buildPayload() = %s, want unchanged JSON body", body)
	}
}

func TestPayloadModeWrapped(t *testing.T) {
	store := newTestStore(t)
	rs := NewSubmitter(store, Config{SubmitURL: "http://example.invalid", PayloadMode: PayloadWrapped})

	body, err := rs.buildPayload("raw-blob")
	if err != nil {
		t.Fatalf("buildPayload() error = %v", err)
	}
	if string(body) != `{"transaction":"raw-blob"}` {
		t.Errorf("buildPayload() = %s, want wrapped body", body)
	}
}
