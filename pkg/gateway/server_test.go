// Copyright 2025 Certen Protocol
package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/certenIO/deopenchat-gateway/internal/testsupport"
	"github.com/certenIO/deopenchat-gateway/pkg/journal"
)

// fakeBackend returns a fixed usage record for every completion, standing
// in for the upstream OpenAI-compatible backend (out of scope per spec §1).
type fakeBackend struct {
	promptTokens, completionTokens uint32
}

func (b *fakeBackend) Completions(ctx context.Context, rawReq json.RawMessage) (json.RawMessage, error) {
	return testsupport.UsageResponse(b.promptTokens, b.completionTokens), nil
}

// fakeChainStatus reports a fixed remaining allowance for every client.
type fakeChainStatus struct {
	remaining uint64
}

func (f *fakeChainStatus) ViewStatus(ctx context.Context, pk [32]byte) (uint32, uint64, error) {
	return 0, f.remaining, nil
}

func newTestServer(t *testing.T, remaining uint64, promptTokens, completionTokens uint32) (*Server, *Counter) {
	t.Helper()
	store, err := journal.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	counter := &Counter{}
	backend := &fakeBackend{promptTokens: promptTokens, completionTokens: completionTokens}
	chainStatus := &fakeChainStatus{remaining: remaining}
	return NewServer("127.0.0.1:0", store, backend, chainStatus, counter), counter
}

func doCompletions(srv *Server, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleCompletions(rr, req)
	return rr
}

func doConfirm(srv *Server, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/completions/confirm", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	srv.handleConfirm(rr, req)
	return rr
}

func doSeq(srv *Server, pkHex string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/completions/seq/"+pkHex, nil)
	rr := httptest.NewRecorder()
	srv.handleSeq(rr, req)
	return rr
}

// TestFirstRequestSucceeds is scenario 1 from spec §8.
func TestFirstRequestSucceeds(t *testing.T) {
	srv, _ := newTestServer(t, 1000, 10, 20)
	client, err := testsupport.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	req := client.CompletionsReq(1, json.RawMessage(`{"prompt":"hi"}`))
	body, _ := json.Marshal(req)

	rr := doCompletions(srv, body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	status, err := srv.store.LoadStatus(client.PK)
	if err != nil {
		t.Fatalf("LoadStatus: %v", err)
	}
	if status.Seq != 1 || status.CommitSeq != 0 || status.State != journal.RoundWaitingConfirm {
		t.Fatalf("unexpected status: %+v", status)
	}
}

// TestConfirmAdvancesState is scenario 2 from spec §8.
func TestConfirmAdvancesState(t *testing.T) {
	srv, counter := newTestServer(t, 1000, 10, 20)
	client, err := testsupport.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	reqBody, _ := json.Marshal(client.CompletionsReq(1, json.RawMessage(`{"prompt":"hi"}`)))
	if rr := doCompletions(srv, reqBody); rr.Code != http.StatusOK {
		t.Fatalf("completions failed: %d %s", rr.Code, rr.Body.String())
	}

	confirmBody, _ := json.Marshal(client.ConfirmReq(1, 10, 20))
	rr := doConfirm(srv, confirmBody)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	status, _ := srv.store.LoadStatus(client.PK)
	if status.State != journal.RoundCompleted {
		t.Fatalf("expected Completed, got %s", status.State)
	}
	if got := counter.Load(); got != 30 {
		t.Fatalf("expected accumulated_tokens 30, got %d", got)
	}
}

// TestOutOfOrderRequestRejected is scenario 3 from spec §8.
func TestOutOfOrderRequestRejected(t *testing.T) {
	srv, _ := newTestServer(t, 1000, 10, 20)
	client, err := testsupport.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	reqBody, _ := json.Marshal(client.CompletionsReq(1, json.RawMessage(`{}`)))
	doCompletions(srv, reqBody)
	confirmBody, _ := json.Marshal(client.ConfirmReq(1, 10, 20))
	doConfirm(srv, confirmBody)

	skipBody, _ := json.Marshal(client.CompletionsReq(3, json.RawMessage(`{}`)))
	rr := doCompletions(srv, skipBody)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for out-of-order request, got %d", rr.Code)
	}

	status, _ := srv.store.LoadStatus(client.PK)
	if status.Seq != 1 || status.State != journal.RoundCompleted {
		t.Fatalf("status must be unchanged after rejected request, got %+v", status)
	}
}

// TestUnderReportRejected is scenario 4 from spec §8.
func TestUnderReportRejected(t *testing.T) {
	srv, _ := newTestServer(t, 1000, 10, 20)
	client, err := testsupport.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	reqBody, _ := json.Marshal(client.CompletionsReq(1, json.RawMessage(`{}`)))
	doCompletions(srv, reqBody)

	underBody, _ := json.Marshal(client.ConfirmReq(1, 9, 20))
	rr := doConfirm(srv, underBody)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for under-reported confirm, got %d", rr.Code)
	}

	status, _ := srv.store.LoadStatus(client.PK)
	if status.State != journal.RoundWaitingConfirm {
		t.Fatalf("expected state to remain WaitingConfirm, got %s", status.State)
	}
}

func TestResourceExhaustedRejectsRequest(t *testing.T) {
	srv, _ := newTestServer(t, 0, 10, 20)
	client, err := testsupport.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	body, _ := json.Marshal(client.CompletionsReq(1, json.RawMessage(`{}`)))
	rr := doCompletions(srv, body)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when remaining allowance is zero, got %d", rr.Code)
	}
	if _, err := srv.store.LoadStatus(client.PK); err == nil {
		t.Fatal("expected no status to be created when the request is rejected before journal.Req")
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	srv, _ := newTestServer(t, 1000, 10, 20)
	client, err := testsupport.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	req := client.CompletionsReq(1, json.RawMessage(`{}`))
	req.Request.Signature[0] ^= 0xFF
	body, _ := json.Marshal(req)

	rr := doCompletions(srv, body)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for invalid signature, got %d", rr.Code)
	}
}

func TestSeqEndpointReturnsPlainDecimal(t *testing.T) {
	srv, _ := newTestServer(t, 1000, 10, 20)
	client, err := testsupport.NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	reqBody, _ := json.Marshal(client.CompletionsReq(1, json.RawMessage(`{}`)))
	doCompletions(srv, reqBody)

	rr := doSeq(srv, client.PK.Hex())
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if string(body) != "1" {
		t.Fatalf("expected ASCII decimal \"1\", got %q", string(body))
	}
}

func TestSeqEndpointFallsBackToChain(t *testing.T) {
	srv, _ := newTestServer(t, 1000, 10, 20)
	var unknown [32]byte
	unknown[0] = 0xAB

	// A fresh gateway has never locked this key, so the journal has no
	// status for it and the endpoint must fall back to ViewStatus.
	rr := doSeq(srv, hex.EncodeToString(unknown[:]))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 falling back to chain, got %d: %s", rr.Code, rr.Body.String())
	}
	body, _ := io.ReadAll(rr.Body)
	if string(body) != "0" {
		t.Fatalf("expected chain fallback seq \"0\", got %q", string(body))
	}
}
