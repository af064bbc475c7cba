package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ChainGuard/internal/dispatch"
	"ChainGuard/internal/guard"
	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/breaker"
	"ChainGuard/internal/guard/engine"
	"ChainGuard/internal/guard/executor"
	"ChainGuard/internal/guard/idempotency"
	"ChainGuard/internal/guard/policy"
	"ChainGuard/internal/secrets"
)

func newTestServer(t *testing.T, perTxCap string) *Server {
	t.Helper()
	brk, err := breaker.New(breaker.Config{FailureThreshold: 5, Cooldown: time.Minute})
	if err != nil {
		t.Fatalf("new breaker: %v", err)
	}
	log, err := audit.Open(audit.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	provider, err := secrets.NewStaticProvider([]byte("api-test-key"))
	if err != nil {
		t.Fatalf("new secret provider: %v", err)
	}
	amountPolicy, err := policy.NewAmountLimitPolicy(policy.AmountLimitConfig{PerTxCap: perTxCap})
	if err != nil {
		t.Fatalf("new amount policy: %v", err)
	}
	eng, err := engine.New(policy.NewRegistry(amountPolicy), brk, log,
		policy.NewRecorder(time.Hour), provider)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	exec, err := executor.New(eng, idempotency.NewMemoryStore(), &dispatch.StubDispatcher{}, brk, log)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	return NewServer(":0", exec, eng, log, brk, nil)
}

func postJSON(t *testing.T, handler http.HandlerFunc, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHandleExecuteSuccess(t *testing.T) {
	server := newTestServer(t, "100")

	rec := postJSON(t, server.handleExecute, "/api/v1/transactions", guard.TransactionRequest{
		ID:        "req-api-1",
		Chain:     "ethereum",
		Action:    "transfer",
		Amount:    "50",
		Recipient: "0xAAAA",
		Account:   "0xCAFE",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d, body %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var result guard.ExecutionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if result.Status != guard.OutcomeSucceeded {
		t.Fatalf("unexpected status: %s", result.Status)
	}
	if result.Receipt == nil || result.Receipt.TxHash == "" {
		t.Fatalf("missing receipt: %+v", result.Receipt)
	}
}

func TestHandleExecuteDenied(t *testing.T) {
	server := newTestServer(t, "100")

	rec := postJSON(t, server.handleExecute, "/api/v1/transactions", guard.TransactionRequest{
		ID:        "req-api-denied",
		Chain:     "ethereum",
		Action:    "transfer",
		Amount:    "150",
		Recipient: "0xAAAA",
		Account:   "0xCAFE",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}

	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != "SECURITY_VIOLATION" {
		t.Fatalf("unexpected error code: %s", body.Error.Code)
	}
}

func TestHandleExecuteRejectsBadPayload(t *testing.T) {
	server := newTestServer(t, "100")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/transactions", bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	server.handleExecute(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHandleEvaluateReturnsVerdict(t *testing.T) {
	server := newTestServer(t, "100")

	rec := postJSON(t, server.handleEvaluate, "/api/v1/transactions/evaluate", guard.TransactionRequest{
		ID:        "req-api-eval",
		Chain:     "ethereum",
		Action:    "transfer",
		Amount:    "150",
		Recipient: "0xAAAA",
		Account:   "0xCAFE",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}

	var verdict guard.Verdict
	if err := json.Unmarshal(rec.Body.Bytes(), &verdict); err != nil {
		t.Fatalf("decode verdict: %v", err)
	}
	if verdict.Decision != guard.DecisionDeny {
		t.Fatalf("expected deny verdict, got %s", verdict.Decision)
	}
	if verdict.IntegrityHash == "" {
		t.Fatalf("verdict missing integrity hash")
	}
}

func TestHandleAuditQueryByRequest(t *testing.T) {
	server := newTestServer(t, "100")

	postJSON(t, server.handleExecute, "/api/v1/transactions", guard.TransactionRequest{
		ID:        "req-api-audit",
		Chain:     "ethereum",
		Action:    "transfer",
		Amount:    "50",
		Recipient: "0xAAAA",
		Account:   "0xCAFE",
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit?request_id=req-api-audit", nil)
	rec := httptest.NewRecorder()
	server.handleAuditQuery(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var entries []audit.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected evaluation and execution entries, got %d", len(entries))
	}
}

func TestHandleBreakerSnapshot(t *testing.T) {
	server := newTestServer(t, "100")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/breaker", nil)
	rec := httptest.NewRecorder()
	server.handleBreaker(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	var snap breaker.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != breaker.StateClosed {
		t.Fatalf("expected closed breaker, got %s", snap.State)
	}
}
