package chainguard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSubmitTransactionSendsToken(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transactions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var req TransactionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		submitted = true
		_ = json.NewEncoder(w).Encode(ExecutionResult{
			RequestID: req.ID,
			Status:    "succeeded",
			Receipt:   &DispatchReceipt{TxHash: "0xabc"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	client.SetAccessToken("token")

	result, err := client.SubmitTransaction(context.Background(), TransactionRequest{
		ID:          "req-1",
		Chain:       "sepolia",
		Action:      "transfer",
		Amount:      "100",
		Recipient:   "0x1111111111111111111111111111111111111111",
		Account:     "treasury",
		RequestedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("submit transaction: %v", err)
	}
	if !submitted {
		t.Fatal("transaction was not submitted")
	}
	if result.Status != "succeeded" || result.Receipt == nil || result.Receipt.TxHash != "0xabc" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestEvaluateDecodesVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transactions/evaluate" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(Verdict{
			RequestID:     "req-2",
			Decision:      "deny",
			IntegrityHash: "deadbeef",
			Violations: []Violation{
				{PolicyID: "amount_limit", Severity: "critical", Code: "PER_TX_CAP"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	verdict, err := client.Evaluate(context.Background(), TransactionRequest{ID: "req-2"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if verdict.Decision != "deny" {
		t.Fatalf("expected deny, got %q", verdict.Decision)
	}
	if len(verdict.Violations) != 1 || verdict.Violations[0].PolicyID != "amount_limit" {
		t.Fatalf("unexpected violations: %+v", verdict.Violations)
	}
}

func TestAuditByRequestBuildsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/audit" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("request_id"); got != "req-3" {
			t.Fatalf("expected request_id=req-3, got %q", got)
		}
		_ = json.NewEncoder(w).Encode([]AuditEntry{
			{Seq: 1, Event: "evaluation", RequestID: "req-3"},
			{Seq: 2, Event: "execution", RequestID: "req-3", Outcome: "succeeded"},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	entries, err := client.AuditByRequest(context.Background(), "req-3")
	if err != nil {
		t.Fatalf("audit query: %v", err)
	}
	if len(entries) != 2 || entries[1].Outcome != "succeeded" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestSubmitTransactionAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    "SECURITY_VIOLATION",
				"message": "request denied by policy",
			},
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	_, err := client.SubmitTransaction(context.Background(), TransactionRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Code != "SECURITY_VIOLATION" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestBreakerSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/breaker" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(BreakerSnapshot{State: "open", ConsecutiveFailures: 5})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())

	snapshot, err := client.Breaker(context.Background())
	if err != nil {
		t.Fatalf("breaker: %v", err)
	}
	if snapshot.State != "open" || snapshot.ConsecutiveFailures != 5 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
}
