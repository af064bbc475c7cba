package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"ChainGuard/sdk/go/chainguard"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/transactions/evaluate", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(chainguard.Verdict{
			RequestID:     "req-demo",
			Decision:      "allow",
			DecisionMaker: "automatic",
			IntegrityHash: "0f0f0f",
		})
	})
	mux.HandleFunc("/api/v1/transactions", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			_ = json.NewEncoder(w).Encode(chainguard.ExecutionResult{
				RequestID: "req-demo",
				Status:    "succeeded",
				Receipt: &chainguard.DispatchReceipt{
					TxHash:  "0xd3m0",
					ChainID: "11155111",
				},
				CompletedAt: time.Now().UnixMilli(),
			})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/audit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]chainguard.AuditEntry{
			{Seq: 1, Event: "evaluation", RequestID: "req-demo"},
			{Seq: 2, Event: "execution", RequestID: "req-demo", Outcome: "succeeded"},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := chainguard.NewClient(srv.URL, srv.Client())
	client.SetAccessToken("demo-token")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	request := chainguard.TransactionRequest{
		Chain:       "sepolia",
		Action:      "transfer",
		Amount:      "2500000000000000",
		Recipient:   "0x1111111111111111111111111111111111111111",
		Account:     "treasury",
		RequestedAt: time.Now().UnixMilli(),
	}

	verdict, err := client.Evaluate(ctx, request)
	if err != nil {
		panic(err)
	}
	fmt.Printf("preflight verdict: %s (maker=%s)\n", verdict.Decision, verdict.DecisionMaker)

	result, err := client.SubmitTransaction(ctx, request)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed request %s status=%s tx=%s\n", result.RequestID, result.Status, result.Receipt.TxHash)

	entries, err := client.AuditByRequest(ctx, result.RequestID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("audit trail has %d entries\n", len(entries))
}
