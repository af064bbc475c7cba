package chainguard

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the ChainGuard REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// TransactionRequest is the payload submitted for evaluation or execution.
type TransactionRequest struct {
	ID          string            `json:"id,omitempty"`
	Chain       string            `json:"chain"`
	Action      string            `json:"action"`
	Amount      string            `json:"amount"`
	Recipient   string            `json:"recipient"`
	Account     string            `json:"account"`
	RequestedAt int64             `json:"requested_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Violation describes a single policy breach inside a verdict.
type Violation struct {
	PolicyID string `json:"policy_id"`
	Severity string `json:"severity"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Verdict is the tamper-evident policy decision returned by the evaluate
// endpoint. IntegrityHash is computed server side; clients should treat the
// verdict as opaque and never mutate it.
type Verdict struct {
	RequestID     string      `json:"request_id"`
	Fingerprint   string      `json:"fingerprint"`
	Decision      string      `json:"decision"`
	Violations    []Violation `json:"violations,omitempty"`
	DecisionMaker string      `json:"decision_maker"`
	ComputedAt    int64       `json:"computed_at"`
	ExpiresAt     int64       `json:"expires_at"`
	Reason        string      `json:"reason,omitempty"`
	IntegrityHash string      `json:"integrity_hash"`
}

// DispatchReceipt carries on-chain proof for a dispatched transaction.
type DispatchReceipt struct {
	TxHash      string `json:"tx_hash,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// ExecutionResult is the terminal outcome of an execute call.
type ExecutionResult struct {
	RequestID      string           `json:"request_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         string           `json:"status"`
	Receipt        *DispatchReceipt `json:"receipt,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	AuditSeq       uint64           `json:"audit_seq"`
	CompletedAt    int64            `json:"completed_at"`
}

// AuditEntry mirrors one line of the server's append-only audit trail.
type AuditEntry struct {
	Seq         uint64   `json:"seq"`
	Timestamp   int64    `json:"timestamp"`
	Event       string   `json:"event"`
	RequestID   string   `json:"request_id"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Verdict     *Verdict `json:"verdict,omitempty"`
	Outcome     string   `json:"outcome,omitempty"`
	Detail      string   `json:"detail,omitempty"`
}

// BreakerSnapshot reports the deployment-wide circuit breaker state.
type BreakerSnapshot struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TrippedAt           time.Time `json:"tripped_at,omitzero"`
	TripReason          string    `json:"trip_reason,omitempty"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("chainguard api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("chainguard api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the ChainGuard API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// SubmitTransaction asks the guard to evaluate and, if allowed, dispatch the
// transaction. The call is idempotent on the server: resubmitting a logically
// identical request returns the recorded result without dispatching again.
func (c *Client) SubmitTransaction(ctx context.Context, req TransactionRequest) (ExecutionResult, error) {
	var result ExecutionResult
	if err := c.post(ctx, "/api/v1/transactions", req, &result); err != nil {
		return ExecutionResult{}, err
	}
	return result, nil
}

// Evaluate runs the policy engine without dispatching. Useful as a preflight
// before committing to an irreversible action.
func (c *Client) Evaluate(ctx context.Context, req TransactionRequest) (Verdict, error) {
	var verdict Verdict
	if err := c.post(ctx, "/api/v1/transactions/evaluate", req, &verdict); err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

// AuditByRequest fetches every audit entry recorded for a request ID.
func (c *Client) AuditByRequest(ctx context.Context, requestID string) ([]AuditEntry, error) {
	endpoint := "/api/v1/audit?request_id=" + url.QueryEscape(requestID)
	var entries []AuditEntry
	if err := c.get(ctx, endpoint, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// AuditRange fetches audit entries whose timestamps fall in [from, to].
func (c *Client) AuditRange(ctx context.Context, from, to time.Time) ([]AuditEntry, error) {
	endpoint := fmt.Sprintf("/api/v1/audit?from=%s&to=%s",
		strconv.FormatInt(from.UnixMilli(), 10), strconv.FormatInt(to.UnixMilli(), 10))
	var entries []AuditEntry
	if err := c.get(ctx, endpoint, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Breaker returns the current circuit breaker snapshot.
func (c *Client) Breaker(ctx context.Context) (BreakerSnapshot, error) {
	var snapshot BreakerSnapshot
	if err := c.get(ctx, "/api/v1/breaker", &snapshot); err != nil {
		return BreakerSnapshot{}, err
	}
	return snapshot, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken stores the bearer token attached to subsequent calls. Leave
// it empty when the server runs with authentication disabled.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				// try direct decode into apiErr if server returned flat payload
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
