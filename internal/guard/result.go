package guard

// OutcomeStatus 表示一次执行请求的终态。
type OutcomeStatus string

const (
	OutcomeDenied        OutcomeStatus = "denied"
	OutcomeSucceeded     OutcomeStatus = "succeeded"
	OutcomeFailed        OutcomeStatus = "failed"
	OutcomeIndeterminate OutcomeStatus = "indeterminate"
)

// DispatchReceipt 记录派发器返回的链上回执信息。
type DispatchReceipt struct {
	TxHash      string `json:"tx_hash,omitempty"`
	ChainID     string `json:"chain_id,omitempty"`
	BlockNumber string `json:"block_number,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// ExecutionResult 汇总一次执行请求的结论，供调用方与幂等缓存使用。
type ExecutionResult struct {
	RequestID      string           `json:"request_id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Status         OutcomeStatus    `json:"status"`
	Receipt        *DispatchReceipt `json:"receipt,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	AuditSeq       uint64           `json:"audit_seq"`
	CompletedAt    int64            `json:"completed_at"`
}

// OK 判断执行是否成功落账。
func (r *ExecutionResult) OK() bool {
	return r != nil && r.Status == OutcomeSucceeded
}

// Clone 返回结果的深拷贝。
func (r *ExecutionResult) Clone() *ExecutionResult {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Receipt != nil {
		receipt := *r.Receipt
		clone.Receipt = &receipt
	}
	return &clone
}
