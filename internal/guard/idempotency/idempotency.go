// Package idempotency 实现请求去重索引：确定性指纹到终态结果的映射。
// 一个键只允许发生一次 in_flight 到终态的迁移，终态永久有效，
// 重复提交直接命中缓存结果而不再评估或派发。
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// Status 表示幂等记录的状态。
type Status string

const (
	StatusInFlight  Status = "in_flight"
	StatusDenied    Status = "denied"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal 判断状态是否为终态。in_flight 不是终态；派发结果不明时
// 键保持占用，等待人工对账，绝不自动重试。
func (s Status) Terminal() bool {
	switch s {
	case StatusDenied, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Record 是一条幂等记录。
type Record struct {
	Key         string                 `json:"key"`
	Fingerprint string                 `json:"fingerprint"`
	RequestID   string                 `json:"request_id"`
	Status      Status                 `json:"status"`
	Result      *guard.ExecutionResult `json:"result,omitempty"`
	CreatedAt   int64                  `json:"created_at"`
	CompletedAt int64                  `json:"completed_at,omitempty"`
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Result = r.Result.Clone()
	return &clone
}

// Key 由请求指纹派生幂等键。
func Key(req *guard.TransactionRequest) string {
	sum := sha256.Sum256([]byte("chainguard:idempotency:" + req.Fingerprint()))
	return hex.EncodeToString(sum[:])
}

// Store 抽象幂等记录的持久化。Reserve 是整个守卫唯一强制的互斥点：
// 共享同一个键的并发执行必须在这里串行化。
type Store interface {
	// Reserve 原子地把键从不存在迁移为 in_flight，确认落盘后才返回。
	// 键已被占用时返回 ErrInFlight，已有终态时返回 ErrCompleted，
	// 两种情况都附带现有记录。
	Reserve(ctx context.Context, key, fingerprint, requestID string) (*Record, error)
	// Complete 把 in_flight 记录迁移到终态，成功恰好一次。
	Complete(ctx context.Context, key string, status Status, result *guard.ExecutionResult) error
	// Get 返回键对应的记录，不存在时返回 ErrNotFound。
	Get(ctx context.Context, key string) (*Record, error)
	Close() error
}

var (
	// ErrInFlight 表示另一次执行正在进行。
	ErrInFlight = xerrors.New(xerrors.CodeInFlight, "该请求正在执行中")
	// ErrCompleted 表示键已有终态结果。
	ErrCompleted = xerrors.New(CodeCompleted, "该请求已有终态结果")
	// ErrNotFound 表示键不存在。
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "幂等记录不存在")
)

const (
	// CodeCompleted 表示幂等键已进入终态。
	CodeCompleted xerrors.Code = "IDEMPOTENCY_COMPLETED"
	// CodeIllegalTransition 表示试图违反一次性迁移约束。
	CodeIllegalTransition xerrors.Code = "IDEMPOTENCY_ILLEGAL_TRANSITION"
)

func init() {
	xerrors.Register(CodeCompleted, xerrors.Attributes{
		Message:   "idempotency key already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeIllegalTransition, xerrors.Attributes{
		Message:   "illegal idempotency state transition",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
