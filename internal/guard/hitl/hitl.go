// Package hitl 定义人工升级通道：把仅含告警级违规的请求交给人审，
// 在硬性截止时间内等待批复。超时不是异常路径而是一等公民结果，
// 引擎会把它映射为拒绝。
package hitl

import (
	"context"

	"ChainGuard/internal/guard"
)

// Escalation 描述一次需要人工裁决的升级。
type Escalation struct {
	RequestID   string            `json:"request_id"`
	Fingerprint string            `json:"fingerprint"`
	Chain       string            `json:"chain"`
	Action      string            `json:"action"`
	Amount      string            `json:"amount"`
	Recipient   string            `json:"recipient"`
	Account     string            `json:"account"`
	Violations  []guard.Violation `json:"violations"`
}

// Decision 是人工批复的结果。
type Decision struct {
	Approved  bool   `json:"approved"`
	DecidedBy string `json:"decided_by,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

// Bridge 把升级呈现给人并等待批复。实现必须尊重 ctx 的截止时间：
// 超时返回 ctx.Err()，由引擎兜底为拒绝，绝无放行的默认值。
type Bridge interface {
	Decide(ctx context.Context, escalation Escalation) (Decision, error)
}
