package policy

import (
	"fmt"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// RateLimitConfig 配置账户级滑动窗口限频。
type RateLimitConfig struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitPolicy 限制单个账户在滑动窗口内的成功派发次数，超限即
// blocking。被拒与失败的请求不占窗口配额。
type RateLimitPolicy struct {
	maxRequests int
	window      time.Duration
}

// NewRateLimitPolicy 构建限频策略。
func NewRateLimitPolicy(cfg RateLimitConfig) (*RateLimitPolicy, error) {
	if cfg.MaxRequests <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "限频次数必须为正")
	}
	if cfg.Window <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "限频窗口必须为正")
	}
	return &RateLimitPolicy{maxRequests: cfg.MaxRequests, window: cfg.Window}, nil
}

// ID 实现 Policy 接口。
func (p *RateLimitPolicy) ID() string { return "rate_limit" }

// Evaluate 实现 Policy 接口。窗口内已有次数加上本次请求超出限制时
// 产生 blocking 违规。
func (p *RateLimitPolicy) Evaluate(ctx EvalContext, _ *guard.TransactionRequest) []guard.Violation {
	since := ctx.Now.Add(-p.window)
	seen := ctx.History.CountSince(since)
	if seen+1 <= p.maxRequests {
		return nil
	}
	return []guard.Violation{{
		PolicyID: p.ID(),
		Severity: guard.SeverityBlocking,
		Code:     CodeRateLimitExceeded,
		Message: fmt.Sprintf("窗口 %s 内已提交 %d 次，超出限制 %d 次",
			p.window, seen, p.maxRequests),
	}}
}
