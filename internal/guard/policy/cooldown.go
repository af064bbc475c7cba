package policy

import (
	"fmt"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// CooldownConfig 配置账户级交易冷却窗口。
type CooldownConfig struct {
	Window time.Duration `yaml:"window"`
}

// CooldownPolicy 要求同一账户的两次交易间隔至少一个冷却窗口。
// 间隔不足时产生 warning；不足窗口四分之一时升级为 blocking，
// 因为极短间隔的连续提交更像失控的自动重试而非正常业务。
type CooldownPolicy struct {
	window time.Duration
}

// NewCooldownPolicy 构建冷却策略。
func NewCooldownPolicy(cfg CooldownConfig) (*CooldownPolicy, error) {
	if cfg.Window <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "冷却窗口必须为正")
	}
	return &CooldownPolicy{window: cfg.Window}, nil
}

// ID 实现 Policy 接口。
func (p *CooldownPolicy) ID() string { return "cooldown" }

// Evaluate 实现 Policy 接口。
func (p *CooldownPolicy) Evaluate(ctx EvalContext, _ *guard.TransactionRequest) []guard.Violation {
	lastTx := ctx.History.LastTxAt
	if lastTx.IsZero() {
		return nil
	}
	elapsed := ctx.Now.Sub(lastTx)
	if elapsed >= p.window {
		return nil
	}
	severity := guard.SeverityWarning
	if elapsed < p.window/4 {
		severity = guard.SeverityBlocking
	}
	return []guard.Violation{{
		PolicyID: p.ID(),
		Severity: severity,
		Code:     CodeCooldownActive,
		Message: fmt.Sprintf("距上次交易仅过去 %s，冷却窗口为 %s",
			elapsed.Truncate(time.Millisecond), p.window),
	}}
}
