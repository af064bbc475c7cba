package policy

import (
	"fmt"
	"strings"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// AllowlistConfig 配置接收地址白名单。
type AllowlistConfig struct {
	Recipients []string `yaml:"recipients"`
}

// AllowlistPolicy 只放行白名单内的接收地址，命中之外的地址产生
// blocking 违规。
type AllowlistPolicy struct {
	allowed map[string]struct{}
}

// NewAllowlistPolicy 构建白名单策略。空白名单视为配置错误：
// 一个拦不住任何地址的白名单几乎一定是配置遗漏，宁可启动失败。
func NewAllowlistPolicy(cfg AllowlistConfig) (*AllowlistPolicy, error) {
	allowed := make(map[string]struct{}, len(cfg.Recipients))
	for _, recipient := range cfg.Recipients {
		normalized := strings.ToLower(strings.TrimSpace(recipient))
		if normalized == "" {
			continue
		}
		allowed[normalized] = struct{}{}
	}
	if len(allowed) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "白名单策略未配置任何接收地址")
	}
	return &AllowlistPolicy{allowed: allowed}, nil
}

// ID 实现 Policy 接口。
func (p *AllowlistPolicy) ID() string { return "allowlist" }

// Evaluate 实现 Policy 接口。
func (p *AllowlistPolicy) Evaluate(_ EvalContext, req *guard.TransactionRequest) []guard.Violation {
	recipient := strings.ToLower(strings.TrimSpace(req.Recipient))
	if _, ok := p.allowed[recipient]; ok {
		return nil
	}
	return []guard.Violation{{
		PolicyID: p.ID(),
		Severity: guard.SeverityBlocking,
		Code:     CodeRecipientNotAllowed,
		Message:  fmt.Sprintf("接收地址 %s 不在白名单内", req.Recipient),
	}}
}
