package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	xerrors "ChainGuard/internal/errors"
)

// RulesFile 对应 configs/policies.yaml 的结构。每个小节是一个策略的
// 配置，小节缺席表示不启用对应策略。
type RulesFile struct {
	Allowlist   *AllowlistConfig   `yaml:"allowlist"`
	Cooldown    *CooldownConfig    `yaml:"cooldown"`
	RateLimit   *RateLimitConfig   `yaml:"rate_limit"`
	AmountLimit *AmountLimitConfig `yaml:"amount_limit"`
}

// LoadRules 解析 YAML 策略规则文件并构建策略集合。配置非法时整体
// 失败，绝不静默降级到默认值。
func LoadRules(path string) ([]Policy, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取策略规则文件失败")
	}
	var rules RulesFile
	if err := yaml.Unmarshal(content, &rules); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析策略规则文件失败")
	}
	return rules.Build()
}

// Build 把规则文件物化为策略实例。
func (r *RulesFile) Build() ([]Policy, error) {
	var policies []Policy
	if r.Allowlist != nil {
		p, err := NewAllowlistPolicy(*r.Allowlist)
		if err != nil {
			return nil, fmt.Errorf("白名单策略: %w", err)
		}
		policies = append(policies, p)
	}
	if r.Cooldown != nil {
		p, err := NewCooldownPolicy(*r.Cooldown)
		if err != nil {
			return nil, fmt.Errorf("冷却策略: %w", err)
		}
		policies = append(policies, p)
	}
	if r.RateLimit != nil {
		p, err := NewRateLimitPolicy(*r.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("限频策略: %w", err)
		}
		policies = append(policies, p)
	}
	if r.AmountLimit != nil {
		p, err := NewAmountLimitPolicy(*r.AmountLimit)
		if err != nil {
			return nil, fmt.Errorf("金额策略: %w", err)
		}
		policies = append(policies, p)
	}
	if len(policies) == 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "策略规则文件未启用任何策略")
	}
	return policies, nil
}
