package policy

import (
	"fmt"
	"math/big"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// AmountLimitConfig 配置单笔与滚动累计金额上限，金额为最小计价单位
// 的十进制字符串。CumulativeCap 为空则不启用累计限额。
type AmountLimitConfig struct {
	PerTxCap      string        `yaml:"per_tx_cap"`
	CumulativeCap string        `yaml:"cumulative_cap"`
	Window        time.Duration `yaml:"window"`
}

// AmountLimitPolicy 检查单笔金额与窗口内累计金额。单笔超限的严重级别
// 随超出幅度升级：超出不超过上限 25% 记 warning，更多则 blocking；
// 累计超限一律 blocking。
type AmountLimitPolicy struct {
	perTxCap      *big.Int
	cumulativeCap *big.Int
	window        time.Duration
}

// NewAmountLimitPolicy 构建金额限制策略。
func NewAmountLimitPolicy(cfg AmountLimitConfig) (*AmountLimitPolicy, error) {
	perTx, ok := new(big.Int).SetString(cfg.PerTxCap, 10)
	if !ok || perTx.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration,
			fmt.Sprintf("单笔上限 %q 不是合法的正整数", cfg.PerTxCap))
	}
	p := &AmountLimitPolicy{perTxCap: perTx}
	if cfg.CumulativeCap != "" {
		cumulative, ok := new(big.Int).SetString(cfg.CumulativeCap, 10)
		if !ok || cumulative.Sign() <= 0 {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("累计上限 %q 不是合法的正整数", cfg.CumulativeCap))
		}
		if cfg.Window <= 0 {
			return nil, xerrors.New(xerrors.CodeConfiguration, "启用累计上限时必须配置窗口")
		}
		p.cumulativeCap = cumulative
		p.window = cfg.Window
	}
	return p, nil
}

// ID 实现 Policy 接口。
func (p *AmountLimitPolicy) ID() string { return "amount_limit" }

// Evaluate 实现 Policy 接口。
func (p *AmountLimitPolicy) Evaluate(ctx EvalContext, req *guard.TransactionRequest) []guard.Violation {
	amount, err := req.AmountBig()
	if err != nil {
		// 解析不了的金额直接拦下，而不是按零处理放行。
		return []guard.Violation{{
			PolicyID: p.ID(),
			Severity: guard.SeverityBlocking,
			Code:     CodeAmountUnparseable,
			Message:  fmt.Sprintf("金额 %q 无法解析", req.Amount),
		}}
	}

	var violations []guard.Violation
	if amount.Cmp(p.perTxCap) > 0 {
		severity := guard.SeverityBlocking
		// overage <= cap/4 时降为 warning。
		overage := new(big.Int).Sub(amount, p.perTxCap)
		quarter := new(big.Int).Div(p.perTxCap, big.NewInt(4))
		if overage.Cmp(quarter) <= 0 {
			severity = guard.SeverityWarning
		}
		violations = append(violations, guard.Violation{
			PolicyID: p.ID(),
			Severity: severity,
			Code:     CodeAmountCapExceeded,
			Message:  fmt.Sprintf("金额 %s 超出单笔上限 %s", amount, p.perTxCap),
		})
	}

	if p.cumulativeCap != nil {
		since := ctx.Now.Add(-p.window)
		total := new(big.Int).Add(ctx.History.SumSince(since), amount)
		if total.Cmp(p.cumulativeCap) > 0 {
			violations = append(violations, guard.Violation{
				PolicyID: p.ID(),
				Severity: guard.SeverityBlocking,
				Code:     CodeCumulativeCapReached,
				Message: fmt.Sprintf("窗口 %s 内累计金额 %s 超出上限 %s",
					p.window, total, p.cumulativeCap),
			})
		}
	}
	return violations
}
