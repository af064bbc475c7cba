package policy

import (
	"fmt"
	"time"

	"ChainGuard/internal/guard"
)

// EvalContext 携带策略评估所需的只读上下文。策略本身是纯函数，
// 账户历史由引擎在评估前组装好注入，策略不得产生副作用。
type EvalContext struct {
	Now     time.Time
	History AccountHistory
}

// Policy 是所有策略变体的公共能力：用配置评估一个请求，
// 返回零条或多条违规。
type Policy interface {
	ID() string
	Evaluate(ctx EvalContext, req *guard.TransactionRequest) []guard.Violation
}

// Registry 持有一组按注册顺序排列的策略变体。评估时确定性地遍历
// 全部策略，即便已经出现 blocking 违规也不短路，保证审计记录完整。
type Registry struct {
	policies []Policy
}

// NewRegistry 构建策略注册表。
func NewRegistry(policies ...Policy) *Registry {
	r := &Registry{}
	for _, p := range policies {
		r.Register(p)
	}
	return r
}

// Register 追加一个策略，保持注册顺序。
func (r *Registry) Register(p Policy) {
	if p == nil {
		return
	}
	r.policies = append(r.policies, p)
}

// Policies 返回注册顺序的策略列表。
func (r *Registry) Policies() []Policy {
	return append([]Policy(nil), r.policies...)
}

// EvaluateAll 依次运行全部策略并汇总违规。策略内部的 panic 被转换为
// 归属于该策略的 blocking 违规：引擎不能崩溃，也不能静默吞掉一次检查。
func (r *Registry) EvaluateAll(ctx EvalContext, req *guard.TransactionRequest) []guard.Violation {
	var violations []guard.Violation
	for _, p := range r.policies {
		violations = append(violations, evaluateSafely(p, ctx, req)...)
	}
	return violations
}

func evaluateSafely(p Policy, ctx EvalContext, req *guard.TransactionRequest) (violations []guard.Violation) {
	defer func() {
		if recovered := recover(); recovered != nil {
			violations = []guard.Violation{{
				PolicyID: p.ID(),
				Severity: guard.SeverityBlocking,
				Code:     CodePolicyPanic,
				Message:  fmt.Sprintf("策略 %s 评估异常: %v", p.ID(), recovered),
			}}
		}
	}()
	return p.Evaluate(ctx, req)
}

// 策略违规代码。
const (
	CodePolicyPanic          = "POLICY_PANIC"
	CodeRecipientNotAllowed  = "RECIPIENT_NOT_ALLOWED"
	CodeCooldownActive       = "COOLDOWN_ACTIVE"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeAmountCapExceeded    = "AMOUNT_CAP_EXCEEDED"
	CodeCumulativeCapReached = "CUMULATIVE_CAP_REACHED"
	CodeAmountUnparseable    = "AMOUNT_UNPARSEABLE"
)
