package hitl

import (
	"context"

	xerrors "ChainGuard/internal/errors"
)

// FuncBridge 用一个函数实现 Bridge，主要用于测试与本地联调。
type FuncBridge func(ctx context.Context, escalation Escalation) (Decision, error)

// Decide 实现 Bridge 接口。
func (f FuncBridge) Decide(ctx context.Context, escalation Escalation) (Decision, error) {
	if f == nil {
		return Decision{}, xerrors.New(xerrors.CodeConfiguration, "升级通道未配置处理函数")
	}
	return f(ctx, escalation)
}

// BlockingBridge 永远等到截止时间，用于验证超时兜底路径。
type BlockingBridge struct{}

// Decide 实现 Bridge 接口。
func (BlockingBridge) Decide(ctx context.Context, _ Escalation) (Decision, error) {
	<-ctx.Done()
	return Decision{}, ctx.Err()
}
