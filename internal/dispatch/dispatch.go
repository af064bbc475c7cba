// Package dispatch 定义交易派发器接口。派发器把已放行的请求提交到
// 目标系统并报告成败；一旦调用开始，操作即不可取消。
package dispatch

import (
	"context"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// Dispatcher 把已放行的交易提交到目标链。
//
// 错误约定：普通失败返回任意错误（包括超时，超时按失败处理）；
// 只有当派发器确知结果不明（例如交易已广播但回执查询失败）时，
// 才返回 CodeDispatchIndeterminate，执行器据此保留幂等键等待人工
// 对账，而不是自动重试造成双重提交。
type Dispatcher interface {
	Dispatch(ctx context.Context, req *guard.TransactionRequest) (*guard.DispatchReceipt, error)
	Close() error
}

// Indeterminate 判断派发错误是否为结果不明。
func Indeterminate(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeDispatchIndeterminate
}
