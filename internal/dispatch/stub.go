package dispatch

import (
	"context"
	"strconv"
	"sync/atomic"

	"ChainGuard/internal/guard"
)

// StubDispatcher 在没有真实链节点的环境下回放固定结果，用于本地
// 联调与演练。
type StubDispatcher struct {
	counter atomic.Uint64
	// Fail 非空时每次派发都返回该错误。
	Fail error
}

var _ Dispatcher = (*StubDispatcher)(nil)

// Dispatch 返回一个编号递增的假回执。
func (d *StubDispatcher) Dispatch(ctx context.Context, req *guard.TransactionRequest) (*guard.DispatchReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Fail != nil {
		return nil, d.Fail
	}
	n := d.counter.Add(1)
	return &guard.DispatchReceipt{
		TxHash:  "0xstub-" + req.Fingerprint()[:16],
		ChainID: req.Chain,
		Detail:  "stub dispatch #" + strconv.FormatUint(n, 10),
	}, nil
}

// Close 无需释放资源。
func (d *StubDispatcher) Close() error { return nil }
