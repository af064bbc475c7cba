package policy

import (
	"math/big"
	"strings"
	"sync"
	"time"
)

// Event 记录某账户一次已派发交易的时间与金额。
type Event struct {
	At     time.Time
	Amount *big.Int
}

// AccountHistory 是单个账户近期交易的只读快照。
type AccountHistory struct {
	LastTxAt time.Time
	Events   []Event
}

// CountSince 统计 since 之后（含）的事件数。
func (h AccountHistory) CountSince(since time.Time) int {
	count := 0
	for _, event := range h.Events {
		if !event.At.Before(since) {
			count++
		}
	}
	return count
}

// SumSince 累加 since 之后（含）的事件金额。
func (h AccountHistory) SumSince(since time.Time) *big.Int {
	sum := new(big.Int)
	for _, event := range h.Events {
		if !event.At.Before(since) && event.Amount != nil {
			sum.Add(sum, event.Amount)
		}
	}
	return sum
}

// Recorder 维护各账户的近期交易历史，供冷却、限频与累计限额策略
// 使用。保留窗口之外的事件会在写入时被裁剪。
//
// 历史只登记成功派发的交易：被拒或派发失败的请求不会启动冷却窗口，
// 也不计入限频次数与累计限额。
type Recorder struct {
	mu        sync.RWMutex
	retention time.Duration
	accounts  map[string][]Event
	lastTx    map[string]time.Time
}

// NewRecorder 创建历史记录器。retention 决定事件保留多久，
// 应不小于所有策略中最长的窗口。
func NewRecorder(retention time.Duration) *Recorder {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Recorder{
		retention: retention,
		accounts:  make(map[string][]Event),
		lastTx:    make(map[string]time.Time),
	}
}

// Record 登记一次成功派发。只有确认上链的交易才调用，评估与被拒
// 请求不留历史。
func (r *Recorder) Record(account string, at time.Time, amount *big.Int) {
	key := normalizeAccount(account)
	if key == "" {
		return
	}
	var amountCopy *big.Int
	if amount != nil {
		amountCopy = new(big.Int).Set(amount)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := at.Add(-r.retention)
	events := r.accounts[key]
	pruned := events[:0]
	for _, event := range events {
		if event.At.After(cutoff) {
			pruned = append(pruned, event)
		}
	}
	r.accounts[key] = append(pruned, Event{At: at, Amount: amountCopy})
	if at.After(r.lastTx[key]) {
		r.lastTx[key] = at
	}
}

// Snapshot 返回账户历史的深拷贝快照。
func (r *Recorder) Snapshot(account string) AccountHistory {
	key := normalizeAccount(account)
	r.mu.RLock()
	defer r.mu.RUnlock()
	events := r.accounts[key]
	snapshot := AccountHistory{LastTxAt: r.lastTx[key]}
	if len(events) > 0 {
		snapshot.Events = make([]Event, 0, len(events))
		for _, event := range events {
			copied := Event{At: event.At}
			if event.Amount != nil {
				copied.Amount = new(big.Int).Set(event.Amount)
			}
			snapshot.Events = append(snapshot.Events, copied)
		}
	}
	return snapshot
}

func normalizeAccount(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}
