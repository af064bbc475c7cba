// Package breaker 实现守卫共享的熔断器。连续失败达到阈值后熔断，
// 冷却期满放行一次半开试探，试探成功才恢复闭合。
package breaker

import (
	"sync"
	"time"

	xerrors "ChainGuard/internal/errors"
)

// State 表示熔断器状态。
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Snapshot 是熔断器状态的只读快照，供诊断接口与审计使用。
type Snapshot struct {
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TrippedAt           time.Time `json:"tripped_at,omitzero"`
	TripReason          string    `json:"trip_reason,omitempty"`
}

// TransitionFunc 在状态迁移时被回调，用于接入告警。回调在锁外执行。
type TransitionFunc func(from, to State, snapshot Snapshot)

// Config 配置熔断行为。
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker 是部署内唯一的熔断器实例，所有请求共享这一份状态。
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	threshold     int
	cooldown      time.Duration
	trippedAt     time.Time
	tripReason    string
	trialInFlight bool
	onTransition  TransitionFunc
	now           func() time.Time
}

// Option 定义可选配置。
type Option func(*Breaker)

// WithTransitionFunc 注册状态迁移回调。
func WithTransitionFunc(fn TransitionFunc) Option {
	return func(b *Breaker) {
		b.onTransition = fn
	}
}

// withClock 供测试注入时钟。
func withClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// New 构造熔断器。
func New(cfg Config, opts ...Option) (*Breaker, error) {
	if cfg.FailureThreshold <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "熔断阈值必须为正")
	}
	if cfg.Cooldown <= 0 {
		return nil, xerrors.New(xerrors.CodeConfiguration, "熔断冷却时间必须为正")
	}
	b := &Breaker{
		state:     StateClosed,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

// Check 判断当前是否允许执行，不占用半开试探名额，也不触发状态迁移。
// 评估等只读路径用它探测熔断状态；真正派发前的名额占用走 Acquire。
func (b *Breaker) Check() (bool, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true, ""
	case StateHalfOpen:
		if b.trialInFlight {
			return false, b.tripReason
		}
		return true, ""
	default: // StateOpen
		if b.now().Sub(b.trippedAt) < b.cooldown {
			return false, b.tripReason
		}
		return true, ""
	}
}

// Acquire 在派发前占用放行名额。熔断中返回 (false, 熔断原因)；冷却期
// 满则迁移到半开并放行一次试探，同一时刻只有一个调用方能拿到试探
// 名额。拿到名额后必须以 RecordSuccess、RecordFailure 或 Release 之一
// 归还。
func (b *Breaker) Acquire() (bool, string) {
	b.mu.Lock()
	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return true, ""
	case StateHalfOpen:
		if b.trialInFlight {
			reason := b.tripReason
			b.mu.Unlock()
			return false, reason
		}
		b.trialInFlight = true
		b.mu.Unlock()
		return true, ""
	default: // StateOpen
		if b.now().Sub(b.trippedAt) < b.cooldown {
			reason := b.tripReason
			b.mu.Unlock()
			return false, reason
		}
		transition := b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		b.mu.Unlock()
		b.fire(transition)
		return true, ""
	}
}

// Release 归还一个未使用的放行名额。调用方在 Acquire 之后没有真正
// 派发时必须调用，否则半开试探名额会被永久占用；不计成功也不计失败。
func (b *Breaker) Release() {
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// RecordFailure 登记一次执行失败。闭合状态下连续失败达到阈值即熔断；
// 半开试探失败立即重新熔断并重置冷却计时。
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()
	b.failures++
	b.trialInFlight = false
	var transition func()
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.trippedAt = b.now()
			b.tripReason = reason
			transition = b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.trippedAt = b.now()
		b.tripReason = reason
		transition = b.transitionLocked(StateOpen)
	}
	b.mu.Unlock()
	b.fire(transition)
}

// RecordSuccess 登记一次执行成功，重置失败计数；半开试探成功则恢复闭合。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.failures = 0
	b.trialInFlight = false
	var transition func()
	if b.state == StateHalfOpen {
		b.trippedAt = time.Time{}
		b.tripReason = ""
		transition = b.transitionLocked(StateClosed)
	}
	b.mu.Unlock()
	b.fire(transition)
}

// Snapshot 返回当前状态快照。
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() Snapshot {
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		TrippedAt:           b.trippedAt,
		TripReason:          b.tripReason,
	}
}

// transitionLocked 切换状态并返回待触发的回调闭包，调用方负责在
// 释放锁之后执行，避免回调里再触碰熔断器造成死锁。
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	if b.onTransition == nil {
		return nil
	}
	fn := b.onTransition
	snapshot := b.snapshotLocked()
	return func() { fn(from, to, snapshot) }
}

func (b *Breaker) fire(transition func()) {
	if transition != nil {
		transition()
	}
}
