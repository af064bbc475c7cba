// Package engine 组合策略、熔断器、审计与人工升级，为每个请求产出
// 带完整性哈希的裁决。所有歧义路径（策略异常、升级超时、无人审通道
// 的告警级违规）一律收敛到拒绝。
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/breaker"
	"ChainGuard/internal/guard/hitl"
	"ChainGuard/internal/guard/policy"
	"ChainGuard/internal/secrets"
	"ChainGuard/pkg/logger"
)

// ReasonBreakerOpen 标记熔断短路产生的拒绝裁决。
const ReasonBreakerOpen = "circuit_breaker_open"

// ReasonHitlTimeout 标记升级超时兜底产生的拒绝裁决。
const ReasonHitlTimeout = "hitl_timeout"

// DefaultVerdictTTL 是裁决的默认有效期。
const DefaultVerdictTTL = 5 * time.Minute

// DefaultHitlTimeout 是等待人工批复的默认上限。
const DefaultHitlTimeout = 5 * time.Minute

// Auditor 抽象引擎与执行器共用的审计落账能力。
type Auditor interface {
	Append(entry audit.Entry) (uint64, error)
}

// Engine 是策略引擎。
type Engine struct {
	registry    *policy.Registry
	breaker     *breaker.Breaker
	auditor     Auditor
	history     *policy.Recorder
	bridge      hitl.Bridge
	secrets     secrets.Provider
	verdictTTL  time.Duration
	hitlTimeout time.Duration
	now         func() time.Time

	cacheMu sync.Mutex
	cache   map[string]*guard.Verdict
}

// Option 定义可选配置。
type Option func(*Engine)

// WithHitlBridge 配置人工升级通道。未配置时，任何非空违规集合都拒绝。
func WithHitlBridge(bridge hitl.Bridge) Option {
	return func(e *Engine) {
		e.bridge = bridge
	}
}

// WithVerdictTTL 覆盖裁决有效期。
func WithVerdictTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.verdictTTL = ttl
		}
	}
}

// WithHitlTimeout 覆盖人工批复等待上限。
func WithHitlTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.hitlTimeout = timeout
		}
	}
}

// withClock 供测试注入时钟。
func withClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New 构造策略引擎。
func New(registry *policy.Registry, brk *breaker.Breaker, auditor Auditor,
	history *policy.Recorder, provider secrets.Provider, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "策略注册表不能为空")
	}
	if brk == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "熔断器不能为空")
	}
	if auditor == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "审计日志不能为空")
	}
	if history == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "历史记录器不能为空")
	}
	if provider == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "密钥源不能为空")
	}
	if _, err := provider.IntegrityKey(); err != nil {
		return nil, err
	}
	e := &Engine{
		registry:    registry,
		breaker:     brk,
		auditor:     auditor,
		history:     history,
		secrets:     provider,
		verdictTTL:  DefaultVerdictTTL,
		hitlTimeout: DefaultHitlTimeout,
		now:         time.Now,
		cache:       make(map[string]*guard.Verdict),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Evaluate 评估一个请求并返回裁决。同一逻辑请求在裁决有效期内重复
// 评估会命中缓存，避免两次评估结果分叉。
func (e *Engine) Evaluate(ctx context.Context, req *guard.TransactionRequest) (*guard.Verdict, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fingerprint := req.Fingerprint()

	// 熔断判定先于缓存：缓存里的放行裁决不能绕过熔断短路。
	if allowed, tripReason := e.breaker.Check(); !allowed {
		return e.breakerDeny(req, fingerprint, tripReason)
	}
	if cached := e.cachedVerdict(fingerprint); cached != nil {
		return cached, nil
	}
	return e.evaluateFresh(ctx, req, fingerprint)
}

// Reevaluate 跳过并清除缓存，强制重新评估。执行器在发现缓存裁决
// 过期或哈希不符时调用。
func (e *Engine) Reevaluate(ctx context.Context, req *guard.TransactionRequest) (*guard.Verdict, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	fingerprint := req.Fingerprint()
	e.cacheMu.Lock()
	delete(e.cache, fingerprint)
	e.cacheMu.Unlock()
	return e.evaluateFresh(ctx, req, fingerprint)
}

func (e *Engine) evaluateFresh(ctx context.Context, req *guard.TransactionRequest, fingerprint string) (*guard.Verdict, error) {
	now := e.now()

	// 熔断短路：不运行任何策略，直接产出拒绝并审计。
	if allowed, tripReason := e.breaker.Check(); !allowed {
		return e.breakerDeny(req, fingerprint, tripReason)
	}

	evalCtx := policy.EvalContext{Now: now, History: e.history.Snapshot(req.Account)}
	violations := e.registry.EvaluateAll(evalCtx, req)

	draft := &guard.Verdict{
		Decision:      decide(violations),
		Violations:    violations,
		DecisionMaker: guard.MakerAutomatic,
	}

	if draft.Decision == guard.DecisionEscalate {
		if e.bridge == nil {
			// 无人审通道时告警级违规不是默许放行的理由。
			draft.Decision = guard.DecisionDeny
			draft.Reason = "未配置人工升级通道，告警级违规按拒绝处理"
		} else {
			e.escalate(ctx, req, fingerprint, draft, now)
		}
	}

	return e.finalizeVerdict(req, fingerprint, draft, e.now())
}

// breakerDeny 产出熔断短路的拒绝裁决并审计。
func (e *Engine) breakerDeny(req *guard.TransactionRequest, fingerprint, tripReason string) (*guard.Verdict, error) {
	return e.finalizeVerdict(req, fingerprint, &guard.Verdict{
		Decision:      guard.DecisionDeny,
		DecisionMaker: guard.MakerAutomatic,
		Reason:        fmt.Sprintf("%s: %s", ReasonBreakerOpen, tripReason),
	}, e.now())
}

// decide 实现严重级别到处置的全序映射：零违规放行；出现 critical 或
// blocking 拒绝；仅有 warning/info 时升级人审。
func decide(violations []guard.Violation) guard.Decision {
	if len(violations) == 0 {
		return guard.DecisionAllow
	}
	for _, violation := range violations {
		if violation.Severity.Rank() >= guard.SeverityCritical.Rank() {
			return guard.DecisionDeny
		}
	}
	return guard.DecisionEscalate
}

// escalate 把升级交给人审并等待批复，超时或出错一律拒绝。
func (e *Engine) escalate(ctx context.Context, req *guard.TransactionRequest,
	fingerprint string, draft *guard.Verdict, now time.Time) {
	// 升级前先审计一条 escalate 裁决，保证等待期间的状态可追溯。
	pending := &guard.Verdict{
		RequestID:     req.ID,
		Fingerprint:   fingerprint,
		Decision:      guard.DecisionEscalate,
		Violations:    draft.Violations,
		DecisionMaker: guard.MakerAutomatic,
		ComputedAt:    now.UnixMilli(),
		ExpiresAt:     now.Add(e.verdictTTL).UnixMilli(),
	}
	e.appendAudit(audit.Entry{
		Event:       audit.EventEvaluation,
		RequestID:   req.ID,
		Fingerprint: fingerprint,
		Verdict:     pending,
		Outcome:     string(guard.DecisionEscalate),
		Detail:      "等待人工批复",
	})

	escalationCtx, cancel := context.WithTimeout(ctx, e.hitlTimeout)
	defer cancel()

	decision, err := e.bridge.Decide(escalationCtx, hitl.Escalation{
		RequestID:   req.ID,
		Fingerprint: fingerprint,
		Chain:       req.Chain,
		Action:      req.Action,
		Amount:      req.Amount,
		Recipient:   req.Recipient,
		Account:     req.Account,
		Violations:  draft.Violations,
	})
	if err != nil {
		draft.Decision = guard.DecisionDeny
		draft.DecisionMaker = guard.MakerAutomatic
		if escalationCtx.Err() != nil {
			draft.Reason = ReasonHitlTimeout
		} else {
			draft.Reason = "人工升级通道故障: " + err.Error()
		}
		logger.L().Warn("人工升级未得到批复",
			slog.String("request_id", req.ID),
			slog.Any("error", err),
		)
		return
	}
	draft.DecisionMaker = guard.MakerHuman
	if decision.Approved {
		draft.Decision = guard.DecisionAllow
	} else {
		draft.Decision = guard.DecisionDeny
	}
	draft.Reason = strings.TrimSpace("人工批复 " + decision.DecidedBy + " " + decision.Comment)
}

// finalizeVerdict 填充裁决元数据、计算完整性哈希、写入缓存并审计。
// 审计失败时裁决作废：宁可拒绝，也不能让未审计的裁决流向执行。
func (e *Engine) finalizeVerdict(req *guard.TransactionRequest, fingerprint string,
	draft *guard.Verdict, now time.Time) (*guard.Verdict, error) {
	verdict := draft.Clone()
	verdict.RequestID = req.ID
	if verdict.RequestID == "" {
		verdict.RequestID = uuid.NewString()
	}
	verdict.Fingerprint = fingerprint
	verdict.ComputedAt = now.UnixMilli()
	verdict.ExpiresAt = now.Add(e.verdictTTL).UnixMilli()

	hash, err := e.integrityHash(verdict)
	if err != nil {
		return nil, err
	}
	verdict.IntegrityHash = hash

	if err := e.appendAudit(audit.Entry{
		Event:       audit.EventEvaluation,
		RequestID:   verdict.RequestID,
		Fingerprint: fingerprint,
		Verdict:     verdict,
		Outcome:     string(verdict.Decision),
	}); err != nil {
		return nil, err
	}

	// 熔断短路裁决不进缓存：熔断恢复后不能继续用它拒绝请求。
	if !strings.HasPrefix(verdict.Reason, ReasonBreakerOpen) {
		e.cacheMu.Lock()
		e.cache[fingerprint] = verdict.Clone()
		e.cacheMu.Unlock()
	}

	logger.Decisions().Info("裁决完成",
		slog.String("request_id", verdict.RequestID),
		slog.String("decision", string(verdict.Decision)),
		slog.String("decision_maker", string(verdict.DecisionMaker)),
		slog.Int("violations", len(verdict.Violations)),
	)
	return verdict, nil
}

func (e *Engine) appendAudit(entry audit.Entry) error {
	if _, err := e.auditor.Append(entry); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "审计写入失败，裁决作废")
	}
	return nil
}

// cachedVerdict 返回仍在有效期内的缓存裁决。
func (e *Engine) cachedVerdict(fingerprint string) *guard.Verdict {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	cached, ok := e.cache[fingerprint]
	if !ok {
		return nil
	}
	if e.Expired(cached, e.now()) {
		delete(e.cache, fingerprint)
		return nil
	}
	return cached.Clone()
}

// Expired 判断裁决是否已过期。
func (e *Engine) Expired(v *guard.Verdict, now time.Time) bool {
	return v == nil || now.UnixMilli() >= v.ExpiresAt
}

// RecordDispatch 在一次成功派发后登记账户历史，作为冷却、限频与
// 累计限额策略的输入。
func (e *Engine) RecordDispatch(req *guard.TransactionRequest, at time.Time) {
	amount, err := req.AmountBig()
	if err != nil {
		amount = nil
	}
	e.history.Record(req.Account, at, amount)
}
