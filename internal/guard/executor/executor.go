// Package executor 是守卫的顶层编排：幂等占位、裁决校验、派发与
// 熔断/审计/幂等三方状态的收敛。
package executor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ChainGuard/internal/dispatch"
	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/breaker"
	"ChainGuard/internal/guard/engine"
	"ChainGuard/internal/guard/idempotency"
	"ChainGuard/internal/observability/alerting"
	"ChainGuard/pkg/logger"
)

// Executor 将一次交易请求推进到唯一的终态。除结果不明的派发外，
// 每个请求的幂等键最终恰好落在 denied、succeeded、failed 之一。
type Executor struct {
	engine     *engine.Engine
	store      idempotency.Store
	dispatcher dispatch.Dispatcher
	brk        *breaker.Breaker
	auditor    engine.Auditor
	alerter    alerting.Dispatcher
	archiver   Archiver
	now        func() time.Time
}

// Archiver 抽象终态记录的长期归档。归档失败只记日志，不影响执行结论。
type Archiver interface {
	ArchiveResult(ctx context.Context, rec *idempotency.Record) error
}

// Option 配置 Executor 的可选行为。
type Option func(*Executor)

// WithAlerter 注册告警分发器，结果不明的派发会触发告警。
func WithAlerter(alerter alerting.Dispatcher) Option {
	return func(e *Executor) {
		e.alerter = alerter
	}
}

// WithArchiver 注册终态记录归档器。
func WithArchiver(archiver Archiver) Option {
	return func(e *Executor) {
		e.archiver = archiver
	}
}

func withClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New 构造 Executor，所有协作方都是必填项。
func New(eng *engine.Engine, store idempotency.Store, dispatcher dispatch.Dispatcher,
	brk *breaker.Breaker, auditor engine.Auditor, opts ...Option) (*Executor, error) {
	if eng == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供策略引擎")
	}
	if store == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供幂等存储")
	}
	if dispatcher == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供交易派发器")
	}
	if brk == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供熔断器")
	}
	if auditor == nil {
		return nil, xerrors.New(xerrors.CodeConfiguration, "未提供审计日志")
	}
	exec := &Executor{
		engine:     eng,
		store:      store,
		dispatcher: dispatcher,
		brk:        brk,
		auditor:    auditor,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(exec)
	}
	return exec, nil
}

// Execute 执行一次受守卫保护的交易请求。
//
// 终态结果一律先写审计、再写幂等存储，最后返回调用方；任何落在
// 派发之前的持久化失败都会拒绝执行。派发器报告结果不明时幂等键
// 保持 in_flight，等待人工对账，绝不自动重试。
func (e *Executor) Execute(ctx context.Context, req *guard.TransactionRequest) (*guard.ExecutionResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	// 调用方持有的请求保持原样，补全的 ID 随结果返回。
	req = req.Clone()
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	key := idempotency.Key(req)

	// 终态命中直接返回缓存结果，不再评估、不再派发、不再写审计。
	if rec, err := e.store.Get(ctx, key); err == nil {
		if rec.Status.Terminal() {
			return e.cachedResult(rec, key), nil
		}
	} else if !errors.Is(err, idempotency.ErrNotFound) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取幂等记录失败")
	}

	existing, err := e.store.Reserve(ctx, key, req.Fingerprint(), req.ID)
	if err != nil {
		switch {
		case errors.Is(err, idempotency.ErrCompleted):
			return e.cachedResult(existing, key), nil
		case errors.Is(err, idempotency.ErrInFlight):
			return nil, xerrors.New(xerrors.CodeInFlight,
				"同一请求的另一次执行正在进行中",
				xerrors.WithMetadata("idempotency_key", key))
		default:
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "预占幂等键失败")
		}
	}

	verdict, err := e.engine.Evaluate(ctx, req)
	if err != nil {
		e.completeQuietly(ctx, key, idempotency.StatusDenied,
			e.buildResult(req, key, guard.OutcomeDenied, nil, err, 0))
		return nil, err
	}
	verdict, err = e.revalidate(ctx, req, verdict)
	if err != nil {
		e.completeQuietly(ctx, key, idempotency.StatusDenied,
			e.buildResult(req, key, guard.OutcomeDenied, nil, err, 0))
		return nil, err
	}

	if verdict.Decision != guard.DecisionAllow {
		return e.finishDenied(ctx, req, key, verdict)
	}
	return e.dispatch(ctx, req, key, verdict)
}

// revalidate 在派发前重新校验裁决：完整性哈希必须匹配且未过期。
// 不满足时强制重评估一次，仍不满足则按安全违规拒绝。
func (e *Executor) revalidate(ctx context.Context, req *guard.TransactionRequest, verdict *guard.Verdict) (*guard.Verdict, error) {
	stale := e.engine.Verify(verdict) != nil || e.engine.Expired(verdict, e.now())
	if !stale {
		return verdict, nil
	}
	fresh, err := e.engine.Reevaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.engine.Verify(fresh); err != nil {
		return nil, err
	}
	if e.engine.Expired(fresh, e.now()) {
		return nil, xerrors.New(xerrors.CodeSecurityViolation, "重评估后的裁决仍然过期",
			xerrors.WithMetadata("request_id", req.ID))
	}
	return fresh, nil
}

// finishDenied 收敛非放行裁决：记一次熔断失败、留档、落终态。
func (e *Executor) finishDenied(ctx context.Context, req *guard.TransactionRequest, key string, verdict *guard.Verdict) (*guard.ExecutionResult, error) {
	e.brk.RecordFailure("request denied")

	code := xerrors.CodeSecurityViolation
	if strings.HasPrefix(verdict.Reason, engine.ReasonBreakerOpen) {
		code = xerrors.CodeBreakerOpen
	}
	denyErr := xerrors.New(code, "交易被守卫拒绝: "+verdict.Reason,
		xerrors.WithMetadata("request_id", req.ID),
		xerrors.WithMetadata("decision", string(verdict.Decision)))

	seq := e.auditExecution(req, verdict, string(guard.OutcomeDenied), verdict.Reason)
	result := e.buildResult(req, key, guard.OutcomeDenied, nil, denyErr, seq)
	e.completeQuietly(ctx, key, idempotency.StatusDenied, result)
	return nil, denyErr
}

// dispatch 执行放行后的派发，并把三方状态收敛到终态。
func (e *Executor) dispatch(ctx context.Context, req *guard.TransactionRequest, key string, verdict *guard.Verdict) (*guard.ExecutionResult, error) {
	// 裁决允许只代表评估时熔断未打开；派发名额在这里才真正占用，
	// 评估与派发之间熔断被打开的请求在此被拦下。
	if allowed, tripReason := e.brk.Acquire(); !allowed {
		denyErr := xerrors.New(xerrors.CodeBreakerOpen,
			"熔断器打开，拒绝派发: "+tripReason,
			xerrors.WithMetadata("request_id", req.ID))
		seq := e.auditExecution(req, verdict, string(guard.OutcomeDenied),
			engine.ReasonBreakerOpen+": "+tripReason)
		result := e.buildResult(req, key, guard.OutcomeDenied, nil, denyErr, seq)
		e.completeQuietly(ctx, key, idempotency.StatusDenied, result)
		return nil, denyErr
	}

	// 派发之前必须留下持久审计记录，写不进去就不派发。
	if _, err := e.auditor.Append(audit.Entry{
		Timestamp:   e.now().UnixMilli(),
		Event:       audit.EventExecution,
		RequestID:   req.ID,
		Fingerprint: req.Fingerprint(),
		Verdict:     verdict,
		Outcome:     "dispatching",
	}); err != nil {
		e.brk.Release()
		storageErr := xerrors.Wrap(xerrors.CodeStorageFailure, err,
			"派发前审计写入失败，拒绝执行")
		e.completeQuietly(ctx, key, idempotency.StatusDenied,
			e.buildResult(req, key, guard.OutcomeDenied, nil, storageErr, 0))
		return nil, storageErr
	}

	receipt, dispatchErr := e.dispatcher.Dispatch(ctx, req)
	if dispatchErr != nil {
		if dispatch.Indeterminate(dispatchErr) {
			return nil, e.finishIndeterminate(ctx, req, key, verdict, dispatchErr)
		}
		e.brk.RecordFailure("dispatch failed")
		seq := e.auditExecution(req, verdict, string(guard.OutcomeFailed), dispatchErr.Error())
		result := e.buildResult(req, key, guard.OutcomeFailed, nil, dispatchErr, seq)
		e.completeQuietly(ctx, key, idempotency.StatusFailed, result)
		return nil, xerrors.Wrap(xerrors.CodeDispatchFailure, dispatchErr, "交易派发失败",
			xerrors.WithMetadata("request_id", req.ID))
	}

	e.brk.RecordSuccess()
	e.engine.RecordDispatch(req, e.now())
	seq := e.auditExecution(req, verdict, string(guard.OutcomeSucceeded), "")
	result := e.buildResult(req, key, guard.OutcomeSucceeded, receipt, nil, seq)
	if err := e.store.Complete(ctx, key, idempotency.StatusSucceeded, result); err != nil {
		// 交易已上链，幂等写失败只能留痕，不能回滚。
		logger.L().Error("交易成功但幂等终态写入失败",
			slog.String("request_id", req.ID),
			slog.String("idempotency_key", key),
			slog.Any("error", err))
	}
	e.archiveQuietly(ctx, key)
	logger.Decisions().Info("交易执行成功",
		slog.String("request_id", req.ID),
		slog.String("tx_hash", receipt.TxHash),
		slog.Uint64("audit_seq", seq))
	return result, nil
}

// finishIndeterminate 处理派发器报告的结果不明：键保持 in_flight，
// 留档并告警，等待人工对账。
func (e *Executor) finishIndeterminate(ctx context.Context, req *guard.TransactionRequest, key string, verdict *guard.Verdict, cause error) error {
	e.auditExecution(req, verdict, string(guard.OutcomeIndeterminate), cause.Error())
	logger.L().Error("派发结果不明，幂等键保持占用等待人工对账",
		slog.String("request_id", req.ID),
		slog.String("idempotency_key", key),
		slog.Any("error", cause))
	if e.alerter != nil {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := e.alerter.Notify(alertCtx, alerting.Event{
			Code:        xerrors.CodeDispatchIndeterminate,
			Message:     cause.Error(),
			Severity:    xerrors.SeverityCritical,
			RequestID:   req.ID,
			Fingerprint: req.Fingerprint(),
			Metadata:    map[string]string{"idempotency_key": key},
			OccurredAt:  e.now(),
		}); err != nil {
			logger.L().Warn("结果不明告警发送失败", slog.Any("error", err))
		}
	}
	return xerrors.Wrap(xerrors.CodeDispatchIndeterminate, cause,
		"派发结果不明，需要人工对账",
		xerrors.WithMetadata("request_id", req.ID),
		xerrors.WithMetadata("idempotency_key", key))
}

func (e *Executor) buildResult(req *guard.TransactionRequest, key string, status guard.OutcomeStatus,
	receipt *guard.DispatchReceipt, cause error, auditSeq uint64) *guard.ExecutionResult {
	result := &guard.ExecutionResult{
		RequestID:      req.ID,
		IdempotencyKey: key,
		Status:         status,
		Receipt:        receipt,
		AuditSeq:       auditSeq,
		CompletedAt:    e.now().UnixMilli(),
	}
	if cause != nil {
		result.ErrorCode = string(xerrors.CodeOf(cause))
		result.ErrorMessage = cause.Error()
	}
	return result
}

func (e *Executor) auditExecution(req *guard.TransactionRequest, verdict *guard.Verdict, outcome, detail string) uint64 {
	seq, err := e.auditor.Append(audit.Entry{
		Timestamp:   e.now().UnixMilli(),
		Event:       audit.EventExecution,
		RequestID:   req.ID,
		Fingerprint: req.Fingerprint(),
		Verdict:     verdict,
		Outcome:     outcome,
		Detail:      detail,
	})
	if err != nil {
		logger.L().Error("执行审计写入失败",
			slog.String("request_id", req.ID),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return 0
	}
	return seq
}

func (e *Executor) completeQuietly(ctx context.Context, key string, status idempotency.Status, result *guard.ExecutionResult) {
	if err := e.store.Complete(context.WithoutCancel(ctx), key, status, result); err != nil {
		logger.L().Error("幂等终态写入失败",
			slog.String("idempotency_key", key),
			slog.String("status", string(status)),
			slog.Any("error", err))
		return
	}
	e.archiveQuietly(ctx, key)
}

// archiveQuietly 把刚落终态的记录送入归档器，失败只记日志。
func (e *Executor) archiveQuietly(ctx context.Context, key string) {
	if e.archiver == nil {
		return
	}
	archiveCtx := context.WithoutCancel(ctx)
	rec, err := e.store.Get(archiveCtx, key)
	if err != nil || !rec.Status.Terminal() {
		return
	}
	if err := e.archiver.ArchiveResult(archiveCtx, rec); err != nil {
		logger.L().Warn("终态记录归档失败",
			slog.String("idempotency_key", key),
			slog.Any("error", err))
	}
}

func (e *Executor) cachedResult(rec *idempotency.Record, key string) *guard.ExecutionResult {
	if rec.Result != nil {
		return rec.Result.Clone()
	}
	// 旧版本记录可能没有结果载荷，按状态合成一份。
	return &guard.ExecutionResult{
		RequestID:      rec.RequestID,
		IdempotencyKey: key,
		Status:         guard.OutcomeStatus(rec.Status),
		CompletedAt:    rec.CompletedAt,
	}
}
