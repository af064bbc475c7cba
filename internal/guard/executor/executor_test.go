package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/breaker"
	"ChainGuard/internal/guard/engine"
	"ChainGuard/internal/guard/idempotency"
	"ChainGuard/internal/guard/policy"
	"ChainGuard/internal/secrets"
)

// countingDispatcher 记录派发次数，可配置失败与延迟。
type countingDispatcher struct {
	calls atomic.Int32
	delay time.Duration
	fail  error
}

func (d *countingDispatcher) Dispatch(ctx context.Context, req *guard.TransactionRequest) (*guard.DispatchReceipt, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail != nil {
		return nil, d.fail
	}
	return &guard.DispatchReceipt{TxHash: "0xabc", ChainID: "1"}, nil
}

func (d *countingDispatcher) Close() error { return nil }

type harness struct {
	exec    *Executor
	eng     *engine.Engine
	store   idempotency.Store
	brk     *breaker.Breaker
	log     *audit.Log
	dispr   *countingDispatcher
	history *policy.Recorder
}

func newHarness(t *testing.T, policies []policy.Policy, dispr *countingDispatcher, brkCfg breaker.Config) *harness {
	t.Helper()
	if dispr == nil {
		dispr = &countingDispatcher{}
	}
	if brkCfg.FailureThreshold == 0 {
		brkCfg = breaker.Config{FailureThreshold: 5, Cooldown: time.Minute}
	}
	brk, err := breaker.New(brkCfg)
	if err != nil {
		t.Fatalf("构造熔断器失败: %v", err)
	}
	log, err := audit.Open(audit.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("打开审计日志失败: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	provider, err := secrets.NewStaticProvider([]byte("executor-test-key"))
	if err != nil {
		t.Fatalf("构造密钥源失败: %v", err)
	}
	history := policy.NewRecorder(time.Hour)
	eng, err := engine.New(policy.NewRegistry(policies...), brk, log, history, provider)
	if err != nil {
		t.Fatalf("构造策略引擎失败: %v", err)
	}
	store := idempotency.NewMemoryStore()
	exec, err := New(eng, store, dispr, brk, log)
	if err != nil {
		t.Fatalf("构造执行器失败: %v", err)
	}
	return &harness{exec: exec, eng: eng, store: store, brk: brk, log: log, dispr: dispr, history: history}
}

func allowAllPolicies(t *testing.T, recipients ...string) []policy.Policy {
	t.Helper()
	p, err := policy.NewAllowlistPolicy(policy.AllowlistConfig{Recipients: recipients})
	if err != nil {
		t.Fatalf("构造白名单策略失败: %v", err)
	}
	return []policy.Policy{p}
}

func sampleRequest(id string) *guard.TransactionRequest {
	return &guard.TransactionRequest{
		ID:        id,
		Chain:     "ethereum",
		Action:    "transfer",
		Amount:    "50",
		Recipient: "0xAAAA",
		Account:   "0xCAFE",
	}
}

func TestExecuteSucceedsAndCachesResult(t *testing.T) {
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), nil, breaker.Config{})
	ctx := context.Background()

	result, err := h.exec.Execute(ctx, sampleRequest("req-1"))
	if err != nil {
		t.Fatalf("执行应成功: %v", err)
	}
	if result.Status != guard.OutcomeSucceeded {
		t.Fatalf("期望 succeeded，得到 %s", result.Status)
	}
	if result.Receipt == nil || result.Receipt.TxHash != "0xabc" {
		t.Fatalf("回执不完整: %+v", result.Receipt)
	}
	if result.AuditSeq == 0 {
		t.Fatalf("成功结果应携带审计序号")
	}

	// 相同逻辑请求（不同 ID）命中幂等缓存，不再派发。
	again, err := h.exec.Execute(ctx, sampleRequest("req-retry"))
	if err != nil {
		t.Fatalf("重复提交应返回缓存结果: %v", err)
	}
	if again.Status != guard.OutcomeSucceeded || again.RequestID != result.RequestID {
		t.Fatalf("缓存结果与原结果不一致: %+v", again)
	}
	if got := h.dispr.calls.Load(); got != 1 {
		t.Fatalf("派发器应只被调用一次，实际 %d 次", got)
	}
}

func TestExecuteDeniedByPolicy(t *testing.T) {
	amountPolicy, err := policy.NewAmountLimitPolicy(policy.AmountLimitConfig{PerTxCap: "100"})
	if err != nil {
		t.Fatalf("构造金额策略失败: %v", err)
	}
	h := newHarness(t, []policy.Policy{amountPolicy}, nil, breaker.Config{})
	ctx := context.Background()

	req := sampleRequest("req-denied")
	req.Amount = "150"
	if _, err := h.exec.Execute(ctx, req); xerrors.CodeOf(err) != xerrors.CodeSecurityViolation {
		t.Fatalf("超限请求应返回安全违规错误，得到 %v", err)
	}
	if h.dispr.calls.Load() != 0 {
		t.Fatalf("被拒请求不应触发派发")
	}

	rec, err := h.store.Get(ctx, idempotency.Key(req))
	if err != nil {
		t.Fatalf("读取幂等记录失败: %v", err)
	}
	if rec.Status != idempotency.StatusDenied {
		t.Fatalf("期望 denied 记录，得到 %s", rec.Status)
	}

	entries, err := h.log.QueryByRequest("req-denied")
	if err != nil {
		t.Fatalf("查询审计失败: %v", err)
	}
	var execEntries int
	for _, entry := range entries {
		if entry.Event == audit.EventExecution {
			execEntries++
		}
	}
	if execEntries != 1 {
		t.Fatalf("期望恰好一条执行审计记录，得到 %d", execEntries)
	}
}

func TestExecuteConcurrentSingleDispatch(t *testing.T) {
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), &countingDispatcher{delay: 50 * time.Millisecond}, breaker.Config{})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var succeeded, inFlight atomic.Int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := h.exec.Execute(ctx, sampleRequest(""))
			switch {
			case err == nil && result.Status == guard.OutcomeSucceeded:
				succeeded.Add(1)
			case xerrors.CodeOf(err) == xerrors.CodeInFlight:
				inFlight.Add(1)
			default:
				t.Errorf("意外结果: result=%+v err=%v", result, err)
			}
		}()
	}
	wg.Wait()

	if got := h.dispr.calls.Load(); got != 1 {
		t.Fatalf("并发执行应恰好派发一次，实际 %d 次", got)
	}
	if succeeded.Load() < 1 {
		t.Fatalf("至少应有一个调用方拿到成功结果")
	}
	if succeeded.Load()+inFlight.Load() != workers {
		t.Fatalf("结果数量不守恒: succeeded=%d inFlight=%d", succeeded.Load(), inFlight.Load())
	}

	// 派发完成后，后续提交全部命中缓存。
	result, err := h.exec.Execute(ctx, sampleRequest(""))
	if err != nil || result.Status != guard.OutcomeSucceeded {
		t.Fatalf("终态后应返回缓存结果: result=%+v err=%v", result, err)
	}
	if h.dispr.calls.Load() != 1 {
		t.Fatalf("缓存命中不应再次派发")
	}
}

func TestExecuteDispatchFailure(t *testing.T) {
	failErr := xerrors.New(xerrors.CodeDispatchFailure, "节点拒绝交易")
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), &countingDispatcher{fail: failErr}, breaker.Config{})
	ctx := context.Background()

	req := sampleRequest("req-fail")
	if _, err := h.exec.Execute(ctx, req); xerrors.CodeOf(err) != xerrors.CodeDispatchFailure {
		t.Fatalf("派发失败应返回派发错误，得到 %v", err)
	}
	rec, err := h.store.Get(ctx, idempotency.Key(req))
	if err != nil {
		t.Fatalf("读取幂等记录失败: %v", err)
	}
	if rec.Status != idempotency.StatusFailed {
		t.Fatalf("期望 failed 记录，得到 %s", rec.Status)
	}

	// 失败是终态：重复提交返回缓存的失败结果，不重试派发。
	result, err := h.exec.Execute(ctx, sampleRequest("req-fail-retry"))
	if err != nil {
		t.Fatalf("终态命中不应报错: %v", err)
	}
	if result.Status != guard.OutcomeFailed {
		t.Fatalf("期望缓存的 failed 结果，得到 %s", result.Status)
	}
	if h.dispr.calls.Load() != 1 {
		t.Fatalf("终态命中不应再次派发")
	}
}

func TestExecuteIndeterminateKeepsKeyClaimed(t *testing.T) {
	indeterminate := xerrors.New(xerrors.CodeDispatchIndeterminate, "已广播但回执超时")
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), &countingDispatcher{fail: indeterminate}, breaker.Config{})
	ctx := context.Background()

	req := sampleRequest("req-unknown")
	if _, err := h.exec.Execute(ctx, req); xerrors.CodeOf(err) != xerrors.CodeDispatchIndeterminate {
		t.Fatalf("结果不明应返回对应错误，得到 %v", err)
	}
	rec, err := h.store.Get(ctx, idempotency.Key(req))
	if err != nil {
		t.Fatalf("读取幂等记录失败: %v", err)
	}
	if rec.Status != idempotency.StatusInFlight {
		t.Fatalf("结果不明时键应保持 in_flight，得到 %s", rec.Status)
	}

	// 保持占用意味着不会自动重试：后续提交观察到执行中。
	if _, err := h.exec.Execute(ctx, sampleRequest("req-unknown-2")); xerrors.CodeOf(err) != xerrors.CodeInFlight {
		t.Fatalf("占用中的键应报告执行中，得到 %v", err)
	}
	if h.dispr.calls.Load() != 1 {
		t.Fatalf("结果不明后不应自动重试派发")
	}
}

func TestExecuteBreakerOpenShortCircuits(t *testing.T) {
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), nil, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	ctx := context.Background()

	h.brk.RecordFailure("preset failure")
	if snap := h.brk.Snapshot(); snap.State != breaker.StateOpen {
		t.Fatalf("预置失败后熔断器应打开，得到 %s", snap.State)
	}

	req := sampleRequest("req-breaker")
	if _, err := h.exec.Execute(ctx, req); xerrors.CodeOf(err) != xerrors.CodeBreakerOpen {
		t.Fatalf("熔断打开时应返回熔断错误，得到 %v", err)
	}
	if h.dispr.calls.Load() != 0 {
		t.Fatalf("熔断打开时不应派发")
	}
	rec, err := h.store.Get(ctx, idempotency.Key(req))
	if err != nil {
		t.Fatalf("读取幂等记录失败: %v", err)
	}
	if rec.Status != idempotency.StatusDenied {
		t.Fatalf("熔断拒绝应落 denied 终态，得到 %s", rec.Status)
	}
}

func TestExecuteCachedAllowRespectsBreaker(t *testing.T) {
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), nil, breaker.Config{FailureThreshold: 1, Cooldown: time.Hour})
	ctx := context.Background()

	// 预先评估一次，让放行裁决进入引擎缓存。
	verdict, err := h.eng.Evaluate(ctx, sampleRequest("req-warm"))
	if err != nil {
		t.Fatalf("预评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionAllow {
		t.Fatalf("预评估应放行，得到 %s", verdict.Decision)
	}

	h.brk.RecordFailure("dispatch failed")
	if snap := h.brk.Snapshot(); snap.State != breaker.StateOpen {
		t.Fatalf("预置失败后熔断器应打开，得到 %s", snap.State)
	}

	// 熔断打开后，缓存里的放行裁决不能再兑换成一次派发。
	req := sampleRequest("req-warm-2")
	if _, err := h.exec.Execute(ctx, req); xerrors.CodeOf(err) != xerrors.CodeBreakerOpen {
		t.Fatalf("熔断打开时缓存放行也应拒绝，得到 %v", err)
	}
	if h.dispr.calls.Load() != 0 {
		t.Fatalf("熔断打开时不应派发")
	}
	rec, err := h.store.Get(ctx, idempotency.Key(req))
	if err != nil {
		t.Fatalf("读取幂等记录失败: %v", err)
	}
	if rec.Status != idempotency.StatusDenied {
		t.Fatalf("期望 denied 终态，得到 %s", rec.Status)
	}
}

func TestEvaluateOnlyDoesNotConsumeHalfOpenTrial(t *testing.T) {
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), nil, breaker.Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	h.brk.RecordFailure("dispatch failed")
	time.Sleep(30 * time.Millisecond)

	// 冷却期满后的只读评估不应占用半开试探名额。
	verdict, err := h.eng.Evaluate(ctx, sampleRequest("req-dry"))
	if err != nil {
		t.Fatalf("只读评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionAllow {
		t.Fatalf("只读评估应放行，得到 %s", verdict.Decision)
	}

	// 试探名额仍然可用：真正的执行拿到名额并恢复熔断器。
	req := sampleRequest("req-trial")
	req.Amount = "75"
	result, err := h.exec.Execute(ctx, req)
	if err != nil {
		t.Fatalf("试探执行应成功: %v", err)
	}
	if result.Status != guard.OutcomeSucceeded {
		t.Fatalf("期望 succeeded，得到 %s", result.Status)
	}
	if snap := h.brk.Snapshot(); snap.State != breaker.StateClosed {
		t.Fatalf("试探成功后熔断器应恢复闭合，得到 %s", snap.State)
	}
}

func TestExecuteDoesNotMutateCallerRequest(t *testing.T) {
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), nil, breaker.Config{})
	req := sampleRequest("")
	req.Metadata = map[string]string{"origin": "agent-7"}

	result, err := h.exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("执行应成功: %v", err)
	}
	if result.RequestID == "" {
		t.Fatalf("补全的请求 ID 应随结果返回")
	}
	if req.ID != "" {
		t.Fatalf("调用方的请求不应被回填 ID，得到 %q", req.ID)
	}
	if len(req.Metadata) != 1 || req.Metadata["origin"] != "agent-7" {
		t.Fatalf("调用方的元数据不应被改动: %+v", req.Metadata)
	}
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, allowAllPolicies(t, "0xAAAA"), nil, breaker.Config{})
	req := sampleRequest("req-bad")
	req.Recipient = ""
	if _, err := h.exec.Execute(context.Background(), req); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("字段缺失应返回参数错误，得到 %v", err)
	}
	if h.dispr.calls.Load() != 0 {
		t.Fatalf("非法请求不应派发")
	}
}
