package engine

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/breaker"
	"ChainGuard/internal/guard/hitl"
	"ChainGuard/internal/guard/policy"
	"ChainGuard/internal/secrets"
)

// stubPolicy 返回固定违规集合并统计调用次数。
type stubPolicy struct {
	id         string
	violations []guard.Violation
	calls      atomic.Int32
}

func (p *stubPolicy) ID() string { return p.id }

func (p *stubPolicy) Evaluate(_ policy.EvalContext, _ *guard.TransactionRequest) []guard.Violation {
	p.calls.Add(1)
	return p.violations
}

// failingAuditor 模拟审计落账不可用。
type failingAuditor struct{}

func (failingAuditor) Append(audit.Entry) (uint64, error) {
	return 0, errors.New("磁盘不可写")
}

func warningViolation(policyID string) guard.Violation {
	return guard.Violation{
		PolicyID: policyID,
		Severity: guard.SeverityWarning,
		Code:     "test_warning",
		Message:  "需要人工确认",
	}
}

func blockingViolation(policyID string) guard.Violation {
	return guard.Violation{
		PolicyID: policyID,
		Severity: guard.SeverityBlocking,
		Code:     "test_blocking",
		Message:  "直接拒绝",
	}
}

func testRequest() *guard.TransactionRequest {
	return &guard.TransactionRequest{
		ID:        "req-engine",
		Chain:     "ethereum",
		Action:    "transfer",
		Amount:    "10",
		Recipient: "0xAAAA",
		Account:   "0xCAFE",
	}
}

func newTestEngine(t *testing.T, policies []policy.Policy, opts ...Option) (*Engine, *breaker.Breaker, *audit.Log) {
	t.Helper()
	brk, err := breaker.New(breaker.Config{FailureThreshold: 3, Cooldown: time.Minute})
	if err != nil {
		t.Fatalf("构造熔断器失败: %v", err)
	}
	log, err := audit.Open(audit.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("打开审计日志失败: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	provider, err := secrets.NewStaticProvider([]byte("engine-test-key"))
	if err != nil {
		t.Fatalf("构造密钥源失败: %v", err)
	}
	eng, err := New(policy.NewRegistry(policies...), brk, log, policy.NewRecorder(time.Hour), provider, opts...)
	if err != nil {
		t.Fatalf("构造引擎失败: %v", err)
	}
	return eng, brk, log
}

func TestEvaluateAllowAndCacheReuse(t *testing.T) {
	stub := &stubPolicy{id: "noop"}
	eng, _, log := newTestEngine(t, []policy.Policy{stub})
	ctx := context.Background()

	verdict, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionAllow {
		t.Fatalf("零违规应放行，得到 %s", verdict.Decision)
	}
	if verdict.IntegrityHash == "" {
		t.Fatalf("裁决缺少完整性哈希")
	}
	if err := eng.Verify(verdict); err != nil {
		t.Fatalf("新裁决应通过完整性校验: %v", err)
	}

	// 有效期内再次评估命中缓存：策略不再运行，审计不再追加。
	again, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("二次评估失败: %v", err)
	}
	if again.IntegrityHash != verdict.IntegrityHash || again.ComputedAt != verdict.ComputedAt {
		t.Fatalf("缓存裁决与原裁决不一致")
	}
	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("策略应只运行一次，实际 %d 次", got)
	}
	entries, err := log.QueryByRequest("req-engine")
	if err != nil {
		t.Fatalf("查询审计失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("缓存命中不应追加审计，现有 %d 条", len(entries))
	}
}

func TestEvaluateDenyOnBlockingViolation(t *testing.T) {
	stub := &stubPolicy{id: "blocker", violations: []guard.Violation{blockingViolation("blocker")}}
	eng, _, _ := newTestEngine(t, []policy.Policy{stub})

	verdict, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionDeny {
		t.Fatalf("blocking 违规应拒绝，得到 %s", verdict.Decision)
	}
	if verdict.DecisionMaker != guard.MakerAutomatic {
		t.Fatalf("自动拒绝的决策主体应为 automatic")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	stub := &stubPolicy{id: "blocker", violations: []guard.Violation{blockingViolation("blocker")}}
	eng, _, _ := newTestEngine(t, []policy.Policy{stub})

	verdict, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	tampered := verdict.Clone()
	tampered.Decision = guard.DecisionAllow
	if err := eng.Verify(tampered); xerrors.CodeOf(err) != xerrors.CodeSecurityViolation {
		t.Fatalf("篡改裁决应触发安全违规，得到 %v", err)
	}
	// 改动有效期同样破坏哈希。
	extended := verdict.Clone()
	extended.ExpiresAt += int64(time.Hour / time.Millisecond)
	if err := eng.Verify(extended); xerrors.CodeOf(err) != xerrors.CodeSecurityViolation {
		t.Fatalf("篡改有效期应触发安全违规，得到 %v", err)
	}
}

func TestExpiredCacheForcesReevaluation(t *testing.T) {
	current := time.Now()
	clock := func() time.Time { return current }
	stub := &stubPolicy{id: "noop"}
	eng, _, _ := newTestEngine(t, []policy.Policy{stub}, withClock(clock), WithVerdictTTL(time.Minute))
	ctx := context.Background()

	first, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	current = current.Add(2 * time.Minute)
	if !eng.Expired(first, current) {
		t.Fatalf("超过有效期的裁决应判定过期")
	}
	second, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("过期后评估失败: %v", err)
	}
	if second.ComputedAt == first.ComputedAt {
		t.Fatalf("过期缓存应触发重新评估")
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("策略应运行两次，实际 %d 次", got)
	}
}

func TestReevaluateBypassesCache(t *testing.T) {
	stub := &stubPolicy{id: "noop"}
	eng, _, _ := newTestEngine(t, []policy.Policy{stub})
	ctx := context.Background()

	if _, err := eng.Evaluate(ctx, testRequest()); err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if _, err := eng.Reevaluate(ctx, testRequest()); err != nil {
		t.Fatalf("强制重评估失败: %v", err)
	}
	if got := stub.calls.Load(); got != 2 {
		t.Fatalf("强制重评估应再次运行策略，实际 %d 次", got)
	}
}

func TestBreakerOpenShortCircuitsPolicies(t *testing.T) {
	stub := &stubPolicy{id: "noop"}
	eng, brk, _ := newTestEngine(t, []policy.Policy{stub})

	for i := 0; i < 3; i++ {
		brk.RecordFailure("dispatch failed")
	}
	verdict, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionDeny {
		t.Fatalf("熔断打开应拒绝，得到 %s", verdict.Decision)
	}
	if !strings.HasPrefix(verdict.Reason, ReasonBreakerOpen) {
		t.Fatalf("拒绝原因应标记熔断短路，得到 %q", verdict.Reason)
	}
	if stub.calls.Load() != 0 {
		t.Fatalf("熔断短路时不应运行策略")
	}
}

func TestBreakerOpenOverridesCachedAllow(t *testing.T) {
	brk, err := breaker.New(breaker.Config{FailureThreshold: 1, Cooldown: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("构造熔断器失败: %v", err)
	}
	log, err := audit.Open(audit.Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("打开审计日志失败: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	provider, err := secrets.NewStaticProvider([]byte("engine-test-key"))
	if err != nil {
		t.Fatalf("构造密钥源失败: %v", err)
	}
	eng, err := New(policy.NewRegistry(&stubPolicy{id: "noop"}), brk, log,
		policy.NewRecorder(time.Hour), provider)
	if err != nil {
		t.Fatalf("构造引擎失败: %v", err)
	}
	ctx := context.Background()

	first, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if first.Decision != guard.DecisionAllow {
		t.Fatalf("零违规应放行，得到 %s", first.Decision)
	}

	brk.RecordFailure("dispatch failed")

	// 缓存里还躺着放行裁决，但熔断判定必须先行。
	denied, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("熔断期间评估失败: %v", err)
	}
	if denied.Decision != guard.DecisionDeny || !strings.HasPrefix(denied.Reason, ReasonBreakerOpen) {
		t.Fatalf("熔断打开时应产出熔断拒绝: %+v", denied)
	}

	// 熔断拒绝不污染缓存：冷却期满后仍能命中原来的放行裁决。
	time.Sleep(30 * time.Millisecond)
	recovered, err := eng.Evaluate(ctx, testRequest())
	if err != nil {
		t.Fatalf("冷却期满后评估失败: %v", err)
	}
	if recovered.Decision != guard.DecisionAllow || recovered.IntegrityHash != first.IntegrityHash {
		t.Fatalf("冷却期满后应命中缓存的放行裁决: %+v", recovered)
	}
}

func TestEscalationApprovedByHuman(t *testing.T) {
	stub := &stubPolicy{id: "warner", violations: []guard.Violation{warningViolation("warner")}}
	bridge := hitl.FuncBridge(func(_ context.Context, escalation hitl.Escalation) (hitl.Decision, error) {
		if len(escalation.Violations) != 1 {
			t.Errorf("升级应携带违规明细，得到 %d 条", len(escalation.Violations))
		}
		return hitl.Decision{Approved: true, DecidedBy: "ops@example.com"}, nil
	})
	eng, _, _ := newTestEngine(t, []policy.Policy{stub}, WithHitlBridge(bridge))

	verdict, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionAllow {
		t.Fatalf("人工批准应放行，得到 %s", verdict.Decision)
	}
	if verdict.DecisionMaker != guard.MakerHuman {
		t.Fatalf("人工批复的决策主体应为 human")
	}
	if err := eng.Verify(verdict); err != nil {
		t.Fatalf("人工裁决应通过完整性校验: %v", err)
	}
}

func TestEscalationDeniedByHuman(t *testing.T) {
	stub := &stubPolicy{id: "warner", violations: []guard.Violation{warningViolation("warner")}}
	bridge := hitl.FuncBridge(func(context.Context, hitl.Escalation) (hitl.Decision, error) {
		return hitl.Decision{Approved: false, DecidedBy: "ops@example.com", Comment: "金额可疑"}, nil
	})
	eng, _, _ := newTestEngine(t, []policy.Policy{stub}, WithHitlBridge(bridge))

	verdict, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionDeny || verdict.DecisionMaker != guard.MakerHuman {
		t.Fatalf("人工否决应拒绝: %+v", verdict)
	}
}

func TestEscalationTimeoutDenies(t *testing.T) {
	stub := &stubPolicy{id: "warner", violations: []guard.Violation{warningViolation("warner")}}
	eng, _, _ := newTestEngine(t, []policy.Policy{stub},
		WithHitlBridge(hitl.BlockingBridge{}), WithHitlTimeout(50*time.Millisecond))

	start := time.Now()
	verdict, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionDeny {
		t.Fatalf("升级超时必须拒绝，得到 %s", verdict.Decision)
	}
	if verdict.Reason != ReasonHitlTimeout {
		t.Fatalf("拒绝原因应为超时，得到 %q", verdict.Reason)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("超时兜底耗时异常: %s", elapsed)
	}
}

func TestWarningWithoutBridgeDenies(t *testing.T) {
	stub := &stubPolicy{id: "warner", violations: []guard.Violation{warningViolation("warner")}}
	eng, _, _ := newTestEngine(t, []policy.Policy{stub})

	verdict, err := eng.Evaluate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("评估失败: %v", err)
	}
	if verdict.Decision != guard.DecisionDeny {
		t.Fatalf("无人审通道时告警级违规应拒绝，得到 %s", verdict.Decision)
	}
}

func TestAuditFailureVoidsVerdict(t *testing.T) {
	brk, err := breaker.New(breaker.Config{FailureThreshold: 3, Cooldown: time.Minute})
	if err != nil {
		t.Fatalf("构造熔断器失败: %v", err)
	}
	provider, err := secrets.NewStaticProvider([]byte("engine-test-key"))
	if err != nil {
		t.Fatalf("构造密钥源失败: %v", err)
	}
	eng, err := New(policy.NewRegistry(&stubPolicy{id: "noop"}), brk, failingAuditor{},
		policy.NewRecorder(time.Hour), provider)
	if err != nil {
		t.Fatalf("构造引擎失败: %v", err)
	}

	if _, err := eng.Evaluate(context.Background(), testRequest()); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("审计不可用时裁决必须作废，得到 %v", err)
	}
}
