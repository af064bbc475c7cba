package guard

// Severity 表示策略违规的严重级别，从轻到重排序。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityBlocking Severity = "blocking"
)

// severityRank 定义严重级别的全序，供裁决映射使用。
var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
	SeverityBlocking: 3,
}

// Rank 返回严重级别在全序中的位置，未知级别按最高处理（fail-closed）。
func (s Severity) Rank() int {
	if rank, ok := severityRank[s]; ok {
		return rank
	}
	return severityRank[SeverityBlocking]
}

// Violation 描述一条策略违规。
type Violation struct {
	PolicyID string   `json:"policy_id"`
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
}

// Decision 表示引擎对单个请求的处置结论。
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionEscalate Decision = "escalate"
)

// DecisionMaker 标识结论的来源。
type DecisionMaker string

const (
	MakerAutomatic DecisionMaker = "automatic"
	MakerHuman     DecisionMaker = "human"
)

// Verdict 是引擎针对一次评估产出的裁决。创建后不可修改；任何字段变动
// 都会使 IntegrityHash 校验失败，执行器在派发前必须重新验证。
type Verdict struct {
	RequestID     string        `json:"request_id"`
	Fingerprint   string        `json:"fingerprint"`
	Decision      Decision      `json:"decision"`
	Violations    []Violation   `json:"violations,omitempty"`
	DecisionMaker DecisionMaker `json:"decision_maker"`
	ComputedAt    int64         `json:"computed_at"`
	ExpiresAt     int64         `json:"expires_at"`
	Reason        string        `json:"reason,omitempty"`
	IntegrityHash string        `json:"integrity_hash"`
}

// Clone 返回裁决的深拷贝。
func (v *Verdict) Clone() *Verdict {
	if v == nil {
		return nil
	}
	clone := *v
	if v.Violations != nil {
		clone.Violations = append([]Violation(nil), v.Violations...)
	}
	return &clone
}

// HighestSeverity 返回违规集合中最高的严重级别，空集合返回 ("", false)。
func (v *Verdict) HighestSeverity() (Severity, bool) {
	if v == nil || len(v.Violations) == 0 {
		return "", false
	}
	highest := v.Violations[0].Severity
	for _, violation := range v.Violations[1:] {
		if violation.Severity.Rank() > highest.Rank() {
			highest = violation.Severity
		}
	}
	return highest, true
}
