package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// integrityHash 用守卫持有的密钥对裁决内容计算 HMAC-SHA256。
// 哈希覆盖除哈希本身之外的全部字段：任何一个字段被改动，
// 执行前的校验都会失败。
func (e *Engine) integrityHash(v *guard.Verdict) (string, error) {
	key, err := e.secrets.IntegrityKey()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(canonicalVerdict(v)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify 校验裁决的完整性哈希。
func (e *Engine) Verify(v *guard.Verdict) error {
	if v == nil || v.IntegrityHash == "" {
		return xerrors.New(xerrors.CodeSecurityViolation, "裁决缺少完整性哈希")
	}
	expected, err := e.integrityHash(v)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(expected), []byte(v.IntegrityHash)) {
		return xerrors.New(xerrors.CodeSecurityViolation, "裁决完整性校验失败")
	}
	return nil
}

// canonicalVerdict 产出裁决字段的确定性序列化。不走 JSON，
// 避免编码器差异影响哈希。
func canonicalVerdict(v *guard.Verdict) string {
	var b strings.Builder
	b.WriteString("v1\x00")
	b.WriteString(v.RequestID)
	b.WriteByte(0)
	b.WriteString(v.Fingerprint)
	b.WriteByte(0)
	b.WriteString(string(v.Decision))
	b.WriteByte(0)
	b.WriteString(string(v.DecisionMaker))
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(v.ComputedAt, 10))
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(v.ExpiresAt, 10))
	b.WriteByte(0)
	b.WriteString(v.Reason)
	b.WriteByte(0)
	for _, violation := range v.Violations {
		b.WriteString(violation.PolicyID)
		b.WriteByte(0x1f)
		b.WriteString(string(violation.Severity))
		b.WriteByte(0x1f)
		b.WriteString(violation.Code)
		b.WriteByte(0x1f)
		b.WriteString(violation.Message)
		b.WriteByte(0)
	}
	return b.String()
}
