package guard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	xerrors "ChainGuard/internal/errors"
)

// TransactionRequest 描述一次待执行的链上交易请求。创建后不可修改，
// 进入守卫前会被 Clone 以隔离调用方持有的引用。
type TransactionRequest struct {
	ID          string            `json:"id"`
	Chain       string            `json:"chain"`
	Action      string            `json:"action"`
	Amount      string            `json:"amount"`
	Recipient   string            `json:"recipient"`
	Account     string            `json:"account"`
	RequestedAt int64             `json:"requested_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Validate 检查请求的必填字段。
func (r *TransactionRequest) Validate() error {
	if r == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求不能为空")
	}
	if strings.TrimSpace(r.Account) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "账户地址不能为空")
	}
	if strings.TrimSpace(r.Recipient) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "接收地址不能为空")
	}
	if strings.TrimSpace(r.Action) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易动作不能为空")
	}
	if _, err := r.AmountBig(); err != nil {
		return err
	}
	return nil
}

// AmountBig 将金额解析为 big.Int（最小计价单位）。
func (r *TransactionRequest) AmountBig() (*big.Int, error) {
	raw := strings.TrimSpace(r.Amount)
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("金额 %q 不是合法的非负整数", r.Amount))
	}
	return value, nil
}

// Clone 返回请求的深拷贝。
func (r *TransactionRequest) Clone() *TransactionRequest {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Metadata != nil {
		clone.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// Fingerprint 对规范化后的请求字段计算确定性指纹。逻辑相同的重复提交
// （包括调用方的网络重试）会得到同一个指纹，从而命中同一条幂等记录。
// 元数据不参与指纹，避免调用方附带的追踪字段破坏去重。
func (r *TransactionRequest) Fingerprint() string {
	amount := "0"
	if value, err := r.AmountBig(); err == nil {
		amount = value.String()
	} else {
		amount = strings.TrimSpace(r.Amount)
	}
	canonical := strings.Join([]string{
		strings.ToLower(strings.TrimSpace(r.Chain)),
		strings.ToLower(strings.TrimSpace(r.Action)),
		amount,
		strings.ToLower(strings.TrimSpace(r.Recipient)),
		strings.ToLower(strings.TrimSpace(r.Account)),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// RequestedTime 返回请求时间（毫秒时间戳），未填写时取当前时间。
func (r *TransactionRequest) RequestedTime() time.Time {
	if r.RequestedAt <= 0 {
		return time.Now()
	}
	return time.UnixMilli(r.RequestedAt)
}
