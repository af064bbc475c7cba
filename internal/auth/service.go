package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"strings"
)

// Mode 表示鉴权模式。
type Mode string

const (
	// ModeDisabled 关闭鉴权，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeToken 使用静态 Bearer 令牌鉴权。
	ModeToken Mode = "token"
)

// TokenGrant 将一个令牌绑定到主体及其权限集合。
type TokenGrant struct {
	Token       string
	Name        string
	Permissions []string
}

// Config 配置鉴权服务。
type Config struct {
	Mode   Mode
	Grants []TokenGrant
}

// Service 负责 HTTP 端点的身份验证和授权。令牌在内存中以 SHA-256
// 摘要形式保存，比对使用恒定时间算法。
type Service struct {
	mode     Mode
	subjects map[[sha256.Size]byte]*Subject
}

// NewService 构造鉴权服务。token 模式下至少需要一个令牌授权。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	switch mode {
	case ModeDisabled:
		return &Service{mode: mode}, nil
	case ModeToken:
		if len(cfg.Grants) == 0 {
			return nil, ErrNoGrants
		}
		subjects := make(map[[sha256.Size]byte]*Subject, len(cfg.Grants))
		for _, grant := range cfg.Grants {
			token := strings.TrimSpace(grant.Token)
			if token == "" {
				return nil, ErrEmptyToken
			}
			subject := &Subject{Name: grant.Name, Permissions: grant.Permissions}
			subject.normalise()
			subjects[sha256.Sum256([]byte(token))] = subject
		}
		return &Service{mode: mode, subjects: subjects}, nil
	default:
		return nil, ErrUnsupportedMode
	}
}

// Enabled 报告鉴权是否启用。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 从 Authorization 头解析 Bearer 令牌并返回主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		return &Subject{Name: "anonymous"}, nil
	}
	raw := strings.TrimSpace(authorization)
	if raw == "" {
		return nil, ErrMissingToken
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, ErrInvalidToken
	}
	digest := sha256.Sum256([]byte(strings.TrimSpace(parts[1])))
	for known, subject := range s.subjects {
		if subtle.ConstantTimeCompare(known[:], digest[:]) == 1 {
			return subject, nil
		}
	}
	return nil, ErrInvalidToken
}
