package auth

import (
	"errors"
	"net/http"
	"time"

	"ChainGuard/internal/observability/metrics"
	loggerpkg "ChainGuard/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表。
	RequiredPermissions map[string][]string
	// Handler 是记录指标时使用的处理器名称。
	Handler string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			if s == nil || s.mode == ModeDisabled {
				sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
				next.ServeHTTP(sw, r)
				metrics.ObserveHTTPRequest(cfg.Handler, r.Method, sw.status, time.Since(start))
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
			if err != nil {
				status := http.StatusUnauthorized
				http.Error(w, http.StatusText(status), status)
				loggerpkg.L().Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				metrics.ObserveHTTPRequest(cfg.Handler, r.Method, status, time.Since(start))
				return
			}
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil && errors.Is(err, ErrPermissionDenied) {
					status := http.StatusForbidden
					http.Error(w, http.StatusText(status), status)
					loggerpkg.L().Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", status,
						"error", err.Error(),
						"subject", subject.Name,
					)
					metrics.ObserveHTTPRequest(cfg.Handler, r.Method, status, time.Since(start))
					return
				}
			}
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(sw, r.WithContext(ctx))
			loggerpkg.L().Info("api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"subject", subject.Name,
			)
			metrics.ObserveHTTPRequest(cfg.Handler, r.Method, sw.status, time.Since(start))
		})
	}
}

// statusWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type statusWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
