package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"ChainGuard/internal/auth"
	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/breaker"
	"ChainGuard/internal/guard/engine"
	"ChainGuard/internal/guard/executor"
	"ChainGuard/internal/observability/metrics"
)

// Server 负责暴露 REST 接口，供外部提交受守卫保护的交易。
type Server struct {
	addr     string
	exec     *executor.Executor
	eng      *engine.Engine
	auditLog *audit.Log
	brk      *breaker.Breaker
	authz    *auth.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, exec *executor.Executor, eng *engine.Engine,
	auditLog *audit.Log, brk *breaker.Breaker, authz *auth.Service) *Server {
	return &Server{addr: addr, exec: exec, eng: eng, auditLog: auditLog, brk: brk, authz: authz}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/transactions", s.guarded("transactions",
		map[string][]string{http.MethodPost: {auth.PermExecute}},
		http.HandlerFunc(s.handleExecute)))
	mux.Handle("/api/v1/transactions/evaluate", s.guarded("evaluate",
		map[string][]string{http.MethodPost: {auth.PermEvaluate}},
		http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("/api/v1/audit", s.guarded("audit",
		map[string][]string{http.MethodGet: {auth.PermRead}},
		http.HandlerFunc(s.handleAuditQuery)))
	mux.Handle("/api/v1/breaker", s.guarded("breaker",
		map[string][]string{http.MethodGet: {auth.PermRead}},
		http.HandlerFunc(s.handleBreaker)))
	mux.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) guarded(handler string, perms map[string][]string, next http.Handler) http.Handler {
	return s.authz.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: perms,
		Handler:             handler,
	})(next)
}

// handleExecute 处理交易执行请求。
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.exec == nil {
		http.Error(w, "执行器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req guard.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	result, err := s.exec.Execute(r.Context(), &req)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	metrics.ObserveExecution(string(result.Status))
	writeJSON(w, http.StatusOK, result)
}

// handleEvaluate 只评估不派发，用于调用方预检。
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.eng == nil {
		http.Error(w, "策略引擎未初始化", http.StatusServiceUnavailable)
		return
	}

	var req guard.TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "请求体解析失败")
		return
	}

	verdict, err := s.eng.Evaluate(r.Context(), &req)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	metrics.ObserveDecision(string(verdict.Decision), string(verdict.DecisionMaker))
	writeJSON(w, http.StatusOK, verdict)
}

// handleAuditQuery 按请求 ID 或时间范围查询审计记录。
func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.auditLog == nil {
		http.Error(w, "审计日志未初始化", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	if requestID := query.Get("request_id"); requestID != "" {
		entries, err := s.auditLog.QueryByRequest(requestID)
		if err != nil {
			writeGuardError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, entries)
		return
	}

	from, err := parseMillis(query.Get("from"), time.Time{})
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "from 参数非法")
		return
	}
	to, err := parseMillis(query.Get("to"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "to 参数非法")
		return
	}
	entries, err := s.auditLog.QueryRange(from, to)
	if err != nil {
		writeGuardError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleBreaker 返回熔断器快照。
func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.brk == nil {
		http.Error(w, "熔断器未初始化", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.brk.Snapshot())
}

func parseMillis(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis), nil
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code xerrors.Code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: string(code), Message: message}})
}

// writeGuardError 将守卫的错误码映射为 HTTP 状态码。
func writeGuardError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeSecurityViolation:
		status = http.StatusForbidden
	case xerrors.CodeInFlight:
		status = http.StatusConflict
	case xerrors.CodeBreakerOpen:
		status = http.StatusServiceUnavailable
	case xerrors.CodeDispatchFailure, xerrors.CodeDispatchIndeterminate:
		status = http.StatusBadGateway
	case xerrors.CodeNotFound:
		status = http.StatusNotFound
	}
	writeError(w, status, code, err.Error())
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
