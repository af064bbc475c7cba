package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ChainGuard/internal/api"
	"ChainGuard/internal/auth"
	"ChainGuard/internal/config"
	"ChainGuard/internal/dispatch"
	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/breaker"
	"ChainGuard/internal/guard/engine"
	"ChainGuard/internal/guard/executor"
	"ChainGuard/internal/guard/hitl"
	"ChainGuard/internal/guard/idempotency"
	"ChainGuard/internal/guard/policy"
	"ChainGuard/internal/observability/alerting"
	"ChainGuard/internal/observability/metrics"
	"ChainGuard/internal/secrets"
	"ChainGuard/internal/storage/mysql"
	"ChainGuard/pkg/logger"
)

// main 是 ChainGuard 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("chainguardd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CHAINGUARD_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "chainguard.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Decision: logger.DecisionLogConfig{
			Enabled: cfg.Logging.DecisionLog != "",
			Path:    cfg.Logging.DecisionLog,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	provider, err := createSecretsProvider(cfg)
	if err != nil {
		return err
	}

	var archiver *mysql.SQLArchiver
	if cfg.Archive.Enabled {
		archiver, err = mysql.NewSQLArchiver(ctx, mysql.Config{DSN: cfg.Archive.DSN})
		if err != nil {
			return err
		}
		defer archiver.Close()
	}

	auditCfg := audit.Config{
		Dir:         cfg.Audit.Dir,
		RotateAfter: cfg.Audit.RotateAfter,
	}
	if archiver != nil {
		auditCfg.OnRotate = func(path string) {
			archiveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := archiver.ArchiveAuditSegment(archiveCtx, path); err != nil {
				logger.L().Error("审计段归档失败",
					slog.String("segment", path),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	auditLog, err := audit.Open(auditCfg)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	alerter := alerting.NewFanout(&alerting.LogNotifier{})

	brk, err := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         cfg.Breaker.Cooldown,
	}, breaker.WithTransitionFunc(func(from, to breaker.State, snapshot breaker.Snapshot) {
		metrics.SetBreakerState(string(to))
		logger.L().Warn("熔断器状态迁移",
			slog.String("from", string(from)),
			slog.String("to", string(to)),
			slog.Int("consecutive_failures", snapshot.ConsecutiveFailures),
		)
	}))
	if err != nil {
		return err
	}
	metrics.SetBreakerState(string(breaker.StateClosed))

	policies, err := policy.LoadRules(cfg.Guard.PolicyFile)
	if err != nil {
		return err
	}
	history := policy.NewRecorder(cfg.Guard.HistoryRetention)

	store, err := createIdempotencyStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engineOpts := []engine.Option{}
	if cfg.Guard.VerdictTTL > 0 {
		engineOpts = append(engineOpts, engine.WithVerdictTTL(cfg.Guard.VerdictTTL))
	}
	if cfg.Hitl.Timeout > 0 {
		engineOpts = append(engineOpts, engine.WithHitlTimeout(cfg.Hitl.Timeout))
	}
	switch cfg.Hitl.Driver {
	case "", "none":
	case "rabbitmq":
		bridge, err := hitl.NewRabbitMQBridge(hitl.RabbitMQConfig{
			URL:     cfg.Hitl.URL,
			Durable: true,
		})
		if err != nil {
			return err
		}
		defer bridge.Close()
		engineOpts = append(engineOpts, engine.WithHitlBridge(bridge))
	default:
		return fmt.Errorf("未知的人工升级驱动: %s", cfg.Hitl.Driver)
	}

	eng, err := engine.New(policy.NewRegistry(policies...), brk, auditLog, history, provider, engineOpts...)
	if err != nil {
		return err
	}

	dispatcher, err := createDispatcher(ctx, cfg)
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	execOpts := []executor.Option{executor.WithAlerter(alerter)}
	if archiver != nil {
		execOpts = append(execOpts, executor.WithArchiver(archiver))
	}

	exec, err := executor.New(eng, store, dispatcher, brk, auditLog, execOpts...)
	if err != nil {
		return err
	}

	authz, err := createAuthService(cfg)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.Server.Address, exec, eng, auditLog, brk, authz)

	logger.L().Info("chainguardd 已就绪",
		slog.String("address", cfg.Server.Address),
		slog.Int("policies", len(policies)),
		slog.String("idempotency_driver", cfg.Idempotency.Driver),
	)

	if err := server.Start(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// createSecretsProvider 选择完整性密钥来源，文件优先于环境变量。
func createSecretsProvider(cfg *config.Config) (secrets.Provider, error) {
	if cfg.Guard.IntegrityKeyFile != "" {
		return secrets.NewFileProvider(cfg.Guard.IntegrityKeyFile)
	}
	return secrets.NewEnvProvider(cfg.Guard.IntegrityKeyEnv)
}

func createIdempotencyStore(cfg *config.Config) (idempotency.Store, error) {
	switch cfg.Idempotency.Driver {
	case "memory":
		return idempotency.NewMemoryStore(), nil
	case "", "file":
		return idempotency.OpenFileStore(cfg.Idempotency.Path)
	case "redis":
		return idempotency.NewRedisStore(idempotency.RedisStoreConfig{
			Address:  cfg.Idempotency.Redis.Addr,
			Password: cfg.Idempotency.Redis.Password,
			DB:       cfg.Idempotency.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("未知的幂等存储驱动: %s", cfg.Idempotency.Driver)
	}
}

// createDispatcher 在未配置链定义时退回到 stub 派发器，方便本地试运行。
func createDispatcher(ctx context.Context, cfg *config.Config) (dispatch.Dispatcher, error) {
	if cfg.Dispatch.ChainConfig == "" {
		logger.L().Warn("未配置链定义，使用 stub 派发器")
		return &dispatch.StubDispatcher{}, nil
	}
	return dispatch.NewRegistry(ctx, dispatch.RegistryConfig{
		ChainConfig:  cfg.Dispatch.ChainConfig,
		DefaultChain: cfg.Dispatch.DefaultChain,
	})
}

// createAuthService 根据环境变量中的令牌决定是否启用鉴权。
func createAuthService(cfg *config.Config) (*auth.Service, error) {
	if cfg.Server.APITokenEnv == "" {
		return auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	token := strings.TrimSpace(os.Getenv(cfg.Server.APITokenEnv))
	if token == "" {
		return nil, fmt.Errorf("环境变量 %s 未设置访问令牌", cfg.Server.APITokenEnv)
	}
	return auth.NewService(auth.Config{
		Mode: auth.ModeToken,
		Grants: []auth.TokenGrant{
			{Token: token, Name: "operator"},
		},
	})
}
