package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 ChainGuard 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Guard       GuardConfig       `json:"guard"`
	Breaker     BreakerConfig     `json:"breaker"`
	Audit       AuditConfig       `json:"audit"`
	Idempotency IdempotencyConfig `json:"idempotency"`
	Hitl        HitlConfig        `json:"hitl"`
	Dispatch    DispatchConfig    `json:"dispatch"`
	Archive     ArchiveConfig     `json:"archive"`
	Logging     LoggingConfig     `json:"logging"`
	Runtime     RuntimeConfig     `json:"runtime"`
}

// LoggingConfig 控制结构化日志与裁决日志输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	// DecisionLog 指定裁决日志文件路径，留空则不单独落盘。
	DecisionLog string `json:"decision_log"`
}

// ServerConfig 控制 API 服务的监听地址与访问令牌。
type ServerConfig struct {
	Address string `json:"address"`
	// APITokenEnv 指定承载访问令牌的环境变量名，留空则不启用鉴权。
	APITokenEnv string `json:"api_token_env"`
}

// GuardConfig 控制裁决的有效期与完整性密钥来源。
type GuardConfig struct {
	// PolicyFile 指向 YAML 策略规则文件。
	PolicyFile string `json:"policy_file"`
	// IntegrityKeyEnv 指定承载完整性密钥的环境变量名。
	IntegrityKeyEnv string `json:"integrity_key_env"`
	// IntegrityKeyFile 指向密钥文件，与环境变量二选一，文件优先。
	IntegrityKeyFile string        `json:"integrity_key_file"`
	VerdictTTL       time.Duration `json:"verdict_ttl"`
	HistoryRetention time.Duration `json:"history_retention"`
}

// BreakerConfig 控制熔断阈值与冷却时间。
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"cooldown"`
}

// AuditConfig 控制审计段文件的存放与轮转。
type AuditConfig struct {
	Dir         string `json:"dir"`
	RotateAfter int    `json:"rotate_after"`
}

// IdempotencyConfig 统一描述幂等存储后端的连接信息。
type IdempotencyConfig struct {
	// Driver 可选 memory、file、redis。
	Driver string      `json:"driver"`
	Path   string      `json:"path"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// HitlConfig 控制人工升级通道。
type HitlConfig struct {
	// Driver 可选 none、rabbitmq。
	Driver  string        `json:"driver"`
	URL     string        `json:"url"`
	Timeout time.Duration `json:"timeout"`
}

// DispatchConfig 描述交易派发端点。
type DispatchConfig struct {
	// ChainConfig 指向 YAML 链定义文件，留空时使用 stub 派发器。
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
}

// ArchiveConfig 控制终态记录归档到 MySQL。
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}

	if c.Guard.IntegrityKeyEnv == "" && c.Guard.IntegrityKeyFile == "" {
		c.Guard.IntegrityKeyEnv = "CHAINGUARD_INTEGRITY_KEY"
	}
	if c.Guard.PolicyFile != "" && !filepath.IsAbs(c.Guard.PolicyFile) {
		c.Guard.PolicyFile = filepath.Join(baseDir, c.Guard.PolicyFile)
	}

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = time.Minute
	}

	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.Runtime.DataDir, "audit")
	} else if !filepath.IsAbs(c.Audit.Dir) {
		c.Audit.Dir = filepath.Join(baseDir, c.Audit.Dir)
	}

	if c.Idempotency.Driver == "" {
		c.Idempotency.Driver = "file"
	}
	if c.Idempotency.Path == "" {
		c.Idempotency.Path = filepath.Join(c.Runtime.DataDir, "idempotency.jsonl")
	} else if !filepath.IsAbs(c.Idempotency.Path) {
		c.Idempotency.Path = filepath.Join(baseDir, c.Idempotency.Path)
	}

	if c.Hitl.Driver == "" {
		c.Hitl.Driver = "none"
	}
	if c.Hitl.Timeout <= 0 {
		c.Hitl.Timeout = 5 * time.Minute
	}

	if c.Dispatch.ChainConfig != "" && !filepath.IsAbs(c.Dispatch.ChainConfig) {
		c.Dispatch.ChainConfig = filepath.Join(baseDir, c.Dispatch.ChainConfig)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.DecisionLog != "" && !filepath.IsAbs(c.Logging.DecisionLog) {
		c.Logging.DecisionLog = filepath.Join(baseDir, c.Logging.DecisionLog)
	}
}
