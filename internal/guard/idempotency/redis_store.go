package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// RedisStoreConfig 描述 Redis 幂等存储的连接参数。
type RedisStoreConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// RedisStore 把幂等记录放在 Redis，供多进程部署共享同一份去重索引。
// Reserve 依赖 SETNX 的原子性，Complete 用脚本保证终态只写一次。
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// completeScript 仅当记录仍为 in_flight 时写入终态。
var completeScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return 'missing'
end
local record = cjson.decode(current)
if record['status'] ~= 'in_flight' then
  return 'completed'
end
redis.call('SET', KEYS[1], ARGV[1])
return 'ok'
`)

// NewRedisStore 创建 Redis 幂等存储。
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "chainguard:idem:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return &RedisStore{client: client, keyPrefix: prefix}, nil
}

func (r *RedisStore) redisKey(key string) string {
	return r.keyPrefix + key
}

// Reserve 实现 Store 接口。
func (r *RedisStore) Reserve(ctx context.Context, key, fingerprint, requestID string) (*Record, error) {
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "幂等键不能为空")
	}
	record := &Record{
		Key:         key,
		Fingerprint: fingerprint,
		RequestID:   requestID,
		Status:      StatusInFlight,
		CreatedAt:   time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化幂等记录失败")
	}
	set, err := r.client.SetNX(ctx, r.redisKey(key), payload, 0).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 占用幂等键失败")
	}
	if set {
		return record.Clone(), nil
	}
	existing, err := r.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// 竞争窗口里记录被删除属于运维干预，按占用中处理。
			return nil, ErrInFlight
		}
		return nil, err
	}
	if existing.Status.Terminal() {
		return existing, ErrCompleted
	}
	return existing, ErrInFlight
}

// Complete 实现 Store 接口。
func (r *RedisStore) Complete(ctx context.Context, key string, status Status, result *guard.ExecutionResult) error {
	if !status.Terminal() {
		return xerrors.New(CodeIllegalTransition, "终态迁移必须使用终态状态")
	}
	existing, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	updated := existing.Clone()
	updated.Status = status
	updated.Result = result.Clone()
	updated.CompletedAt = time.Now().UnixMilli()
	payload, err := json.Marshal(updated)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化幂等记录失败")
	}
	outcome, err := completeScript.Run(ctx, r.client, []string{r.redisKey(key)}, payload).Text()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 写入终态失败")
	}
	switch outcome {
	case "ok":
		return nil
	case "missing":
		return ErrNotFound
	case "completed":
		return ErrCompleted
	default:
		return xerrors.New(xerrors.CodeStorageFailure, fmt.Sprintf("Redis 返回未知结果 %q", outcome))
	}
}

// Get 实现 Store 接口。
func (r *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	payload, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "Redis 读取幂等记录失败")
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析幂等记录失败")
	}
	return &record, nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
