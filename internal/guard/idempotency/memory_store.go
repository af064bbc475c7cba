package idempotency

import (
	"context"
	"sync"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// MemoryStore 以内存方式保存幂等记录，主要用于测试。
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Reserve 实现 Store 接口。
func (m *MemoryStore) Reserve(_ context.Context, key, fingerprint, requestID string) (*Record, error) {
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "幂等键不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[key]; ok {
		if existing.Status.Terminal() {
			return existing.Clone(), ErrCompleted
		}
		return existing.Clone(), ErrInFlight
	}
	record := &Record{
		Key:         key,
		Fingerprint: fingerprint,
		RequestID:   requestID,
		Status:      StatusInFlight,
		CreatedAt:   time.Now().UnixMilli(),
	}
	m.records[key] = record
	return record.Clone(), nil
}

// Complete 实现 Store 接口。
func (m *MemoryStore) Complete(_ context.Context, key string, status Status, result *guard.ExecutionResult) error {
	if !status.Terminal() {
		return xerrors.New(CodeIllegalTransition, "终态迁移必须使用终态状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.records[key]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.Terminal() {
		return ErrCompleted
	}
	existing.Status = status
	existing.Result = result.Clone()
	existing.CompletedAt = time.Now().UnixMilli()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
