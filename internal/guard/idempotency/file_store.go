package idempotency

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// FileStore 把幂等记录写入追加式 JSONL 日志，并在内存中维护索引。
// 每次状态迁移追加一行并 fsync：Reserve 在落盘之后才确认占用，
// 进程重启时重放日志即可重建索引，in_flight 记录同样会被恢复，
// 保证崩溃后的重复提交仍被挡住。
type FileStore struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	records map[string]*Record
}

// OpenFileStore 打开（或创建）幂等日志文件并重建索引。
func OpenFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "幂等日志路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建幂等日志目录失败")
	}
	records, err := replayJournal(path)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开幂等日志失败")
	}
	return &FileStore{
		file:    file,
		writer:  bufio.NewWriter(file),
		records: records,
	}, nil
}

func replayJournal(path string) (map[string]*Record, error) {
	records := make(map[string]*Record)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取幂等日志失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			// 半行残片只可能出现在末尾，跳过。
			continue
		}
		if existing, ok := records[record.Key]; ok && existing.Status.Terminal() {
			// 终态永久有效，后写的行不能覆盖。
			continue
		}
		records[record.Key] = &record
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描幂等日志失败")
	}
	return records, nil
}

func (f *FileStore) appendLocked(record *Record) error {
	line, err := json.Marshal(record)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化幂等记录失败")
	}
	if _, err := f.writer.Write(append(line, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入幂等记录失败")
	}
	if err := f.writer.Flush(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新幂等记录失败")
	}
	if err := f.file.Sync(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "落盘幂等记录失败")
	}
	return nil
}

// Reserve 实现 Store 接口。
func (f *FileStore) Reserve(_ context.Context, key, fingerprint, requestID string) (*Record, error) {
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "幂等键不能为空")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil, xerrors.New(xerrors.CodeStorageFailure, "幂等日志已关闭")
	}
	if existing, ok := f.records[key]; ok {
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
	if err := f.appendLocked(record); err != nil {
		return nil, err
	}
	f.records[key] = record
	return record.Clone(), nil
}

// Complete 实现 Store 接口。
func (f *FileStore) Complete(_ context.Context, key string, status Status, result *guard.ExecutionResult) error {
	if !status.Terminal() {
		return xerrors.New(CodeIllegalTransition, "终态迁移必须使用终态状态")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "幂等日志已关闭")
	}
	existing, ok := f.records[key]
	if !ok {
		return ErrNotFound
	}
	if existing.Status.Terminal() {
		return ErrCompleted
	}
	updated := existing.Clone()
	updated.Status = status
	updated.Result = result.Clone()
	updated.CompletedAt = time.Now().UnixMilli()
	if err := f.appendLocked(updated); err != nil {
		return err
	}
	f.records[key] = updated
	return nil
}

// Get 实现 Store 接口。
func (f *FileStore) Get(_ context.Context, key string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return record.Clone(), nil
}

// Close 关闭幂等日志。
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	if err := f.writer.Flush(); err != nil {
		_ = f.file.Close()
		f.file = nil
		return err
	}
	err := f.file.Close()
	f.file = nil
	f.writer = nil
	return err
}

var _ Store = (*FileStore)(nil)
