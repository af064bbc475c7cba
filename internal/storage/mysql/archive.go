package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"ChainGuard/internal/guard/audit"
	"ChainGuard/internal/guard/idempotency"
)

// ArchiveRecord 表示一条归档的终态执行结果。幂等索引与审计段是守卫
// 的权威存储，归档库只做长期留存与报表查询。
type ArchiveRecord struct {
	Key         string
	RequestID   string
	Fingerprint string
	Status      string
	ErrorCode   string
	TxHash      string
	ChainID     string
	BlockNumber string
	AuditSeq    uint64
	CompletedAt int64
}

// recordFrom 把幂等终态记录压平为归档行。
func recordFrom(rec *idempotency.Record) ArchiveRecord {
	archived := ArchiveRecord{
		Key:         rec.Key,
		RequestID:   rec.RequestID,
		Fingerprint: rec.Fingerprint,
		Status:      string(rec.Status),
		CompletedAt: rec.CompletedAt,
	}
	if rec.Result != nil {
		archived.ErrorCode = rec.Result.ErrorCode
		archived.AuditSeq = rec.Result.AuditSeq
		if rec.Result.Receipt != nil {
			archived.TxHash = rec.Result.Receipt.TxHash
			archived.ChainID = rec.Result.Receipt.ChainID
			archived.BlockNumber = rec.Result.Receipt.BlockNumber
		}
	}
	return archived
}

// Archiver 抽象终态记录的归档能力。
type Archiver interface {
	ArchiveResult(ctx context.Context, rec *idempotency.Record) error
	ListLatest(ctx context.Context, limit int) ([]ArchiveRecord, error)
	Close() error
}

// FileArchiver 使用本地 JSONL 文件模拟归档库的效果，方便迭代开发。
type FileArchiver struct {
	mu       sync.RWMutex
	dataFile string
	records  []ArchiveRecord
}

// NewFileArchiver 创建一个文件归档器。
func NewFileArchiver(dataDir string) (*FileArchiver, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "archive.jsonl")
	archiver := &FileArchiver{dataFile: path}
	if err := archiver.loadFromDisk(); err != nil {
		return nil, err
	}
	return archiver, nil
}

// ArchiveResult 以追加写的方式记录终态结果。
func (f *FileArchiver) ArchiveResult(_ context.Context, rec *idempotency.Record) error {
	if rec == nil || !rec.Status.Terminal() {
		return errors.New("只能归档终态记录")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	archived := recordFrom(rec)
	encoded, err := json.Marshal(archived)
	if err != nil {
		return fmt.Errorf("序列化归档记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入归档文件失败: %w", err)
	}

	f.records = append([]ArchiveRecord{archived}, f.records...)
	if len(f.records) > 512 {
		f.records = f.records[:512]
	}
	return nil
}

// ListLatest 返回最近的若干条归档记录。
func (f *FileArchiver) ListLatest(_ context.Context, limit int) ([]ArchiveRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if limit > len(f.records) {
		limit = len(f.records)
	}
	return append([]ArchiveRecord(nil), f.records[:limit]...), nil
}

// Close 无需释放资源。
func (f *FileArchiver) Close() error { return nil }

func (f *FileArchiver) loadFromDisk() error {
	file, err := os.Open(f.dataFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("打开归档文件失败: %w", err)
	}
	defer file.Close()

	var restored []ArchiveRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record ArchiveRecord
		if err := json.Unmarshal(line, &record); err != nil {
			return fmt.Errorf("解析归档文件失败: %w", err)
		}
		restored = append([]ArchiveRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("读取归档文件失败: %w", err)
	}
	if len(restored) > 512 {
		restored = restored[:512]
	}
	f.records = restored
	return nil
}

// SQLArchiver 使用真实的 MySQL 数据库长期留存终态记录。
type SQLArchiver struct {
	db *sql.DB
}

var _ Archiver = (*FileArchiver)(nil)
var _ Archiver = (*SQLArchiver)(nil)

// NewSQLArchiver 创建连接池并初始化数据表。
func NewSQLArchiver(ctx context.Context, cfg Config) (*SQLArchiver, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	archiver := &SQLArchiver{db: db}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return archiver, nil
}

// ArchiveResult 将终态记录写入 MySQL。同一幂等键重复归档时覆盖旧行。
func (s *SQLArchiver) ArchiveResult(ctx context.Context, rec *idempotency.Record) error {
	if rec == nil || !rec.Status.Terminal() {
		return errors.New("只能归档终态记录")
	}
	archived := recordFrom(rec)
	const stmt = `INSERT INTO guard_results
        (idempotency_key, request_id, fingerprint, status, error_code, tx_hash, chain_id, block_number, audit_seq, completed_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
        status = VALUES(status), error_code = VALUES(error_code), tx_hash = VALUES(tx_hash),
        chain_id = VALUES(chain_id), block_number = VALUES(block_number),
        audit_seq = VALUES(audit_seq), completed_at = VALUES(completed_at)`

	if _, err := s.db.ExecContext(ctx, stmt,
		archived.Key,
		archived.RequestID,
		archived.Fingerprint,
		archived.Status,
		archived.ErrorCode,
		archived.TxHash,
		archived.ChainID,
		archived.BlockNumber,
		archived.AuditSeq,
		archived.CompletedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ArchiveAuditSegment 把一个封闭的审计段整体镜像进 MySQL。段内容不可
// 变，按序号去重后重放是幂等的。
func (s *SQLArchiver) ArchiveAuditSegment(ctx context.Context, path string) error {
	entries, err := audit.ReadSegment(path)
	if err != nil {
		return fmt.Errorf("读取审计段失败: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启归档事务失败: %w", err)
	}
	defer tx.Rollback()

	const stmt = `INSERT IGNORE INTO guard_audit_entries
        (seq, ts, event, request_id, fingerprint, outcome, detail, verdict)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for _, entry := range entries {
		var verdict []byte
		if entry.Verdict != nil {
			verdict, err = json.Marshal(entry.Verdict)
			if err != nil {
				return fmt.Errorf("序列化裁决失败: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, stmt,
			entry.Seq,
			entry.Timestamp,
			string(entry.Event),
			entry.RequestID,
			entry.Fingerprint,
			entry.Outcome,
			entry.Detail,
			verdict,
		); err != nil {
			return fmt.Errorf("写入审计归档失败: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交审计归档失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条归档记录。
func (s *SQLArchiver) ListLatest(ctx context.Context, limit int) ([]ArchiveRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT idempotency_key, request_id, fingerprint, status, error_code, tx_hash, chain_id, block_number, audit_seq, completed_at
        FROM guard_results ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询归档记录失败: %w", err)
	}
	defer rows.Close()

	var records []ArchiveRecord
	for rows.Next() {
		var record ArchiveRecord
		if err := rows.Scan(&record.Key, &record.RequestID, &record.Fingerprint, &record.Status,
			&record.ErrorCode, &record.TxHash, &record.ChainID, &record.BlockNumber,
			&record.AuditSeq, &record.CompletedAt); err != nil {
			return nil, fmt.Errorf("解析归档记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历归档记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLArchiver) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
