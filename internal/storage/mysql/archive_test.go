package mysql

import (
	"context"
	"testing"

	"ChainGuard/internal/guard"
	"ChainGuard/internal/guard/idempotency"
)

func terminalRecord(key, requestID string, status idempotency.Status) *idempotency.Record {
	return &idempotency.Record{
		Key:         key,
		Fingerprint: "fp-" + key,
		RequestID:   requestID,
		Status:      status,
		Result: &guard.ExecutionResult{
			RequestID:      requestID,
			IdempotencyKey: key,
			Status:         guard.OutcomeStatus(status),
			Receipt:        &guard.DispatchReceipt{TxHash: "0xdead", ChainID: "1"},
			AuditSeq:       7,
		},
		CompletedAt: 1700000000000,
	}
}

func TestFileArchiverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	archiver, err := NewFileArchiver(dir)
	if err != nil {
		t.Fatalf("创建归档器失败: %v", err)
	}
	ctx := context.Background()

	if err := archiver.ArchiveResult(ctx, terminalRecord("key-1", "req-1", idempotency.StatusSucceeded)); err != nil {
		t.Fatalf("归档失败: %v", err)
	}
	if err := archiver.ArchiveResult(ctx, terminalRecord("key-2", "req-2", idempotency.StatusDenied)); err != nil {
		t.Fatalf("归档失败: %v", err)
	}

	records, err := archiver.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("期望 2 条记录，得到 %d", len(records))
	}
	if records[0].Key != "key-2" {
		t.Fatalf("最新记录应排在最前，得到 %s", records[0].Key)
	}
	if records[1].TxHash != "0xdead" || records[1].AuditSeq != 7 {
		t.Fatalf("记录字段缺失: %+v", records[1])
	}

	// 重新打开后从磁盘恢复。
	reopened, err := NewFileArchiver(dir)
	if err != nil {
		t.Fatalf("重新打开归档器失败: %v", err)
	}
	restored, err := reopened.ListLatest(ctx, 10)
	if err != nil {
		t.Fatalf("查询失败: %v", err)
	}
	if len(restored) != 2 || restored[0].Key != "key-2" {
		t.Fatalf("磁盘恢复结果不符: %+v", restored)
	}
}

func TestFileArchiverRejectsNonTerminal(t *testing.T) {
	archiver, err := NewFileArchiver(t.TempDir())
	if err != nil {
		t.Fatalf("创建归档器失败: %v", err)
	}
	rec := terminalRecord("key-3", "req-3", idempotency.StatusInFlight)
	if err := archiver.ArchiveResult(context.Background(), rec); err == nil {
		t.Fatalf("非终态记录不应被归档")
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_guard_results.sql": "0001",
		"0002.sql":                      "0002",
		"plain":                         "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, 期望 %q", name, got, want)
		}
	}
}

func TestSplitSQLStatements(t *testing.T) {
	statements := splitSQLStatements("CREATE TABLE a (id INT);\n\nCREATE TABLE b (id INT);\n")
	if len(statements) != 2 {
		t.Fatalf("期望 2 条语句，得到 %d", len(statements))
	}
}
