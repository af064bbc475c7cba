// Package audit 实现守卫的持久化审计日志：按段追加的 JSONL 文件，
// 序号严格递增，写入落盘后才返回。段写满后轮转，封闭的段不可再修改，
// 仅供查询。
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "ChainGuard/internal/errors"
	"ChainGuard/internal/guard"
)

// EventKind 区分审计条目的来源。
type EventKind string

const (
	EventEvaluation EventKind = "evaluation"
	EventExecution  EventKind = "execution"
)

// Entry 是一条审计记录。写入后不再修改，也不允许重排。
type Entry struct {
	Seq         uint64         `json:"seq"`
	Timestamp   int64          `json:"timestamp"`
	Event       EventKind      `json:"event"`
	RequestID   string         `json:"request_id"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Verdict     *guard.Verdict `json:"verdict,omitempty"`
	Outcome     string         `json:"outcome,omitempty"`
	Detail      string         `json:"detail,omitempty"`
}

// DefaultRotateAfter 是单个段的默认容量。
const DefaultRotateAfter = 10_000

const segmentPrefix = "audit-"

// Log 是追加式审计日志。Append 由单把写锁串行化，保证序号不重复、
// 行内容不交错。
type Log struct {
	mu          sync.Mutex
	dir         string
	rotateAfter int
	onRotate    func(path string)
	file        *os.File
	writer      *bufio.Writer
	segmentLen  int
	nextSeq     uint64
	closed      bool
}

// Config 配置审计日志。
type Config struct {
	Dir         string
	RotateAfter int
	// OnRotate 在段写满封闭后收到该段的路径，供归档等后续处理。
	// 回调在独立 goroutine 中执行，不阻塞写入。
	OnRotate func(path string)
}

// Open 打开（或创建）审计日志目录，并从既有段中恢复序号。
func Open(cfg Config) (*Log, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "审计日志目录不能为空")
	}
	rotateAfter := cfg.RotateAfter
	if rotateAfter <= 0 {
		rotateAfter = DefaultRotateAfter
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审计日志目录失败")
	}
	log := &Log{dir: cfg.Dir, rotateAfter: rotateAfter, onRotate: cfg.OnRotate, nextSeq: 1}
	if err := log.recover(); err != nil {
		return nil, err
	}
	return log, nil
}

// recover 扫描最新的段文件恢复序号与段内计数。
func (l *Log) recover() error {
	segments, err := l.segmentFiles()
	if err != nil {
		return err
	}
	if len(segments) == 0 {
		return nil
	}
	last := segments[len(segments)-1]
	entries, err := readSegment(last)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		l.nextSeq = entries[len(entries)-1].Seq + 1
	}
	if len(entries) < l.rotateAfter {
		// 最新段未写满，继续在其上追加。
		file, err := os.OpenFile(last, os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计段失败")
		}
		l.file = file
		l.writer = bufio.NewWriter(file)
		l.segmentLen = len(entries)
	}
	return nil
}

// Append 追加一条审计记录并返回分配的序号。写入在返回前 fsync，
// 调用返回后立刻崩溃也不会丢失这条记录。
func (l *Log) Append(entry Entry) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, xerrors.New(xerrors.CodeStorageFailure, "审计日志已关闭")
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	entry.Seq = l.nextSeq

	if l.file == nil {
		if err := l.openSegmentLocked(entry.Seq); err != nil {
			return 0, err
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化审计记录失败")
	}
	if _, err := l.writer.Write(append(line, '\n')); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计记录失败")
	}
	if err := l.writer.Flush(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新审计记录失败")
	}
	if err := l.file.Sync(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "落盘审计记录失败")
	}

	l.nextSeq++
	l.segmentLen++
	if l.segmentLen >= l.rotateAfter {
		sealed := l.file.Name()
		if err := l.closeSegmentLocked(); err != nil {
			return 0, err
		}
		if l.onRotate != nil {
			go l.onRotate(sealed)
		}
	}
	return entry.Seq, nil
}

func (l *Log) openSegmentLocked(startSeq uint64) error {
	path := filepath.Join(l.dir, fmt.Sprintf("%s%012d.jsonl", segmentPrefix, startSeq))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审计段失败")
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.segmentLen = 0
	return nil
}

func (l *Log) closeSegmentLocked() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "封闭审计段失败")
	}
	l.file = nil
	l.writer = nil
	l.segmentLen = 0
	return nil
}

// QueryByRequest 返回指定请求的全部审计记录，按序号排序。
func (l *Log) QueryByRequest(requestID string) ([]Entry, error) {
	return l.query(func(e *Entry) bool { return e.RequestID == requestID })
}

// QueryRange 返回时间区间 [from, to] 内的审计记录，按序号排序。
func (l *Log) QueryRange(from, to time.Time) ([]Entry, error) {
	fromMs := from.UnixMilli()
	toMs := to.UnixMilli()
	return l.query(func(e *Entry) bool {
		return e.Timestamp >= fromMs && e.Timestamp <= toMs
	})
}

func (l *Log) query(match func(*Entry) bool) ([]Entry, error) {
	l.mu.Lock()
	// 确保当前段的缓冲已经落盘再扫描。
	if l.writer != nil {
		if err := l.writer.Flush(); err != nil {
			l.mu.Unlock()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷新审计段失败")
		}
	}
	segments, err := l.segmentFiles()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var results []Entry
	for _, segment := range segments {
		entries, err := readSegment(segment)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			if match(&entries[i]) {
				results = append(results, entries[i])
			}
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	return results, nil
}

func (l *Log) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计目录失败")
	}
	var segments []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, segmentPrefix) {
			continue
		}
		segments = append(segments, filepath.Join(l.dir, name))
	}
	sort.Strings(segments)
	return segments, nil
}

// ReadSegment 解析一个段文件的全部记录，供封闭段的归档方使用。
func ReadSegment(path string) ([]Entry, error) {
	return readSegment(path)
}

func readSegment(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计段失败")
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			// 崩溃可能留下半行，跳过无法解析的残片。
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描审计段失败")
	}
	return entries, nil
}

// Close 关闭审计日志。
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.closeSegmentLocked()
}
