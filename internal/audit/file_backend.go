package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "OpenACP-Core/internal/errors"
)

// FileBackend 以 JSON Lines 追加写入记录，打开时重新加载已有内容。
// 每条记录在 fsync 成功后才算写入。
type FileBackend struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	memory *MemoryBackend
	sync   func(*os.File) error
}

// OpenFileBackend 打开或创建 path 指向的审计文件。
func OpenFileBackend(path string) (*FileBackend, error) {
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "审计文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建审计目录失败")
	}
	memory := NewMemoryBackend()
	if err := loadJSONLines(path, memory); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开审计文件失败")
	}
	return &FileBackend{path: path, file: file, memory: memory, sync: (*os.File).Sync}, nil
}

func loadJSONLines(path string, into *MemoryBackend) error {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("审计文件第 %d 行损坏", line))
		}
		if err := into.StoreRecord(context.Background(), rec); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取审计文件失败")
	}
	return nil
}

// StoreRecord 先追加并 fsync，成功后再进入内存索引。
// fsync 失败时返回错误，该行可能已落盘，重新打开后会被加载。
func (f *FileBackend) StoreRecord(ctx context.Context, rec Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "审计文件已关闭")
	}
	if f.memory.contains(rec.AuditID) {
		return duplicateID(rec.AuditID)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化审计记录失败")
	}
	line = append(line, '\n')
	if _, err := f.file.Write(line); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入审计文件失败")
	}
	if err := f.sync(f.file); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "同步审计文件失败", xerrors.WithMetadata("audit_id", fmt.Sprint(rec.AuditID)))
	}
	return f.memory.StoreRecord(ctx, rec)
}

// QueryRecords 实现 Backend 接口。
func (f *FileBackend) QueryRecords(ctx context.Context, q Query) ([]Record, error) {
	return f.memory.QueryRecords(ctx, q)
}

// ExportRecords 实现 Backend 接口。
func (f *FileBackend) ExportRecords(ctx context.Context, format string, r *TimeRange) ([]byte, error) {
	return f.memory.ExportRecords(ctx, format, r)
}

// LastAuditID 实现 Sequencer 接口。
func (f *FileBackend) LastAuditID(ctx context.Context) (int64, error) {
	return f.memory.LastAuditID(ctx)
}

// Close 同步并关闭文件。
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	syncErr := f.sync(f.file)
	err := f.file.Close()
	f.file = nil
	if syncErr != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, syncErr, "同步审计文件失败")
	}
	return err
}

var (
	_ Backend   = (*FileBackend)(nil)
	_ Sequencer = (*FileBackend)(nil)
)
