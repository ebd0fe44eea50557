package audit

import (
	"context"
	"fmt"
	"sync"

	xerrors "OpenACP-Core/internal/errors"
)

// Backend 是审计记录的存储协作方。
type Backend interface {
	StoreRecord(ctx context.Context, rec Record) error
	QueryRecords(ctx context.Context, q Query) ([]Record, error)
	ExportRecords(ctx context.Context, format string, r *TimeRange) ([]byte, error)
}

// Sequencer 由能够报告已存储最大 audit_id 的后端实现，用于重启后续接编号。
type Sequencer interface {
	LastAuditID(ctx context.Context) (int64, error)
}

// MemoryBackend 在进程内保存记录，重启后丢失。
type MemoryBackend struct {
	mu      sync.RWMutex
	records []Record
	ids     map[int64]struct{}
	last    int64
}

// NewMemoryBackend 创建空的内存后端。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{ids: make(map[int64]struct{})}
}

// StoreRecord 实现 Backend 接口，重复的 audit_id 会被拒绝。
func (m *MemoryBackend) StoreRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.ids[rec.AuditID]; dup {
		return duplicateID(rec.AuditID)
	}
	m.ids[rec.AuditID] = struct{}{}
	if rec.AuditID > m.last {
		m.last = rec.AuditID
	}
	m.records = append(m.records, cloneRecord(rec))
	return nil
}

// QueryRecords 实现 Backend 接口。
func (m *MemoryBackend) QueryRecords(_ context.Context, q Query) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Filter(m.records, q)
	for i := range out {
		out[i] = cloneRecord(out[i])
	}
	return out, nil
}

// ExportRecords 实现 Backend 接口。
func (m *MemoryBackend) ExportRecords(ctx context.Context, format string, r *TimeRange) ([]byte, error) {
	records, err := m.QueryRecords(ctx, Query{Range: r})
	if err != nil {
		return nil, err
	}
	return Encode(format, records)
}

// LastAuditID 实现 Sequencer 接口。
func (m *MemoryBackend) LastAuditID(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last, nil
}

func (m *MemoryBackend) contains(id int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok
}

// Len 返回记录数。
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func duplicateID(id int64) error {
	return xerrors.New(CodeStoreFailed, fmt.Sprintf("audit_id %d already stored", id))
}

var (
	_ Backend   = (*MemoryBackend)(nil)
	_ Sequencer = (*MemoryBackend)(nil)
)
