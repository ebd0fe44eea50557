package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenACP-Core/internal/errors"
)

// MemoryStore 以内存方式保存工作流表。
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{workflows: make(map[string]*Workflow)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, wf *Workflow) error {
	if wf == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "workflow 不能为空")
	}
	if wf.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工作流 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[wf.ID]; ok {
		return ErrWorkflowConflict
	}
	clone := cloneWorkflow(wf)
	if clone.Status == "" {
		clone.Status = StatusCreated
	}
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = clone.CreatedAt
	}
	m.workflows[wf.ID] = clone
	return nil
}

// Get 返回工作流快照。
func (m *MemoryStore) Get(_ context.Context, id string) (*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	return cloneWorkflow(wf), nil
}

// Claim 将工作流状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string, at time.Time) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	switch wf.Status {
	case StatusRunning:
		return cloneWorkflow(wf), ErrWorkflowConflict
	case StatusCompleted, StatusFailed:
		return cloneWorkflow(wf), ErrWorkflowTerminal
	}
	wf.Status = StatusRunning
	started := at
	wf.StartedAt = &started
	wf.UpdatedAt = at
	return cloneWorkflow(wf), nil
}

// AppendStep 追加步骤记录，仅允许在运行中调用。
func (m *MemoryStore) AppendStep(_ context.Context, id string, step Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return workflowNotFound(id)
	}
	if err := requireStatus(wf, StatusRunning); err != nil {
		return err
	}
	step.Output = cloneMap(step.Output)
	wf.Steps = append(wf.Steps, step)
	wf.UpdatedAt = step.FinishedAt
	return nil
}

// Complete 记录工作流成功完成。
func (m *MemoryStore) Complete(_ context.Context, id string, at time.Time) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	if err := requireStatus(wf, StatusRunning); err != nil {
		return cloneWorkflow(wf), err
	}
	wf.Status = StatusCompleted
	completed := at
	wf.CompletedAt = &completed
	wf.UpdatedAt = at
	return cloneWorkflow(wf), nil
}

// Fail 标记工作流失败并记录原因。
func (m *MemoryStore) Fail(_ context.Context, id string, cause string, at time.Time) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, workflowNotFound(id)
	}
	if wf.Status.Terminal() {
		return cloneWorkflow(wf), ErrWorkflowTerminal
	}
	wf.Status = StatusFailed
	wf.Cause = cause
	completed := at
	wf.CompletedAt = &completed
	wf.UpdatedAt = at
	return cloneWorkflow(wf), nil
}

// List 返回符合过滤条件的工作流。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Workflow, 0, len(m.workflows))
	for _, wf := range m.workflows {
		if !opts.matches(wf) {
			continue
		}
		results = append(results, cloneWorkflow(wf))
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		if opts.Order == SortByCreatedAsc {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if opts.Offset >= len(results) {
		return []*Workflow{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的工作流。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, wf := range m.workflows {
		if !opts.matches(wf) {
			continue
		}
		stats.add(wf)
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func requireStatus(wf *Workflow, want Status) error {
	if wf.Status == want {
		return nil
	}
	if wf.Status.Terminal() {
		return ErrWorkflowTerminal
	}
	return ErrWorkflowConflict
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
