package orchestrator

import (
	"context"
	"time"
)

// Store 抽象了工作流表的持久化接口，状态迁移由实现保证原子性。
type Store interface {
	Create(ctx context.Context, wf *Workflow) error
	Get(ctx context.Context, id string) (*Workflow, error)
	// Claim 将 created 状态的工作流迁移为 running。
	Claim(ctx context.Context, id string, at time.Time) (*Workflow, error)
	AppendStep(ctx context.Context, id string, step Step) error
	Complete(ctx context.Context, id string, at time.Time) (*Workflow, error)
	// Fail 将 created 或 running 状态的工作流迁移为 failed。
	Fail(ctx context.Context, id string, cause string, at time.Time) (*Workflow, error)
	List(ctx context.Context, opts ListOptions) ([]*Workflow, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
	Close() error
}
