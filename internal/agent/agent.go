package agent

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	xerrors "OpenACP-Core/internal/errors"
)

// Request 描述一次对外部智能体的能力调用。
type Request struct {
	WorkflowID string         `json:"workflow_id"`
	AgentID    string         `json:"agent_id"`
	Capability string         `json:"capability"`
	Payload    map[string]any `json:"payload"`
}

// Invoker 是编排器调用外部智能体的统一入口，调用失败视为步骤失败。
type Invoker interface {
	Invoke(ctx context.Context, req Request) (map[string]any, error)
}

// Handler 由具体智能体实现。
type Handler interface {
	Invoke(ctx context.Context, capability string, payload map[string]any) (map[string]any, error)
}

// HandlerFunc 让普通函数满足 Handler。
type HandlerFunc func(ctx context.Context, capability string, payload map[string]any) (map[string]any, error)

func (f HandlerFunc) Invoke(ctx context.Context, capability string, payload map[string]any) (map[string]any, error) {
	return f(ctx, capability, payload)
}

// CodeAgentUnavailable 表示没有可调用的智能体实现。
const CodeAgentUnavailable xerrors.Code = "AGENT_UNAVAILABLE"

// ErrAgentUnavailable 是 CodeAgentUnavailable 的哨兵错误。
var ErrAgentUnavailable = xerrors.New(CodeAgentUnavailable, "no handler bound to agent")

func init() {
	xerrors.Register(CodeAgentUnavailable, xerrors.Attributes{
		Message:    "no handler bound to agent",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

// Router 按 agent_id 把调用分发到进程内的 Handler。
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
}

// RouterOption 配置 Router。
type RouterOption func(*Router)

// WithFallback 为没有绑定 Handler 的智能体指定默认实现。
func WithFallback(h Handler) RouterOption {
	return func(r *Router) {
		r.fallback = h
	}
}

// NewRouter 创建空的路由表。
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{handlers: make(map[string]Handler)}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Bind 把 agent_id 绑定到 Handler，重复绑定会覆盖旧值。
func (r *Router) Bind(agentID string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handlers, agentID)
		return
	}
	r.handlers[agentID] = h
}

// Unbind 解除绑定。
func (r *Router) Unbind(agentID string) {
	r.Bind(agentID, nil)
}

// Invoke 实现 Invoker 接口。
func (r *Router) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	r.mu.RLock()
	h, ok := r.handlers[req.AgentID]
	if !ok {
		h = r.fallback
	}
	r.mu.RUnlock()
	if h == nil {
		return nil, xerrors.New(CodeAgentUnavailable, fmt.Sprintf("agent %s has no handler", req.AgentID),
			xerrors.WithMetadata("agent_id", req.AgentID),
			xerrors.WithMetadata("capability", req.Capability))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return h.Invoke(ctx, req.Capability, req.Payload)
}

// Echo 原样返回 payload，并注明处理的能力，用于演示与联调。
var Echo Handler = HandlerFunc(func(_ context.Context, capability string, payload map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["handled_capability"] = capability
	return out, nil
})

var _ Invoker = (*Router)(nil)
