package orchestrator

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"OpenACP-Core/internal/audit"
	xerrors "OpenACP-Core/internal/errors"
)

// Status 表示工作流在状态机中的位置。
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 报告状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValidStatus 检查状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusCreated, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// StepStatus 表示单个步骤的结果。
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// Task 是工作流的原始任务描述。Capabilities 非空时直接作为所需能力。
type Task struct {
	Type          string         `json:"type,omitempty"`
	Description   string         `json:"description,omitempty"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
	MinTrustLevel *float64       `json:"min_trust_level,omitempty"`
}

func (t Task) clone() Task {
	out := t
	out.Capabilities = append([]string(nil), t.Capabilities...)
	out.Payload = cloneMap(t.Payload)
	if t.MinTrustLevel != nil {
		v := *t.MinTrustLevel
		out.MinTrustLevel = &v
	}
	return out
}

// auditView 把任务转换为可写入审计记录的结构。
func (t Task) auditView() map[string]any {
	view := map[string]any{}
	if t.Type != "" {
		view["type"] = t.Type
	}
	if t.Description != "" {
		view["description"] = t.Description
	}
	if len(t.Capabilities) > 0 {
		view["capabilities"] = append([]string(nil), t.Capabilities...)
	}
	if len(t.Payload) > 0 {
		view["payload"] = cloneMap(t.Payload)
	}
	if t.MinTrustLevel != nil {
		view["min_trust_level"] = *t.MinTrustLevel
	}
	return view
}

// Step 记录一次能力调用的结果，Steps 只追加不修改。
type Step struct {
	Index      int            `json:"index"`
	Capability string         `json:"capability"`
	AgentID    string         `json:"agent_id"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Workflow 是一次编排执行的完整快照。
type Workflow struct {
	ID           string            `json:"workflow_id"`
	Task         Task              `json:"task"`
	Capabilities []string          `json:"required_capabilities"`
	Agents       map[string]string `json:"agents"`
	Status       Status            `json:"status"`
	Steps        []Step            `json:"steps"`
	Cause        string            `json:"cause,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// HasAgent 报告工作流是否分配给了指定智能体。
func (w *Workflow) HasAgent(agentID string) bool {
	for _, id := range w.Agents {
		if id == agentID {
			return true
		}
	}
	return false
}

func cloneWorkflow(w *Workflow) *Workflow {
	clone := *w
	clone.Task = w.Task.clone()
	clone.Capabilities = append([]string(nil), w.Capabilities...)
	clone.Agents = make(map[string]string, len(w.Agents))
	for k, v := range w.Agents {
		clone.Agents[k] = v
	}
	clone.Steps = make([]Step, len(w.Steps))
	for i, step := range w.Steps {
		step.Output = cloneMap(step.Output)
		clone.Steps[i] = step
	}
	if w.StartedAt != nil {
		ts := *w.StartedAt
		clone.StartedAt = &ts
	}
	if w.CompletedAt != nil {
		ts := *w.CompletedAt
		clone.CompletedAt = &ts
	}
	return &clone
}

func cloneMap(in map[string]any) map[string]any {
	return audit.CloneMap(in)
}

const (
	CodeWorkflowNotFound     xerrors.Code = "WORKFLOW_NOT_FOUND"
	CodeUnresolvedCapability xerrors.Code = "UNRESOLVED_CAPABILITY"
	CodeNoCapabilities       xerrors.Code = "NO_CAPABILITIES_DETERMINED"
	CodeWorkflowConflict     xerrors.Code = "WORKFLOW_CONFLICT"
	CodeWorkflowTerminal     xerrors.Code = "WORKFLOW_TERMINAL"
	CodeWorkflowFailed       xerrors.Code = "WORKFLOW_FAILED"
	CodeStepFailed           xerrors.Code = "STEP_FAILED"
)

var (
	// ErrWorkflowNotFound 表示工作流不存在。
	ErrWorkflowNotFound = xerrors.New(CodeWorkflowNotFound, "workflow not found")
	// ErrUnresolvedCapability 表示部分能力没有合格的智能体。
	ErrUnresolvedCapability = xerrors.New(CodeUnresolvedCapability, "unresolved capability")
	// ErrNoCapabilities 表示无法从任务推导出任何能力。
	ErrNoCapabilities = xerrors.New(CodeNoCapabilities, "no capabilities determined")
	// ErrWorkflowConflict 表示工作流正在执行。
	ErrWorkflowConflict = xerrors.New(CodeWorkflowConflict, "workflow conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrWorkflowTerminal 表示工作流已处于终态。
	ErrWorkflowTerminal = xerrors.New(CodeWorkflowTerminal, "workflow already finished", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrWorkflowFailed 仅在严格模式下返回。
	ErrWorkflowFailed = xerrors.New(CodeWorkflowFailed, "workflow failed")
)

func init() {
	xerrors.Register(CodeWorkflowNotFound, xerrors.Attributes{
		Message:    "workflow not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeUnresolvedCapability, xerrors.Attributes{
		Message:    "no qualifying agent for capability",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeNoCapabilities, xerrors.Attributes{
		Message:    "no capabilities determined for task",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
	xerrors.Register(CodeWorkflowConflict, xerrors.Attributes{
		Message:    "workflow conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeWorkflowTerminal, xerrors.Attributes{
		Message:    "workflow already finished",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeWorkflowFailed, xerrors.Attributes{
		Message:    "workflow failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeStepFailed, xerrors.Attributes{
		Message:    "workflow step failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
}

// UnresolvedCapabilityError 列出没有合格智能体的能力。
type UnresolvedCapabilityError struct {
	Missing []string
}

func (e *UnresolvedCapabilityError) Error() string {
	return fmt.Sprintf("[%s] no qualifying agent for capabilities: %s", CodeUnresolvedCapability, strings.Join(e.Missing, ", "))
}

// Unwrap 让 errors.Is(err, ErrUnresolvedCapability) 成立。
func (e *UnresolvedCapabilityError) Unwrap() error { return ErrUnresolvedCapability }

func workflowNotFound(id string) error {
	return xerrors.New(CodeWorkflowNotFound, fmt.Sprintf("workflow %s not found", id), xerrors.WithMetadata("workflow_id", id))
}
