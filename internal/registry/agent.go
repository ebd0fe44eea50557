package registry

import (
	"context"
	"net/http"
	"time"

	xerrors "OpenACP-Core/internal/errors"
)

// Agent 是注册表中的智能体记录。
type Agent struct {
	ID           string         `json:"agent_id"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	TrustLevel   float64        `json:"trust_level"`
	RegisteredAt time.Time      `json:"registration_time"`
}

// HasCapability 判断智能体是否声明了指定能力。
func (a Agent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (a *Agent) clone() Agent {
	out := *a
	out.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Metadata != nil {
		out.Metadata = make(map[string]any, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

const (
	CodeDuplicateAgent      xerrors.Code = "DUPLICATE_AGENT"
	CodeAgentNotFound       xerrors.Code = "AGENT_NOT_FOUND"
	CodeInvalidCapabilities xerrors.Code = "INVALID_CAPABILITIES"
	CodeInvalidTrustLevel   xerrors.Code = "INVALID_TRUST_LEVEL"
)

var (
	// ErrDuplicateAgent 表示 agent_id 已经注册。
	ErrDuplicateAgent = xerrors.New(CodeDuplicateAgent, "agent already registered")
	// ErrAgentNotFound 表示 agent_id 不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "agent not found")
	// ErrInvalidCapabilities 表示能力集合为空或不符合命名规则。
	ErrInvalidCapabilities = xerrors.New(CodeInvalidCapabilities, "invalid capabilities")
	// ErrInvalidTrustLevel 表示信任度不在 [0,1] 区间。
	ErrInvalidTrustLevel = xerrors.New(CodeInvalidTrustLevel, "trust level must be within [0,1]")
)

func init() {
	xerrors.Register(CodeDuplicateAgent, xerrors.Attributes{
		Message:    "agent already registered",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusConflict,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeInvalidCapabilities, xerrors.Attributes{
		Message:    "invalid capabilities",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeInvalidTrustLevel, xerrors.Attributes{
		Message:    "trust level must be within [0,1]",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
}

func agentNotFound(id string) error {
	return xerrors.New(CodeAgentNotFound, "agent not found: "+id, xerrors.WithMetadata("agent_id", id))
}

// EventType 标识注册表变更的种类。
type EventType string

const (
	EventRegistered          EventType = "register"
	EventUnregistered        EventType = "unregister"
	EventCapabilitiesUpdated EventType = "update_capabilities"
	EventTrustUpdated        EventType = "set_trust_level"
)

// Event 描述一次已经生效的注册表变更。
// Seq 在持锁期间分配，从 1 开始连续递增。
type Event struct {
	Seq          uint64
	Type         EventType
	AgentID      string
	Capabilities []string
	Previous     []string
	Added        []string
	Removed      []string
	TrustLevel   float64
	Time         time.Time
}

// Hook 在变更生效且锁释放之后被调用，事件按 Seq 顺序逐个投递。
// Hook 内不得修改同一注册表，否则会等待自身而死锁。
type Hook func(ctx context.Context, event Event)
