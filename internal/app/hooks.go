package app

import (
	"context"
	"log/slog"

	"OpenACP-Core/internal/orchestrator"
	"OpenACP-Core/internal/registry"
	"OpenACP-Core/pkg/logger"
)

// 注册表变更对应的审计决策类型。
const (
	DecisionAgentRegistration   = "agent_registration"
	DecisionAgentUnregistration = "agent_unregistration"
	DecisionCapabilityUpdate    = "capability_update"
	DecisionTrustUpdate         = "trust_update"
)

// MutationAuditHook 把注册表变更写成审计决策。
func MutationAuditHook(auditor orchestrator.DecisionLogger) registry.Hook {
	return func(ctx context.Context, event registry.Event) {
		if auditor == nil {
			return
		}
		var (
			decisionType string
			inputs       = map[string]any{"agent_id": event.AgentID}
			outputs      = map[string]any{"event": string(event.Type)}
		)
		switch event.Type {
		case registry.EventRegistered:
			decisionType = DecisionAgentRegistration
			inputs["capabilities"] = event.Capabilities
			outputs["trust_level"] = event.TrustLevel
		case registry.EventUnregistered:
			decisionType = DecisionAgentUnregistration
			inputs["capabilities"] = event.Previous
		case registry.EventCapabilitiesUpdated:
			decisionType = DecisionCapabilityUpdate
			inputs["previous"] = event.Previous
			inputs["capabilities"] = event.Capabilities
			outputs["added"] = event.Added
			outputs["removed"] = event.Removed
		case registry.EventTrustUpdated:
			decisionType = DecisionTrustUpdate
			outputs["trust_level"] = event.TrustLevel
		default:
			return
		}
		if _, err := auditor.LogDecision(context.WithoutCancel(ctx), event.AgentID, decisionType, inputs, outputs, ""); err != nil {
			logger.L().Warn("注册表变更审计失败",
				slog.String("agent_id", event.AgentID),
				slog.String("event", string(event.Type)),
				slog.Any("error", err),
			)
		}
	}
}
