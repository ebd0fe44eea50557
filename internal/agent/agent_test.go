package agent

import (
	"context"
	"errors"
	"testing"
)

func TestRouterDispatchesByAgent(t *testing.T) {
	router := NewRouter()
	router.Bind("A1", HandlerFunc(func(_ context.Context, capability string, payload map[string]any) (map[string]any, error) {
		return map[string]any{"agent": "A1", "capability": capability, "n": payload["n"]}, nil
	}))

	out, err := router.Invoke(context.Background(), Request{AgentID: "A1", Capability: "update_calendar", Payload: map[string]any{"n": 3}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["agent"] != "A1" || out["capability"] != "update_calendar" || out["n"] != 3 {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestRouterWithoutHandler(t *testing.T) {
	router := NewRouter()
	_, err := router.Invoke(context.Background(), Request{AgentID: "ghost", Capability: "x"})
	if !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}

	router.Bind("ghost", Echo)
	if _, err := router.Invoke(context.Background(), Request{AgentID: "ghost", Capability: "x"}); err != nil {
		t.Fatalf("bound invoke: %v", err)
	}
	router.Unbind("ghost")
	if _, err := router.Invoke(context.Background(), Request{AgentID: "ghost", Capability: "x"}); !errors.Is(err, ErrAgentUnavailable) {
		t.Fatalf("expected unavailable after unbind, got %v", err)
	}
}

func TestRouterFallback(t *testing.T) {
	router := NewRouter(WithFallback(Echo))
	out, err := router.Invoke(context.Background(), Request{AgentID: "any", Capability: "assign", Payload: map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out["k"] != "v" || out["handled_capability"] != "assign" {
		t.Fatalf("unexpected echo result: %v", out)
	}
}

func TestRouterHonoursCancelledContext(t *testing.T) {
	router := NewRouter(WithFallback(Echo))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := router.Invoke(ctx, Request{AgentID: "A1", Capability: "x"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled, got %v", err)
	}
}
