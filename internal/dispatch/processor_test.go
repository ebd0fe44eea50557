package dispatch

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"OpenACP-Core/internal/agent"
	"OpenACP-Core/internal/orchestrator"
	"OpenACP-Core/internal/registry"
)

func newOrchestrator(t *testing.T, handler agent.Handler) *orchestrator.Orchestrator {
	t.Helper()
	reg := registry.New()
	if err := reg.RegisterAgent(context.Background(), "A1", []string{"update_calendar"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	router := agent.NewRouter()
	router.Bind("A1", handler)
	return orchestrator.New(reg, orchestrator.WithInvoker(router))
}

func TestProcessorHandlesConcurrentWorkflows(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var processed atomic.Int32
	orch := newOrchestrator(t, agent.HandlerFunc(func(ctx context.Context, _ string, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		processed.Add(1)
		return map[string]any{"ok": true}, nil
	}))
	queue := NewMemoryQueue(1024)
	service := NewService(orch, queue)
	processor := NewProcessor(orch, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, orchestrator.Task{Type: "schedule_update"}); err != nil {
			t.Fatalf("提交工作流失败: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for {
		stats, err := orch.WorkflowStats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Completed >= total {
			cancel()
			break
		}
		select {
		case <-deadline:
			t.Fatalf("工作流未能及时处理，已完成 %d", stats.Completed)
		case <-time.After(20 * time.Millisecond):
		}
	}
	if int(processed.Load()) != total {
		t.Fatalf("expected each workflow executed once, got %d", processed.Load())
	}
}

func TestProcessorSkipsFinishedWorkflows(t *testing.T) {
	ctx := context.Background()
	orch := newOrchestrator(t, agent.Echo)
	id, err := orch.CreateWorkflow(ctx, orchestrator.Task{Type: "schedule_update"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	processor := NewProcessor(orch, NewMemoryQueue(1))
	if err := processor.handle(ctx, id); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if err := processor.handle(ctx, id); err != nil {
		t.Fatalf("redelivered workflow should be skipped, got %v", err)
	}
	if err := processor.handle(ctx, "workflow_unknown"); err != nil {
		t.Fatalf("unknown workflow should be skipped, got %v", err)
	}
}

func TestSubmitFailsWorkflowWhenQueueClosed(t *testing.T) {
	ctx := context.Background()
	orch := newOrchestrator(t, agent.Echo)
	queue := NewMemoryQueue(1)
	_ = queue.Close()

	id, err := NewService(orch, queue).Submit(ctx, orchestrator.Task{Type: "schedule_update"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	wf, err := orch.GetWorkflowStatus(ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if wf.Status != orchestrator.StatusFailed {
		t.Fatalf("expected failed workflow after enqueue failure, got %s", wf.Status)
	}
}

func TestRedisQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("ACP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACP_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	queue, err := NewRedisQueue(ctx, RedisQueueConfig{Address: addr, Queue: "acp:test:" + time.Now().Format("150405.000"), BlockWait: time.Second})
	if err != nil {
		t.Fatalf("redis queue: %v", err)
	}
	defer queue.Close()
	if err := queue.Publish(ctx, "workflow_1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := make(chan string, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = queue.Consume(consumeCtx, 1, func(_ context.Context, id string) error {
			got <- id
			return nil
		})
	}()
	select {
	case id := <-got:
		if id != "workflow_1" {
			t.Fatalf("unexpected id %s", id)
		}
	case <-ctx.Done():
		t.Fatalf("message not consumed")
	}
}
