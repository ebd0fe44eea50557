package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeliveryRetryBudget(t *testing.T) {
	d := newDelivery("workflow_1", time.Now())
	cause := errors.New("boom")

	next, ok := d.retry(cause, 2)
	if !ok || next.Attempt != 2 || next.LastError != "boom" {
		t.Fatalf("expected second attempt, got %+v ok=%v", next, ok)
	}
	last, ok := next.retry(cause, 2)
	if ok {
		t.Fatalf("budget of 2 should be exhausted")
	}
	if last.Attempt != 2 {
		t.Fatalf("dead letter should keep attempt count, got %d", last.Attempt)
	}
}

func TestDecodeDelivery(t *testing.T) {
	payload, err := encodeDelivery(Delivery{WorkflowID: "workflow_7", Attempt: 3})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	d, err := decodeDelivery(payload)
	if err != nil || d.WorkflowID != "workflow_7" || d.Attempt != 3 {
		t.Fatalf("unexpected delivery %+v err=%v", d, err)
	}

	bare, err := decodeDelivery([]byte(" workflow_9\n"))
	if err != nil || bare.WorkflowID != "workflow_9" || bare.Attempt != 1 {
		t.Fatalf("bare id should decode, got %+v err=%v", bare, err)
	}

	for _, raw := range []string{"", "{}", "{not json"} {
		if _, err := decodeDelivery([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestMemoryQueueDeadLettersAfterBudget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	queue := NewMemoryQueue(4, WithMaxAttempts(2))
	if err := queue.Publish(ctx, "workflow_1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	consumeCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Consume(consumeCtx, 1, func(context.Context, string) error {
			calls.Add(1)
			return errors.New("broker unavailable")
		})
	}()

	for len(queue.DeadLetters()) == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("workflow never reached the dead letters")
		case <-time.After(5 * time.Millisecond):
		}
	}
	stop()
	<-done

	dead := queue.DeadLetters()
	if len(dead) != 1 || dead[0].WorkflowID != "workflow_1" || dead[0].Attempt != 2 {
		t.Fatalf("unexpected dead letters: %+v", dead)
	}
	if dead[0].LastError != "broker unavailable" {
		t.Fatalf("cause not recorded: %q", dead[0].LastError)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestMemoryQueueConsumeReturnsWhenClosed(t *testing.T) {
	queue := NewMemoryQueue(4)
	if err := queue.Publish(context.Background(), "workflow_1"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var calls atomic.Int32
	result := make(chan error, 1)
	go func() {
		result <- queue.Consume(context.Background(), 2, func(context.Context, string) error {
			calls.Add(1)
			return nil
		})
	}()
	for calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("expected ErrQueueClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not return after the queue closed")
	}
	if err := queue.Publish(context.Background(), "workflow_2"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("publish after close: %v", err)
	}
}
