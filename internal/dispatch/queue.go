package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	xerrors "OpenACP-Core/internal/errors"
)

// DefaultMaxAttempts 是同一工作流在进入死信前的最大投递次数。
const DefaultMaxAttempts = 3

// Handler 处理来自消息队列的工作流 ID。
type Handler func(ctx context.Context, workflowID string) error

// Producer 负责向队列投递工作流。
type Producer interface {
	Publish(ctx context.Context, workflowID string) error
	Close() error
}

// Consumer 负责从队列中消费工作流。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}

// Delivery 是跨进程队列中传递的消息体。
type Delivery struct {
	WorkflowID string    `json:"workflow_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

func newDelivery(workflowID string, now time.Time) Delivery {
	return Delivery{WorkflowID: workflowID, Attempt: 1, EnqueuedAt: now.UTC()}
}

// retry 返回下一次投递；已用完 maxAttempts 时 ok 为 false，返回的消息保留已投递次数，
// 调用方应把它转入死信。
func (d Delivery) retry(cause error, maxAttempts int) (Delivery, bool) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	next := d
	if cause != nil {
		next.LastError = cause.Error()
	}
	if d.Attempt >= maxAttempts {
		return next, false
	}
	next.Attempt++
	return next, true
}

func encodeDelivery(d Delivery) ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码队列消息失败")
	}
	return data, nil
}

// decodeDelivery 兼容只包含工作流 ID 的纯文本消息。
func decodeDelivery(data []byte) (Delivery, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return Delivery{}, xerrors.New(xerrors.CodeInvalidArgument, "空的队列消息")
	}
	if trimmed[0] != '{' {
		return Delivery{WorkflowID: strings.TrimSpace(string(trimmed)), Attempt: 1}, nil
	}
	var d Delivery
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return Delivery{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析队列消息失败")
	}
	if d.WorkflowID == "" {
		return Delivery{}, xerrors.New(xerrors.CodeInvalidArgument, "队列消息缺少 workflow_id")
	}
	if d.Attempt <= 0 {
		d.Attempt = 1
	}
	return d, nil
}
