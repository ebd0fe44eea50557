package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/pkg/logger"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL         string
	Queue       string
	Prefetch    int
	Durable     bool
	AutoDelete  bool
	MaxAttempts int
}

// RabbitMQQueue 使用 RabbitMQ 实现工作流队列。发布开启 publisher confirm，
// 超过重试上限的消息转入 "<queue>.dead"。
type RabbitMQQueue struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	dead        string
	durable     bool
	maxAttempts int
	publishMu   sync.Mutex
	log         *slog.Logger
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例并声明主队列与死信队列。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	q := &RabbitMQQueue{
		queue:       cfg.Queue,
		durable:     cfg.Durable,
		maxAttempts: cfg.MaxAttempts,
		log:         logger.Component("dispatch.rabbitmq"),
	}
	if q.queue == "" {
		q.queue = "acp.workflows"
	}
	q.dead = q.queue + ".dead"
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	q.conn = conn
	fail := func(err error, message string) (*RabbitMQQueue, error) {
		_ = q.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, message)
	}

	if q.ch, err = conn.Channel(); err != nil {
		return fail(err, "创建 RabbitMQ channel 失败")
	}
	if err := q.ch.Confirm(false); err != nil {
		return fail(err, "开启 publisher confirm 失败")
	}
	if cfg.Prefetch > 0 {
		if err := q.ch.Qos(cfg.Prefetch, 0, false); err != nil {
			return fail(err, "设置 RabbitMQ QOS 失败")
		}
	}
	for _, name := range []string{q.queue, q.dead} {
		if _, err := q.ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
			return fail(err, "声明 RabbitMQ 队列失败: "+name)
		}
	}
	return q, nil
}

// Publish 将工作流投递到 RabbitMQ，并等待 broker 确认。
func (q *RabbitMQQueue) Publish(ctx context.Context, workflowID string) error {
	return q.publish(ctx, q.queue, newDelivery(workflowID, time.Now()))
}

func (q *RabbitMQQueue) publish(ctx context.Context, key string, d Delivery) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	body, err := encodeDelivery(d)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   d.WorkflowID,
		Timestamp:   d.EnqueuedAt,
		Headers:     amqp.Table{"x-attempt": int32(d.Attempt)},
		Body:        body,
	}
	if q.durable {
		msg.DeliveryMode = amqp.Persistent
	}

	q.publishMu.Lock()
	confirm, err := q.ch.PublishWithDeferredConfirmWithContext(ctx, "", key, false, false, msg)
	q.publishMu.Unlock()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布工作流失败", xerrors.WithMetadata("workflow_id", d.WorkflowID))
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "等待 RabbitMQ 确认失败", xerrors.WithMetadata("workflow_id", d.WorkflowID))
	}
	if !acked {
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 拒绝了工作流消息", xerrors.WithMetadata("workflow_id", d.WorkflowID))
	}
	return nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。处理失败时先发布带递增次数的新消息，
// 再确认原消息；重新发布失败时 nack 并 requeue，由 broker 再次投递。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil || q.ch == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	msgs, err := q.ch.ConsumeWithContext(ctx, q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					q.settle(ctx, msg, handler)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

func (q *RabbitMQQueue) settle(ctx context.Context, msg amqp.Delivery, handler Handler) {
	d, err := decodeDelivery(msg.Body)
	if err != nil {
		q.log.Error("丢弃无法解析的队列消息", slog.Any("error", err), slog.String("message_id", msg.MessageId))
		_ = msg.Nack(false, false)
		return
	}
	handlerErr := handler(ctx, d.WorkflowID)
	if handlerErr == nil {
		_ = msg.Ack(false)
		return
	}

	next, ok := d.retry(handlerErr, q.maxAttempts)
	target := q.queue
	if !ok {
		target = q.dead
		q.log.Error("工作流超过重试上限，转入死信",
			slog.String("workflow_id", d.WorkflowID),
			slog.Int("attempts", d.Attempt),
			slog.Any("error", handlerErr),
		)
	}
	if err := q.publish(context.WithoutCancel(ctx), target, next); err != nil {
		q.log.Error("重新投递工作流失败", slog.Any("error", err), slog.String("workflow_id", d.WorkflowID))
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

var _ Queue = (*RabbitMQQueue)(nil)
