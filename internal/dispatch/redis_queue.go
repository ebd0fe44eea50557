package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/pkg/logger"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address     string
	Password    string
	DB          int
	Queue       string
	BlockWait   time.Duration
	MaxAttempts int
	// Consumer 区分各进程的处理中列表，默认使用主机名。
	Consumer string
}

// RedisQueue 使用 Redis list 实现可靠队列：消息先移入本进程的处理中列表，
// 处理结束后再删除，进程崩溃遗留的消息在同名消费者下次启动时归还主队列。
type RedisQueue struct {
	client      redis.UniversalClient
	queue       string
	processing  string
	dead        string
	wait        time.Duration
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(ctx context.Context, cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return NewRedisQueueWithClient(client, cfg), nil
}

// NewRedisQueueWithClient 基于已有客户端构造队列，Address 等连接参数被忽略。
func NewRedisQueueWithClient(client redis.UniversalClient, cfg RedisQueueConfig) *RedisQueue {
	queue := cfg.Queue
	if queue == "" {
		queue = "acp:workflows"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	consumer := cfg.Consumer
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	if consumer == "" {
		consumer = "default"
	}
	return &RedisQueue{
		client:      client,
		queue:       queue,
		processing:  queue + ":processing:" + consumer,
		dead:        queue + ":dead",
		wait:        wait,
		maxAttempts: maxAttempts,
		now:         time.Now,
		log:         logger.Component("dispatch.redis"),
	}
}

// Publish 将工作流封装为 Delivery 投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, workflowID string) error {
	return q.push(ctx, q.queue, newDelivery(workflowID, q.now()))
}

func (q *RedisQueue) push(ctx context.Context, key string, d Delivery) error {
	payload, err := encodeDelivery(d)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布工作流失败", xerrors.WithMetadata("workflow_id", d.WorkflowID))
	}
	return nil
}

// Recover 把处理中列表遗留的消息归还主队列，返回归还数量。
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.queue, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, xerrors.Wrap(xerrors.CodeQueueFailure, err, "归还处理中的工作流失败")
		}
		moved++
	}
}

// Consume 通过 BLMOVE 取出工作流；处理失败的消息在重试预算内重新入队，超出后进入死信列表。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	if moved, err := q.Recover(ctx); err != nil {
		return err
	} else if moved > 0 {
		q.log.Warn("已归还上次未完成的工作流", slog.Int("count", moved))
	}

	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				if ctx.Err() != nil {
					errCh <- ctx.Err()
					return
				}
				raw, err := q.client.BLMove(ctx, q.queue, q.processing, "RIGHT", "LEFT", q.wait).Result()
				if err != nil {
					if errors.Is(err, redis.Nil) {
						continue
					}
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取工作流失败")
					return
				}
				q.settle(ctx, raw, handler)
			}
		}()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (q *RedisQueue) settle(ctx context.Context, raw string, handler Handler) {
	// 确认与重投不随消费上下文取消，避免消息滞留在处理中列表
	ackCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := q.client.LRem(ackCtx, q.processing, 1, raw).Err(); err != nil {
			q.log.Error("确认工作流消息失败", slog.Any("error", err))
		}
	}()

	d, err := decodeDelivery([]byte(raw))
	if err != nil {
		q.log.Error("丢弃无法解析的队列消息", slog.Any("error", err))
		return
	}
	handlerErr := handler(ctx, d.WorkflowID)
	if handlerErr == nil {
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
	if err := q.push(ackCtx, target, next); err != nil {
		q.log.Error("重新投递工作流失败", slog.Any("error", err), slog.String("workflow_id", d.WorkflowID))
	}
}

// DeadLetters 返回死信列表中的消息，最早进入的排在最前。
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]Delivery, error) {
	values, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "读取死信列表失败")
	}
	out := make([]Delivery, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		d, err := decodeDelivery([]byte(values[i]))
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}

var _ Queue = (*RedisQueue)(nil)
