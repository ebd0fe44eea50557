package dispatch

import (
	"context"
	"net/http"
	"sync"
	"time"

	xerrors "OpenACP-Core/internal/errors"
)

// CodeQueueClosed 与普通的 QUEUE_FAILURE 区分，调用方据此识别正常停机。
const CodeQueueClosed xerrors.Code = "QUEUE_CLOSED"

// ErrQueueClosed 表示队列已关闭。
var ErrQueueClosed = xerrors.New(CodeQueueClosed, "队列已关闭")

func init() {
	xerrors.Register(CodeQueueClosed, xerrors.Attributes{
		Message:    "queue closed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusServiceUnavailable,
	})
}

// MemoryQueue 使用 channel 模拟消息队列，适用于单进程部署与测试。
// 处理失败的工作流在重试预算内重新入队，超出预算或队列已满时进入死信。
type MemoryQueue struct {
	ch          chan Delivery
	mu          sync.RWMutex
	closed      bool
	maxAttempts int

	deadMu sync.Mutex
	dead   []Delivery
}

// MemoryQueueOption 配置内存队列。
type MemoryQueueOption func(*MemoryQueue)

// WithMaxAttempts 设置每个工作流的最大投递次数。
func WithMaxAttempts(n int) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// NewMemoryQueue 创建一个内存队列。
func NewMemoryQueue(size int, opts ...MemoryQueueOption) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	q := &MemoryQueue{ch: make(chan Delivery, size), maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Publish 将工作流投递到队列，持有读锁避免向已关闭的 channel 写入。
func (q *MemoryQueue) Publish(ctx context.Context, workflowID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- newDelivery(workflowID, time.Now()):
		return nil
	}
}

// Consume 启动指定数量的工作协程消费队列中的工作流，队列关闭且消息取完后返回 ErrQueueClosed。
func (q *MemoryQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
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
				case d, ok := <-q.ch:
					if !ok {
						return
					}
					if err := handler(ctx, d.WorkflowID); err != nil {
						q.requeue(d, err)
					}
				}
			}
		}()
	}
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
		<-drained
		return ctx.Err()
	case <-drained:
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrQueueClosed
	}
}

// requeue 不阻塞消费协程：队列已满或已关闭时直接进入死信。
func (q *MemoryQueue) requeue(d Delivery, cause error) {
	next, ok := d.retry(cause, q.maxAttempts)
	if ok {
		q.mu.RLock()
		if !q.closed {
			select {
			case q.ch <- next:
				q.mu.RUnlock()
				return
			default:
			}
		}
		q.mu.RUnlock()
		next.Attempt = d.Attempt
	}
	q.deadMu.Lock()
	q.dead = append(q.dead, next)
	q.deadMu.Unlock()
}

// DeadLetters 返回放弃重试的工作流，按进入死信的顺序排列。
func (q *MemoryQueue) DeadLetters() []Delivery {
	q.deadMu.Lock()
	defer q.deadMu.Unlock()
	return append([]Delivery(nil), q.dead...)
}

// Len 返回尚未消费的消息数量。
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close 关闭内存队列。
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		close(q.ch)
		q.closed = true
	}
	return nil
}

var _ Queue = (*MemoryQueue)(nil)
