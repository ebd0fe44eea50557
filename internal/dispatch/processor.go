package dispatch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/internal/observability/alerting"
	"OpenACP-Core/internal/orchestrator"
	"OpenACP-Core/pkg/logger"
)

// Executor 定义了处理器所需的编排能力，*orchestrator.Orchestrator 满足该接口。
type Executor interface {
	ExecuteWorkflow(ctx context.Context, id string, opts ...orchestrator.ExecuteOption) (orchestrator.Workflow, error)
}

// Processor 负责从队列消费工作流 ID 并交给编排器执行。
type Processor struct {
	executor    Executor
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	options     []orchestrator.ExecuteOption
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器，仅用于基础设施类错误。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithExecuteOptions 为每次执行附加参数。
func WithExecuteOptions(opts ...orchestrator.ExecuteOption) ProcessorOption {
	return func(p *Processor) {
		p.options = append(p.options, opts...)
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Component("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动处理循环，直到 ctx 结束或消费者出错。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置工作流消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, id string) error {
	if p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	wf, err := p.executor.ExecuteWorkflow(ctx, id, p.options...)
	if err != nil {
		if stdErrors.Is(err, orchestrator.ErrWorkflowNotFound) ||
			stdErrors.Is(err, orchestrator.ErrWorkflowTerminal) ||
			stdErrors.Is(err, orchestrator.ErrWorkflowConflict) {
			p.logger.Debug("跳过工作流", slog.String("workflow_id", id), slog.String("reason", err.Error()))
			return nil
		}
		if stdErrors.Is(err, orchestrator.ErrWorkflowFailed) {
			// 严格模式下的步骤失败已在编排器内审计和告警
			return nil
		}
		logger.L().Error("执行工作流失败", slog.Any("error", err), slog.String("workflow_id", id))
		p.emitAlert(ctx, id, err)
		return err
	}
	logger.Audit().Info("队列工作流执行结束",
		slog.String("workflow_id", id),
		slog.String("status", string(wf.Status)),
		slog.Int("steps", len(wf.Steps)),
	)
	return nil
}

func (p *Processor) emitAlert(ctx context.Context, id string, cause error) {
	if p.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(cause),
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		WorkflowID: id,
		Stage:      "dispatch",
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err), slog.String("workflow_id", id))
	}
}
