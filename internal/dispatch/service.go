package dispatch

import (
	"context"
	"log/slog"

	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/internal/orchestrator"
	"OpenACP-Core/pkg/logger"
)

// Creator 定义了提交工作流所需的编排能力。
type Creator interface {
	CreateWorkflow(ctx context.Context, task orchestrator.Task) (string, error)
	CancelWorkflow(ctx context.Context, id, reason string) (orchestrator.Workflow, error)
}

// Service 负责创建工作流并推送到队列。
type Service struct {
	creator  Creator
	producer Producer
}

// NewService 构造调度服务。
func NewService(creator Creator, producer Producer) *Service {
	return &Service{creator: creator, producer: producer}
}

// Submit 创建工作流并入队，入队失败时工作流以失败状态结束。
func (s *Service) Submit(ctx context.Context, task orchestrator.Task) (string, error) {
	if s.creator == nil || s.producer == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "调度服务未初始化")
	}
	id, err := s.creator.CreateWorkflow(ctx, task)
	if err != nil {
		return "", err
	}
	if err := s.producer.Publish(ctx, id); err != nil {
		logger.L().Error("工作流入队失败", slog.Any("error", err), slog.String("workflow_id", id))
		wrapped := xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布工作流到队列失败", xerrors.WithMetadata("workflow_id", id))
		if _, cancelErr := s.creator.CancelWorkflow(context.WithoutCancel(ctx), id, wrapped.Error()); cancelErr != nil {
			logger.L().Error("入队失败后取消工作流出错", slog.Any("error", cancelErr), slog.String("workflow_id", id))
		}
		return id, wrapped
	}
	logger.Audit().Info("工作流入队成功",
		slog.String("workflow_id", id),
		slog.String("task_type", task.Type),
	)
	return id, nil
}

// Close 释放队列资源。
func (s *Service) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}
