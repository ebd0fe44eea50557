package audit

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/pkg/logger"
)

// BackendStatus 区分“没有数据”与“没有配置存储后端”。
type BackendStatus string

const (
	BackendAvailable     BackendStatus = "available"
	BackendNotConfigured BackendStatus = "not_configured"
)

// DecisionObserver 接收每条已分配编号的决策，通常由指标模块实现。
type DecisionObserver interface {
	ObserveDecision(decisionType string, persisted bool)
}

// LogReceipt 是 LogDecision 的结果。
type LogReceipt struct {
	AuditID int64         `json:"audit_id"`
	Backend BackendStatus `json:"backend"`
	Record  Record        `json:"record"`
}

// Persisted 报告记录是否交给了存储后端。
func (r LogReceipt) Persisted() bool { return r.Backend == BackendAvailable }

// Err 在降级模式下返回 ErrNoBackendConfigured。
func (r LogReceipt) Err() error { return statusErr(r.Backend) }

// HistoryResult 是 GetDecisionHistory 的结果。
type HistoryResult struct {
	Records []Record      `json:"records"`
	Backend BackendStatus `json:"backend"`
}

// Err 在降级模式下返回 ErrNoBackendConfigured。
func (r HistoryResult) Err() error { return statusErr(r.Backend) }

// PatternSummary 是 AnalyzeDecisionPatterns 的结果，TotalDecisions 恒等于 DecisionTypes 之和。
type PatternSummary struct {
	TotalDecisions int            `json:"total_decisions"`
	DecisionTypes  map[string]int `json:"decision_types"`
	Backend        BackendStatus  `json:"backend"`
}

// Err 在降级模式下返回 ErrNoBackendConfigured。
func (r PatternSummary) Err() error { return statusErr(r.Backend) }

// ExportResult 是 ExportAuditLog 的结果。
type ExportResult struct {
	Format      string        `json:"format"`
	ContentType string        `json:"content_type"`
	Data        []byte        `json:"-"`
	Backend     BackendStatus `json:"backend"`
}

// Err 在降级模式下返回 ErrNoBackendConfigured。
func (r ExportResult) Err() error { return statusErr(r.Backend) }

func statusErr(status BackendStatus) error {
	if status == BackendNotConfigured {
		return ErrNoBackendConfigured
	}
	return nil
}

// Auditor 为决策分配单调递增的 audit_id 并转交存储后端。
type Auditor struct {
	backend  Backend
	rules    RulesEngine
	seq      atomic.Int64
	now      func() time.Time
	log      *slog.Logger
	trail    *slog.Logger
	observer DecisionObserver
}

// Option 配置 Auditor。
type Option func(*Auditor)

// WithBackend 指定存储后端，nil 表示降级模式。
func WithBackend(b Backend) Option {
	return func(a *Auditor) {
		a.backend = b
	}
}

// WithRules 指定规则引擎，nil 表示使用基础字段校验。
func WithRules(r RulesEngine) Option {
	return func(a *Auditor) {
		a.rules = r
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLogger 指定应用日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.log = l
		}
	}
}

// WithTrailLogger 指定镜像每条决策的审计日志记录器。
func WithTrailLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.trail = l
		}
	}
}

// WithObserver 注册决策观察者。
func WithObserver(o DecisionObserver) Option {
	return func(a *Auditor) {
		a.observer = o
	}
}

// New 创建 Auditor。后端实现 Sequencer 时从已存储的最大编号之后继续分配。
func New(ctx context.Context, opts ...Option) (*Auditor, error) {
	a := &Auditor{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	if a.log == nil {
		a.log = logger.Component("audit")
	}
	if a.trail == nil {
		a.trail = logger.Audit()
	}
	if seq, ok := a.backend.(Sequencer); ok {
		last, err := seq.LastAuditID(ctx)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取审计编号失败")
		}
		a.seq.Store(last)
	}
	if a.backend == nil {
		a.log.Warn("未配置审计存储后端，决策不会被持久化")
	}
	return a, nil
}

// Configured 报告是否配置了存储后端。
func (a *Auditor) Configured() bool { return a.backend != nil }

func (a *Auditor) status() BackendStatus {
	if a.backend == nil {
		return BackendNotConfigured
	}
	return BackendAvailable
}

// LogDecision 分配下一个 audit_id 并写入后端。
// 写入失败时编号不会被回收，序列中留下空洞。
func (a *Auditor) LogDecision(ctx context.Context, agentID, decisionType string, inputs, outputs map[string]any, reasoning string) (LogReceipt, error) {
	id := a.seq.Add(1)
	rec := Record{
		AuditID:      id,
		Timestamp:    a.now().UTC(),
		AgentID:      agentID,
		DecisionType: decisionType,
		Inputs:       CloneMap(inputs),
		Outputs:      CloneMap(outputs),
		Reasoning:    reasoning,
	}
	if rec.Inputs == nil {
		rec.Inputs = map[string]any{}
	}
	if rec.Outputs == nil {
		rec.Outputs = map[string]any{}
	}
	receipt := LogReceipt{AuditID: id, Backend: a.status(), Record: rec}

	a.trail.Info("decision",
		slog.Int64("audit_id", id),
		slog.String("agent_id", agentID),
		slog.String("decision_type", decisionType),
		slog.Any("inputs", rec.Inputs),
		slog.Any("outputs", rec.Outputs),
		slog.String("reasoning", reasoning),
		slog.String("backend", string(receipt.Backend)))

	if a.backend != nil {
		if err := a.backend.StoreRecord(ctx, rec); err != nil {
			a.log.Error("审计记录写入失败", slog.Int64("audit_id", id), slog.Any("error", err))
			return receipt, xerrors.Wrap(CodeStoreFailed, err, "", xerrors.WithMetadata("decision_type", decisionType))
		}
	}
	if a.observer != nil {
		a.observer.ObserveDecision(decisionType, receipt.Persisted())
	}
	return receipt, nil
}

// ValidateDecision 优先委托规则引擎，否则检查基础必填字段。
func (a *Auditor) ValidateDecision(decision map[string]any) (bool, []string) {
	if a.rules != nil {
		valid, reasons := a.rules.Validate(decision)
		if reasons == nil {
			reasons = []string{}
		}
		return valid, reasons
	}
	return baselineValidate(decision)
}

// GetDecisionHistory 返回匹配的记录；未配置后端时返回空结果与 not_configured 状态。
func (a *Auditor) GetDecisionHistory(ctx context.Context, q Query) (HistoryResult, error) {
	if a.backend == nil {
		return HistoryResult{Records: []Record{}, Backend: BackendNotConfigured}, nil
	}
	normalized, err := q.Normalize()
	if err != nil {
		return HistoryResult{}, err
	}
	records, err := a.backend.QueryRecords(ctx, normalized)
	if err != nil {
		return HistoryResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	if records == nil {
		records = []Record{}
	}
	return HistoryResult{Records: records, Backend: BackendAvailable}, nil
}

// AnalyzeDecisionPatterns 统计匹配记录总数与各决策类型的数量。
func (a *Auditor) AnalyzeDecisionPatterns(ctx context.Context, criteria map[string]any) (PatternSummary, error) {
	summary := PatternSummary{DecisionTypes: map[string]int{}, Backend: a.status()}
	if a.backend == nil {
		return summary, nil
	}
	history, err := a.GetDecisionHistory(ctx, Query{Criteria: criteria})
	if err != nil {
		return PatternSummary{}, err
	}
	for _, rec := range history.Records {
		summary.DecisionTypes[rec.DecisionType]++
	}
	summary.TotalDecisions = len(history.Records)
	return summary, nil
}

// ExportAuditLog 通过后端导出记录；未配置后端时返回空结果而不是错误。
func (a *Auditor) ExportAuditLog(ctx context.Context, format string, r *TimeRange) (ExportResult, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = DefaultFormat
	}
	result := ExportResult{Format: format, ContentType: ContentType(format), Backend: a.status()}
	if a.backend == nil {
		result.Data = []byte{}
		return result, nil
	}
	data, err := a.backend.ExportRecords(ctx, format, r)
	if err != nil {
		if stdErrors.Is(err, ErrUnsupportedFormat) {
			return ExportResult{}, err
		}
		return ExportResult{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "导出审计记录失败")
	}
	result.Data = data
	return result, nil
}
