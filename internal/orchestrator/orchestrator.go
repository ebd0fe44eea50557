package orchestrator

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenACP-Core/internal/agent"
	"OpenACP-Core/internal/audit"
	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/internal/observability/alerting"
	"OpenACP-Core/internal/registry"
	"OpenACP-Core/pkg/logger"
)

// 编排器写入审计账本的决策类型。
const (
	DecisionWorkflowCreation   = "workflow_creation"
	DecisionWorkflowStarted    = "workflow_started"
	DecisionWorkflowCompletion = "workflow_completion"
	DecisionWorkflowFailure    = "workflow_failure"
)

// 默认参数。
const (
	DefaultMinTrustLevel = 0.5
	DefaultStepTimeout   = 30 * time.Second
	defaultPollInterval  = 20 * time.Millisecond
)

// Directory 是编排器读取注册表所需的能力，*registry.Registry 满足该接口。
type Directory interface {
	DiscoverAgentsByCapability(capability string, minTrustLevel float64) []string
	GetAgentDetails(id string) (registry.Agent, error)
}

// DecisionLogger 接收工作流状态迁移对应的审计决策，*audit.Auditor 满足该接口。
type DecisionLogger interface {
	LogDecision(ctx context.Context, agentID, decisionType string, inputs, outputs map[string]any, reasoning string) (audit.LogReceipt, error)
}

// Metrics 记录工作流与步骤的观测数据。
type Metrics interface {
	ObserveWorkflow(status string)
	ObserveStep(capability, status string, duration time.Duration)
}

// Orchestrator 把任务转换为工作流，驱动状态机并审计每一次迁移。
type Orchestrator struct {
	directory   Directory
	auditor     DecisionLogger
	invoker     agent.Invoker
	store       Store
	planner     Planner
	selector    Selector
	minTrust    float64
	stepTimeout time.Duration
	strict      bool
	rejectEmpty bool
	metrics     Metrics
	alerter     alerting.Dispatcher
	now         func() time.Time
	newID       func() string
	log         *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

// Option 配置 Orchestrator。
type Option func(*Orchestrator)

// WithAuditor 指定审计器，未配置时不写审计记录。
func WithAuditor(a DecisionLogger) Option {
	return func(o *Orchestrator) {
		o.auditor = a
	}
}

// WithInvoker 指定外部智能体调用入口。
func WithInvoker(inv agent.Invoker) Option {
	return func(o *Orchestrator) {
		if inv != nil {
			o.invoker = inv
		}
	}
}

// WithStore 替换工作流存储。
func WithStore(s Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.store = s
		}
	}
}

// WithPlanner 替换任务分析策略。
func WithPlanner(p Planner) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.planner = p
		}
	}
}

// WithSelector 替换智能体选择策略。
func WithSelector(s Selector) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.selector = s
		}
	}
}

// WithMinTrustLevel 设置默认的最低信任度。
func WithMinTrustLevel(level float64) Option {
	return func(o *Orchestrator) {
		o.minTrust = level
	}
}

// WithStepTimeout 设置单步调用的默认超时，非正数表示不限制。
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.stepTimeout = d
	}
}

// WithStrict 开启后步骤失败会作为错误返回给调用方。
func WithStrict(strict bool) Option {
	return func(o *Orchestrator) {
		o.strict = strict
	}
}

// WithRejectEmptyPlans 开启后，推导不出任何能力的任务无法创建工作流。
// 默认创建不含步骤的工作流，执行时直接完成。
func WithRejectEmptyPlans(reject bool) Option {
	return func(o *Orchestrator) {
		o.rejectEmpty = reject
	}
}

// WithMetrics 配置指标记录器。
func WithMetrics(m Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) {
		o.alerter = d
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator 替换工作流 ID 生成函数。
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New 构造 Orchestrator。
func New(directory Directory, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		directory:   directory,
		invoker:     agent.NewRouter(),
		store:       NewMemoryStore(),
		planner:     NewTablePlanner(nil),
		selector:    FirstSelector{},
		minTrust:    DefaultMinTrustLevel,
		stepTimeout: DefaultStepTimeout,
		now:         time.Now,
		newID:       func() string { return "workflow_" + uuid.NewString() },
		log:         logger.Component("orchestrator"),
		running:     make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// AnalyzeTask 返回任务所需的有序能力列表，未知任务类型返回空切片。
func (o *Orchestrator) AnalyzeTask(task Task) []string {
	caps := o.planner.Plan(task)
	if caps == nil {
		return []string{}
	}
	return caps
}

// SelectAgents 为每项能力挑选一个信任度达标的智能体，没有候选的能力不出现在结果中。
func (o *Orchestrator) SelectAgents(required []string, minTrustLevel float64) map[string]string {
	selected := make(map[string]string, len(required))
	for _, capability := range required {
		if _, done := selected[capability]; done {
			continue
		}
		ids := o.directory.DiscoverAgentsByCapability(capability, minTrustLevel)
		candidates := make([]Candidate, 0, len(ids))
		for _, id := range ids {
			details, err := o.directory.GetAgentDetails(id)
			if err != nil {
				// 查询期间被注销
				continue
			}
			candidates = append(candidates, Candidate{AgentID: id, TrustLevel: details.TrustLevel})
		}
		if agentID, ok := o.selector.Pick(capability, candidates); ok {
			selected[capability] = agentID
		}
	}
	return selected
}

// CreateWorkflow 分析任务并分配智能体，任一能力无法满足时不创建工作流也不写审计。
// 每项能力只分配一个智能体并执行一步，重复的能力按首次出现的位置合并。
func (o *Orchestrator) CreateWorkflow(ctx context.Context, task Task) (string, error) {
	task = task.clone()
	required := uniqueStrings(o.AnalyzeTask(task))
	if len(required) == 0 && o.rejectEmpty {
		return "", xerrors.New(CodeNoCapabilities, fmt.Sprintf("task type %q maps to no capabilities", task.Type),
			xerrors.WithMetadata("task_type", task.Type))
	}
	minTrust := o.minTrust
	if task.MinTrustLevel != nil {
		minTrust = *task.MinTrustLevel
		if math.IsNaN(minTrust) || minTrust < 0 || minTrust > 1 {
			return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("min_trust_level %v out of range [0,1]", minTrust))
		}
	}

	assignment := o.SelectAgents(required, minTrust)
	var missing []string
	for _, capability := range required {
		if _, ok := assignment[capability]; !ok {
			missing = append(missing, capability)
		}
	}
	if len(missing) > 0 {
		o.log.Info("能力无法满足，拒绝创建工作流",
			slog.String("task_type", task.Type),
			slog.Any("missing", missing))
		return "", &UnresolvedCapabilityError{Missing: missing}
	}

	now := o.now()
	wf := &Workflow{
		ID:           o.newID(),
		Task:         task,
		Capabilities: required,
		Agents:       assignment,
		Status:       StatusCreated,
		Steps:        []Step{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.Create(ctx, wf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存工作流失败", xerrors.WithMetadata("workflow_id", wf.ID))
	}
	o.observe(StatusCreated)
	o.log.Info("工作流已创建", slog.String("workflow_id", wf.ID), slog.Any("agents", assignment))
	reasoning := fmt.Sprintf("selected agents for %d capabilities using %s strategy", len(required), o.selector.Name())
	if len(required) == 0 {
		reasoning = fmt.Sprintf("task type %q maps to no capabilities", task.Type)
	}
	o.record(ctx, DecisionWorkflowCreation,
		map[string]any{
			"task":                  task.auditView(),
			"required_capabilities": append([]string(nil), required...),
			"min_trust_level":       minTrust,
		},
		map[string]any{
			"workflow_id": wf.ID,
			"agents":      stringMap(assignment),
			"status":      string(StatusCreated),
		},
		reasoning)
	return wf.ID, nil
}

// ExecuteOption 调整单次执行的参数。
type ExecuteOption func(*executeConfig)

type executeConfig struct {
	stepTimeout time.Duration
	strict      bool
}

// ExecTimeout 覆盖本次执行的单步超时。
func ExecTimeout(d time.Duration) ExecuteOption {
	return func(c *executeConfig) {
		c.stepTimeout = d
	}
}

// ExecStrict 覆盖本次执行的严格模式。
func ExecStrict(strict bool) ExecuteOption {
	return func(c *executeConfig) {
		c.strict = strict
	}
}

type stepFailure struct {
	index      int
	capability string
	agentID    string
	err        error
}

// ExecuteWorkflow 驱动 created → running → completed|failed。
// 步骤失败在工作流层面恢复：只有严格模式才返回错误。
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, id string, opts ...ExecuteOption) (Workflow, error) {
	cfg := executeConfig{stepTimeout: o.stepTimeout, strict: o.strict}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	execCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	o.mu.Lock()
	wf, err := o.store.Claim(ctx, id, o.now())
	if err == nil {
		o.running[id] = cancel
	}
	o.mu.Unlock()
	if err != nil {
		return snapshot(wf), err
	}

	bookkeeping := context.WithoutCancel(ctx)
	o.observe(StatusRunning)
	o.log.Info("工作流开始执行", slog.String("workflow_id", id), slog.Int("steps", len(wf.Capabilities)))
	o.record(bookkeeping, DecisionWorkflowStarted,
		map[string]any{"workflow_id": id},
		map[string]any{"status": string(StatusRunning), "agents": stringMap(wf.Agents)},
		"")

	results := make(map[string]any, len(wf.Capabilities))
	var failure *stepFailure
	for i, capability := range wf.Capabilities {
		agentID := wf.Agents[capability]
		if cause := context.Cause(execCtx); cause != nil {
			failure = &stepFailure{index: i, capability: capability, agentID: agentID, err: o.interruption(execCtx)}
			break
		}
		step, stepErr := o.runStep(execCtx, wf, i, capability, agentID, results, cfg.stepTimeout)
		if err := o.store.AppendStep(bookkeeping, id, step); err != nil {
			o.log.Error("记录步骤失败", slog.String("workflow_id", id), slog.Any("error", err))
		}
		if o.metrics != nil {
			o.metrics.ObserveStep(capability, string(step.Status), step.FinishedAt.Sub(step.StartedAt))
		}
		if stepErr != nil {
			failure = &stepFailure{index: i, capability: capability, agentID: agentID, err: stepErr}
			break
		}
		results[capability] = step.Output
	}

	o.mu.Lock()
	if failure == nil && context.Cause(execCtx) != nil {
		failure = &stepFailure{index: len(wf.Capabilities), err: o.interruption(execCtx)}
	}
	delete(o.running, id)
	o.mu.Unlock()

	if failure != nil {
		final := o.fail(bookkeeping, wf, failure)
		if cfg.strict {
			return final, xerrors.Wrap(CodeWorkflowFailed, failure.err, fmt.Sprintf("workflow %s failed", id),
				xerrors.WithMetadata("workflow_id", id))
		}
		return final, nil
	}

	completed, err := o.store.Complete(bookkeeping, id, o.now())
	if err != nil {
		o.log.Error("标记工作流完成失败", slog.String("workflow_id", id), slog.Any("error", err))
		return snapshot(completed), xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记工作流完成失败")
	}
	o.observe(StatusCompleted)
	o.log.Info("工作流执行完成", slog.String("workflow_id", id))
	o.record(bookkeeping, DecisionWorkflowCompletion,
		map[string]any{"workflow_id": id, "agents": stringMap(wf.Agents)},
		map[string]any{
			"status":       string(StatusCompleted),
			"results":      results,
			"steps":        len(completed.Steps),
			"completed_at": completed.CompletedAt.UTC().Format(time.RFC3339Nano),
		},
		"all steps succeeded")
	return *completed, nil
}

func (o *Orchestrator) runStep(ctx context.Context, wf *Workflow, index int, capability, agentID string, previous map[string]any, timeout time.Duration) (Step, error) {
	step := Step{Index: index, Capability: capability, AgentID: agentID, StartedAt: o.now()}
	req := agent.Request{
		WorkflowID: wf.ID,
		AgentID:    agentID,
		Capability: capability,
		Payload: map[string]any{
			"workflow_id": wf.ID,
			"capability":  capability,
			"task":        wf.Task.auditView(),
			"previous":    cloneMap(previous),
		},
	}

	var (
		stepCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		stepCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		out map[string]any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := o.invoker.Invoke(stepCtx, req)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-stepCtx.Done():
		res = outcome{err: stepCtx.Err()}
	}
	step.FinishedAt = o.now()

	if res.err == nil {
		step.Status = StepSucceeded
		step.Output = cloneMap(res.out)
		if step.Output == nil {
			step.Output = map[string]any{}
		}
		o.log.Debug("步骤成功", slog.String("workflow_id", wf.ID), slog.String("capability", capability), slog.String("agent_id", agentID))
		return step, nil
	}

	err := o.classify(ctx, stepCtx, res.err, capability, agentID, timeout)
	step.Status = StepFailed
	step.Error = err.Error()
	step.ErrorCode = string(xerrors.CodeOf(err))
	o.log.Warn("步骤失败",
		slog.String("workflow_id", wf.ID),
		slog.String("capability", capability),
		slog.String("agent_id", agentID),
		slog.Any("error", err))
	return step, err
}

// classify 把调用错误归入取消、超时、智能体错误三类。
func (o *Orchestrator) classify(parent, stepCtx context.Context, err error, capability, agentID string, timeout time.Duration) error {
	if parent.Err() != nil {
		return o.interruption(parent)
	}
	if stdErrors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, fmt.Sprintf("capability %s on agent %s timed out after %s", capability, agentID, timeout),
			xerrors.WithMetadata("capability", capability),
			xerrors.WithMetadata("agent_id", agentID))
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(CodeStepFailed, err, fmt.Sprintf("capability %s failed on agent %s", capability, agentID),
		xerrors.WithMetadata("capability", capability),
		xerrors.WithMetadata("agent_id", agentID))
}

// interruption 返回执行上下文被取消的原因。
func (o *Orchestrator) interruption(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		cause = ctx.Err()
	}
	if _, ok := xerrors.From(cause); ok {
		return cause
	}
	if stdErrors.Is(cause, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, cause, "workflow execution deadline exceeded")
	}
	return xerrors.Wrap(xerrors.CodeCancelled, cause, "workflow execution cancelled")
}

func (o *Orchestrator) fail(ctx context.Context, wf *Workflow, f *stepFailure) Workflow {
	final, err := o.store.Fail(ctx, wf.ID, f.err.Error(), o.now())
	if err != nil {
		o.log.Error("标记工作流失败状态出错", slog.String("workflow_id", wf.ID), slog.Any("error", err))
		if final == nil {
			final = wf
		}
	}
	return o.reportFailure(ctx, final, f)
}

// reportFailure 写入 workflow_failure 决策并发出告警。
func (o *Orchestrator) reportFailure(ctx context.Context, final *Workflow, f *stepFailure) Workflow {
	o.observe(StatusFailed)
	o.log.Warn("工作流执行失败", slog.String("workflow_id", final.ID), slog.Any("error", f.err))

	inputs := map[string]any{"workflow_id": final.ID, "step_index": f.index}
	if f.capability != "" {
		inputs["capability"] = f.capability
		inputs["agent_id"] = f.agentID
	}
	o.record(ctx, DecisionWorkflowFailure, inputs,
		map[string]any{
			"status":          string(StatusFailed),
			"error":           f.err.Error(),
			"error_code":      string(xerrors.CodeOf(f.err)),
			"completed_steps": countSucceeded(final.Steps),
		},
		f.err.Error())
	o.alert(ctx, final.ID, f)
	return *final
}

// CancelWorkflow 取消工作流：created 立即失败，running 中断执行后失败，failed 为空操作，completed 返回 ErrWorkflowTerminal。
func (o *Orchestrator) CancelWorkflow(ctx context.Context, id, reason string) (Workflow, error) {
	if reason == "" {
		reason = "cancelled by request"
	}
	cause := xerrors.New(xerrors.CodeCancelled, reason, xerrors.WithMetadata("workflow_id", id))

	o.mu.Lock()
	if cancel, ok := o.running[id]; ok {
		cancel(cause)
		o.mu.Unlock()
		o.log.Info("已请求取消运行中的工作流", slog.String("workflow_id", id), slog.String("reason", reason))
		return o.settled(ctx, id)
	}
	wf, err := o.store.Get(ctx, id)
	if err != nil {
		o.mu.Unlock()
		return Workflow{}, err
	}
	switch wf.Status {
	case StatusCreated:
		final, err := o.store.Fail(ctx, id, cause.Error(), o.now())
		o.mu.Unlock()
		if err != nil {
			return snapshot(final), err
		}
		o.log.Info("已取消未执行的工作流", slog.String("workflow_id", id), slog.String("reason", reason))
		return o.reportFailure(context.WithoutCancel(ctx), final, &stepFailure{err: cause}), nil
	case StatusFailed:
		o.mu.Unlock()
		return *wf, nil
	case StatusCompleted:
		o.mu.Unlock()
		return *wf, ErrWorkflowTerminal
	default:
		// 执行方已进入收尾阶段
		o.mu.Unlock()
		return o.settled(ctx, id)
	}
}

func (o *Orchestrator) settled(ctx context.Context, id string) (Workflow, error) {
	wf, err := o.WaitForWorkflow(ctx, id, defaultPollInterval)
	if err != nil {
		return wf, err
	}
	if wf.Status == StatusCompleted {
		return wf, ErrWorkflowTerminal
	}
	return wf, nil
}

// GetWorkflowStatus 返回工作流快照。
func (o *Orchestrator) GetWorkflowStatus(ctx context.Context, id string) (Workflow, error) {
	wf, err := o.store.Get(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	return *wf, nil
}

// ListWorkflows 返回符合过滤条件的工作流列表。
func (o *Orchestrator) ListWorkflows(ctx context.Context, opts ...ListOption) ([]Workflow, error) {
	items, err := o.store.List(ctx, buildListOptions(opts))
	if err != nil {
		return nil, err
	}
	out := make([]Workflow, 0, len(items))
	for _, wf := range items {
		out = append(out, *wf)
	}
	return out, nil
}

// WorkflowStats 返回符合过滤条件的工作流统计信息。
func (o *Orchestrator) WorkflowStats(ctx context.Context, opts ...ListOption) (Stats, error) {
	return o.store.Stats(ctx, buildListOptions(opts))
}

// WaitForWorkflow 轮询直到工作流进入终态或 ctx 结束。
func (o *Orchestrator) WaitForWorkflow(ctx context.Context, id string, interval time.Duration) (Workflow, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		wf, err := o.GetWorkflowStatus(ctx, id)
		if err != nil {
			return Workflow{}, err
		}
		if wf.Status.Terminal() {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return wf, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 释放存储资源。
func (o *Orchestrator) Close() error {
	return o.store.Close()
}

func (o *Orchestrator) record(ctx context.Context, decisionType string, inputs, outputs map[string]any, reasoning string) {
	if o.auditor == nil {
		return
	}
	receipt, err := o.auditor.LogDecision(ctx, audit.OrchestratorIdentity, decisionType, inputs, outputs, reasoning)
	if err != nil {
		o.log.Error("写入审计决策失败",
			slog.String("decision_type", decisionType),
			slog.Int64("audit_id", receipt.AuditID),
			slog.Any("error", err))
	}
}

func (o *Orchestrator) observe(status Status) {
	if o.metrics != nil {
		o.metrics.ObserveWorkflow(string(status))
	}
}

func (o *Orchestrator) alert(ctx context.Context, workflowID string, f *stepFailure) {
	if o.alerter == nil {
		return
	}
	stage := "step"
	if xerrors.CodeOf(f.err) == xerrors.CodeCancelled {
		stage = "cancelled"
	}
	event := alerting.Event{
		Code:       xerrors.CodeOf(f.err),
		Message:    f.err.Error(),
		Severity:   xerrors.SeverityOf(f.err),
		WorkflowID: workflowID,
		Capability: f.capability,
		AgentID:    f.agentID,
		Stage:      stage,
		Metadata:   map[string]string{"step_index": strconv.Itoa(f.index)},
		OccurredAt: o.now(),
	}
	if err := o.alerter.Notify(ctx, event); err != nil {
		o.log.Error("告警通知失败", slog.String("workflow_id", workflowID), slog.Any("error", err))
	}
}

func snapshot(wf *Workflow) Workflow {
	if wf == nil {
		return Workflow{}
	}
	return *wf
}

func countSucceeded(steps []Step) int {
	n := 0
	for _, step := range steps {
		if step.Status == StepSucceeded {
			n++
		}
	}
	return n
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func stringMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

var (
	_ Directory      = (*registry.Registry)(nil)
	_ DecisionLogger = (*audit.Auditor)(nil)
)
