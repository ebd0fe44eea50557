package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/pkg/logger"
)

// DefaultTrustLevel 是注册时未指定信任度的默认值。
const DefaultTrustLevel = 0.5

// Registry 保存智能体记录以及能力到智能体的索引。
// 记录表与索引由同一把锁保护，读者不会看到只更新了一半的状态。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string
	index  map[string][]string
	hooks  []Hook
	seq    uint64

	// delivered 是已投递完毕的最大 Seq，由 deliverMu 保护
	deliverMu   sync.Mutex
	deliverCond *sync.Cond
	delivered   uint64

	validator    *Validator
	defaultTrust float64
	checks       bool
	now          func() time.Time
	log          *slog.Logger
}

// Option 配置 Registry。
type Option func(*Registry)

// WithValidator 替换默认的能力校验器。
func WithValidator(v *Validator) Option {
	return func(r *Registry) {
		if v != nil {
			r.validator = v
		}
	}
}

// WithDefaultTrustLevel 设置注册时的默认信任度。
func WithDefaultTrustLevel(level float64) Option {
	return func(r *Registry) {
		if validateTrustLevel(level) == nil {
			r.defaultTrust = level
		}
	}
}

// WithConsistencyChecks 在每次变更后校验索引一致性，违反时 panic。
func WithConsistencyChecks(enabled bool) Option {
	return func(r *Registry) {
		r.checks = enabled
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithHook 注册变更回调。
func WithHook(h Hook) Option {
	return func(r *Registry) {
		if h != nil {
			r.hooks = append(r.hooks, h)
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New 创建空的注册表。
func New(opts ...Option) *Registry {
	r := &Registry{
		agents:       make(map[string]*Agent),
		index:        make(map[string][]string),
		validator:    &Validator{rule: DefaultNamingRule},
		defaultTrust: DefaultTrustLevel,
		now:          time.Now,
	}
	r.deliverCond = sync.NewCond(&r.deliverMu)
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.log == nil {
		r.log = logger.Component("registry")
	}
	return r
}

// AddHook 在构造之后追加变更回调。
func (r *Registry) AddHook(h Hook) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// RegisterOption 调整单次注册的参数。
type RegisterOption func(*Agent)

// WithInitialTrust 在注册时直接设定信任度。
func WithInitialTrust(level float64) RegisterOption {
	return func(a *Agent) {
		a.TrustLevel = level
	}
}

// RegisterAgent 注册新的智能体并为每个能力写入索引。
// 校验失败时不会留下任何记录或索引。
func (r *Registry) RegisterAgent(ctx context.Context, id string, capabilities []string, metadata map[string]any, opts ...RegisterOption) error {
	if strings.TrimSpace(id) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if strings.TrimSpace(id) != id {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("agent_id %q 含首尾空白", id), xerrors.WithMetadata("agent_id", id))
	}
	caps, err := r.validator.Validate(capabilities)
	if err != nil {
		return err
	}
	if err := validateMetadata(metadata); err != nil {
		return err
	}

	agent := &Agent{
		ID:           id,
		Capabilities: caps,
		TrustLevel:   r.defaultTrust,
	}
	if metadata != nil {
		agent.Metadata = make(map[string]any, len(metadata))
		for k, v := range metadata {
			agent.Metadata[k] = v
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(agent)
		}
	}
	if err := validateTrustLevel(agent.TrustLevel); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.agents[id]; exists {
		r.mu.Unlock()
		return xerrors.New(CodeDuplicateAgent, "agent already registered: "+id, xerrors.WithMetadata("agent_id", id))
	}
	agent.RegisteredAt = r.now().UTC()
	r.agents[id] = agent
	r.order = append(r.order, id)
	for _, c := range caps {
		r.addEdgeLocked(c, id)
	}
	r.assertLocked()
	hooks, seq := r.nextEventLocked()
	r.mu.Unlock()

	r.log.Info("智能体已注册", slog.String("agent_id", id), slog.Any("capabilities", caps))
	r.emit(ctx, hooks, Event{
		Seq:          seq,
		Type:         EventRegistered,
		AgentID:      id,
		Capabilities: append([]string(nil), caps...),
		Added:        append([]string(nil), caps...),
		TrustLevel:   agent.TrustLevel,
		Time:         agent.RegisteredAt,
	})
	return nil
}

// UnregisterAgent 先移除全部索引边，再删除记录。
func (r *Registry) UnregisterAgent(ctx context.Context, id string) error {
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return agentNotFound(id)
	}
	for _, c := range agent.Capabilities {
		r.removeEdgeLocked(c, id)
	}
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	delete(r.agents, id)
	r.assertLocked()
	hooks, seq := r.nextEventLocked()
	r.mu.Unlock()

	r.log.Info("智能体已注销", slog.String("agent_id", id))
	r.emit(ctx, hooks, Event{
		Seq:      seq,
		Type:     EventUnregistered,
		AgentID:  id,
		Previous: agent.Capabilities,
		Removed:  append([]string(nil), agent.Capabilities...),
		Time:     r.now().UTC(),
	})
	return nil
}

// UpdateAgentCapabilities 只增删新旧能力集合之间的差异边。
func (r *Registry) UpdateAgentCapabilities(ctx context.Context, id string, capabilities []string) error {
	caps, err := r.validator.Validate(capabilities)
	if err != nil {
		return err
	}

	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return agentNotFound(id)
	}
	previous := agent.Capabilities
	next := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		next[c] = struct{}{}
	}
	prev := make(map[string]struct{}, len(previous))
	var removed, added []string
	for _, c := range previous {
		prev[c] = struct{}{}
		if _, keep := next[c]; !keep {
			r.removeEdgeLocked(c, id)
			removed = append(removed, c)
		}
	}
	for _, c := range caps {
		if _, had := prev[c]; !had {
			r.addEdgeLocked(c, id)
			added = append(added, c)
		}
	}
	agent.Capabilities = caps
	r.assertLocked()
	hooks, seq := r.nextEventLocked()
	trust := agent.TrustLevel
	r.mu.Unlock()

	r.log.Info("智能体能力已更新",
		slog.String("agent_id", id),
		slog.Any("added", added),
		slog.Any("removed", removed))
	r.emit(ctx, hooks, Event{
		Seq:          seq,
		Type:         EventCapabilitiesUpdated,
		AgentID:      id,
		Capabilities: append([]string(nil), caps...),
		Previous:     previous,
		Added:        added,
		Removed:      removed,
		TrustLevel:   trust,
		Time:         r.now().UTC(),
	})
	return nil
}

// SetTrustLevel 调整智能体的信任度。
func (r *Registry) SetTrustLevel(ctx context.Context, id string, level float64) error {
	if err := validateTrustLevel(level); err != nil {
		return err
	}
	r.mu.Lock()
	agent, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return agentNotFound(id)
	}
	agent.TrustLevel = level
	caps := append([]string(nil), agent.Capabilities...)
	hooks, seq := r.nextEventLocked()
	r.mu.Unlock()

	r.log.Debug("信任度已更新", slog.String("agent_id", id), slog.Float64("trust_level", level))
	r.emit(ctx, hooks, Event{
		Seq:          seq,
		Type:         EventTrustUpdated,
		AgentID:      id,
		Capabilities: caps,
		TrustLevel:   level,
		Time:         r.now().UTC(),
	})
	return nil
}

// DiscoverAgentsByCapability 按索引插入顺序返回满足信任度下限的智能体。
// 未知能力返回空列表。
func (r *Registry) DiscoverAgentsByCapability(capability string, minTrustLevel float64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.index[capability]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if agent, ok := r.agents[id]; ok && agent.TrustLevel >= minTrustLevel {
			out = append(out, id)
		}
	}
	return out
}

// GetAgentDetails 返回智能体记录的副本。
func (r *Registry) GetAgentDetails(id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[id]
	if !ok {
		return Agent{}, agentNotFound(id)
	}
	return agent.clone(), nil
}

// ListAgents 按注册顺序返回全部记录的副本。
func (r *Registry) ListAgents() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].clone())
	}
	return out
}

// CapabilityCounts 返回每个能力的索引长度。
func (r *Registry) CapabilityCounts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.index))
	for c, ids := range r.index {
		out[c] = len(ids)
	}
	return out
}

// Capabilities 返回已知能力名，按字典序排列。
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.index))
	for c := range r.index {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Len 返回已注册的智能体数量。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// RebuildIndex 根据记录重建索引，重建后的顺序为注册顺序。
func (r *Registry) RebuildIndex() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = make(map[string][]string, len(r.index))
	for _, id := range r.order {
		for _, c := range r.agents[id].Capabilities {
			r.addEdgeLocked(c, id)
		}
	}
}

// CheckConsistency 报告记录与索引之间的任何偏差。
func (r *Registry) CheckConsistency() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.checkLocked()
}

func (r *Registry) addEdgeLocked(capability, id string) {
	for _, existing := range r.index[capability] {
		if existing == id {
			return
		}
	}
	r.index[capability] = append(r.index[capability], id)
}

func (r *Registry) removeEdgeLocked(capability, id string) {
	ids := r.index[capability]
	for i, existing := range ids {
		if existing == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(r.index, capability)
		return
	}
	r.index[capability] = ids
}

func (r *Registry) assertLocked() {
	if !r.checks {
		return
	}
	if err := r.checkLocked(); err != nil {
		panic(err)
	}
}

func (r *Registry) checkLocked() error {
	if len(r.order) != len(r.agents) {
		return fmt.Errorf("registry: order has %d ids but %d records exist", len(r.order), len(r.agents))
	}
	for _, id := range r.order {
		agent, ok := r.agents[id]
		if !ok {
			return fmt.Errorf("registry: ordered id %s has no record", id)
		}
		for _, c := range agent.Capabilities {
			count := 0
			for _, indexed := range r.index[c] {
				if indexed == id {
					count++
				}
			}
			if count != 1 {
				return fmt.Errorf("registry: capability %s lists agent %s %d times", c, id, count)
			}
		}
	}
	for c, ids := range r.index {
		if len(ids) == 0 {
			return fmt.Errorf("registry: capability %s has an empty index entry", c)
		}
		for _, id := range ids {
			agent, ok := r.agents[id]
			if !ok {
				return fmt.Errorf("registry: capability %s references unknown agent %s", c, id)
			}
			if !agent.HasCapability(c) {
				return fmt.Errorf("registry: capability %s references agent %s which does not declare it", c, id)
			}
		}
	}
	return nil
}

// nextEventLocked 为本次变更分配事件序号，调用方必须随后 emit 该序号。
func (r *Registry) nextEventLocked() ([]Hook, uint64) {
	r.seq++
	return r.hooks, r.seq
}

// emit 等待前序事件投递完毕后再调用 hook，保证审计等下游看到的顺序与变更顺序一致。
func (r *Registry) emit(ctx context.Context, hooks []Hook, event Event) {
	r.deliverMu.Lock()
	for r.delivered+1 != event.Seq {
		r.deliverCond.Wait()
	}
	r.deliverMu.Unlock()

	defer func() {
		r.deliverMu.Lock()
		r.delivered = event.Seq
		r.deliverCond.Broadcast()
		r.deliverMu.Unlock()
	}()
	for _, h := range hooks {
		h(ctx, event)
	}
}
