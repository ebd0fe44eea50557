package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
	"time"

	"OpenACP-Core/internal/registry"
	"OpenACP-Core/pkg/logger"
)

// DefaultExpiry 是缓存条目的默认有效期。
const DefaultExpiry = 300 * time.Second

// Source 是发现服务读取的注册表视图，发现服务从不修改它。
type Source interface {
	ListAgents() []registry.Agent
	GetAgentDetails(id string) (registry.Agent, error)
	CapabilityCounts() map[string]int
}

// Service 在注册表之上提供只读的组合查询。
type Service struct {
	source  Source
	cache   Cache
	expiry  time.Duration
	matcher Matcher
	now     func() time.Time
	log     *slog.Logger
	stats   *cacheStats
}

type cacheStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats 汇总缓存命中情况。
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// Option 配置 Service。
type Option func(*Service)

// WithCache 指定缓存实现，传入 nil 等价于关闭缓存。
func WithCache(c Cache) Option {
	return func(s *Service) {
		if c == nil {
			s.cache = NoopCache{}
			return
		}
		s.cache = c
	}
}

// WithExpiry 设置缓存有效期。
func WithExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiry = d
		}
	}
}

// WithMatcher 替换默认的子串匹配。
func WithMatcher(m Matcher) Option {
	return func(s *Service) {
		if m != nil {
			s.matcher = m
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// New 创建发现服务，默认使用进程内缓存。
func New(source Source, opts ...Option) *Service {
	s := &Service{
		source:  source,
		cache:   NewMemoryCache(),
		expiry:  DefaultExpiry,
		matcher: SubstringMatcher{},
		now:     time.Now,
		stats:   &cacheStats{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Component("discovery")
	}
	return s
}

// Uncached 返回绕过缓存的视图，供需要强一致性的调用方使用。
func (s *Service) Uncached() *Service {
	clone := *s
	clone.cache = NoopCache{}
	return &clone
}

// Invalidate 清空缓存。
func (s *Service) Invalidate(ctx context.Context) {
	if err := s.cache.Purge(ctx); err != nil {
		s.log.Warn("清理发现缓存失败", slog.Any("error", err))
	}
}

// RegistryHook 返回在注册表变更后清空缓存的回调。
func (s *Service) RegistryHook() registry.Hook {
	return func(ctx context.Context, _ registry.Event) {
		s.Invalidate(ctx)
	}
}

// CacheStats 返回缓存命中统计。
func (s *Service) CacheStats() CacheStats {
	return CacheStats{Hits: s.stats.hits.Load(), Misses: s.stats.misses.Load()}
}

// DiscoverByCapabilityPattern 返回任一能力匹配模式的智能体，按注册顺序且每个智能体只出现一次。
func (s *Service) DiscoverByCapabilityPattern(ctx context.Context, pattern string) ([]string, error) {
	return s.DiscoverWithMatcher(ctx, s.matcher, pattern)
}

// DiscoverWithMatcher 与 DiscoverByCapabilityPattern 相同，但使用指定的匹配器。
func (s *Service) DiscoverWithMatcher(ctx context.Context, m Matcher, pattern string) ([]string, error) {
	if m == nil {
		m = s.matcher
	}
	match, err := m.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return cached(ctx, s, cacheKey("capability_pattern", m.Name(), pattern), func() []string {
		out := make([]string, 0)
		for _, agent := range s.source.ListAgents() {
			for _, c := range agent.Capabilities {
				if match(c) {
					out = append(out, agent.ID)
					break
				}
			}
		}
		return out
	}), nil
}

// DiscoverComplementaryAgents 返回拥有参照智能体所缺能力的其他智能体。
// 参照智能体不存在时返回空列表。
func (s *Service) DiscoverComplementaryAgents(ctx context.Context, agentID string) []string {
	return cached(ctx, s, cacheKey("complementary", agentID), func() []string {
		out := make([]string, 0)
		reference, err := s.source.GetAgentDetails(agentID)
		if err != nil {
			return out
		}
		own := make(map[string]struct{}, len(reference.Capabilities))
		for _, c := range reference.Capabilities {
			own[c] = struct{}{}
		}
		for _, agent := range s.source.ListAgents() {
			if agent.ID == agentID {
				continue
			}
			for _, c := range agent.Capabilities {
				if _, ok := own[c]; !ok {
					out = append(out, agent.ID)
					break
				}
			}
		}
		return out
	})
}

// DiscoverByMetadata 返回 metadata[key] 与 value 相等的智能体。
func (s *Service) DiscoverByMetadata(ctx context.Context, key string, value any) []string {
	return cached(ctx, s, cacheKey("metadata", key, value), func() []string {
		out := make([]string, 0)
		for _, agent := range s.source.ListAgents() {
			stored, ok := agent.Metadata[key]
			if ok && scalarEqual(stored, value) {
				out = append(out, agent.ID)
			}
		}
		return out
	})
}

// GetCapabilityDistribution 返回每个能力对应的智能体数量。
func (s *Service) GetCapabilityDistribution(ctx context.Context) map[string]int {
	return cached(ctx, s, cacheKey("capability_distribution"), func() map[string]int {
		return s.source.CapabilityCounts()
	})
}

// cached 仅在条目未超过有效期时返回缓存结果，否则重新计算并替换条目。
func cached[T any](ctx context.Context, s *Service, key string, compute func() T) T {
	now := s.now()
	entry, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.log.Warn("读取发现缓存失败", slog.String("key", key), slog.Any("error", err))
	}
	if ok && err == nil && now.Sub(entry.StoredAt) <= s.expiry {
		var value T
		if decodeErr := json.Unmarshal(entry.Payload, &value); decodeErr == nil {
			s.stats.hits.Add(1)
			return value
		}
	}
	s.stats.misses.Add(1)
	value := compute()
	payload, err := json.Marshal(value)
	if err != nil {
		return value
	}
	if err := s.cache.Set(ctx, key, Entry{Payload: payload, StoredAt: now}); err != nil {
		s.log.Warn("写入发现缓存失败", slog.String("key", key), slog.Any("error", err))
	}
	return value
}

// cacheKey 以 JSON 数组作为 (操作, 参数) 的规范化序列化。
func cacheKey(operation string, args ...any) string {
	parts := append([]any{operation}, args...)
	raw, err := json.Marshal(parts)
	if err != nil {
		return fmt.Sprintf("%s%#v", operation, args)
	}
	return string(raw)
}

func scalarEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || !ta.Comparable() {
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
