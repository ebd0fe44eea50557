package discovery

import (
	"context"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	"OpenACP-Core/internal/registry"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seedRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	ctx := context.Background()
	reg := registry.New(registry.WithConsistencyChecks(true))
	agents := []struct {
		id   string
		caps []string
		meta map[string]any
	}{
		{"A1", []string{"X", "update_calendar"}, map[string]any{"team": "ops", "tier": 1}},
		{"A2", []string{"X"}, map[string]any{"team": "ops"}},
		{"A3", []string{"X", "assign", "update_schedule"}, map[string]any{"team": "edu", "tier": 2}},
	}
	for _, a := range agents {
		if err := reg.RegisterAgent(ctx, a.id, a.caps, a.meta); err != nil {
			t.Fatalf("register %s: %v", a.id, err)
		}
	}
	return reg
}

func TestComplementaryAgents(t *testing.T) {
	svc := New(seedRegistry(t))
	got := svc.DiscoverComplementaryAgents(context.Background(), "A1")
	// A2 只有 X，是 A1 的子集
	if !reflect.DeepEqual(got, []string{"A3"}) {
		t.Fatalf("unexpected complementary agents: %v", got)
	}
	if got := svc.DiscoverComplementaryAgents(context.Background(), "A2"); !reflect.DeepEqual(got, []string{"A1", "A3"}) {
		t.Fatalf("unexpected complementary agents for A2: %v", got)
	}
	if got := svc.DiscoverComplementaryAgents(context.Background(), "ghost"); len(got) != 0 {
		t.Fatalf("unknown reference should yield empty result: %v", got)
	}
}

func TestPatternDiscoveryDeduplicates(t *testing.T) {
	svc := New(seedRegistry(t))
	got, err := svc.DiscoverByCapabilityPattern(context.Background(), "update")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"A1", "A3"}) {
		t.Fatalf("unexpected pattern result: %v", got)
	}
	got, err = svc.DiscoverByCapabilityPattern(context.Background(), "")
	if err != nil {
		t.Fatalf("discover empty: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("empty pattern should match every agent once: %v", got)
	}
}

func TestGlobAndRegexMatchers(t *testing.T) {
	svc := New(seedRegistry(t))
	ctx := context.Background()
	got, err := svc.DiscoverWithMatcher(ctx, GlobMatcher{}, "update_*")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"A1", "A3"}) {
		t.Fatalf("unexpected glob result: %v", got)
	}
	got, err = svc.DiscoverWithMatcher(ctx, RegexMatcher{}, "^assign$")
	if err != nil {
		t.Fatalf("regex: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"A3"}) {
		t.Fatalf("unexpected regex result: %v", got)
	}
	if _, err := svc.DiscoverWithMatcher(ctx, RegexMatcher{}, "(["); err == nil {
		t.Fatalf("expected invalid regex error")
	}
}

func TestMetadataDiscovery(t *testing.T) {
	svc := New(seedRegistry(t))
	ctx := context.Background()
	if got := svc.DiscoverByMetadata(ctx, "team", "ops"); !reflect.DeepEqual(got, []string{"A1", "A2"}) {
		t.Fatalf("unexpected metadata result: %v", got)
	}
	if got := svc.DiscoverByMetadata(ctx, "tier", 2.0); !reflect.DeepEqual(got, []string{"A3"}) {
		t.Fatalf("numeric metadata should compare by value: %v", got)
	}
	if got := svc.DiscoverByMetadata(ctx, "team", "op"); len(got) != 0 {
		t.Fatalf("metadata must match exactly: %v", got)
	}
}

func TestDistributionMatchesRegistryIndex(t *testing.T) {
	reg := seedRegistry(t)
	svc := New(reg)
	dist := svc.GetCapabilityDistribution(context.Background())
	for c, n := range dist {
		if got := len(reg.DiscoverAgentsByCapability(c, 0)); got != n {
			t.Fatalf("capability %s: distribution %d, index %d", c, n, got)
		}
	}
	if dist["X"] != 3 {
		t.Fatalf("unexpected X count: %d", dist["X"])
	}
}

func TestCacheExpiry(t *testing.T) {
	ctx := context.Background()
	reg := seedRegistry(t)
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	svc := New(reg, WithClock(clock.Now), WithExpiry(300*time.Second))

	if got := svc.GetCapabilityDistribution(ctx); got["X"] != 3 {
		t.Fatalf("unexpected distribution: %v", got)
	}
	// 注册表变化但未通知缓存，有效期内返回缓存结果
	if err := reg.UnregisterAgent(ctx, "A2"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	clock.Advance(300 * time.Second)
	if got := svc.GetCapabilityDistribution(ctx); got["X"] != 3 {
		t.Fatalf("entry at exactly the expiry should still be served: %v", got)
	}
	if got := svc.Uncached().GetCapabilityDistribution(ctx); got["X"] != 2 {
		t.Fatalf("uncached view should see live state: %v", got)
	}
	clock.Advance(time.Second)
	if got := svc.GetCapabilityDistribution(ctx); got["X"] != 2 {
		t.Fatalf("expired entry must be recomputed: %v", got)
	}
	// Uncached 视图与原服务共享统计
	stats := svc.CacheStats()
	if stats.Hits != 1 || stats.Misses != 3 {
		t.Fatalf("unexpected cache stats: %+v", stats)
	}
}

func TestRegistryHookInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	reg := seedRegistry(t)
	svc := New(reg)
	reg.AddHook(svc.RegistryHook())

	if got, _ := svc.DiscoverByCapabilityPattern(ctx, "assign"); len(got) != 1 {
		t.Fatalf("unexpected result: %v", got)
	}
	if err := reg.RegisterAgent(ctx, "A4", []string{"assign"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got, _ := svc.DiscoverByCapabilityPattern(ctx, "assign"); !reflect.DeepEqual(got, []string{"A3", "A4"}) {
		t.Fatalf("cache not invalidated: %v", got)
	}
}

func TestNoopCacheAlwaysRecomputes(t *testing.T) {
	svc := New(seedRegistry(t), WithCache(nil))
	ctx := context.Background()
	svc.GetCapabilityDistribution(ctx)
	svc.GetCapabilityDistribution(ctx)
	if stats := svc.CacheStats(); stats.Hits != 0 || stats.Misses != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestCacheKeyIsCanonical(t *testing.T) {
	if cacheKey("metadata", "team", "ops") != cacheKey("metadata", "team", "ops") {
		t.Fatalf("cache key not stable")
	}
	if cacheKey("metadata", "tier", 1) == cacheKey("metadata", "tier", "1") {
		t.Fatalf("distinct argument types should not collide")
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("ACP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACP_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	cache, err := NewRedisCache(ctx, RedisCacheConfig{Address: addr, Prefix: "acp:test:discovery:", TTL: time.Minute})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer cache.Close()
	defer cache.Purge(ctx)

	svc := New(seedRegistry(t), WithCache(cache))
	first := svc.GetCapabilityDistribution(ctx)
	second := svc.GetCapabilityDistribution(ctx)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("cached distribution differs: %v vs %v", first, second)
	}
	if svc.CacheStats().Hits != 1 {
		t.Fatalf("expected a cache hit: %+v", svc.CacheStats())
	}
}
