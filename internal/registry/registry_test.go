package registry

import (
	"context"
	stdErrors "errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	xerrors "OpenACP-Core/internal/errors"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	return New(append([]Option{WithConsistencyChecks(true)}, opts...)...)
}

func TestRegisterAndDiscover(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	caps := []string{"update_calendar", "notify"}
	if err := reg.RegisterAgent(ctx, "A1", caps, map[string]any{"team": "ops"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	for _, c := range caps {
		got := reg.DiscoverAgentsByCapability(c, 0)
		if len(got) != 1 || got[0] != "A1" {
			t.Fatalf("discover %s: %v", c, got)
		}
	}
	details, err := reg.GetAgentDetails("A1")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if !reflect.DeepEqual(details.Capabilities, caps) {
		t.Fatalf("unexpected capabilities: %v", details.Capabilities)
	}
	if details.TrustLevel != DefaultTrustLevel {
		t.Fatalf("unexpected trust: %v", details.TrustLevel)
	}
	if details.RegisteredAt.IsZero() {
		t.Fatalf("registration time not set")
	}
}

func TestDetailsAreSnapshots(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if err := reg.RegisterAgent(ctx, "A1", []string{"x"}, map[string]any{"k": "v"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	details, _ := reg.GetAgentDetails("A1")
	details.Capabilities[0] = "mutated"
	details.Metadata["k"] = "mutated"

	again, _ := reg.GetAgentDetails("A1")
	if again.Capabilities[0] != "x" || again.Metadata["k"] != "v" {
		t.Fatalf("internal state leaked: %+v", again)
	}
}

func TestDuplicateRegistrationLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if err := reg.RegisterAgent(ctx, "A1", []string{"x"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := reg.ListAgents()
	beforeCounts := reg.CapabilityCounts()

	err := reg.RegisterAgent(ctx, "A1", []string{"x", "y"}, nil)
	if !stdErrors.Is(err, ErrDuplicateAgent) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if !reflect.DeepEqual(before, reg.ListAgents()) {
		t.Fatalf("records changed after duplicate registration")
	}
	if !reflect.DeepEqual(beforeCounts, reg.CapabilityCounts()) {
		t.Fatalf("index changed after duplicate registration: %v", reg.CapabilityCounts())
	}
	if got := reg.DiscoverAgentsByCapability("y", 0); len(got) != 0 {
		t.Fatalf("dangling edge for y: %v", got)
	}
}

func TestInvalidCapabilitiesRejected(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	cases := map[string][]string{
		"empty list":  {},
		"empty entry": {"ok", ""},
		"whitespace":  {"has space"},
	}
	for name, caps := range cases {
		t.Run(name, func(t *testing.T) {
			err := reg.RegisterAgent(ctx, "bad", caps, nil)
			if !stdErrors.Is(err, ErrInvalidCapabilities) {
				t.Fatalf("expected invalid capabilities, got %v", err)
			}
		})
	}
	if reg.Len() != 0 || len(reg.CapabilityCounts()) != 0 {
		t.Fatalf("failed registration left state behind")
	}
}

func TestTaxonomyAndNamingRule(t *testing.T) {
	v, err := NewValidator(`^[a-z_]+$`, []string{"evaluate", "assign"})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	reg := newTestRegistry(t, WithValidator(v))
	ctx := context.Background()
	if err := reg.RegisterAgent(ctx, "A1", []string{"evaluate"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterAgent(ctx, "A2", []string{"Evaluate"}, nil); !stdErrors.Is(err, ErrInvalidCapabilities) {
		t.Fatalf("expected naming rule failure, got %v", err)
	}
	if err := reg.RegisterAgent(ctx, "A3", []string{"deploy"}, nil); !stdErrors.Is(err, ErrInvalidCapabilities) {
		t.Fatalf("expected taxonomy failure, got %v", err)
	}
}

func TestDuplicateCapabilitiesCollapsed(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.RegisterAgent(context.Background(), "A1", []string{"x", "y", "x"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	details, _ := reg.GetAgentDetails("A1")
	if !reflect.DeepEqual(details.Capabilities, []string{"x", "y"}) {
		t.Fatalf("unexpected capabilities: %v", details.Capabilities)
	}
}

func TestNonScalarMetadataRejected(t *testing.T) {
	reg := newTestRegistry(t)
	err := reg.RegisterAgent(context.Background(), "A1", []string{"x"}, map[string]any{"nested": map[string]any{}})
	if err == nil {
		t.Fatalf("expected metadata error")
	}
	if reg.Len() != 0 {
		t.Fatalf("record created despite invalid metadata")
	}
}

func TestUnregisterThenReregisterLeavesCleanIndex(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	if err := reg.RegisterAgent(ctx, "A1", []string{"x", "y"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterAgent(ctx, "A2", []string{"x"}, nil); err != nil {
		t.Fatalf("register A2: %v", err)
	}
	if err := reg.UnregisterAgent(ctx, "A1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := reg.GetAgentDetails("A1"); !stdErrors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if got := reg.DiscoverAgentsByCapability("x", 0); !reflect.DeepEqual(got, []string{"A2"}) {
		t.Fatalf("unexpected x index: %v", got)
	}
	if got := reg.DiscoverAgentsByCapability("y", 0); len(got) != 0 {
		t.Fatalf("dangling y edge: %v", got)
	}
	if _, ok := reg.CapabilityCounts()["y"]; ok {
		t.Fatalf("empty index entry left for y")
	}

	if err := reg.RegisterAgent(ctx, "A1", []string{"z"}, nil); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if got := reg.DiscoverAgentsByCapability("x", 0); !reflect.DeepEqual(got, []string{"A2"}) {
		t.Fatalf("stale x edge after re-register: %v", got)
	}
	if got := reg.DiscoverAgentsByCapability("z", 0); !reflect.DeepEqual(got, []string{"A1"}) {
		t.Fatalf("unexpected z index: %v", got)
	}
	if err := reg.CheckConsistency(); err != nil {
		t.Fatalf("inconsistent: %v", err)
	}
}

func TestUnregisterUnknownAgent(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.UnregisterAgent(context.Background(), "ghost"); !stdErrors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateCapabilitiesAppliesDelta(t *testing.T) {
	ctx := context.Background()
	var events []Event
	reg := newTestRegistry(t, WithHook(func(_ context.Context, e Event) { events = append(events, e) }))
	if err := reg.RegisterAgent(ctx, "A1", []string{"x", "y"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterAgent(ctx, "A2", []string{"x"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.UpdateAgentCapabilities(ctx, "A1", []string{"x", "z"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	// A1 keeps its original position under x
	if got := reg.DiscoverAgentsByCapability("x", 0); !reflect.DeepEqual(got, []string{"A1", "A2"}) {
		t.Fatalf("unexpected x index: %v", got)
	}
	if got := reg.DiscoverAgentsByCapability("y", 0); len(got) != 0 {
		t.Fatalf("y edge not removed: %v", got)
	}
	last := events[len(events)-1]
	if last.Type != EventCapabilitiesUpdated || !reflect.DeepEqual(last.Added, []string{"z"}) || !reflect.DeepEqual(last.Removed, []string{"y"}) {
		t.Fatalf("unexpected event: %+v", last)
	}

	if err := reg.UpdateAgentCapabilities(ctx, "ghost", []string{"x"}); !stdErrors.Is(err, ErrAgentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := reg.UpdateAgentCapabilities(ctx, "A1", nil); !stdErrors.Is(err, ErrInvalidCapabilities) {
		t.Fatalf("expected invalid capabilities, got %v", err)
	}
}

func TestDiscoverRespectsTrustAndOrder(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	_ = reg.RegisterAgent(ctx, "low", []string{"x"}, nil, WithInitialTrust(0.2))
	_ = reg.RegisterAgent(ctx, "high", []string{"x"}, nil, WithInitialTrust(0.9))
	_ = reg.RegisterAgent(ctx, "mid", []string{"x"}, nil)

	if got := reg.DiscoverAgentsByCapability("x", 0.5); !reflect.DeepEqual(got, []string{"high", "mid"}) {
		t.Fatalf("unexpected filter result: %v", got)
	}
	if got := reg.DiscoverAgentsByCapability("unknown", 0); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestSetTrustLevel(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	_ = reg.RegisterAgent(ctx, "A1", []string{"x"}, nil)
	if err := reg.SetTrustLevel(ctx, "A1", 0.8); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	if err := reg.SetTrustLevel(ctx, "A1", 1.2); !stdErrors.Is(err, ErrInvalidTrustLevel) {
		t.Fatalf("expected invalid trust, got %v", err)
	}
	details, _ := reg.GetAgentDetails("A1")
	if details.TrustLevel != 0.8 {
		t.Fatalf("unexpected trust: %v", details.TrustLevel)
	}
}

func TestDistributionMatchesDiscovery(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	_ = reg.RegisterAgent(ctx, "A1", []string{"x", "y"}, nil, WithInitialTrust(0))
	_ = reg.RegisterAgent(ctx, "A2", []string{"y"}, nil)
	_ = reg.RegisterAgent(ctx, "A3", []string{"y", "z"}, nil)
	_ = reg.UnregisterAgent(ctx, "A2")

	for c, n := range reg.CapabilityCounts() {
		if got := len(reg.DiscoverAgentsByCapability(c, 0)); got != n {
			t.Fatalf("capability %s: count %d, discovered %d", c, n, got)
		}
	}
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	_ = reg.RegisterAgent(ctx, "A1", []string{"x"}, nil)
	_ = reg.RegisterAgent(ctx, "A2", []string{"x", "y"}, nil)
	before := reg.CapabilityCounts()
	reg.RebuildIndex()
	if !reflect.DeepEqual(before, reg.CapabilityCounts()) {
		t.Fatalf("rebuild changed counts: %v", reg.CapabilityCounts())
	}
	if err := reg.CheckConsistency(); err != nil {
		t.Fatalf("inconsistent after rebuild: %v", err)
	}
}

func TestCheckConsistencyDetectsDanglingEdge(t *testing.T) {
	reg := New()
	_ = reg.RegisterAgent(context.Background(), "A1", []string{"x"}, nil)
	reg.mu.Lock()
	reg.index["x"] = append(reg.index["x"], "ghost")
	reg.mu.Unlock()
	if err := reg.CheckConsistency(); err == nil {
		t.Fatalf("expected consistency violation")
	}
	reg.RebuildIndex()
	if err := reg.CheckConsistency(); err != nil {
		t.Fatalf("rebuild should repair index: %v", err)
	}
}

func TestConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("agent-%d", i)
			if err := reg.RegisterAgent(ctx, id, []string{"shared", fmt.Sprintf("own-%d", i)}, nil); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			_ = reg.DiscoverAgentsByCapability("shared", 0)
			if i%2 == 0 {
				if err := reg.UnregisterAgent(ctx, id); err != nil {
					t.Errorf("unregister %s: %v", id, err)
				}
			}
		}(i)
	}
	wg.Wait()
	if got := len(reg.DiscoverAgentsByCapability("shared", 0)); got != 25 {
		t.Fatalf("expected 25 agents, got %d", got)
	}
	if err := reg.CheckConsistency(); err != nil {
		t.Fatalf("inconsistent: %v", err)
	}
}

func TestAgentIDWithSurroundingSpaceRejected(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	for _, id := range []string{" a1 ", "a1\t", "\na1", "   "} {
		err := reg.RegisterAgent(ctx, id, []string{"x"}, nil)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("register %q: expected INVALID_ARGUMENT, got %v", id, err)
		}
	}
	if reg.Len() != 0 || len(reg.Capabilities()) != 0 {
		t.Fatalf("rejected ids left state behind")
	}
	if err := reg.RegisterAgent(ctx, "a1", []string{"x"}, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := reg.GetAgentDetails("a1"); err != nil {
		t.Fatalf("details: %v", err)
	}
}

func TestHooksSeeMutationsInOrder(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var (
		mu     sync.Mutex
		events []Event
	)
	slow := func(_ context.Context, e Event) {
		if e.Type == EventRegistered {
			<-release
		}
	}
	record := func(_ context.Context, e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	reg := newTestRegistry(t, WithHook(slow), WithHook(record))

	registered := make(chan error, 1)
	go func() { registered <- reg.RegisterAgent(ctx, "A1", []string{"x"}, nil) }()
	for {
		if _, err := reg.GetAgentDetails("A1"); err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	unregistered := make(chan error, 1)
	go func() { unregistered <- reg.UnregisterAgent(ctx, "A1") }()

	select {
	case err := <-unregistered:
		t.Fatalf("unregister hooks ran before the registration hooks finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-registered; err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := <-unregistered; err != nil {
		t.Fatalf("unregister: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0].Type != EventRegistered || events[1].Type != EventUnregistered {
		t.Fatalf("unexpected event order: %+v", events)
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("unexpected sequence numbers: %d, %d", events[0].Seq, events[1].Seq)
	}
}
