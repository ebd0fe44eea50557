package audit

import (
	"context"
	stdErrors "errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"testing"
	"time"
)

func newTestAuditor(t *testing.T, opts ...Option) *Auditor {
	t.Helper()
	a, err := New(context.Background(), opts...)
	if err != nil {
		t.Fatalf("new auditor: %v", err)
	}
	return a
}

func TestLogDecisionAssignsSequentialIDs(t *testing.T) {
	backend := NewMemoryBackend()
	a := newTestAuditor(t, WithBackend(backend))
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		receipt, err := a.LogDecision(ctx, "A1", "assignment", map[string]any{"i": i}, nil, "")
		if err != nil {
			t.Fatalf("log: %v", err)
		}
		if receipt.AuditID <= last {
			t.Fatalf("ids not increasing: %d after %d", receipt.AuditID, last)
		}
		if receipt.Err() != nil || !receipt.Persisted() {
			t.Fatalf("unexpected receipt: %+v", receipt)
		}
		last = receipt.AuditID
	}
	if last != 5 || backend.Len() != 5 {
		t.Fatalf("unexpected state: last=%d stored=%d", last, backend.Len())
	}
}

func TestConcurrentLogDecisionUniqueIDs(t *testing.T) {
	a := newTestAuditor(t, WithBackend(NewMemoryBackend()))
	ctx := context.Background()

	const n = 100
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipt, err := a.LogDecision(ctx, fmt.Sprintf("agent-%d", i%7), "concurrent", nil, nil, "")
			if err != nil {
				t.Errorf("log %d: %v", i, err)
				return
			}
			ids[i] = receipt.AuditID
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("expected id %d at position %d, got %d", i+1, i, id)
		}
	}
}

func TestDegradedModeIsExplicit(t *testing.T) {
	a := newTestAuditor(t)
	ctx := context.Background()

	receipt, err := a.LogDecision(ctx, "A1", "assignment", nil, nil, "")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if receipt.AuditID != 1 || receipt.Persisted() {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if !stdErrors.Is(receipt.Err(), ErrNoBackendConfigured) {
		t.Fatalf("expected no-backend signal, got %v", receipt.Err())
	}

	history, err := a.GetDecisionHistory(ctx, Query{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Records) != 0 || history.Backend != BackendNotConfigured {
		t.Fatalf("unexpected history: %+v", history)
	}

	export, err := a.ExportAuditLog(ctx, "json", nil)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(export.Data) != 0 || !stdErrors.Is(export.Err(), ErrNoBackendConfigured) {
		t.Fatalf("unexpected export: %+v", export)
	}

	summary, err := a.AnalyzeDecisionPatterns(ctx, nil)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if summary.TotalDecisions != 0 || summary.Backend != BackendNotConfigured {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

type failingBackend struct {
	*MemoryBackend
	fail bool
}

func (f *failingBackend) StoreRecord(ctx context.Context, rec Record) error {
	if f.fail {
		return stdErrors.New("disk full")
	}
	return f.MemoryBackend.StoreRecord(ctx, rec)
}

func TestFailedWriteLeavesGap(t *testing.T) {
	backend := &failingBackend{MemoryBackend: NewMemoryBackend()}
	a := newTestAuditor(t, WithBackend(backend))
	ctx := context.Background()

	if _, err := a.LogDecision(ctx, "A1", "x", nil, nil, ""); err != nil {
		t.Fatalf("first log: %v", err)
	}
	backend.fail = true
	if _, err := a.LogDecision(ctx, "A1", "x", nil, nil, ""); !stdErrors.Is(err, ErrStoreFailed) {
		t.Fatalf("expected store failure, got %v", err)
	}
	backend.fail = false
	receipt, err := a.LogDecision(ctx, "A1", "x", nil, nil, "")
	if err != nil {
		t.Fatalf("third log: %v", err)
	}
	if receipt.AuditID != 3 {
		t.Fatalf("failed id must not be reused, got %d", receipt.AuditID)
	}
}

func TestResumesFromSequencer(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	_ = backend.StoreRecord(ctx, Record{AuditID: 41, DecisionType: "x"})

	a := newTestAuditor(t, WithBackend(backend))
	receipt, err := a.LogDecision(ctx, "A1", "x", nil, nil, "")
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if receipt.AuditID != 42 {
		t.Fatalf("expected id 42, got %d", receipt.AuditID)
	}
}

func TestValidateDecisionBaseline(t *testing.T) {
	a := newTestAuditor(t)
	valid, reasons := a.ValidateDecision(map[string]any{"agent_id": "A1", "outputs": map[string]any{}})
	if valid {
		t.Fatalf("expected invalid decision")
	}
	want := []string{"Missing required field: decision_type", "Missing required field: inputs"}
	if !reflect.DeepEqual(reasons, want) {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
	valid, reasons = a.ValidateDecision(map[string]any{"agent_id": "A1", "decision_type": "x", "inputs": nil, "outputs": nil})
	if !valid || len(reasons) != 0 {
		t.Fatalf("expected valid decision, got %v", reasons)
	}
}

func TestValidateDecisionDelegatesToRules(t *testing.T) {
	rules := PolicyRules{
		AllowedDecisionTypes: []string{"workflow_creation"},
		RequireReasoning:     []string{"workflow_creation"},
	}
	a := newTestAuditor(t, WithRules(rules))
	valid, reasons := a.ValidateDecision(map[string]any{
		"agent_id": "A1", "decision_type": "workflow_creation", "inputs": 1, "outputs": 2,
	})
	if valid || len(reasons) != 1 || reasons[0] != "Reasoning required for decision type: workflow_creation" {
		t.Fatalf("unexpected result: %v %v", valid, reasons)
	}
	valid, reasons = a.ValidateDecision(map[string]any{
		"agent_id": "A1", "decision_type": "other", "inputs": 1, "outputs": 2,
	})
	if valid || reasons[0] != "Decision type not allowed: other" {
		t.Fatalf("unexpected result: %v %v", valid, reasons)
	}

	custom := newTestAuditor(t, WithRules(RulesFunc(func(map[string]any) (bool, []string) {
		return false, []string{"blocked"}
	})))
	if valid, reasons := custom.ValidateDecision(map[string]any{}); valid || reasons[0] != "blocked" {
		t.Fatalf("custom rules not consulted: %v %v", valid, reasons)
	}
}

func seedHistory(t *testing.T) (*Auditor, time.Time) {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	current := base
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Minute)
		return current
	}
	a := newTestAuditor(t, WithBackend(NewMemoryBackend()), WithClock(clock))
	ctx := context.Background()
	entries := []struct {
		agent, kind string
		inputs      map[string]any
	}{
		{"A1", "workflow_creation", map[string]any{"task_type": "schedule_update"}},
		{"A2", "assignment", map[string]any{"task_type": "task_assignment"}},
		{"A1", "workflow_completion", map[string]any{"task_type": "schedule_update"}},
		{"A1", "assignment", map[string]any{"task_type": "task_assignment"}},
	}
	for _, e := range entries {
		if _, err := a.LogDecision(ctx, e.agent, e.kind, e.inputs, map[string]any{"ok": true}, ""); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	return a, base
}

func TestDecisionHistoryFilters(t *testing.T) {
	a, base := seedHistory(t)
	ctx := context.Background()

	history, err := a.GetDecisionHistory(ctx, Query{AgentID: "A1", DecisionType: "assignment"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Records) != 1 || history.Records[0].AuditID != 4 {
		t.Fatalf("unexpected records: %+v", history.Records)
	}

	history, _ = a.GetDecisionHistory(ctx, Query{Range: &TimeRange{Start: base.Add(2 * time.Minute), End: base.Add(3 * time.Minute)}})
	if len(history.Records) != 2 || history.Records[0].AuditID != 2 || history.Records[1].AuditID != 3 {
		t.Fatalf("unexpected range result: %+v", history.Records)
	}

	if _, err := a.GetDecisionHistory(ctx, Query{Criteria: map[string]any{"since": "yesterday"}}); err == nil {
		t.Fatalf("expected invalid time error")
	}
}

func TestAnalyzePatternsTotalsMatch(t *testing.T) {
	a, base := seedHistory(t)
	ctx := context.Background()
	filters := []map[string]any{
		nil,
		{"agent_id": "A1"},
		{"task_type": "schedule_update"},
		{"since": base.Add(3 * time.Minute).Format(time.RFC3339)},
		{"decision_type": "missing"},
	}
	for _, f := range filters {
		summary, err := a.AnalyzeDecisionPatterns(ctx, f)
		if err != nil {
			t.Fatalf("analyze %v: %v", f, err)
		}
		sum := 0
		for _, n := range summary.DecisionTypes {
			sum += n
		}
		if sum != summary.TotalDecisions {
			t.Fatalf("filter %v: total %d, sum %d", f, summary.TotalDecisions, sum)
		}
	}
	summary, _ := a.AnalyzeDecisionPatterns(ctx, map[string]any{"agent_id": "A1"})
	if summary.TotalDecisions != 3 || summary.DecisionTypes["assignment"] != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestExportFormats(t *testing.T) {
	a, _ := seedHistory(t)
	ctx := context.Background()
	for _, format := range []string{FormatJSON, FormatJSONL, FormatYAML, FormatCBOR} {
		export, err := a.ExportAuditLog(ctx, format, nil)
		if err != nil {
			t.Fatalf("export %s: %v", format, err)
		}
		records, err := Decode(format, export.Data)
		if err != nil {
			t.Fatalf("decode %s: %v", format, err)
		}
		if len(records) != 4 {
			t.Fatalf("%s: expected 4 records, got %d", format, len(records))
		}
		for i, rec := range records {
			if rec.AuditID != int64(i+1) {
				t.Fatalf("%s: export not ordered by audit_id: %+v", format, records)
			}
		}
	}

	export, err := a.ExportAuditLog(ctx, "csv", nil)
	if err != nil {
		t.Fatalf("export csv: %v", err)
	}
	if export.ContentType != "text/csv" || len(export.Data) == 0 {
		t.Fatalf("unexpected csv export: %+v", export)
	}

	_, err = a.ExportAuditLog(ctx, "xml", nil)
	var unsupported *UnsupportedFormatError
	if !stdErrors.As(err, &unsupported) || unsupported.Format != "xml" {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
	if !stdErrors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("unsupported format should match sentinel")
	}
}

func TestStoredRecordsDoNotShareNestedValues(t *testing.T) {
	for name, backend := range map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   mustOpenFileBackend(t),
	} {
		t.Run(name, func(t *testing.T) {
			a := newTestAuditor(t, WithBackend(backend))
			ctx := context.Background()

			task := map[string]any{"type": "schedule_update", "tags": []any{"weekly"}}
			inputs := map[string]any{"task": task}
			if _, err := a.LogDecision(ctx, "A1", "workflow_creation", inputs, nil, ""); err != nil {
				t.Fatalf("log: %v", err)
			}
			task["type"] = "rewritten_by_caller"
			task["tags"].([]any)[0] = "rewritten_by_caller"

			first, err := a.GetDecisionHistory(ctx, Query{})
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			read := first.Records[0].Inputs["task"].(map[string]any)
			read["extra"] = "added_by_reader"
			read["tags"].([]any)[0] = "rewritten_by_reader"

			second, err := a.GetDecisionHistory(ctx, Query{})
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			want := map[string]any{"type": "schedule_update", "tags": []any{"weekly"}}
			if got := second.Records[0].Inputs["task"]; !reflect.DeepEqual(got, want) {
				t.Fatalf("stored record changed after write: %v", got)
			}
		})
	}
}

func mustOpenFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	backend, err := OpenFileBackend(t.TempDir() + "/decisions.jsonl")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestCloneMapCopiesTypedContainers(t *testing.T) {
	nested := map[string][]int{"ids": {1, 2}}
	in := map[string]any{"nested": nested, "names": []string{"a"}}
	out := CloneMap(in)
	nested["ids"][0] = 99
	in["names"].([]string)[0] = "z"
	if got := out["nested"].(map[string][]int)["ids"][0]; got != 1 {
		t.Fatalf("typed slice inside map shared: %d", got)
	}
	if got := out["names"].([]string)[0]; got != "a" {
		t.Fatalf("string slice shared: %s", got)
	}
}
