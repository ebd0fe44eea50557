package audit

import (
	"context"
	stdErrors "errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileBackendReloadsAndResumes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit", "decisions.jsonl")

	backend, err := OpenFileBackend(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	a := newTestAuditor(t, WithBackend(backend))
	for i := 0; i < 3; i++ {
		if _, err := a.LogDecision(ctx, "A1", "workflow_creation", map[string]any{"n": i}, nil, "created"); err != nil {
			t.Fatalf("log: %v", err)
		}
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if lines := strings.Count(string(raw), "\n"); lines != 3 {
		t.Fatalf("expected 3 lines, got %d", lines)
	}

	reopened, err := OpenFileBackend(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	resumed := newTestAuditor(t, WithBackend(reopened))
	receipt, err := resumed.LogDecision(ctx, "A1", "workflow_completion", nil, nil, "")
	if err != nil {
		t.Fatalf("log after reopen: %v", err)
	}
	if receipt.AuditID != 4 {
		t.Fatalf("expected id 4 after reopen, got %d", receipt.AuditID)
	}

	history, err := resumed.GetDecisionHistory(ctx, Query{Criteria: map[string]any{"n": 1}})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history.Records) != 1 || history.Records[0].AuditID != 2 {
		t.Fatalf("reloaded numbers should match by value: %+v", history.Records)
	}
}

func TestFileBackendRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	if err := os.WriteFile(path, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := OpenFileBackend(path); err == nil {
		t.Fatalf("expected corrupt file error")
	}
}

func TestFileBackendRejectsDuplicateID(t *testing.T) {
	backend, err := OpenFileBackend(filepath.Join(t.TempDir(), "decisions.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	if err := backend.StoreRecord(ctx, Record{AuditID: 1}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := backend.StoreRecord(ctx, Record{AuditID: 1}); err == nil {
		t.Fatalf("expected duplicate error")
	}
}

func TestFileBackendSyncsEveryAppend(t *testing.T) {
	backend, err := OpenFileBackend(filepath.Join(t.TempDir(), "decisions.jsonl"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	syncs := 0
	var failSync error
	backend.sync = func(*os.File) error {
		syncs++
		return failSync
	}
	ctx := context.Background()
	for id := int64(1); id <= 2; id++ {
		if err := backend.StoreRecord(ctx, Record{AuditID: id}); err != nil {
			t.Fatalf("store %d: %v", id, err)
		}
	}
	if syncs != 2 {
		t.Fatalf("expected a sync per record, got %d", syncs)
	}

	failSync = stdErrors.New("disk gone")
	if err := backend.StoreRecord(ctx, Record{AuditID: 3}); err == nil {
		t.Fatalf("expected sync failure to surface")
	}
	if backend.memory.contains(3) {
		t.Fatalf("unsynced record must not be acknowledged")
	}

	failSync = nil
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if syncs != 4 {
		t.Fatalf("close should sync before closing, got %d syncs", syncs)
	}
}
