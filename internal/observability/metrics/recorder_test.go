package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeRegistry struct{}

func (fakeRegistry) Len() int { return 3 }

func (fakeRegistry) CapabilityCounts() map[string]int {
	return map[string]int{"assign": 2, "evaluate": 1}
}

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestRecorderExposesDomainMetrics(t *testing.T) {
	r := New()
	r.ObserveWorkflow("completed")
	r.ObserveWorkflow("completed")
	r.ObserveStep("update_calendar", "succeeded", 20*time.Millisecond)
	r.ObserveDecision("workflow_creation", true)
	r.ObserveDecision("workflow_creation", false)
	if err := r.WatchRegistry(fakeRegistry{}, fakeRegistry{}); err != nil {
		t.Fatalf("watch registry: %v", err)
	}

	out := scrape(t, r)
	for _, want := range []string{
		`acp_workflow_transitions_total{status="completed"} 2`,
		`acp_workflow_steps_total{capability="update_calendar",status="succeeded"} 1`,
		`acp_workflow_step_duration_seconds_count{capability="update_calendar"} 1`,
		`acp_audit_decisions_total{decision_type="workflow_creation",persisted="true"} 1`,
		`acp_audit_decisions_total{decision_type="workflow_creation",persisted="false"} 1`,
		`acp_registry_agents 3`,
		`acp_registry_capability_agents{capability="assign"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in scrape output:\n%s", want, out)
		}
	}
}

func TestInstrumentCountsStatusCodes(t *testing.T) {
	r := New()
	handler := r.Instrument("workflows", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	for i := 0; i < 2; i++ {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/workflows", nil))
	}

	out := scrape(t, r)
	if !strings.Contains(out, `acp_http_requests_total{code="500",handler="workflows",method="POST"} 2`) {
		t.Fatalf("request counter missing:\n%s", out)
	}
	if !strings.Contains(out, `acp_http_request_errors_total{handler="workflows",method="POST"} 2`) {
		t.Fatalf("error counter missing:\n%s", out)
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.ObserveWorkflow("failed")
	r.ObserveStep("x", "failed", time.Second)
	r.ObserveDecision("x", true)
	r.ObserveHTTPRequest("x", http.MethodGet, 200, time.Second)
	h := http.NotFoundHandler()
	if r.Instrument("x", h) == nil {
		t.Fatalf("nil recorder should return the handler unchanged")
	}
}
