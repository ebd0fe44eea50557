package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{
		Mode: "api_key",
		Keys: []Key{
			{Name: "operator", Token: "op-token", Permissions: []string{"*"}},
			{Name: "viewer", Token: "view-token", Permissions: []string{"agents:read", "workflows:read"}},
			{Name: "scheduler", Token: "sched-token", Permissions: []string{"workflows:*"}},
		},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestMiddlewareStatusCodes(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"missing token", http.MethodGet, "/api/v1/agents", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/api/v1/agents", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", http.MethodGet, "/api/v1/agents", "Basic op-token", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/v1/agents/A1", "Bearer view-token", http.StatusNoContent},
		{"viewer cannot write", http.MethodPost, "/api/v1/agents", "Bearer view-token", http.StatusForbidden},
		{"viewer cannot read audit", http.MethodGet, "/api/v1/audit/decisions", "Bearer view-token", http.StatusForbidden},
		{"area wildcard", http.MethodPost, "/api/v1/workflows/w1/execute", "Bearer sched-token", http.StatusNoContent},
		{"global wildcard", http.MethodDelete, "/api/v1/agents/A1", "Bearer op-token", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
	if seen == nil || seen.Name != "operator" {
		t.Fatalf("subject not propagated: %+v", seen)
	}
}

func TestDisabledModePassesThrough(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if svc.Enabled() {
		t.Fatalf("empty config should disable auth")
	}
	var nilSvc *Service
	for _, s := range []*Service{svc, nilSvc} {
		rec := httptest.NewRecorder()
		s.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/agents", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected pass-through, got %d", rec.Code)
		}
	}
}

func TestNewServiceRejectsBadConfig(t *testing.T) {
	if _, err := NewService(Config{Mode: "api_key"}); err == nil {
		t.Fatalf("expected error without keys")
	}
	if _, err := NewService(Config{Mode: "api_key", Keys: []Key{{Name: "x"}}}); err == nil {
		t.Fatalf("expected error for empty token")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestPermissionFor(t *testing.T) {
	if got := PermissionFor(http.MethodGet, "/api/v1/discovery/pattern"); got != "discovery:read" {
		t.Fatalf("unexpected permission %q", got)
	}
	if got := PermissionFor(http.MethodPut, "/api/v1/agents/A1/trust"); got != "agents:write" {
		t.Fatalf("unexpected permission %q", got)
	}
	if got := PermissionFor(http.MethodGet, "/healthz"); got != "" {
		t.Fatalf("non-api path should need no permission, got %q", got)
	}
}
