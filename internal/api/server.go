package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenACP-Core/internal/audit"
	"OpenACP-Core/internal/auth"
	"OpenACP-Core/internal/discovery"
	"OpenACP-Core/internal/dispatch"
	xerrors "OpenACP-Core/internal/errors"
	"OpenACP-Core/internal/observability/metrics"
	"OpenACP-Core/internal/orchestrator"
	"OpenACP-Core/internal/registry"
	"OpenACP-Core/pkg/logger"
)

// Dependencies 汇总 API 暴露的组件，Dispatch、Metrics 与 Auth 可以为空。
type Dependencies struct {
	Auth         *auth.Service
	Registry     *registry.Registry
	Discovery    *discovery.Service
	Auditor      *audit.Auditor
	Orchestrator *orchestrator.Orchestrator
	Dispatch     *dispatch.Service
	Metrics      *metrics.Recorder
}

// Server 负责暴露 REST 接口，供外部管理智能体与驱动工作流。
type Server struct {
	addr string
	deps Dependencies
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	return &Server{addr: addr, deps: deps, log: logger.Component("api")}
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, s.deps.Metrics.Instrument(name, h))
	}

	route("POST /api/v1/agents", "agents", s.handleRegisterAgent)
	route("GET /api/v1/agents", "agents", s.handleListAgents)
	route("GET /api/v1/agents/{id}", "agent", s.handleAgentDetail)
	route("DELETE /api/v1/agents/{id}", "agent", s.handleUnregisterAgent)
	route("PUT /api/v1/agents/{id}/capabilities", "agent_capabilities", s.handleUpdateCapabilities)
	route("PUT /api/v1/agents/{id}/trust", "agent_trust", s.handleSetTrust)

	route("GET /api/v1/discovery/pattern", "discovery_pattern", s.handleDiscoverPattern)
	route("GET /api/v1/discovery/complementary/{id}", "discovery_complementary", s.handleDiscoverComplementary)
	route("GET /api/v1/discovery/metadata", "discovery_metadata", s.handleDiscoverMetadata)
	route("GET /api/v1/discovery/distribution", "discovery_distribution", s.handleDistribution)

	route("POST /api/v1/workflows", "workflows", s.handleCreateWorkflow)
	route("GET /api/v1/workflows", "workflows", s.handleListWorkflows)
	route("GET /api/v1/workflows/stats", "workflow_stats", s.handleWorkflowStats)
	route("GET /api/v1/workflows/{id}", "workflow", s.handleWorkflowDetail)
	route("POST /api/v1/workflows/{id}/execute", "workflow_execute", s.handleExecuteWorkflow)
	route("POST /api/v1/workflows/{id}/cancel", "workflow_cancel", s.handleCancelWorkflow)

	route("GET /api/v1/audit/decisions", "audit_decisions", s.handleDecisionHistory)
	route("GET /api/v1/audit/patterns", "audit_patterns", s.handleDecisionPatterns)
	route("GET /api/v1/audit/export", "audit_export", s.handleAuditExport)

	root := http.NewServeMux()
	root.Handle("/api/", s.deps.Auth.Middleware()(mux))
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		root.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
	return root
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("管理 API 已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type registerAgentRequest struct {
	AgentID      string         `json:"agent_id"`
	Capabilities []string       `json:"capabilities"`
	Metadata     map[string]any `json:"metadata"`
	TrustLevel   *float64       `json:"trust_level"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var opts []registry.RegisterOption
	if req.TrustLevel != nil {
		opts = append(opts, registry.WithInitialTrust(*req.TrustLevel))
	}
	if err := s.deps.Registry.RegisterAgent(r.Context(), req.AgentID, req.Capabilities, req.Metadata, opts...); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.deps.Registry.GetAgentDetails(strings.TrimSpace(req.AgentID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	capability := strings.TrimSpace(r.URL.Query().Get("capability"))
	if capability == "" {
		writeJSON(w, http.StatusOK, map[string]any{"agents": s.deps.Registry.ListAgents()})
		return
	}
	minTrust, ok := parseFloatParam(w, r, "min_trust_level", 0)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_ids": s.deps.Registry.DiscoverAgentsByCapability(capability, minTrust),
	})
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request) {
	agent, err := s.deps.Registry.GetAgentDetails(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.UnregisterAgent(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateCapabilities(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Capabilities []string `json:"capabilities"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Registry.UpdateAgentCapabilities(r.Context(), id, req.Capabilities); err != nil {
		writeError(w, err)
		return
	}
	s.handleAgentDetail(w, r)
}

func (s *Server) handleSetTrust(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrustLevel *float64 `json:"trust_level"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.TrustLevel == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "trust_level 不能为空"))
		return
	}
	if err := s.deps.Registry.SetTrustLevel(r.Context(), r.PathValue("id"), *req.TrustLevel); err != nil {
		writeError(w, err)
		return
	}
	s.handleAgentDetail(w, r)
}

func (s *Server) handleDiscoverPattern(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("q")
	var (
		ids []string
		err error
	)
	if name := r.URL.Query().Get("matcher"); name != "" {
		m, ok := discovery.MatcherByName(name)
		if !ok {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的匹配器: "+name))
			return
		}
		ids, err = s.deps.Discovery.DiscoverWithMatcher(r.Context(), m, pattern)
	} else {
		ids, err = s.deps.Discovery.DiscoverByCapabilityPattern(r.Context(), pattern)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent_ids": ids})
}

func (s *Server) handleDiscoverComplementary(w http.ResponseWriter, r *http.Request) {
	ids := s.deps.Discovery.DiscoverComplementaryAgents(r.Context(), r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]any{"agent_ids": ids})
}

func (s *Server) handleDiscoverMetadata(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("key"))
	if key == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "key 不能为空"))
		return
	}
	value := parseScalar(r.URL.Query().Get("value"))
	ids := s.deps.Discovery.DiscoverByMetadata(r.Context(), key, value)
	writeJSON(w, http.StatusOK, map[string]any{"agent_ids": ids})
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"distribution": s.deps.Discovery.GetCapabilityDistribution(r.Context()),
		"cache":        s.deps.Discovery.CacheStats(),
	})
}

type createWorkflowRequest struct {
	orchestrator.Task
	// Execute 取值 sync 时同步执行，async 时交给调度队列，留空只创建。
	Execute string `json:"execute"`
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	switch strings.ToLower(strings.TrimSpace(req.Execute)) {
	case "":
		id, err := s.deps.Orchestrator.CreateWorkflow(ctx, req.Task)
		if err != nil {
			writeError(w, err)
			return
		}
		s.writeWorkflow(w, r, http.StatusCreated, id)
	case "sync":
		id, err := s.deps.Orchestrator.CreateWorkflow(ctx, req.Task)
		if err != nil {
			writeError(w, err)
			return
		}
		wf, err := s.deps.Orchestrator.ExecuteWorkflow(ctx, id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, wf)
	case "async":
		if s.deps.Dispatch == nil {
			writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调度队列未启用"))
			return
		}
		id, err := s.deps.Dispatch.Submit(ctx, req.Task)
		if err != nil {
			writeError(w, err)
			return
		}
		s.writeWorkflow(w, r, http.StatusAccepted, id)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "execute 仅支持 sync 或 async"))
	}
}

func (s *Server) writeWorkflow(w http.ResponseWriter, r *http.Request, status int, id string) {
	wf, err := s.deps.Orchestrator.GetWorkflowStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, status, wf)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptionsFromQuery(w, r)
	if !ok {
		return
	}
	workflows, err := s.deps.Orchestrator.ListWorkflows(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleWorkflowStats(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptionsFromQuery(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Orchestrator.WorkflowStats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleWorkflowDetail(w http.ResponseWriter, r *http.Request) {
	s.writeWorkflow(w, r, http.StatusOK, r.PathValue("id"))
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var opts []orchestrator.ExecuteOption
	if raw := r.URL.Query().Get("timeout_seconds"); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "timeout_seconds 必须为正数"))
			return
		}
		opts = append(opts, orchestrator.ExecTimeout(time.Duration(seconds*float64(time.Second))))
	}
	if raw := r.URL.Query().Get("strict"); raw != "" {
		strict, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "strict 必须为布尔值"))
			return
		}
		opts = append(opts, orchestrator.ExecStrict(strict))
	}
	wf, err := s.deps.Orchestrator.ExecuteWorkflow(r.Context(), r.PathValue("id"), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	wf, err := s.deps.Orchestrator.CancelWorkflow(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleDecisionHistory(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Auditor.GetDecisionHistory(r.Context(), audit.Query{Criteria: criteriaFromQuery(r)})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDecisionPatterns(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Auditor.AnalyzeDecisionPatterns(r.Context(), criteriaFromQuery(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var window *audit.TimeRange
	for _, key := range []string{"since", "until"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" 必须为 RFC3339 时间"))
			return
		}
		if window == nil {
			window = &audit.TimeRange{}
		}
		if key == "since" {
			window.Start = ts
		} else {
			window.End = ts
		}
	}
	result, err := s.deps.Auditor.ExportAuditLog(r.Context(), q.Get("format"), window)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.ContentType)
	w.Header().Set("X-Audit-Backend", string(result.Backend))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func listOptionsFromQuery(w http.ResponseWriter, r *http.Request) ([]orchestrator.ListOption, bool) {
	q := r.URL.Query()
	var opts []orchestrator.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须为非负整数"))
			return nil, false
		}
		if key == "limit" {
			opts = append(opts, orchestrator.WithLimit(n))
		} else {
			opts = append(opts, orchestrator.WithOffset(n))
		}
	}
	if raw := q.Get("status"); raw != "" {
		var statuses []orchestrator.Status
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, orchestrator.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, orchestrator.WithStatuses(statuses...))
	}
	if v := q.Get("agent_id"); v != "" {
		opts = append(opts, orchestrator.WithAgent(v))
	}
	if v := q.Get("capability"); v != "" {
		opts = append(opts, orchestrator.WithCapability(v))
	}
	if v := q.Get("task_type"); v != "" {
		opts = append(opts, orchestrator.WithTaskType(v))
	}
	if q.Get("order") == "asc" {
		opts = append(opts, orchestrator.WithSortOrder(orchestrator.SortByCreatedAsc))
	}
	return opts, true
}

// criteriaFromQuery 把查询参数转换为审计过滤条件，数值与布尔值按 JSON 解析。
func criteriaFromQuery(r *http.Request) map[string]any {
	q := r.URL.Query()
	if len(q) == 0 {
		return nil
	}
	criteria := make(map[string]any, len(q))
	for key := range q {
		switch key {
		case "agent_id", "decision_type", "since", "until":
			criteria[key] = q.Get(key)
		default:
			criteria[key] = parseScalar(q.Get(key))
		}
	}
	return criteria
}

func parseScalar(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		switch v.(type) {
		case float64, bool, nil:
			return v
		}
	}
	return raw
}

func parseFloatParam(w http.ResponseWriter, r *http.Request, key string, fallback float64) (float64, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, key+" 必须为数字"))
		return 0, false
	}
	return v, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

type errorResponse struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	resp := errorResponse{Code: string(xerrors.CodeOf(err)), Message: err.Error()}
	if coded, ok := xerrors.From(err); ok {
		resp.Metadata = coded.Metadata()
	}
	var unresolved *orchestrator.UnresolvedCapabilityError
	if stdErrors.As(err, &unresolved) {
		if resp.Metadata == nil {
			resp.Metadata = map[string]string{}
		}
		resp.Metadata["missing"] = strings.Join(unresolved.Missing, ",")
	}
	if status >= http.StatusInternalServerError {
		logger.L().Error("API 请求失败", slog.Any("error", err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
