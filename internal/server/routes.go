package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/freeze"
	"github.com/marcus-qen/overseer/internal/identity"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/manager"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version + metrics
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", s.metrics.Handler())

	// Agent API
	mux.HandleFunc("POST /api/v1/agents", s.withPermission(PermAgentWrite, s.handleRegisterAgent))
	mux.HandleFunc("GET /api/v1/agents", s.withPermission(PermAgentRead, s.handleListAgents))
	mux.HandleFunc("GET /api/v1/agents/{id}", s.withPermission(PermAgentRead, s.handleGetAgent))
	mux.HandleFunc("POST /api/v1/agents/{id}/actions", s.withPermission(PermAgentWrite, s.handleExecuteAction))
	mux.HandleFunc("POST /api/v1/agents/{id}/approve-action", s.withPermission(PermApprovalWrite, s.handleApproveAction))
	mux.HandleFunc("POST /api/v1/agents/{id}/security-violation", s.withPermission(PermAgentWrite, s.handleSecurityViolation))
	mux.HandleFunc("POST /api/v1/agents/{id}/heartbeat", s.withPermission(PermAgentLog, s.handleHeartbeat))
	mux.HandleFunc("POST /api/v1/agents/{id}/log/{kind}", s.withPermission(PermAgentLog, s.handleLogActivity))
	mux.HandleFunc("GET /api/v1/agents/{id}/activity-log", s.withPermission(PermAuditRead, s.handleActivityLog))
	mux.HandleFunc("GET /api/v1/agents/{id}/surveillance-report", s.withPermission(PermAgentRead, s.handleSurveillanceReport))

	// Admin API
	mux.HandleFunc("GET /api/v1/admin/dashboard", s.withPermission(PermAdmin, s.handleDashboard))
	mux.HandleFunc("GET /api/v1/admin/notifications", s.withPermission(PermAdmin, s.handleListNotifications))
	mux.HandleFunc("POST /api/v1/admin/notifications/{id}/respond", s.withPermission(PermAdmin, s.handleRespondNotification))
	mux.HandleFunc("POST /api/v1/admin/agents/{id}/unfreeze", s.withPermission(PermAdmin, s.handleUnfreeze))
	mux.HandleFunc("POST /api/v1/admin/unfreeze", s.withPermission(PermAdmin, s.handleUnfreezeScope))
	mux.HandleFunc("GET /api/v1/admin/frozen-entities", s.withPermission(PermAdmin, s.handleFrozenEntities))
	mux.HandleFunc("GET /api/v1/admin/compliance-report", s.withPermission(PermAdmin, s.handleComplianceReport))
	mux.HandleFunc("POST /api/v1/admin/activities/{id}/review", s.withPermission(PermAdmin, s.handleReviewActivity))
	mux.HandleFunc("GET /api/v1/admin/approvals", s.withPermission(PermApprovalRead, s.handleListApprovals))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.auditStore.Ping(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	if err := s.freezes.Ping(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": Version,
		"commit":  Commit,
		"date":    Date,
	})
}

// ── Agent handlers ──────────────────────────────────────────

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var spec lifecycle.RegisterSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	agent, err := s.overseer.RegisterAgent(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := lifecycle.ListFilter{
		TenantID: q.Get("tenant_id"),
		Limit:    intParam(q.Get("limit"), 100),
		Offset:   intParam(q.Get("offset"), 0),
	}
	if status := q.Get("status"); status != "" {
		for _, st := range strings.Split(status, ",") {
			f.Statuses = append(f.Statuses, lifecycle.Status(strings.TrimSpace(st)))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.overseer.ListAgents(f)})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.overseer.GetAgent(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleExecuteAction(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	req.AgentID = r.PathValue("id")
	res, err := s.overseer.ExecuteAction(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == lifecycle.OutcomePendingApproval {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

func (s *Server) handleApproveAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ApprovalID string `json:"approval_id"`
		AdminID    string `json:"admin_id"`
		Notes      string `json:"notes"`
		Approve    bool   `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	ar, err := s.overseer.ApproveAction(r.Context(), req.ApprovalID, req.AdminID, req.Notes, req.Approve)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

func (s *Server) handleSecurityViolation(w http.ResponseWriter, r *http.Request) {
	var rep lifecycle.ViolationReport
	if err := json.NewDecoder(r.Body).Decode(&rep); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	rep.AgentID = r.PathValue("id")
	res, err := s.overseer.HandleSecurityViolation(r.Context(), rep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var m lifecycle.HeartbeatMetrics
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	if err := s.overseer.Heartbeat(r.Context(), r.PathValue("id"), m); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogActivity(w http.ResponseWriter, r *http.Request) {
	var req manager.LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	req.AgentID = r.PathValue("id")

	ctx := r.Context()
	if corr := r.Header.Get("X-Correlation-ID"); corr != "" {
		ctx = identity.WithCorrelation(ctx, corr)
	}

	var (
		res *manager.LogResult
		err error
	)
	switch r.PathValue("kind") {
	case "interaction":
		res, err = s.overseer.LogInteraction(ctx, req)
	case "knowledge":
		res, err = s.overseer.LogKnowledge(ctx, req)
	case "process":
		res, err = s.overseer.LogProcess(ctx, req)
	case "data-access":
		res, err = s.overseer.LogDataAccess(ctx, req)
	case "error":
		res, err = s.overseer.ReportError(ctx, req)
	default:
		writeJSONError(w, http.StatusNotFound, "unknown_kind", "unknown activity kind")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleActivityLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := audit.Filter{
		AgentID: r.PathValue("id"),
		Type:    audit.ActivityType(q.Get("type")),
		Limit:   intParam(q.Get("limit"), 100),
		Offset:  intParam(q.Get("offset"), 0),
	}
	if v := q.Get("risk_at_least"); v != "" {
		f.RiskAtLeast = v
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		}
	}
	if v := q.Get("until"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Until = t
		}
	}
	acts, err := s.overseer.GetActivityLog(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

func (s *Server) handleSurveillanceReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.overseer.GetAgent(id); err != nil {
		writeError(w, err)
		return
	}
	rep, ok := s.engine.AgentReportFor(id)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"agent_id": id,
			"checked":  false,
			"cycle":    s.engine.Report(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id": id,
		"checked":  true,
		"report":   rep,
		"cycle":    s.engine.Report(),
	})
}

// ── Admin handlers ──────────────────────────────────────────

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	d, err := s.overseer.GetDashboard(r.Context(), r.URL.Query().Get("tenant_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list := s.overseer.PendingNotifications(q.Get("tenant_id"), intParam(q.Get("limit"), 50))
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func (s *Server) handleRespondNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminID    string `json:"admin_id"`
		Response   string `json:"response"`
		Resolve    bool   `json:"resolve"`
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	n, err := s.overseer.RespondToNotification(r.Context(), r.PathValue("id"),
		req.AdminID, req.Response, req.Resolve, req.Resolution)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdminID string `json:"admin_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	rec, err := s.overseer.Unfreeze(r.Context(), freeze.AgentScope(r.PathValue("id")), req.AdminID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleUnfreezeScope lifts module or system freezes.
func (s *Server) handleUnfreezeScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope   string `json:"scope"` // "system" or "module"
		Target  string `json:"target"`
		AdminID string `json:"admin_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	var scope freeze.Scope
	switch req.Scope {
	case "system":
		scope = freeze.SystemScope()
	case "module":
		scope = freeze.ModuleScope(req.Target)
	default:
		writeJSONError(w, http.StatusBadRequest, "bad_scope", "scope must be system or module")
		return
	}
	rec, err := s.overseer.Unfreeze(r.Context(), scope, req.AdminID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleFrozenEntities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"frozen": s.overseer.GetFrozenEntities()})
}

func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from := time.Time{}
	to := time.Now().UTC()
	if v := q.Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := q.Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	report, err := s.overseer.GenerateComplianceReport(r.Context(), q.Get("tenant_id"), from, to)
	if err != nil {
		// The report is still useful evidence when the chain is broken.
		if report != nil {
			writeJSON(w, http.StatusConflict, map[string]any{
				"report": report,
				"error":  err.Error(),
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReviewActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reviewer string `json:"reviewer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_json", "invalid request body")
		return
	}
	reviewID, err := s.overseer.MarkActivityReviewed(r.Context(), r.PathValue("id"), req.Reviewer)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"review_activity_id": reviewID})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	list := s.overseer.PendingApprovals(intParam(r.URL.Query().Get("limit"), 50))
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func intParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
