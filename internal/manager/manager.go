// Package manager is the control-plane façade: the single entry point the
// API layer talks to. It composes the lifecycle manager, audit store, risk
// classifier, freeze registry, approval store, and notification bus, and
// owns the activity pipeline.
package manager

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/marcus-qen/overseer/internal/alerts"
	"github.com/marcus-qen/overseer/internal/approval"
	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/events"
	"github.com/marcus-qen/overseer/internal/freeze"
	"github.com/marcus-qen/overseer/internal/identity"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/metrics"
	"github.com/marcus-qen/overseer/internal/risk"
)

const appendRetryBudget = 3

// Overseer is the façade over the control-plane core.
type Overseer struct {
	lifecycle  *lifecycle.Manager
	audit      *audit.Store
	classifier *risk.Classifier
	freezes    *freeze.Registry
	approvals  *approval.Store
	alerts     *alerts.Bus
	bus        *events.Bus
	metrics    *metrics.Metrics
	clock      identity.Clock
	tracer     trace.Tracer
	log        logr.Logger
}

// Deps carries the façade's collaborators. Metrics, Events, and Tracer may
// be nil.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Audit     *audit.Store
	Policy    risk.Policy
	Freezes   *freeze.Registry
	Approvals *approval.Store
	Alerts    *alerts.Bus
	Events    *events.Bus
	Metrics   *metrics.Metrics
	Clock     identity.Clock
	Tracer    trace.Tracer
	Log       logr.Logger
}

// New builds the façade.
func New(d Deps) *Overseer {
	if d.Clock == nil {
		d.Clock = identity.RealClock()
	}
	if d.Tracer == nil {
		d.Tracer = noop.NewTracerProvider().Tracer("overseer")
	}
	return &Overseer{
		lifecycle:  d.Lifecycle,
		audit:      d.Audit,
		classifier: risk.NewClassifier(d.Policy),
		freezes:    d.Freezes,
		approvals:  d.Approvals,
		alerts:     d.Alerts,
		bus:        d.Events,
		metrics:    d.Metrics,
		clock:      d.Clock,
		tracer:     d.Tracer,
		log:        d.Log,
	}
}

// ── Freeze gating ───────────────────────────────────────────

// gateActivity refuses agent-originated work when any matching freeze scope
// is active. Fail closed: a frozen system, module, or agent rejects the
// operation before side effects.
func (o *Overseer) gateActivity(agent *lifecycle.Agent) error {
	if o.freezes.SystemFrozen() {
		o.log.Info("operation refused: system frozen", "agent", agent.ID)
		return errs.New(errs.KindFrozen, "system is frozen")
	}
	if o.freezes.IsAgentFrozen(agent.ID, agent.Module()) {
		o.log.Info("operation refused: agent frozen", "agent", agent.ID)
		return errs.Newf(errs.KindFrozen, "agent %s is frozen", agent.ID)
	}
	return nil
}

// gateAdmin refuses admin operations only under system or module freeze; a
// frozen agent can still be decommissioned or unfrozen.
func (o *Overseer) gateAdmin(agent *lifecycle.Agent) error {
	if o.freezes.SystemFrozen() {
		o.log.Info("admin operation refused: system frozen", "agent", agent.ID)
		return errs.New(errs.KindFrozen, "system is frozen")
	}
	if agent != nil && o.freezes.IsFrozen(freeze.ModuleScope(agent.Module())) {
		o.log.Info("admin operation refused: module frozen",
			"agent", agent.ID, "module", agent.Module())
		return errs.Newf(errs.KindFrozen, "module %s is frozen", agent.Module())
	}
	return nil
}

// ── Activity pipeline ───────────────────────────────────────

// LogRequest is one agent-originated activity to record.
type LogRequest struct {
	AgentID       string            `json:"agent_id"`
	Category      string            `json:"category"`
	Description   string            `json:"description"`
	Context       map[string]string `json:"context,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Input         []byte            `json:"input,omitempty"`
	Output        []byte            `json:"output,omitempty"`
	Knowledge     string            `json:"knowledge,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// LogResult reports what the pipeline did.
type LogResult struct {
	ActivityID   string            `json:"activity_id"`
	RiskAssessed bool              `json:"risk_assessed"`
	RiskLevel    risk.Level        `json:"risk_level"`
	SystemAction risk.SystemAction `json:"system_action_taken"`
	FreezeID     string            `json:"freeze_id,omitempty"`
}

// LogInteraction records a user/agent interaction.
func (o *Overseer) LogInteraction(ctx context.Context, req LogRequest) (*LogResult, error) {
	return o.logActivity(ctx, audit.TypeInteraction, req)
}

// LogKnowledge records knowledge gained by an agent.
func (o *Overseer) LogKnowledge(ctx context.Context, req LogRequest) (*LogResult, error) {
	return o.logActivity(ctx, audit.TypeKnowledgeGained, req)
}

// LogProcess records a process execution.
func (o *Overseer) LogProcess(ctx context.Context, req LogRequest) (*LogResult, error) {
	return o.logActivity(ctx, audit.TypeProcessExecution, req)
}

// LogDataAccess records a data access.
func (o *Overseer) LogDataAccess(ctx context.Context, req LogRequest) (*LogResult, error) {
	return o.logActivity(ctx, audit.TypeDataAccess, req)
}

// ReportError records an agent-side error.
func (o *Overseer) ReportError(ctx context.Context, req LogRequest) (*LogResult, error) {
	return o.logActivity(ctx, audit.TypeError, req)
}

// logActivity is the hot path: gate, classify, freeze on demand, append,
// notify. Classification and any triggered freeze happen before the caller
// gets an answer.
func (o *Overseer) logActivity(ctx context.Context, typ audit.ActivityType, req LogRequest) (*LogResult, error) {
	ctx, span := o.tracer.Start(ctx, "overseer.log_activity",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.String("activity.type", string(typ)),
		))
	defer span.End()

	agent, err := o.lifecycle.Get(req.AgentID)
	if err != nil {
		return nil, err
	}
	if err := o.gateActivity(agent); err != nil {
		return nil, err
	}

	corr := req.CorrelationID
	if corr == "" {
		corr = identity.CorrelationFrom(ctx)
	}

	// A replayed correlation id returns the original outcome; classification,
	// freezes, and notifications never run twice for the same request.
	if corr != "" {
		if prior, ok := o.priorLogOutcome(ctx, agent.ID, typ, corr); ok {
			span.SetAttributes(attribute.Bool("replayed", true))
			return prior, nil
		}
	}

	now := o.clock.Now()
	a := &audit.Activity{
		AgentID:       agent.ID,
		TenantID:      agent.TenantID,
		CorrelationID: identity.EnsureCorrelation(corr),
		ParentID:      req.ParentID,
		Timestamp:     now,
		Type:          typ,
		Category:      req.Category,
		Description:   req.Description,
		Context:       req.Context,
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		Knowledge:     req.Knowledge,
	}
	if len(req.Input) > 0 {
		a.InputHash = audit.HashPayload(req.Input)
	}
	if len(req.Output) > 0 {
		a.OutputHash = audit.HashPayload(req.Output)
	}

	assessment := o.classify(ctx, agent, a)
	a.RiskLevel = assessment.Level
	a.ComplianceFlags = assessment.ComplianceFlags
	a.RequiresReview = assessment.RequiresReview

	// A triggered freeze is synchronous: the worker's request fails closed
	// from this moment on, and the activity carries the freeze id.
	var freezeID string
	if scope, ok := freezeScopeFor(assessment.SystemAction, agent); ok {
		rec, created, ferr := o.freezes.Freeze(ctx, scope,
			fmt.Sprintf("risk classification %s: %s", assessment.Level, req.Category),
			"", assessment.Level)
		if ferr != nil {
			return nil, ferr
		}
		freezeID = rec.ID
		if a.Context == nil {
			a.Context = map[string]string{}
		}
		a.Context["freeze_id"] = freezeID
		if created {
			o.countFreeze(scope)
			o.publishFreeze(scope, agent, rec)
		}
	}

	activityID, err := o.appendWithRetry(ctx, a)
	if err != nil {
		return nil, err
	}

	if assessment.RequiresReview || assessment.Level.AtLeast(risk.High) {
		if o.alerts != nil {
			if _, nerr := o.alerts.NotifyRisk(ctx, agent.TenantID, agent.ID, activityID,
				fmt.Sprintf("%s activity flagged %s", typ, assessment.Level),
				req.Description, assessment); nerr != nil {
				o.log.Error(nerr, "pipeline notification failed", "activity", activityID)
			}
			o.countNotification(assessment.Level)
		}
	}

	if o.metrics != nil {
		o.metrics.ActivitiesTotal.WithLabelValues(string(typ), string(assessment.Level)).Inc()
	}
	span.SetAttributes(
		attribute.String("risk.level", string(assessment.Level)),
		attribute.String("system.action", string(assessment.SystemAction)),
	)

	return &LogResult{
		ActivityID:   activityID,
		RiskAssessed: true,
		RiskLevel:    assessment.Level,
		SystemAction: assessment.SystemAction,
		FreezeID:     freezeID,
	}, nil
}

// priorLogOutcome looks up an already-committed activity for the same agent,
// type, and correlation id and rebuilds the result the original call
// returned. The stored risk level is authoritative; the system action is
// recomputed from it.
func (o *Overseer) priorLogOutcome(ctx context.Context, agentID string, typ audit.ActivityType, corr string) (*LogResult, bool) {
	prior, err := o.audit.Query(ctx, audit.Filter{
		AgentID:       agentID,
		Type:          typ,
		CorrelationID: corr,
		Limit:         1,
	})
	if err != nil || len(prior) == 0 {
		return nil, false
	}
	a := prior[0]
	res := &LogResult{
		ActivityID:   a.ID,
		RiskAssessed: true,
		RiskLevel:    a.RiskLevel,
		SystemAction: risk.SystemActionFor(a.RiskLevel),
	}
	if a.Context != nil {
		res.FreezeID = a.Context["freeze_id"]
	}
	return res, true
}

func (o *Overseer) classify(ctx context.Context, agent *lifecycle.Agent, a *audit.Activity) risk.Assessment {
	window := o.clock.Now().Add(-5 * time.Minute)
	recent, err := o.audit.CountSince(ctx, agent.ID, "", window)
	if err != nil {
		recent = 0
	}
	recentErrors, err := o.audit.CountSince(ctx, agent.ID, audit.TypeError, window)
	if err != nil {
		recentErrors = 0
	}

	return o.classifier.Classify(risk.Input{
		ActivityType:        string(a.Type),
		Category:            a.Category,
		Description:         a.Description,
		Context:             a.Context,
		UserID:              a.UserID,
		SecurityScore:       agent.SecurityScore,
		AgentStatus:         string(agent.Status),
		RecentActivityCount: recent,
		RecentErrorCount:    recentErrors,
	})
}

// appendWithRetry commits the activity, retrying chain conflicts with
// jittered backoff. Any other failure is fatal to the caller.
func (o *Overseer) appendWithRetry(ctx context.Context, a *audit.Activity) (string, error) {
	var lastErr error
	for attempt := 0; attempt < appendRetryBudget; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 20 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(10 * time.Millisecond)))
			select {
			case <-ctx.Done():
				return "", errs.Wrap(errs.KindInternal, "append aborted", ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}
		id, err := o.audit.Append(ctx, a)
		if err == nil {
			return id, nil
		}
		if !errs.Retryable(err) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func freezeScopeFor(action risk.SystemAction, agent *lifecycle.Agent) (freeze.Scope, bool) {
	switch action {
	case risk.ActionFreezeAgent:
		return freeze.AgentScope(agent.ID), true
	case risk.ActionFreezeModule:
		return freeze.ModuleScope(agent.Module()), true
	case risk.ActionFreezeSystem:
		return freeze.SystemScope(), true
	}
	return freeze.Scope{}, false
}

// ── Lifecycle wrappers ──────────────────────────────────────

// RegisterAgent admits a new agent unless the system is frozen.
func (o *Overseer) RegisterAgent(ctx context.Context, spec lifecycle.RegisterSpec) (*lifecycle.Agent, error) {
	if o.freezes.SystemFrozen() {
		o.log.Info("registration refused: system frozen", "tenant", spec.TenantID)
		return nil, errs.New(errs.KindFrozen, "system is frozen")
	}
	a, err := o.lifecycle.Register(ctx, spec)
	if err != nil {
		return nil, err
	}
	o.setScoreGauge(a)
	return a, nil
}

// GetAgent returns one agent.
func (o *Overseer) GetAgent(agentID string) (*lifecycle.Agent, error) {
	return o.lifecycle.Get(agentID)
}

// ListAgents returns agents matching the filter.
func (o *Overseer) ListAgents(f lifecycle.ListFilter) []*lifecycle.Agent {
	return o.lifecycle.List(f)
}

// ExecuteAction applies an admin lifecycle action through the freeze gate.
func (o *Overseer) ExecuteAction(ctx context.Context, req lifecycle.ActionRequest) (*lifecycle.ActionResult, error) {
	ctx, span := o.tracer.Start(ctx, "overseer.execute_action",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.String("action", string(req.Action)),
		))
	defer span.End()

	agent, err := o.lifecycle.Get(req.AgentID)
	if err != nil {
		return nil, err
	}
	if err := o.gateAdmin(agent); err != nil {
		return nil, err
	}

	res, err := o.lifecycle.ExecuteAction(ctx, req)
	if err != nil {
		return nil, err
	}
	if res.Outcome == lifecycle.OutcomeExecuted {
		if o.metrics != nil {
			o.metrics.TransitionsTotal.WithLabelValues(string(res.From), string(res.To)).Inc()
		}
		if updated, gerr := o.lifecycle.Get(req.AgentID); gerr == nil {
			o.setScoreGauge(updated)
		}
	}
	return res, nil
}

// HandleSecurityViolation routes an externally reported violation through
// the lifecycle manager. System and module freezes fail closed.
func (o *Overseer) HandleSecurityViolation(ctx context.Context, rep lifecycle.ViolationReport) (*lifecycle.ViolationResult, error) {
	agent, err := o.lifecycle.Get(rep.AgentID)
	if err != nil {
		return nil, err
	}
	if err := o.gateAdmin(agent); err != nil {
		return nil, err
	}

	res, err := o.lifecycle.HandleSecurityViolation(ctx, rep)
	if err != nil {
		return nil, err
	}
	if updated, gerr := o.lifecycle.Get(rep.AgentID); gerr == nil {
		o.setScoreGauge(updated)
	}
	if res.FreezeID != "" {
		o.countFreeze(freeze.AgentScope(rep.AgentID))
	}
	return res, nil
}

// Heartbeat records a liveness beat unless the system is frozen.
func (o *Overseer) Heartbeat(ctx context.Context, agentID string, m lifecycle.HeartbeatMetrics) error {
	if o.freezes.SystemFrozen() {
		return errs.New(errs.KindFrozen, "system is frozen")
	}
	return o.lifecycle.Heartbeat(ctx, agentID, m)
}

// ── Approvals ───────────────────────────────────────────────

// ApproveAction records an admin approval decision and audits it.
func (o *Overseer) ApproveAction(ctx context.Context, approvalID, adminID, notes string, approve bool) (*approval.Request, error) {
	var (
		req *approval.Request
		err error
	)
	if approve {
		req, err = o.approvals.Approve(ctx, approvalID, adminID, notes)
	} else {
		req, err = o.approvals.Reject(ctx, approvalID, adminID, notes)
	}
	if err != nil {
		return nil, err
	}

	decision := "rejected"
	if approve {
		decision = "approved"
	}
	if _, aerr := o.appendWithRetry(ctx, &audit.Activity{
		AgentID:       req.AgentID,
		TenantID:      o.tenantOf(req.AgentID),
		CorrelationID: identity.NewID(),
		Type:          audit.TypeSystemModification,
		Category:      "approval_decision",
		Description:   fmt.Sprintf("approval %s %s by %s", req.ID, decision, adminID),
		Context: map[string]string{
			"approval_id": req.ID,
			"action":      string(req.Action),
			"decision":    decision,
			"notes":       notes,
		},
		RiskLevel: risk.Low,
	}); aerr != nil {
		o.log.Error(aerr, "audit approval decision", "approval", req.ID)
	}

	if o.bus != nil {
		o.bus.Publish(events.Event{
			Subject: events.ApprovalDecided,
			ID:      req.ID,
			AgentID: req.AgentID,
			Summary: fmt.Sprintf("approval %s by %s", decision, adminID),
		})
	}
	if o.metrics != nil {
		o.metrics.ApprovalsTotal.WithLabelValues(decision).Inc()
	}
	return req, nil
}

// PendingApprovals lists open approval requests, newest first.
func (o *Overseer) PendingApprovals(limit int) []*approval.Request {
	return o.approvals.Pending(limit)
}

// ── Freezes ─────────────────────────────────────────────────

// Unfreeze lifts a freeze scope, audits it, and publishes the event.
func (o *Overseer) Unfreeze(ctx context.Context, scope freeze.Scope, adminID, reason string) (*freeze.Record, error) {
	rec, err := o.freezes.Unfreeze(ctx, scope, adminID, reason)
	if err != nil {
		return nil, err
	}

	agentID := ""
	if scope.Type == freeze.ScopeAgent {
		agentID = scope.Target
	}
	if agentID != "" {
		if _, aerr := o.appendWithRetry(ctx, &audit.Activity{
			AgentID:       agentID,
			TenantID:      o.tenantOf(agentID),
			CorrelationID: identity.NewID(),
			Type:          audit.TypeSystemModification,
			Category:      "unfreeze",
			Description:   fmt.Sprintf("unfrozen by %s: %s", adminID, reason),
			Context:       map[string]string{"freeze_id": rec.ID},
			RiskLevel:     risk.Low,
		}); aerr != nil {
			o.log.Error(aerr, "audit unfreeze", "freeze", rec.ID)
		}
	}

	if o.bus != nil {
		o.bus.Publish(events.Event{
			Subject: events.AgentUnfrozen,
			ID:      rec.ID,
			AgentID: agentID,
			Summary: fmt.Sprintf("%s %s unfrozen by %s", scope.Type, scope.Target, adminID),
		})
	}
	return rec, nil
}

// GetFrozenEntities returns all active freeze records.
func (o *Overseer) GetFrozenEntities() []freeze.Record {
	return o.freezes.ActiveFreezes()
}

// ── Notifications ───────────────────────────────────────────

// PendingNotifications lists pending notifications for a tenant.
func (o *Overseer) PendingNotifications(tenantID string, limit int) []*alerts.Notification {
	return o.alerts.ListPending(tenantID, limit)
}

// RespondToNotification records an admin response.
func (o *Overseer) RespondToNotification(ctx context.Context, id, adminID, response string, resolve bool, resolution string) (*alerts.Notification, error) {
	return o.alerts.Respond(ctx, id, adminID, response, resolve, resolution)
}

// ── Activity log ────────────────────────────────────────────

// GetActivityLog returns audit records matching the filter, newest first.
func (o *Overseer) GetActivityLog(ctx context.Context, f audit.Filter) ([]audit.Activity, error) {
	return o.audit.Query(ctx, f)
}

// MarkActivityReviewed records an admin review as a linked append; the
// original record is never mutated.
func (o *Overseer) MarkActivityReviewed(ctx context.Context, activityID, reviewer string) (string, error) {
	if reviewer == "" {
		return "", errs.New(errs.KindValidation, "reviewer is required")
	}
	return o.audit.MarkReviewed(ctx, activityID, reviewer)
}

// ── helpers ─────────────────────────────────────────────────

func (o *Overseer) tenantOf(agentID string) string {
	if a, err := o.lifecycle.Get(agentID); err == nil {
		return a.TenantID
	}
	return ""
}

func (o *Overseer) setScoreGauge(a *lifecycle.Agent) {
	if o.metrics == nil {
		return
	}
	o.metrics.SecurityScore.WithLabelValues(a.ID).Set(float64(a.SecurityScore))
}

func (o *Overseer) countFreeze(scope freeze.Scope) {
	if o.metrics == nil {
		return
	}
	o.metrics.FreezesTotal.WithLabelValues(string(scope.Type)).Inc()
}

func (o *Overseer) countNotification(level risk.Level) {
	if o.metrics == nil {
		return
	}
	o.metrics.NotificationsTotal.WithLabelValues(string(level)).Inc()
}

func (o *Overseer) publishFreeze(scope freeze.Scope, agent *lifecycle.Agent, rec *freeze.Record) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(events.Event{
		Subject:  events.AgentFrozen,
		ID:       rec.ID,
		AgentID:  agent.ID,
		TenantID: agent.TenantID,
		Summary:  fmt.Sprintf("%s %s frozen: %s", scope.Type, scope.Target, rec.Reason),
	})
}
