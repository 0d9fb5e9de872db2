package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/overseer/internal/alerts"
	"github.com/marcus-qen/overseer/internal/approval"
	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/events"
	"github.com/marcus-qen/overseer/internal/freeze"
	"github.com/marcus-qen/overseer/internal/identity"
	"github.com/marcus-qen/overseer/internal/risk"
	"github.com/marcus-qen/overseer/internal/tenant"
)

// Security score deltas. The score is clamped to [0, 100].
const (
	DeltaCriticalViolation = -30
	DeltaMediumViolation   = -15
	DeltaMinorViolation    = -5
	DeltaHeartbeatMiss     = -5
	DeltaComplianceFail    = -10
	DeltaGoodBehavior      = +5
	DeltaCompliancePass    = +10
)

// Appender commits activities to the audit chain.
type Appender interface {
	Append(ctx context.Context, a *audit.Activity) (string, error)
}

// Freezer places freeze scopes. Satisfied by *freeze.Registry.
type Freezer interface {
	Freeze(ctx context.Context, scope freeze.Scope, reason, triggeringActivityID string, level risk.Level) (*freeze.Record, bool, error)
}

// ApprovalGate creates and consumes approval requests. Satisfied by
// *approval.Store.
type ApprovalGate interface {
	Create(ctx context.Context, agentID string, action approval.Action, requestedBy, reason string, ttl time.Duration) (*approval.Request, error)
	Consume(ctx context.Context, id, agentID string, action approval.Action) (*approval.Request, error)
}

// Notifier raises admin notifications. Satisfied by *alerts.Bus.
type Notifier interface {
	Notify(ctx context.Context, n *alerts.Notification) (*alerts.Notification, error)
}

// Config tunes lifecycle behavior. Zero values fall back to defaults.
type Config struct {
	AutoSuspendOnViolation   bool
	RequireApprovalForDelete bool
	ApprovalTTL              time.Duration

	WarningBelow         int // score below which a warning notification fires
	AutoSuspendBelow     int // score below which an Active agent is suspended
	MandatoryFreezeBelow int // score below which the agent is frozen

	// KnownCapabilities validates registration requests. Empty = any.
	KnownCapabilities []string
}

// DefaultConfig returns the stock lifecycle policy.
func DefaultConfig() Config {
	return Config{
		AutoSuspendOnViolation:   true,
		RequireApprovalForDelete: true,
		ApprovalTTL:              24 * time.Hour,
		WarningBelow:             70,
		AutoSuspendBelow:         50,
		MandatoryFreezeBelow:     30,
	}
}

// Manager owns the agent state machine.
type Manager struct {
	registry  Registry
	quotas    *tenant.Enforcer
	auditLog  Appender
	freezer   Freezer
	approvals ApprovalGate
	notifier  Notifier
	bus       *events.Bus
	cfg       Config
	clock     identity.Clock
	log       logr.Logger

	regMu    sync.Mutex // serializes name check + quota reserve + insert
	locks    sync.Map   // agent_id → *sync.Mutex
	outcomes sync.Map   // idempotency: agent_id|correlation_id → prior result
	caps     map[string]bool
}

// Deps carries the manager's collaborators.
type Deps struct {
	Registry  Registry
	Quotas    *tenant.Enforcer
	Audit     Appender
	Freezer   Freezer
	Approvals ApprovalGate
	Notifier  Notifier
	Events    *events.Bus
	Clock     identity.Clock
	Log       logr.Logger
}

// NewManager builds a lifecycle manager.
func NewManager(deps Deps, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.ApprovalTTL <= 0 {
		cfg.ApprovalTTL = def.ApprovalTTL
	}
	if cfg.WarningBelow <= 0 {
		cfg.WarningBelow = def.WarningBelow
	}
	if cfg.AutoSuspendBelow <= 0 {
		cfg.AutoSuspendBelow = def.AutoSuspendBelow
	}
	if cfg.MandatoryFreezeBelow <= 0 {
		cfg.MandatoryFreezeBelow = def.MandatoryFreezeBelow
	}
	if deps.Clock == nil {
		deps.Clock = identity.RealClock()
	}

	caps := make(map[string]bool, len(cfg.KnownCapabilities))
	for _, c := range cfg.KnownCapabilities {
		caps[strings.ToLower(c)] = true
	}

	return &Manager{
		registry:  deps.Registry,
		quotas:    deps.Quotas,
		auditLog:  deps.Audit,
		freezer:   deps.Freezer,
		approvals: deps.Approvals,
		notifier:  deps.Notifier,
		bus:       deps.Events,
		cfg:       cfg,
		clock:     deps.Clock,
		log:       deps.Log,
		caps:      caps,
	}
}

func (m *Manager) agentLock(agentID string) *sync.Mutex {
	l, _ := m.locks.LoadOrStore(agentID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Get returns an agent by id.
func (m *Manager) Get(agentID string) (*Agent, error) {
	a, ok := m.registry.Get(agentID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "agent %s not found", agentID)
	}
	return a, nil
}

// List returns agents matching the filter.
func (m *Manager) List(f ListFilter) []*Agent { return m.registry.List(f) }

// CountByStatus returns status counts for a tenant ("" = all).
func (m *Manager) CountByStatus(tenantID string) map[Status]int {
	return m.registry.CountByStatus(tenantID)
}

// ── Registration ────────────────────────────────────────────

// RegisterSpec describes a new agent.
type RegisterSpec struct {
	TenantID      string   `json:"tenant_id"`
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	Version       string   `json:"version"`
	Capabilities  []string `json:"capabilities"`
	Permissions   []string `json:"permissions"`
	RegisteredBy  string   `json:"registered_by"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

// Register admits a new agent. The duplicate-name check, quota reservation,
// and insert run in one critical section so concurrent registrations cannot
// over-provision a tenant.
func (m *Manager) Register(ctx context.Context, spec RegisterSpec) (*Agent, error) {
	if spec.TenantID == "" || spec.Name == "" {
		return nil, errs.New(errs.KindValidation, "tenant_id and name are required")
	}
	if spec.Type == "" {
		return nil, errs.New(errs.KindValidation, "agent type is required")
	}
	if len(m.caps) > 0 {
		for _, c := range spec.Capabilities {
			if !m.caps[strings.ToLower(c)] {
				return nil, errs.Newf(errs.KindValidation, "unknown capability %q", c)
			}
		}
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if _, exists := m.registry.GetByName(spec.TenantID, spec.Name); exists {
		return nil, errs.Newf(errs.KindPolicy, "agent name %q already exists in tenant %s",
			spec.Name, spec.TenantID)
	}
	if err := m.quotas.Reserve(spec.TenantID); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	a := &Agent{
		ID:            identity.NewID(),
		TenantID:      spec.TenantID,
		Name:          spec.Name,
		Type:          spec.Type,
		Version:       spec.Version,
		Capabilities:  append([]string(nil), spec.Capabilities...),
		Permissions:   append([]string(nil), spec.Permissions...),
		Status:        StatusRegistered,
		SecurityScore: 100,
		CreatedAt:     now,
		RegisteredBy:  spec.RegisteredBy,
	}

	if err := m.registry.Insert(a); err != nil {
		m.quotas.Release(spec.TenantID)
		return nil, errs.Wrap(errs.KindUnavailable, "persist agent", err)
	}

	// Genesis activity opens the agent's audit chain.
	if _, err := m.auditLog.Append(ctx, &audit.Activity{
		AgentID:       a.ID,
		TenantID:      a.TenantID,
		CorrelationID: identity.EnsureCorrelation(spec.CorrelationID),
		Type:          audit.TypeSystemModification,
		Category:      "agent_registered",
		Description:   fmt.Sprintf("agent %q registered by %s", a.Name, spec.RegisteredBy),
		Context: map[string]string{
			"agent_type": a.Type,
			"version":    a.Version,
		},
		RiskLevel: risk.Negligible,
	}); err != nil {
		// Unwind the admission: without a genesis record the agent must not
		// exist, or its name and quota slot stay reserved forever.
		if derr := m.registry.Delete(a.ID); derr != nil {
			m.log.Error(derr, "unwind failed registration", "id", a.ID)
		}
		m.quotas.Release(spec.TenantID)
		return nil, err
	}

	m.publish(events.AgentRegistered, a, fmt.Sprintf("agent %q registered", a.Name))
	m.log.Info("agent registered", "id", a.ID, "tenant", a.TenantID, "name", a.Name)
	return a, nil
}

// ── Actions ─────────────────────────────────────────────────

// Outcome is the result class of ExecuteAction.
type Outcome string

const (
	OutcomeExecuted        Outcome = "executed"
	OutcomePendingApproval Outcome = "pending_approval"
)

// ActionRequest asks for a lifecycle transition.
type ActionRequest struct {
	AgentID       string `json:"agent_id"`
	Action        Action `json:"action"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason"`
	ApprovalID    string `json:"approval_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ActionResult reports what happened.
type ActionResult struct {
	Outcome    Outcome `json:"outcome"`
	From       Status  `json:"from,omitempty"`
	To         Status  `json:"to,omitempty"`
	ApprovalID string  `json:"approval_id,omitempty"`
	ActivityID string  `json:"activity_id,omitempty"`
}

// ExecuteAction applies an admin lifecycle action. Destructive actions
// without an approved, unexpired, unconsumed approval return
// pending_approval and create the request. Retries with the same
// correlation id observe the prior outcome.
func (m *Manager) ExecuteAction(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	if !req.Action.Valid() {
		return nil, errs.Newf(errs.KindValidation, "unknown action %q", req.Action)
	}
	if req.Actor == "" {
		return nil, errs.New(errs.KindValidation, "actor is required")
	}

	lock := m.agentLock(req.AgentID)
	lock.Lock()
	defer lock.Unlock()

	if prior, ok := m.priorOutcome(req.AgentID, req.CorrelationID); ok {
		if res, ok := prior.(*ActionResult); ok {
			return res, nil
		}
	}

	agent, ok := m.registry.Get(req.AgentID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "agent %s not found", req.AgentID)
	}
	if agent.Status.Terminal() {
		return nil, errs.Newf(errs.KindValidation, "agent %s is decommissioned and immutable", agent.ID)
	}

	to, allowed := transitionFor(agent.Status, req.Action)
	if !allowed {
		return nil, errs.Newf(errs.KindValidation, "invalid transition: %s agent cannot %s",
			agent.Status, req.Action)
	}

	var consumedApproval string
	if req.Action.Destructive() && m.cfg.RequireApprovalForDelete {
		if req.ApprovalID == "" {
			ar, err := m.approvals.Create(ctx, agent.ID, approval.ActionDecommission,
				req.Actor, req.Reason, m.cfg.ApprovalTTL)
			if err != nil {
				return nil, err
			}
			m.notify(ctx, &alerts.Notification{
				TenantID:    agent.TenantID,
				AgentID:     agent.ID,
				RiskLevel:   risk.High,
				Title:       fmt.Sprintf("approval requested: %s %s", req.Action, agent.Name),
				Description: fmt.Sprintf("%s requested %s of agent %q: %s", req.Actor, req.Action, agent.Name, req.Reason),
				Recommended: []risk.RecommendedAction{
					{Action: "review_approval_request", Priority: 1, Description: "Approve or reject the pending request"},
				},
			})
			if m.bus != nil {
				m.bus.Publish(events.Event{
					Subject: events.ApprovalRequested, ID: ar.ID,
					AgentID: agent.ID, TenantID: agent.TenantID,
					Summary: fmt.Sprintf("%s of %s requested by %s", req.Action, agent.Name, req.Actor),
				})
			}
			res := &ActionResult{Outcome: OutcomePendingApproval, From: agent.Status, ApprovalID: ar.ID}
			m.remember(req.AgentID, req.CorrelationID, res)
			return res, nil
		}

		ar, err := m.approvals.Consume(ctx, req.ApprovalID, agent.ID, approval.ActionDecommission)
		if err != nil {
			return nil, err
		}
		consumedApproval = ar.ID
	}

	from := agent.Status
	agent.Status = to
	if err := m.registry.Update(agent); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist agent", err)
	}

	if req.Action == ActionDecommission {
		m.quotas.Release(agent.TenantID)
	}

	actCtx := map[string]string{"actor": req.Actor}
	if consumedApproval != "" {
		actCtx["approval_id"] = consumedApproval
	}
	activityID, err := m.appendTransition(ctx, agent, from, to, req.Reason, req.CorrelationID, actCtx)
	if err != nil {
		return nil, err
	}

	if req.Action == ActionFreeze && m.freezer != nil {
		_, _, ferr := m.freezer.Freeze(ctx, freeze.AgentScope(agent.ID),
			fmt.Sprintf("admin freeze by %s: %s", req.Actor, req.Reason), activityID, risk.High)
		if ferr != nil {
			return nil, ferr
		}
	}

	m.publish(events.AgentStatusChanged, agent,
		fmt.Sprintf("%s: %s → %s by %s", agent.Name, from.Display(), to.Display(), req.Actor))

	res := &ActionResult{
		Outcome: OutcomeExecuted, From: from, To: to,
		ApprovalID: consumedApproval, ActivityID: activityID,
	}
	m.remember(req.AgentID, req.CorrelationID, res)
	m.log.Info("action executed", "agent", agent.ID, "action", req.Action, "from", from, "to", to)
	return res, nil
}

// ── Security violations ─────────────────────────────────────

// ViolationReport is an observed security violation.
type ViolationReport struct {
	AgentID       string            `json:"agent_id"`
	Type          string            `json:"type"`
	Severity      risk.Level        `json:"severity"`
	Details       map[string]string `json:"details,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// ViolationResult reports the enforcement outcome.
type ViolationResult struct {
	Outcome    string     `json:"outcome"` // recorded, suspended, frozen, compromised
	NewStatus  Status     `json:"new_status"`
	NewScore   int        `json:"new_score"`
	ActivityID string     `json:"activity_id"`
	FreezeID   string     `json:"freeze_id,omitempty"`
	RiskLevel  risk.Level `json:"risk_level"`
}

// HandleSecurityViolation records the violation, adjusts the score, and
// applies automatic enforcement. Synchronous: the caller sees the resulting
// status and score.
func (m *Manager) HandleSecurityViolation(ctx context.Context, rep ViolationReport) (*ViolationResult, error) {
	if !rep.Severity.Valid() {
		return nil, errs.Newf(errs.KindValidation, "unknown severity %q", rep.Severity)
	}

	lock := m.agentLock(rep.AgentID)
	lock.Lock()
	defer lock.Unlock()

	if prior, ok := m.priorOutcome(rep.AgentID, rep.CorrelationID); ok {
		if res, ok := prior.(*ViolationResult); ok {
			return res, nil
		}
	}

	agent, ok := m.registry.Get(rep.AgentID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "agent %s not found", rep.AgentID)
	}
	if agent.Status.Terminal() {
		return nil, errs.Newf(errs.KindValidation, "agent %s is decommissioned and immutable", agent.ID)
	}

	corr := identity.EnsureCorrelation(rep.CorrelationID)
	activityID, err := m.auditLog.Append(ctx, &audit.Activity{
		AgentID:       agent.ID,
		TenantID:      agent.TenantID,
		CorrelationID: corr,
		Type:          audit.TypeSecurityEvent,
		Category:      rep.Type,
		Description:   fmt.Sprintf("security violation: %s (severity %s)", rep.Type, rep.Severity),
		Context:       rep.Details,
		RiskLevel:     rep.Severity,
		RequiresReview: rep.Severity.AtLeast(risk.High),
	})
	if err != nil {
		return nil, err
	}

	from := agent.Status
	score := clampScore(agent.SecurityScore + violationDelta(rep.Severity))
	newStatus := from
	outcome := "recorded"

	// A critical violation suspends an active agent; a critical violation
	// against an already-suspended or frozen agent marks it compromised.
	if rep.Severity.AtLeast(risk.Critical) {
		switch from {
		case StatusSuspended, StatusFrozen:
			newStatus = StatusCompromised
			score = 0
			outcome = "compromised"
		default:
			if m.cfg.AutoSuspendOnViolation && from == StatusActive {
				newStatus = StatusSuspended
				outcome = "suspended"
			}
		}
	} else if rep.Severity.AtLeast(risk.Medium) && m.cfg.AutoSuspendOnViolation && from == StatusActive {
		newStatus = StatusSuspended
		outcome = "suspended"
	}

	newStatus, outcome = m.applyScoreThresholds(score, newStatus, outcome)

	agent.SecurityScore = score
	agent.LastScoreUpdate = m.clock.Now()
	agent.Status = newStatus
	if err := m.registry.Update(agent); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist agent", err)
	}

	res := &ViolationResult{
		Outcome: outcome, NewStatus: newStatus, NewScore: score,
		ActivityID: activityID, RiskLevel: rep.Severity,
	}

	if newStatus != from {
		if _, err := m.appendTransition(ctx, agent, from, newStatus,
			fmt.Sprintf("security violation %s", rep.Type), corr,
			map[string]string{"violation_activity_id": activityID}); err != nil {
			return nil, err
		}
		m.publish(events.AgentStatusChanged, agent,
			fmt.Sprintf("%s: %s → %s (violation %s)", agent.Name, from.Display(), newStatus.Display(), rep.Type))
	}

	if newStatus == StatusFrozen || newStatus == StatusCompromised {
		if m.freezer != nil {
			rec, created, ferr := m.freezer.Freeze(ctx, freeze.AgentScope(agent.ID),
				fmt.Sprintf("automatic freeze: %s", rep.Type), activityID, rep.Severity)
			if ferr != nil {
				return nil, ferr
			}
			res.FreezeID = rec.ID
			if created {
				m.publish(events.AgentFrozen, agent, fmt.Sprintf("%s frozen: %s", agent.Name, rep.Type))
			}
		}
		m.notify(ctx, &alerts.Notification{
			TenantID:     agent.TenantID,
			AgentID:      agent.ID,
			ActivityID:   activityID,
			RiskLevel:    risk.Max(rep.Severity, risk.Critical),
			Title:        fmt.Sprintf("agent %s %s", agent.Name, newStatus),
			Description:  fmt.Sprintf("violation %s drove agent %q to %s (score %d)", rep.Type, agent.Name, newStatus, score),
			SystemAction: risk.ActionFreezeAgent,
			Recommended:  decommissionPlaybook(),
		})
	} else if score < m.cfg.WarningBelow {
		m.notify(ctx, &alerts.Notification{
			TenantID:    agent.TenantID,
			AgentID:     agent.ID,
			ActivityID:  activityID,
			RiskLevel:   risk.Medium,
			Title:       fmt.Sprintf("security score warning: %s", agent.Name),
			Description: fmt.Sprintf("agent %q security score dropped to %d", agent.Name, score),
			Recommended: []risk.RecommendedAction{
				{Action: "review_activity", Priority: 1, Description: "Review the agent's recent activity"},
			},
		})
	}

	m.remember(rep.AgentID, rep.CorrelationID, res)
	m.log.Info("security violation handled", "agent", agent.ID, "type", rep.Type,
		"severity", rep.Severity, "score", score, "status", newStatus)
	return res, nil
}

// applyScoreThresholds escalates the pending status by the configured score
// bands. Returns the possibly-raised status and outcome.
func (m *Manager) applyScoreThresholds(score int, status Status, outcome string) (Status, string) {
	switch {
	case score == 0:
		if status != StatusCompromised {
			status = StatusCompromised
			outcome = "compromised"
		}
	case score < m.cfg.MandatoryFreezeBelow:
		if status != StatusCompromised && status != StatusFrozen {
			status = StatusFrozen
			outcome = "frozen"
		}
	case score < m.cfg.AutoSuspendBelow:
		if m.cfg.AutoSuspendOnViolation && status == StatusActive {
			status = StatusSuspended
			outcome = "suspended"
		}
	}
	return status, outcome
}

// ── Heartbeats & score ticks ────────────────────────────────

// Heartbeat records a liveness beat. An offline agent returns to active.
func (m *Manager) Heartbeat(ctx context.Context, agentID string, metrics HeartbeatMetrics) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, ok := m.registry.Get(agentID)
	if !ok {
		return errs.Newf(errs.KindNotFound, "agent %s not found", agentID)
	}
	if agent.Status.Terminal() {
		return errs.Newf(errs.KindValidation, "agent %s is decommissioned and immutable", agentID)
	}

	agent.LastHeartbeat = m.clock.Now()
	agent.LastMetrics = metrics

	if agent.Status == StatusOffline {
		from := agent.Status
		agent.Status = StatusActive
		if err := m.registry.Update(agent); err != nil {
			return errs.Wrap(errs.KindUnavailable, "persist agent", err)
		}
		if _, err := m.appendTransition(ctx, agent, from, StatusActive,
			"heartbeat resumed", "", nil); err != nil {
			return err
		}
		m.publish(events.AgentStatusChanged, agent,
			fmt.Sprintf("%s back online", agent.Name))
		return nil
	}

	if err := m.registry.Update(agent); err != nil {
		return errs.Wrap(errs.KindUnavailable, "persist agent", err)
	}
	return nil
}

// MarkOffline transitions an active agent whose heartbeat timed out. Called
// by the surveillance engine; applies the heartbeat score penalty.
func (m *Manager) MarkOffline(ctx context.Context, agentID, reason string) error {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, ok := m.registry.Get(agentID)
	if !ok {
		return errs.Newf(errs.KindNotFound, "agent %s not found", agentID)
	}
	if agent.Status != StatusActive {
		return nil // only active agents go offline
	}

	from := agent.Status
	agent.Status = StatusOffline
	agent.SecurityScore = clampScore(agent.SecurityScore + DeltaHeartbeatMiss)
	agent.LastScoreUpdate = m.clock.Now()
	if err := m.registry.Update(agent); err != nil {
		return errs.Wrap(errs.KindUnavailable, "persist agent", err)
	}

	if _, err := m.appendTransition(ctx, agent, from, StatusOffline, reason, "", nil); err != nil {
		return err
	}
	m.publish(events.AgentStatusChanged, agent, fmt.Sprintf("%s went offline", agent.Name))
	return nil
}

// ApplyScoreDelta adjusts the agent's security score (good-behavior ticks,
// compliance audits) and re-evaluates enforcement thresholds.
func (m *Manager) ApplyScoreDelta(ctx context.Context, agentID string, delta int, reason string) (*Agent, error) {
	lock := m.agentLock(agentID)
	lock.Lock()
	defer lock.Unlock()

	agent, ok := m.registry.Get(agentID)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "agent %s not found", agentID)
	}
	if agent.Status.Terminal() {
		return nil, errs.Newf(errs.KindValidation, "agent %s is decommissioned and immutable", agentID)
	}

	from := agent.Status
	score := clampScore(agent.SecurityScore + delta)
	newStatus, _ := m.applyScoreThresholds(score, from, "")

	agent.SecurityScore = score
	agent.LastScoreUpdate = m.clock.Now()
	agent.Status = newStatus
	if err := m.registry.Update(agent); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist agent", err)
	}

	if newStatus != from {
		if _, err := m.appendTransition(ctx, agent, from, newStatus, reason, "", nil); err != nil {
			return nil, err
		}
		if newStatus == StatusFrozen || newStatus == StatusCompromised {
			if m.freezer != nil {
				if _, _, err := m.freezer.Freeze(ctx, freeze.AgentScope(agent.ID),
					fmt.Sprintf("score threshold: %s", reason), "", risk.High); err != nil {
					return nil, err
				}
			}
		}
		m.publish(events.AgentStatusChanged, agent,
			fmt.Sprintf("%s: %s → %s (%s)", agent.Name, from.Display(), newStatus.Display(), reason))
	}
	return agent, nil
}

// ── Helpers ─────────────────────────────────────────────────

func (m *Manager) appendTransition(ctx context.Context, agent *Agent, from, to Status, reason, corrID string, extra map[string]string) (string, error) {
	actCtx := map[string]string{
		"from": string(from),
		"to":   string(to),
	}
	if reason != "" {
		actCtx["reason"] = reason
	}
	for k, v := range extra {
		actCtx[k] = v
	}
	return m.auditLog.Append(ctx, &audit.Activity{
		AgentID:       agent.ID,
		TenantID:      agent.TenantID,
		CorrelationID: identity.EnsureCorrelation(corrID),
		Type:          audit.TypeSystemModification,
		Category:      "lifecycle_transition",
		Description:   fmt.Sprintf("%s→%s: %s", from.Display(), to.Display(), reason),
		Context:       actCtx,
		RiskLevel:     risk.Negligible,
	})
}

func (m *Manager) publish(subject events.Subject, agent *Agent, summary string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Subject:  subject,
		ID:       agent.ID,
		AgentID:  agent.ID,
		TenantID: agent.TenantID,
		Summary:  summary,
		Detail: map[string]any{
			"status": agent.Status,
			"score":  agent.SecurityScore,
		},
	})
}

func (m *Manager) notify(ctx context.Context, n *alerts.Notification) {
	if m.notifier == nil {
		return
	}
	if _, err := m.notifier.Notify(ctx, n); err != nil {
		m.log.Error(err, "notification failed", "title", n.Title)
	}
}

func (m *Manager) priorOutcome(agentID, corrID string) (any, bool) {
	if corrID == "" {
		return nil, false
	}
	return m.outcomes.Load(agentID + "|" + corrID)
}

func (m *Manager) remember(agentID, corrID string, result any) {
	if corrID == "" {
		return
	}
	m.outcomes.Store(agentID+"|"+corrID, result)
}

func violationDelta(severity risk.Level) int {
	switch {
	case severity.AtLeast(risk.Critical):
		return DeltaCriticalViolation
	case severity.AtLeast(risk.Medium):
		return DeltaMediumViolation
	default:
		return DeltaMinorViolation
	}
}

func decommissionPlaybook() []risk.RecommendedAction {
	return []risk.RecommendedAction{
		{Action: "review_activity", Priority: 1, Description: "Review the triggering violation"},
		{Action: "verify_agent_integrity", Priority: 2, Description: "Verify the agent's audit chain"},
		{Action: "request_decommission", Priority: 3, Description: "Approve decommission if the agent cannot be recovered"},
	}
}

// Display returns the capitalized form used in audit descriptions.
func (s Status) Display() string {
	if s == "" {
		return ""
	}
	return strings.ToUpper(string(s[0])) + string(s[1:])
}
