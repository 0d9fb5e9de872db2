package manager

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/overseer/internal/alerts"
	"github.com/marcus-qen/overseer/internal/approval"
	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/events"
	"github.com/marcus-qen/overseer/internal/freeze"
	"github.com/marcus-qen/overseer/internal/identity"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/risk"
	"github.com/marcus-qen/overseer/internal/tenant"
)

type testOverseer struct {
	o        *Overseer
	registry *lifecycle.MemoryRegistry
	audit    *audit.Store
	auditDSN string
	freezes  *freeze.Registry
	alerts   *alerts.Store
}

func newTestOverseer(t *testing.T) *testOverseer {
	t.Helper()
	dir := t.TempDir()

	auditDSN := filepath.Join(dir, "audit.db")
	auditStore, err := audit.Open("sqlite", auditDSN)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { auditStore.Close() })

	freezes, err := freeze.Open(filepath.Join(dir, "freezes.db"), logr.Discard())
	if err != nil {
		t.Fatalf("open freezes: %v", err)
	}
	t.Cleanup(func() { freezes.Close() })

	approvals, err := approval.Open(filepath.Join(dir, "approvals.db"))
	if err != nil {
		t.Fatalf("open approvals: %v", err)
	}
	t.Cleanup(func() { approvals.Close() })

	alertStore, err := alerts.OpenStore(filepath.Join(dir, "notifications.db"))
	if err != nil {
		t.Fatalf("open alerts: %v", err)
	}
	t.Cleanup(func() { alertStore.Close() })

	bus := events.NewBus(64)
	alertBus := alerts.NewBus(alertStore, nil, bus, logr.Discard())

	registry := lifecycle.NewMemoryRegistry()
	lm := lifecycle.NewManager(lifecycle.Deps{
		Registry:  registry,
		Quotas:    tenant.NewEnforcer(100, logr.Discard()),
		Audit:     auditStore,
		Freezer:   freezes,
		Approvals: approvals,
		Notifier:  alertBus,
		Events:    bus,
		Log:       logr.Discard(),
	}, lifecycle.DefaultConfig())

	o := New(Deps{
		Lifecycle: lm,
		Audit:     auditStore,
		Freezes:   freezes,
		Approvals: approvals,
		Alerts:    alertBus,
		Events:    bus,
		Log:       logr.Discard(),
	})

	return &testOverseer{
		o: o, registry: registry, audit: auditStore,
		auditDSN: auditDSN, freezes: freezes, alerts: alertStore,
	}
}

func (to *testOverseer) registerActive(t *testing.T, name string) *lifecycle.Agent {
	t.Helper()
	ctx := context.Background()
	a, err := to.o.RegisterAgent(ctx, lifecycle.RegisterSpec{
		TenantID: "t1", Name: name, Type: "data_processor", RegisteredBy: "admin-1",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := to.o.ExecuteAction(ctx, lifecycle.ActionRequest{
		AgentID: a.ID, Action: lifecycle.ActionActivate, Actor: "admin-1", Reason: "go live",
	}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := to.o.GetAgent(a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return got
}

func (to *testOverseer) activityCount(t *testing.T, agentID string) int {
	t.Helper()
	acts, err := to.audit.Query(context.Background(), audit.Filter{AgentID: agentID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	return len(acts)
}

func TestSystemFreezeFailsClosed(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	if _, _, err := to.freezes.Freeze(ctx, freeze.SystemScope(), "drill", "", risk.Emergency); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	before := to.activityCount(t, a.ID)

	if _, err := to.o.LogInteraction(ctx, LogRequest{AgentID: a.ID, Category: "chat", Description: "hi"}); !errs.IsKind(err, errs.KindFrozen) {
		t.Fatalf("log under system freeze: got %v", err)
	}
	if _, err := to.o.ExecuteAction(ctx, lifecycle.ActionRequest{
		AgentID: a.ID, Action: lifecycle.ActionSuspend, Actor: "admin-1",
	}); !errs.IsKind(err, errs.KindFrozen) {
		t.Fatalf("action under system freeze: got %v", err)
	}
	if _, err := to.o.HandleSecurityViolation(ctx, lifecycle.ViolationReport{
		AgentID: a.ID, Type: "x", Severity: risk.High,
	}); !errs.IsKind(err, errs.KindFrozen) {
		t.Fatalf("violation under system freeze: got %v", err)
	}
	if err := to.o.Heartbeat(ctx, a.ID, lifecycle.HeartbeatMetrics{}); !errs.IsKind(err, errs.KindFrozen) {
		t.Fatalf("heartbeat under system freeze: got %v", err)
	}
	if _, err := to.o.RegisterAgent(ctx, lifecycle.RegisterSpec{
		TenantID: "t1", Name: "late", Type: "x", RegisteredBy: "admin-1",
	}); !errs.IsKind(err, errs.KindFrozen) {
		t.Fatalf("register under system freeze: got %v", err)
	}

	// Refused operations leave no trace on the chain.
	if got := to.activityCount(t, a.ID); got != before {
		t.Fatalf("refused operations appended %d activities", got-before)
	}
}

func TestAgentFreezeBlocksActivityButNotAdmin(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	// Drive the agent to frozen through the admin path.
	if _, err := to.o.ExecuteAction(ctx, lifecycle.ActionRequest{
		AgentID: a.ID, Action: lifecycle.ActionSuspend, Actor: "admin-1", Reason: "review",
	}); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if _, err := to.o.ExecuteAction(ctx, lifecycle.ActionRequest{
		AgentID: a.ID, Action: lifecycle.ActionFreeze, Actor: "admin-1", Reason: "review",
	}); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if _, err := to.o.LogInteraction(ctx, LogRequest{
		AgentID: a.ID, Category: "chat", Description: "hi",
	}); !errs.IsKind(err, errs.KindFrozen) {
		t.Fatalf("log from frozen agent: got %v", err)
	}

	// The admin path still works: request and consume decommission approval.
	pending, err := to.o.ExecuteAction(ctx, lifecycle.ActionRequest{
		AgentID: a.ID, Action: lifecycle.ActionDecommission, Actor: "admin-1", Reason: "retired",
	})
	if err != nil {
		t.Fatalf("request decommission: %v", err)
	}
	if pending.Outcome != lifecycle.OutcomePendingApproval {
		t.Fatalf("outcome %s", pending.Outcome)
	}

	if _, err := to.o.ApproveAction(ctx, pending.ApprovalID, "admin-2", "confirmed", true); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res, err := to.o.ExecuteAction(ctx, lifecycle.ActionRequest{
		AgentID: a.ID, Action: lifecycle.ActionDecommission, Actor: "admin-1",
		Reason: "retired", ApprovalID: pending.ApprovalID,
	})
	if err != nil {
		t.Fatalf("decommission: %v", err)
	}
	if res.To != lifecycle.StatusDecommissioned {
		t.Fatalf("final status %s", res.To)
	}

	// The decision itself was audited.
	acts, err := to.audit.Query(ctx, audit.Filter{AgentID: a.ID})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	var decisions int
	for _, act := range acts {
		if act.Category == "approval_decision" {
			decisions++
		}
	}
	if decisions != 1 {
		t.Fatalf("%d approval_decision activities, want 1", decisions)
	}
}

func TestPipelineFreezesAgentOnCriticalClassification(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	// A compromised agent classifies Critical on any activity. Set the status
	// directly so no freeze exists yet.
	cur, _ := to.registry.Get(a.ID)
	cur.Status = lifecycle.StatusCompromised
	if err := to.registry.Update(cur); err != nil {
		t.Fatalf("update: %v", err)
	}

	res, err := to.o.LogInteraction(ctx, LogRequest{
		AgentID: a.ID, Category: "chat", Description: "hello",
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if res.RiskLevel != risk.Critical {
		t.Fatalf("risk level %s, want critical", res.RiskLevel)
	}
	if res.SystemAction != risk.ActionFreezeAgent || res.FreezeID == "" {
		t.Fatalf("freeze not taken: %+v", res)
	}
	if !to.freezes.IsFrozen(freeze.AgentScope(a.ID)) {
		t.Fatal("agent scope not frozen")
	}

	// The activity carries the freeze id, and a review notification exists.
	act, err := to.audit.Get(ctx, res.ActivityID)
	if err != nil {
		t.Fatalf("get activity: %v", err)
	}
	if act.Context["freeze_id"] != res.FreezeID {
		t.Fatalf("activity freeze_id %q, want %q", act.Context["freeze_id"], res.FreezeID)
	}
	if !act.RequiresReview {
		t.Fatal("critical activity not flagged for review")
	}
	if to.alerts.PendingCount() == 0 {
		t.Fatal("no notification raised for critical activity")
	}

	// Follow-up work from the same agent now fails closed.
	if _, err := to.o.LogInteraction(ctx, LogRequest{
		AgentID: a.ID, Category: "chat", Description: "still here",
	}); !errs.IsKind(err, errs.KindFrozen) {
		t.Fatalf("log after freeze: got %v", err)
	}
}

func TestHighRiskActivityRaisesNotification(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	res, err := to.o.LogDataAccess(ctx, LogRequest{
		AgentID:     a.ID,
		Category:    "export",
		Description: "customer table export",
		Context:     map[string]string{risk.CtxDataClass: "pii"},
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if res.RiskLevel != risk.High {
		t.Fatalf("risk level %s, want high", res.RiskLevel)
	}
	if res.FreezeID != "" {
		t.Fatal("high risk must alert, not freeze")
	}

	pending := to.alerts.Pending("t1", 10)
	if len(pending) != 1 {
		t.Fatalf("%d pending notifications, want 1", len(pending))
	}
	if pending[0].ActivityID != res.ActivityID || pending[0].RiskLevel != risk.High {
		t.Fatalf("notification %+v", pending[0])
	}
}

func TestLowRiskActivityIsQuiet(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	res, err := to.o.LogKnowledge(ctx, LogRequest{
		AgentID: a.ID, Category: "learning", Description: "indexed docs",
		Knowledge: "vendor API pagination quirks",
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if res.RiskLevel != risk.Low {
		t.Fatalf("risk level %s", res.RiskLevel)
	}
	if to.alerts.PendingCount() != 0 {
		t.Fatal("low-risk activity raised a notification")
	}
}

func TestCorrelatedLogReplayReturnsOriginalOutcome(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	req := LogRequest{
		AgentID: a.ID, Category: "sync", Description: "nightly sync",
		CorrelationID: "sync-run-42",
	}
	first, err := to.o.LogProcess(ctx, req)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	before := to.activityCount(t, a.ID)

	second, err := to.o.LogProcess(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ActivityID != first.ActivityID {
		t.Fatalf("replay created a new activity: %q vs %q", second.ActivityID, first.ActivityID)
	}
	if second.RiskLevel != first.RiskLevel || second.SystemAction != first.SystemAction {
		t.Fatalf("replay outcome diverged: %+v vs %+v", second, first)
	}
	if got := to.activityCount(t, a.ID); got != before {
		t.Fatalf("replay appended %d activities", got-before)
	}

	// The correlation id may also arrive via the request context.
	third, err := to.o.LogProcess(identity.WithCorrelation(ctx, "sync-run-42"), LogRequest{
		AgentID: a.ID, Category: "sync", Description: "nightly sync",
	})
	if err != nil {
		t.Fatalf("context replay: %v", err)
	}
	if third.ActivityID != first.ActivityID {
		t.Fatalf("context replay created a new activity: %q", third.ActivityID)
	}
}

func TestCorrelatedReplaySkipsNotificationAndFreeze(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	req := LogRequest{
		AgentID:       a.ID,
		Category:      "export",
		Description:   "customer table export",
		Context:       map[string]string{risk.CtxDataClass: "pii"},
		CorrelationID: "export-run-7",
	}
	first, err := to.o.LogDataAccess(ctx, req)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if first.RiskLevel != risk.High {
		t.Fatalf("risk level %s, want high", first.RiskLevel)
	}
	if to.alerts.PendingCount() != 1 {
		t.Fatalf("%d notifications after first call, want 1", to.alerts.PendingCount())
	}

	second, err := to.o.LogDataAccess(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if second.ActivityID != first.ActivityID {
		t.Fatalf("replay created a new activity: %q", second.ActivityID)
	}
	if to.alerts.PendingCount() != 1 {
		t.Fatalf("replay raised a second notification: %d pending", to.alerts.PendingCount())
	}
}

func TestInputOutputAreStoredAsHashes(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	input := []byte(`{"prompt":"summarize"}`)
	output := []byte(`{"answer":"done"}`)
	res, err := to.o.LogInteraction(ctx, LogRequest{
		AgentID: a.ID, Category: "chat", Description: "summarize request",
		Input: input, Output: output,
	})
	if err != nil {
		t.Fatalf("log: %v", err)
	}

	act, err := to.audit.Get(ctx, res.ActivityID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if act.InputHash != audit.HashPayload(input) || act.OutputHash != audit.HashPayload(output) {
		t.Fatalf("payload hashes not recorded: %+v", act)
	}
}

func TestComplianceReportEscalatesOnChainBreak(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	for i := 0; i < 3; i++ {
		if _, err := to.o.LogInteraction(ctx, LogRequest{
			AgentID: a.ID, Category: "chat", Description: "message",
		}); err != nil {
			t.Fatalf("log: %v", err)
		}
	}

	// Doctor a committed row behind the store's back.
	db, err := sql.Open("sqlite", to.auditDSN)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(
		`UPDATE agent_activity_logs SET description = 'doctored' WHERE agent_id = ? AND seq = 2`,
		a.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	report, err := to.o.GenerateComplianceReport(ctx, "t1", time.Time{}, time.Time{})
	if !errs.IsKind(err, errs.KindIntegrity) {
		t.Fatalf("integrity error not surfaced: got %v", err)
	}
	if report == nil || report.Valid {
		t.Fatalf("report did not record the break: %+v", report)
	}

	// The break froze the whole system and paged the admins.
	if !to.freezes.SystemFrozen() {
		t.Fatal("system not frozen after chain break")
	}
	var emergency bool
	for _, n := range to.alerts.Pending("", 0) {
		if n.RiskLevel == risk.Emergency {
			emergency = true
		}
	}
	if !emergency {
		t.Fatal("no emergency notification after chain break")
	}
}

func TestVerifyAgentChainHealthy(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()
	a := to.registerActive(t, "worker")

	if _, err := to.o.LogProcess(ctx, LogRequest{
		AgentID: a.ID, Category: "job", Description: "nightly batch",
	}); err != nil {
		t.Fatalf("log: %v", err)
	}

	vr, err := to.o.VerifyAgentChain(ctx, a.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !vr.Valid || vr.Checked == 0 {
		t.Fatalf("verify result %+v", vr)
	}
	if to.freezes.SystemFrozen() {
		t.Fatal("healthy verify froze the system")
	}
}

func TestDashboardSurfacesAttentionWorstFirst(t *testing.T) {
	to := newTestOverseer(t)
	ctx := context.Background()

	healthy := to.registerActive(t, "healthy")
	_ = healthy

	shaky := to.registerActive(t, "shaky")
	if _, err := to.o.HandleSecurityViolation(ctx, lifecycle.ViolationReport{
		AgentID: shaky.ID, Type: "policy_drift", Severity: risk.Medium,
	}); err != nil {
		t.Fatalf("violation: %v", err)
	}

	bad := to.registerActive(t, "bad")
	if _, err := to.o.HandleSecurityViolation(ctx, lifecycle.ViolationReport{
		AgentID: bad.ID, Type: "unauthorized_access", Severity: risk.Critical,
	}); err != nil {
		t.Fatalf("violation: %v", err)
	}

	d, err := to.o.GetDashboard(ctx, "t1")
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.TotalAgents != 3 {
		t.Fatalf("total %d, want 3", d.TotalAgents)
	}
	if len(d.NeedsAttention) != 2 {
		t.Fatalf("%d agents need attention, want 2", len(d.NeedsAttention))
	}
	if d.NeedsAttention[0].ID != bad.ID {
		t.Fatal("attention list not worst-first")
	}
	if len(d.Recommendations) == 0 {
		t.Fatal("no recommendations for a suspended agent")
	}
	for i := 1; i < len(d.Recommendations); i++ {
		if d.Recommendations[i].Priority < d.Recommendations[i-1].Priority {
			t.Fatal("recommendations not priority-ordered")
		}
	}
}
