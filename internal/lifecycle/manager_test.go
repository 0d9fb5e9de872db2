package lifecycle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/overseer/internal/alerts"
	"github.com/marcus-qen/overseer/internal/approval"
	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/events"
	"github.com/marcus-qen/overseer/internal/freeze"
	"github.com/marcus-qen/overseer/internal/risk"
	"github.com/marcus-qen/overseer/internal/tenant"
)

// recordingNotifier captures notifications in-process instead of routing them
// to channels.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []*alerts.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n *alerts.Notification) (*alerts.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return n, nil
}

func (r *recordingNotifier) byTitle(substr string) *alerts.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notes {
		if strings.Contains(n.Title, substr) {
			return n
		}
	}
	return nil
}

// failingAppender simulates an unreachable audit store.
type failingAppender struct{ err error }

func (f *failingAppender) Append(context.Context, *audit.Activity) (string, error) {
	return "", f.err
}

var _ = Describe("Manager", func() {
	var (
		ctx       context.Context
		mgr       *Manager
		registry  *MemoryRegistry
		auditLog  *audit.Store
		freezes   *freeze.Registry
		approvals *approval.Store
		notifier  *recordingNotifier
		quotas    *tenant.Enforcer
		cfg       Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		dir := GinkgoT().TempDir()

		var err error
		auditLog, err = audit.Open("sqlite", filepath.Join(dir, "audit.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { auditLog.Close() })

		freezes, err = freeze.Open(filepath.Join(dir, "freezes.db"), logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { freezes.Close() })

		approvals, err = approval.Open(filepath.Join(dir, "approvals.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { approvals.Close() })

		registry = NewMemoryRegistry()
		notifier = &recordingNotifier{}
		quotas = tenant.NewEnforcer(100, logr.Discard())
		cfg = DefaultConfig()

		mgr = NewManager(Deps{
			Registry:  registry,
			Quotas:    quotas,
			Audit:     auditLog,
			Freezer:   freezes,
			Approvals: approvals,
			Notifier:  notifier,
			Events:    events.NewBus(64),
			Log:       logr.Discard(),
		}, cfg)
	})

	register := func(name string) *Agent {
		a, err := mgr.Register(ctx, RegisterSpec{
			TenantID:     "t1",
			Name:         name,
			Type:         "data_processor",
			Version:      "1.0.0",
			Capabilities: []string{"read_data"},
			RegisteredBy: "admin-1",
		})
		Expect(err).NotTo(HaveOccurred())
		return a
	}

	activate := func(a *Agent) {
		res, err := mgr.ExecuteAction(ctx, ActionRequest{
			AgentID: a.ID, Action: ActionActivate, Actor: "admin-1", Reason: "go live",
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Outcome).To(Equal(OutcomeExecuted))
	}

	countActivities := func(agentID string) int {
		acts, err := auditLog.Query(ctx, audit.Filter{AgentID: agentID})
		Expect(err).NotTo(HaveOccurred())
		return len(acts)
	}

	Describe("registration", func() {
		It("admits an agent at full score with a genesis activity", func() {
			a := register("ingest-1")
			Expect(a.Status).To(Equal(StatusRegistered))
			Expect(a.SecurityScore).To(Equal(100))

			acts, err := auditLog.Query(ctx, audit.Filter{AgentID: a.ID})
			Expect(err).NotTo(HaveOccurred())
			Expect(acts).To(HaveLen(1))
			Expect(acts[0].Category).To(Equal("agent_registered"))
			Expect(acts[0].PrevHash).To(Equal(audit.GenesisPrevHash))
		})

		It("rejects duplicate names within a tenant", func() {
			register("ingest-1")
			_, err := mgr.Register(ctx, RegisterSpec{
				TenantID: "t1", Name: "ingest-1", Type: "data_processor", RegisteredBy: "admin-1",
			})
			Expect(errs.IsKind(err, errs.KindPolicy)).To(BeTrue(), "got %v", err)
		})

		It("rejects incomplete specs", func() {
			_, err := mgr.Register(ctx, RegisterSpec{TenantID: "t1", Type: "x"})
			Expect(errs.IsKind(err, errs.KindValidation)).To(BeTrue())

			_, err = mgr.Register(ctx, RegisterSpec{TenantID: "t1", Name: "a"})
			Expect(errs.IsKind(err, errs.KindValidation)).To(BeTrue())
		})

		It("rejects unknown capabilities when a catalog is configured", func() {
			cfg.KnownCapabilities = []string{"read_data"}
			strict := NewManager(Deps{
				Registry: registry, Quotas: quotas, Audit: auditLog,
				Freezer: freezes, Approvals: approvals, Notifier: notifier,
				Log: logr.Discard(),
			}, cfg)

			_, err := strict.Register(ctx, RegisterSpec{
				TenantID: "t1", Name: "rogue", Type: "x", RegisteredBy: "admin-1",
				Capabilities: []string{"exfiltrate_data"},
			})
			Expect(errs.IsKind(err, errs.KindValidation)).To(BeTrue())
		})

		It("unwinds the admission when the genesis append fails", func() {
			broken := NewManager(Deps{
				Registry: registry, Quotas: quotas,
				Audit:    &failingAppender{err: errs.New(errs.KindUnavailable, "audit store down")},
				Freezer:  freezes, Approvals: approvals, Notifier: notifier,
				Log: logr.Discard(),
			}, cfg)

			_, err := broken.Register(ctx, RegisterSpec{
				TenantID: "t1", Name: "ingest-1", Type: "data_processor", RegisteredBy: "admin-1",
			})
			Expect(errs.IsKind(err, errs.KindUnavailable)).To(BeTrue(), "got %v", err)

			// Neither the name nor the quota slot stays reserved.
			_, exists := registry.GetByName("t1", "ingest-1")
			Expect(exists).To(BeFalse())
			used, _ := quotas.Usage("t1")
			Expect(used).To(Equal(0))

			// The same name admits cleanly once the audit store is back.
			register("ingest-1")
		})

		It("never over-provisions a tenant under concurrent registration", func() {
			const limit = 100
			const attempts = 105

			var ok, quotaErr int64
			var wg sync.WaitGroup
			for i := 0; i < attempts; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := mgr.Register(ctx, RegisterSpec{
						TenantID:     "t1",
						Name:         fmt.Sprintf("swarm-%d", i),
						Type:         "data_processor",
						RegisteredBy: "admin-1",
					})
					switch {
					case err == nil:
						atomic.AddInt64(&ok, 1)
					case errs.IsKind(err, errs.KindPolicy):
						atomic.AddInt64(&quotaErr, 1)
					}
				}(i)
			}
			wg.Wait()

			Expect(ok).To(Equal(int64(limit)))
			Expect(quotaErr).To(Equal(int64(attempts - limit)))
			Expect(mgr.List(ListFilter{TenantID: "t1"})).To(HaveLen(limit))
		})
	})

	Describe("the transition table", func() {
		It("activates a registered agent", func() {
			a := register("ingest-1")
			res, err := mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: a.ID, Action: ActionActivate, Actor: "admin-1", Reason: "go live",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.From).To(Equal(StatusRegistered))
			Expect(res.To).To(Equal(StatusActive))

			act, err := auditLog.Get(ctx, res.ActivityID)
			Expect(err).NotTo(HaveOccurred())
			Expect(act.Description).To(ContainSubstring("Registered→Active"))
		})

		It("rejects every pair outside the table without an audit record", func() {
			allStatuses := []Status{
				StatusRegistered, StatusActive, StatusInactive, StatusMaintenance,
				StatusOffline, StatusSuspended, StatusFrozen, StatusCompromised,
			}
			allActions := []Action{
				ActionActivate, ActionDeactivate, ActionEnterMaintenance,
				ActionExitMaintenance, ActionSuspend, ActionResume,
				ActionFreeze, ActionDecommission,
			}

			a := register("probe")
			for _, from := range allStatuses {
				cur, _ := registry.Get(a.ID)
				cur.Status = from
				Expect(registry.Update(cur)).To(Succeed())

				for _, action := range allActions {
					if _, allowed := transitionFor(from, action); allowed {
						continue
					}
					before := countActivities(a.ID)
					_, err := mgr.ExecuteAction(ctx, ActionRequest{
						AgentID: a.ID, Action: action, Actor: "admin-1",
					})
					Expect(errs.IsKind(err, errs.KindValidation)).To(BeTrue(),
						"%s + %s: got %v", from, action, err)
					Expect(countActivities(a.ID)).To(Equal(before),
						"%s + %s appended an activity", from, action)
				}
			}
		})

		It("rejects everything on a decommissioned agent", func() {
			a := register("done")
			cur, _ := registry.Get(a.ID)
			cur.Status = StatusDecommissioned
			Expect(registry.Update(cur)).To(Succeed())

			_, err := mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: a.ID, Action: ActionActivate, Actor: "admin-1",
			})
			Expect(errs.IsKind(err, errs.KindValidation)).To(BeTrue())

			Expect(errs.IsKind(mgr.Heartbeat(ctx, a.ID, HeartbeatMetrics{}), errs.KindValidation)).To(BeTrue())
		})
	})

	Describe("destructive action gating", func() {
		freezeAgent := func(a *Agent) {
			cur, _ := registry.Get(a.ID)
			cur.Status = StatusFrozen
			Expect(registry.Update(cur)).To(Succeed())
		}

		It("returns pending_approval and opens a request when no approval is supplied", func() {
			a := register("retiring")
			freezeAgent(a)

			res, err := mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: a.ID, Action: ActionDecommission, Actor: "admin-1", Reason: "replaced",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(OutcomePendingApproval))
			Expect(res.ApprovalID).NotTo(BeEmpty())

			// The agent did not move.
			cur, _ := registry.Get(a.ID)
			Expect(cur.Status).To(Equal(StatusFrozen))

			// An admin was notified.
			Expect(notifier.byTitle("approval requested")).NotTo(BeNil())
		})

		It("executes once the approval is consumed, and only once", func() {
			a := register("retiring")
			freezeAgent(a)

			pending, err := mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: a.ID, Action: ActionDecommission, Actor: "admin-1", Reason: "replaced",
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = approvals.Approve(ctx, pending.ApprovalID, "admin-2", "confirmed")
			Expect(err).NotTo(HaveOccurred())

			usedBefore, _ := quotas.Usage("t1")
			res, err := mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: a.ID, Action: ActionDecommission, Actor: "admin-1",
				Reason: "replaced", ApprovalID: pending.ApprovalID,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal(OutcomeExecuted))
			Expect(res.To).To(Equal(StatusDecommissioned))

			// Decommission releases the tenant slot.
			usedAfter, _ := quotas.Usage("t1")
			Expect(usedAfter).To(Equal(usedBefore - 1))

			// The approval is spent: a second agent cannot ride on it.
			b := register("retiring-2")
			freezeAgent(b)
			_, err = mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: b.ID, Action: ActionDecommission, Actor: "admin-1",
				Reason: "replaced", ApprovalID: pending.ApprovalID,
			})
			Expect(errs.IsKind(err, errs.KindPolicy)).To(BeTrue(), "got %v", err)
		})

		It("replays the prior outcome for a repeated correlation id", func() {
			a := register("retiring")
			freezeAgent(a)

			first, err := mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: a.ID, Action: ActionDecommission, Actor: "admin-1",
				Reason: "replaced", CorrelationID: "corr-1",
			})
			Expect(err).NotTo(HaveOccurred())

			again, err := mgr.ExecuteAction(ctx, ActionRequest{
				AgentID: a.ID, Action: ActionDecommission, Actor: "admin-1",
				Reason: "replaced", CorrelationID: "corr-1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(first))
			Expect(approvals.PendingCount()).To(Equal(1), "retry created a second approval")
		})
	})

	Describe("security violations", func() {
		It("suspends an active agent on a critical violation", func() {
			a := register("worker")
			activate(a)

			res, err := mgr.HandleSecurityViolation(ctx, ViolationReport{
				AgentID: a.ID, Type: "unauthorized_access", Severity: risk.Critical,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal("suspended"))
			Expect(res.NewStatus).To(Equal(StatusSuspended))
			Expect(res.NewScore).To(Equal(70))
		})

		It("marks a suspended agent compromised on a second critical violation", func() {
			a := register("worker")
			activate(a)

			_, err := mgr.HandleSecurityViolation(ctx, ViolationReport{
				AgentID: a.ID, Type: "unauthorized_access", Severity: risk.Critical,
			})
			Expect(err).NotTo(HaveOccurred())

			res, err := mgr.HandleSecurityViolation(ctx, ViolationReport{
				AgentID: a.ID, Type: "privilege_escalation", Severity: risk.Critical,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Outcome).To(Equal("compromised"))
			Expect(res.NewStatus).To(Equal(StatusCompromised))
			Expect(res.NewScore).To(Equal(0))
			Expect(res.FreezeID).NotTo(BeEmpty())
			Expect(freezes.IsFrozen(freeze.AgentScope(a.ID))).To(BeTrue())

			// The escalation raised a critical notification with a playbook.
			n := notifier.byTitle("compromised")
			Expect(n).NotTo(BeNil())
			Expect(n.RiskLevel).To(Equal(risk.Critical))
			Expect(n.Recommended).NotTo(BeEmpty())
		})

		It("records a medium violation and warns below the score threshold", func() {
			a := register("worker")
			activate(a)

			// Medium violations on an active agent suspend it; resume between
			// hits so only the score decays.
			for i := 0; i < 3; i++ {
				res, err := mgr.HandleSecurityViolation(ctx, ViolationReport{
					AgentID: a.ID, Type: "policy_drift", Severity: risk.Medium,
				})
				Expect(err).NotTo(HaveOccurred())
				if res.NewStatus == StatusSuspended {
					_, err = mgr.ExecuteAction(ctx, ActionRequest{
						AgentID: a.ID, Action: ActionResume, Actor: "admin-1", Reason: "reviewed",
					})
					Expect(err).NotTo(HaveOccurred())
				}
			}

			cur, _ := registry.Get(a.ID)
			Expect(cur.SecurityScore).To(Equal(55))

			// 55 < 70: a warning notification fired on the last hit.
			Expect(notifier.byTitle("security score warning")).NotTo(BeNil())
		})

		It("replays idempotently on a repeated correlation id", func() {
			a := register("worker")
			activate(a)

			first, err := mgr.HandleSecurityViolation(ctx, ViolationReport{
				AgentID: a.ID, Type: "unauthorized_access", Severity: risk.Critical,
				CorrelationID: "v-1",
			})
			Expect(err).NotTo(HaveOccurred())

			again, err := mgr.HandleSecurityViolation(ctx, ViolationReport{
				AgentID: a.ID, Type: "unauthorized_access", Severity: risk.Critical,
				CorrelationID: "v-1",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(again).To(Equal(first))

			cur, _ := registry.Get(a.ID)
			Expect(cur.SecurityScore).To(Equal(70), "retry applied the penalty twice")
		})
	})

	Describe("score thresholds", func() {
		It("clamps the score to [0, 100]", func() {
			a := register("worker")
			activate(a)

			got, err := mgr.ApplyScoreDelta(ctx, a.ID, +50, "audit pass")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SecurityScore).To(Equal(100))

			got, err = mgr.ApplyScoreDelta(ctx, a.ID, -500, "catastrophe")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SecurityScore).To(Equal(0))
			Expect(got.Status).To(Equal(StatusCompromised))
		})

		It("walks the enforcement bands as the score decays", func() {
			a := register("worker")
			activate(a)

			got, err := mgr.ApplyScoreDelta(ctx, a.ID, -55, "compliance failures")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SecurityScore).To(Equal(45))
			Expect(got.Status).To(Equal(StatusSuspended))

			got, err = mgr.ApplyScoreDelta(ctx, a.ID, -20, "continued failures")
			Expect(err).NotTo(HaveOccurred())
			Expect(got.SecurityScore).To(Equal(25))
			Expect(got.Status).To(Equal(StatusFrozen))
			Expect(freezes.IsFrozen(freeze.AgentScope(a.ID))).To(BeTrue())
		})
	})

	Describe("heartbeats", func() {
		It("stores the latest metrics", func() {
			a := register("worker")
			activate(a)

			m := HeartbeatMetrics{CPUPercent: 40, MemoryPercent: 55, ErrorRate: 0.01, ResponseTimeMs: 120}
			Expect(mgr.Heartbeat(ctx, a.ID, m)).To(Succeed())

			cur, _ := registry.Get(a.ID)
			Expect(cur.LastMetrics).To(Equal(m))
			Expect(cur.LastHeartbeat).NotTo(BeZero())
		})

		It("brings an offline agent back to active", func() {
			a := register("worker")
			activate(a)

			Expect(mgr.MarkOffline(ctx, a.ID, "heartbeat timeout")).To(Succeed())
			cur, _ := registry.Get(a.ID)
			Expect(cur.Status).To(Equal(StatusOffline))
			Expect(cur.SecurityScore).To(Equal(95))

			Expect(mgr.Heartbeat(ctx, a.ID, HeartbeatMetrics{})).To(Succeed())
			cur, _ = registry.Get(a.ID)
			Expect(cur.Status).To(Equal(StatusActive))
		})

		It("only marks active agents offline", func() {
			a := register("worker")
			Expect(mgr.MarkOffline(ctx, a.ID, "timeout")).To(Succeed())

			cur, _ := registry.Get(a.ID)
			Expect(cur.Status).To(Equal(StatusRegistered))
			Expect(cur.SecurityScore).To(Equal(100))
		})
	})
})
