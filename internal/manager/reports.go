package manager

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/marcus-qen/overseer/internal/alerts"
	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/freeze"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/risk"
)

const attentionScoreBelow = 70

// Dashboard is the admin summary view for one tenant.
type Dashboard struct {
	TenantID             string                   `json:"tenant_id"`
	GeneratedAt          time.Time                `json:"generated_at"`
	AgentCounts          map[lifecycle.Status]int `json:"agent_counts"`
	TotalAgents          int                      `json:"total_agents"`
	AverageScore         float64                  `json:"average_score"`
	FrozenEntities       []freeze.Record          `json:"frozen_entities"`
	NeedsAttention       []*lifecycle.Agent       `json:"needs_attention"`
	PendingNotifications int                      `json:"pending_notifications"`
	PendingApprovals     int                      `json:"pending_approvals"`
	Recommendations      []risk.RecommendedAction `json:"recommendations"`
}

// GetDashboard builds the tenant dashboard: status counts, frozen entities,
// agents needing attention, and prioritized recommendations.
func (o *Overseer) GetDashboard(ctx context.Context, tenantID string) (*Dashboard, error) {
	counts := o.lifecycle.CountByStatus(tenantID)
	total := 0
	for _, n := range counts {
		total += n
	}

	agents := o.lifecycle.List(lifecycle.ListFilter{TenantID: tenantID})
	var attention []*lifecycle.Agent
	scoreSum := 0
	for _, a := range agents {
		scoreSum += a.SecurityScore
		if a.SecurityScore < attentionScoreBelow ||
			a.Status == lifecycle.StatusSuspended ||
			a.Status == lifecycle.StatusFrozen ||
			a.Status == lifecycle.StatusCompromised {
			attention = append(attention, a)
		}
	}
	// Worst first.
	sort.Slice(attention, func(i, j int) bool {
		return attention[i].SecurityScore < attention[j].SecurityScore
	})

	avg := 0.0
	if len(agents) > 0 {
		avg = float64(scoreSum) / float64(len(agents))
	}

	d := &Dashboard{
		TenantID:             tenantID,
		GeneratedAt:          o.clock.Now(),
		AgentCounts:          counts,
		TotalAgents:          total,
		AverageScore:         avg,
		FrozenEntities:       o.freezes.ActiveFreezes(),
		NeedsAttention:       attention,
		PendingNotifications: len(o.alerts.ListPending(tenantID, 0)),
		PendingApprovals:     o.approvals.PendingCount(),
		Recommendations:      dashboardRecommendations(attention, o.freezes.SystemFrozen()),
	}

	if o.metrics != nil {
		for status, n := range counts {
			o.metrics.AgentsByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}
	return d, nil
}

func dashboardRecommendations(attention []*lifecycle.Agent, systemFrozen bool) []risk.RecommendedAction {
	var recs []risk.RecommendedAction
	if systemFrozen {
		recs = append(recs, risk.RecommendedAction{
			Action: "review_system_freeze", Priority: 1,
			Description: "The system is frozen; review and unfreeze when safe",
		})
	}
	for _, a := range attention {
		switch a.Status {
		case lifecycle.StatusCompromised:
			recs = append(recs, risk.RecommendedAction{
				Action: "decommission_agent", Priority: 1,
				Description: fmt.Sprintf("agent %q is compromised; request decommission approval", a.Name),
			})
		case lifecycle.StatusFrozen:
			recs = append(recs, risk.RecommendedAction{
				Action: "review_frozen_agent", Priority: 2,
				Description: fmt.Sprintf("agent %q is frozen; review and unfreeze or decommission", a.Name),
			})
		case lifecycle.StatusSuspended:
			recs = append(recs, risk.RecommendedAction{
				Action: "review_suspended_agent", Priority: 3,
				Description: fmt.Sprintf("agent %q is suspended; review recent violations", a.Name),
			})
		default:
			recs = append(recs, risk.RecommendedAction{
				Action: "review_low_score", Priority: 4,
				Description: fmt.Sprintf("agent %q score is %d; review its activity", a.Name, a.SecurityScore),
			})
		}
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority < recs[j].Priority })
	return recs
}

// AgentCompliance is one agent's slice of the compliance report.
type AgentCompliance struct {
	AgentID       string             `json:"agent_id"`
	Name          string             `json:"name"`
	ChainValid    bool               `json:"chain_valid"`
	Checked       int                `json:"records_checked"`
	FirstBreakSeq int64              `json:"first_break_seq,omitempty"`
	FirstBreakID  string             `json:"first_break_id,omitempty"`
	ByRiskLevel   map[risk.Level]int `json:"by_risk_level"`
	NeedsReview   int                `json:"needs_review"`
}

// ComplianceReport is a full tenant audit: chain verification for every
// agent plus activity tallies over the window.
type ComplianceReport struct {
	TenantID    string            `json:"tenant_id"`
	From        time.Time         `json:"from"`
	To          time.Time         `json:"to"`
	GeneratedAt time.Time         `json:"generated_at"`
	Valid       bool              `json:"valid"`
	Agents      []AgentCompliance `json:"agents"`
}

// GenerateComplianceReport verifies every agent's audit chain and tallies
// activity over the window. A chain break is never swallowed: it freezes
// the system, raises an emergency notification, and surfaces as an
// integrity error alongside the report.
func (o *Overseer) GenerateComplianceReport(ctx context.Context, tenantID string, from, to time.Time) (*ComplianceReport, error) {
	agents := o.lifecycle.List(lifecycle.ListFilter{TenantID: tenantID})
	report := &ComplianceReport{
		TenantID:    tenantID,
		From:        from,
		To:          to,
		GeneratedAt: o.clock.Now(),
		Valid:       true,
	}

	var firstBreak *AgentCompliance
	for _, a := range agents {
		vr, err := o.audit.VerifyChain(ctx, a.ID, 0, 0)
		if err != nil {
			return nil, err
		}

		entry := AgentCompliance{
			AgentID:       a.ID,
			Name:          a.Name,
			ChainValid:    vr.Valid,
			Checked:       vr.Checked,
			FirstBreakSeq: vr.FirstBreakSeq,
			FirstBreakID:  vr.FirstBreakID,
			ByRiskLevel:   map[risk.Level]int{},
		}

		acts, err := o.audit.Query(ctx, audit.Filter{
			AgentID: a.ID, Since: from, Until: to, Limit: 1000,
		})
		if err != nil {
			return nil, err
		}
		for _, act := range acts {
			entry.ByRiskLevel[act.RiskLevel]++
			if act.RequiresReview && act.ReviewedBy == "" {
				entry.NeedsReview++
			}
		}

		report.Agents = append(report.Agents, entry)
		if !vr.Valid {
			report.Valid = false
			if firstBreak == nil {
				firstBreak = &entry
			}
		}
	}

	if firstBreak != nil {
		o.escalateIntegrityBreak(ctx, tenantID, firstBreak)
		return report, errs.Newf(errs.KindIntegrity,
			"audit chain break for agent %s at seq %d", firstBreak.AgentID, firstBreak.FirstBreakSeq)
	}
	return report, nil
}

// escalateIntegrityBreak freezes the system and raises a critical
// notification. Integrity violations are never swallowed.
func (o *Overseer) escalateIntegrityBreak(ctx context.Context, tenantID string, entry *AgentCompliance) {
	o.log.Error(nil, "audit chain integrity violation",
		"agent", entry.AgentID, "seq", entry.FirstBreakSeq, "activity", entry.FirstBreakID)

	if _, created, err := o.freezes.Freeze(ctx, freeze.SystemScope(),
		fmt.Sprintf("audit chain break: agent %s seq %d", entry.AgentID, entry.FirstBreakSeq),
		entry.FirstBreakID, risk.Emergency); err != nil {
		o.log.Error(err, "system freeze on integrity break failed")
	} else if created {
		o.countFreeze(freeze.SystemScope())
	}

	if o.alerts != nil {
		if _, err := o.alerts.Notify(ctx, &alerts.Notification{
			TenantID:     tenantID,
			AgentID:      entry.AgentID,
			ActivityID:   entry.FirstBreakID,
			RiskLevel:    risk.Emergency,
			Title:        "audit chain integrity violation",
			Description:  fmt.Sprintf("chain break for agent %s at seq %d; system frozen", entry.AgentID, entry.FirstBreakSeq),
			SystemAction: risk.ActionFreezeSystem,
			Recommended: []risk.RecommendedAction{
				{Action: "investigate_tampering", Priority: 1, Description: "Identify how the audit row was altered"},
				{Action: "restore_from_backup", Priority: 2, Description: "Restore the audit store from a trusted backup"},
				{Action: "unfreeze_system", Priority: 3, Description: "Unfreeze once the chain is trusted again"},
			},
		}); err != nil {
			o.log.Error(err, "integrity notification failed")
		}
		o.countNotification(risk.Emergency)
	}
}

// VerifyAgentChain verifies one agent's audit chain; a break escalates the
// same way as a failed compliance report.
func (o *Overseer) VerifyAgentChain(ctx context.Context, agentID string) (audit.VerifyResult, error) {
	agent, err := o.lifecycle.Get(agentID)
	if err != nil {
		return audit.VerifyResult{}, err
	}
	vr, err := o.audit.VerifyChain(ctx, agentID, 0, 0)
	if err != nil {
		return vr, err
	}
	if !vr.Valid {
		o.escalateIntegrityBreak(ctx, agent.TenantID, &AgentCompliance{
			AgentID:       agentID,
			ChainValid:    false,
			FirstBreakSeq: vr.FirstBreakSeq,
			FirstBreakID:  vr.FirstBreakID,
		})
		return vr, errs.Newf(errs.KindIntegrity,
			"audit chain break for agent %s at seq %d", agentID, vr.FirstBreakSeq)
	}
	return vr, nil
}
