// Package lifecycle owns the agent state machine: registration under tenant
// quotas, the closed transition table, the security score ledger, and
// destructive-action gating through approvals. All mutations for one agent
// are serialized; every transition emits exactly one audit activity.
package lifecycle

import (
	"time"
)

// Status is an agent's lifecycle state. The set is closed; transitions not
// in the table are rejected.
type Status string

const (
	StatusRegistered     Status = "registered"
	StatusActive         Status = "active"
	StatusInactive       Status = "inactive"
	StatusMaintenance    Status = "maintenance"
	StatusOffline        Status = "offline"
	StatusSuspended      Status = "suspended"
	StatusFrozen         Status = "frozen"
	StatusCompromised    Status = "compromised"
	StatusDecommissioned Status = "decommissioned"
)

// Terminal reports whether the status is final; a decommissioned agent is
// immutable.
func (s Status) Terminal() bool { return s == StatusDecommissioned }

// Agent is one registered worker agent.
type Agent struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"` // unique within tenant
	Type         string   `json:"type"` // doubles as the agent's module for freeze scoping
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Permissions  []string `json:"permissions"`

	Status        Status `json:"status"`
	SecurityScore int    `json:"security_score"` // 0–100, starts at 100

	CreatedAt       time.Time `json:"created_at"`
	RegisteredBy    string    `json:"registered_by"`
	LastHeartbeat   time.Time `json:"last_heartbeat,omitempty"`
	LastScoreUpdate time.Time `json:"last_score_update,omitempty"`

	// LastMetrics is the health payload from the most recent heartbeat.
	LastMetrics HeartbeatMetrics `json:"last_metrics,omitempty"`
}

// Module returns the freeze-scope module the agent belongs to. Module
// identity is decided outside the core; the control plane uses the agent
// type.
func (a *Agent) Module() string { return a.Type }

// Action is an admin- or system-initiated lifecycle operation.
type Action string

const (
	ActionActivate         Action = "activate"
	ActionDeactivate       Action = "deactivate"
	ActionEnterMaintenance Action = "enter_maintenance"
	ActionExitMaintenance  Action = "exit_maintenance"
	ActionSuspend          Action = "suspend"
	ActionResume           Action = "resume"
	ActionFreeze           Action = "freeze"
	ActionDecommission     Action = "decommission"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionActivate, ActionDeactivate, ActionEnterMaintenance,
		ActionExitMaintenance, ActionSuspend, ActionResume,
		ActionFreeze, ActionDecommission:
		return true
	}
	return false
}

// Destructive reports whether the action requires an approved
// ApprovalRequest.
func (a Action) Destructive() bool { return a == ActionDecommission }

// transitions is the closed state machine table for admin actions.
// Internal triggers (heartbeat timeout/resume, violation-driven moves) are
// applied by the manager, not through this table.
var transitions = map[Status]map[Action]Status{
	StatusRegistered: {
		ActionActivate: StatusActive,
	},
	StatusActive: {
		ActionDeactivate:       StatusInactive,
		ActionEnterMaintenance: StatusMaintenance,
		ActionSuspend:          StatusSuspended,
	},
	StatusMaintenance: {
		ActionExitMaintenance: StatusActive,
	},
	StatusSuspended: {
		ActionResume: StatusActive,
		ActionFreeze: StatusFrozen,
	},
	StatusFrozen: {
		ActionDecommission: StatusDecommissioned,
	},
	StatusCompromised: {
		ActionDecommission: StatusDecommissioned,
	},
}

func transitionFor(from Status, action Action) (Status, bool) {
	m, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := m[action]
	return to, ok
}

// HeartbeatMetrics is the health payload an agent reports with each beat.
type HeartbeatMetrics struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	ErrorRate      float64 `json:"error_rate"`
	ResponseTimeMs float64 `json:"response_time_ms"`
}

// clampScore keeps the security score within [0, 100].
func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
