// Package freeze tracks frozen agents, modules, and whole-system freezes.
// The registry is the authoritative gate consulted before any state-changing
// operation: scope precedence is system > module > agent. Freezes persist to
// SQL and are cached in memory so reads after a write always observe it.
package freeze

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/risk"
)

// ScopeType identifies what a freeze applies to.
type ScopeType string

const (
	ScopeAgent  ScopeType = "agent"
	ScopeModule ScopeType = "module"
	ScopeSystem ScopeType = "system"
)

// SystemTarget is the fixed target string of a system-wide freeze.
const SystemTarget = "system"

// Scope is a (type, target) pair. System scopes use SystemTarget.
type Scope struct {
	Type   ScopeType `json:"type"`
	Target string    `json:"target"`
}

// SystemScope returns the whole-system scope.
func SystemScope() Scope { return Scope{Type: ScopeSystem, Target: SystemTarget} }

// AgentScope returns the scope freezing a single agent.
func AgentScope(agentID string) Scope { return Scope{Type: ScopeAgent, Target: agentID} }

// ModuleScope returns the scope freezing a module.
func ModuleScope(module string) Scope { return Scope{Type: ScopeModule, Target: module} }

// Record is one freeze, active until UnfrozenAt is set.
type Record struct {
	ID                   string     `json:"id"`
	Type                 ScopeType  `json:"type"`
	Target               string     `json:"target"`
	Reason               string     `json:"reason"`
	TriggeringActivityID string     `json:"triggering_activity_id,omitempty"`
	RiskLevel            risk.Level `json:"risk_level"`
	FrozenAt             time.Time  `json:"frozen_at"`
	UnfrozenAt           *time.Time `json:"unfrozen_at,omitempty"`
	UnfreezeAuthorizedBy string     `json:"unfreeze_authorized_by,omitempty"`
	UnfreezeReason       string     `json:"unfreeze_reason,omitempty"`
}

// Active reports whether the freeze is still in force.
func (r *Record) Active() bool { return r.UnfrozenAt == nil }

// Registry is the freeze cache plus its SQL persistence. At most one active
// record exists per scope.
type Registry struct {
	db  *sql.DB
	log logr.Logger

	mu     sync.RWMutex
	active map[Scope]*Record
}

// Open opens (or creates) a SQLite-backed freeze registry and loads active
// freezes into the cache.
func Open(dbPath string, log logr.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open freeze db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS freeze_records (
		id           TEXT PRIMARY KEY,
		freeze_type  TEXT NOT NULL,
		target       TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		activity_id  TEXT NOT NULL DEFAULT '',
		risk_level   TEXT NOT NULL DEFAULT '',
		frozen_at    TEXT NOT NULL,
		unfrozen_at  TEXT,
		unfrozen_by  TEXT NOT NULL DEFAULT '',
		unfreeze_reason TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create freeze table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_freeze_active ON freeze_records(freeze_type, target) WHERE unfrozen_at IS NULL`)

	r := &Registry{db: db, log: log, active: make(map[Scope]*Record)}
	if err := r.loadActive(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) loadActive() error {
	rows, err := r.db.Query(`SELECT id, freeze_type, target, reason, activity_id,
		risk_level, frozen_at FROM freeze_records WHERE unfrozen_at IS NULL`)
	if err != nil {
		return fmt.Errorf("load active freezes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec Record
		var frozenAt string
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Target, &rec.Reason,
			&rec.TriggeringActivityID, &rec.RiskLevel, &frozenAt); err != nil {
			return err
		}
		rec.FrozenAt, _ = time.Parse(time.RFC3339Nano, frozenAt)
		r.active[Scope{Type: rec.Type, Target: rec.Target}] = &rec
	}
	return rows.Err()
}

// Close closes the backing database.
func (r *Registry) Close() error { return r.db.Close() }

// Ping verifies the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.KindUnavailable, "freeze registry unreachable", err)
	}
	return nil
}

// Freeze places the scope under a freeze. Idempotent: freezing an
// already-frozen scope returns the existing record with created=false so the
// caller emits no duplicate notification.
func (r *Registry) Freeze(ctx context.Context, scope Scope, reason, triggeringActivityID string, level risk.Level) (*Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.active[scope]; ok {
		return rec, false, nil
	}

	rec := &Record{
		ID:                   uuid.NewString(),
		Type:                 scope.Type,
		Target:               scope.Target,
		Reason:               reason,
		TriggeringActivityID: triggeringActivityID,
		RiskLevel:            level,
		FrozenAt:             time.Now().UTC(),
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO freeze_records
		(id, freeze_type, target, reason, activity_id, risk_level, frozen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, string(rec.Type), rec.Target, rec.Reason,
		rec.TriggeringActivityID, string(rec.RiskLevel),
		rec.FrozenAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, errs.Wrap(errs.KindUnavailable, "persist freeze", err)
	}

	r.active[scope] = rec
	r.log.Info("scope frozen", "type", scope.Type, "target", scope.Target, "reason", reason)
	return rec, true, nil
}

// Unfreeze lifts an active freeze. Only a named admin principal may
// authorize it.
func (r *Registry) Unfreeze(ctx context.Context, scope Scope, authorizedBy, reason string) (*Record, error) {
	if authorizedBy == "" {
		return nil, errs.New(errs.KindValidation, "unfreeze requires a named admin principal")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.active[scope]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "no active freeze for %s %q", scope.Type, scope.Target)
	}

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `UPDATE freeze_records
		SET unfrozen_at = ?, unfrozen_by = ?, unfreeze_reason = ?
		WHERE id = ?`,
		now.Format(time.RFC3339Nano), authorizedBy, reason, rec.ID)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist unfreeze", err)
	}

	rec.UnfrozenAt = &now
	rec.UnfreezeAuthorizedBy = authorizedBy
	rec.UnfreezeReason = reason
	delete(r.active, scope)

	r.log.Info("scope unfrozen", "type", scope.Type, "target", scope.Target, "by", authorizedBy)
	return rec, nil
}

// IsFrozen reports whether the exact scope is frozen, honoring system
// precedence (a system freeze freezes everything).
func (r *Registry) IsFrozen(scope Scope) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.active[SystemScope()]; ok {
		return true
	}
	_, ok := r.active[scope]
	return ok
}

// IsAgentFrozen reports whether the agent is blocked: by its own freeze, its
// module's, or a system freeze. module may be empty.
func (r *Registry) IsAgentFrozen(agentID, module string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.active[SystemScope()]; ok {
		return true
	}
	if module != "" {
		if _, ok := r.active[ModuleScope(module)]; ok {
			return true
		}
	}
	_, ok := r.active[AgentScope(agentID)]
	return ok
}

// SystemFrozen reports whether a system-wide freeze is in force.
func (r *Registry) SystemFrozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[SystemScope()]
	return ok
}

// ActiveFreezes returns a point-in-time snapshot of all active freezes.
func (r *Registry) ActiveFreezes() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.active))
	for _, rec := range r.active {
		out = append(out, *rec)
	}
	return out
}

// Get returns the active freeze for the scope, if any.
func (r *Registry) Get(scope Scope) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.active[scope]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}
