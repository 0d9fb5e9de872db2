/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package tenant provides per-tenant quota enforcement for agent
// registration. Reservation and release happen under one lock, so
// concurrent registrations can never over-provision a tenant.
package tenant

import (
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/overseer/internal/errs"
)

// Quota is the agent budget of one tenant.
type Quota struct {
	TenantID  string `json:"tenant_id"`
	MaxAgents int    `json:"max_agents"`
	Current   int    `json:"current"`

	// LastUpdated is when the count last changed.
	LastUpdated time.Time `json:"last_updated"`
}

// Enforcer tracks tenant quotas. Unknown tenants get the default limit on
// first reservation.
type Enforcer struct {
	mu         sync.Mutex
	quotas     map[string]*Quota
	defaultMax int
	log        logr.Logger
}

// NewEnforcer creates a quota enforcer. defaultMax applies to tenants with
// no explicit limit.
func NewEnforcer(defaultMax int, log logr.Logger) *Enforcer {
	if defaultMax <= 0 {
		defaultMax = 100
	}
	return &Enforcer{
		quotas:     make(map[string]*Quota),
		defaultMax: defaultMax,
		log:        log,
	}
}

// SetLimit sets (or overrides) a tenant's max agent count.
func (e *Enforcer) SetLimit(tenantID string, maxAgents int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.quota(tenantID)
	q.MaxAgents = maxAgents
	q.LastUpdated = time.Now().UTC()
}

// Reserve claims one agent slot for the tenant. It must be called inside the
// same critical section that admits the agent; call Release if the
// registration fails afterward.
func (e *Enforcer) Reserve(tenantID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.quota(tenantID)
	if q.Current >= q.MaxAgents {
		return errs.Newf(errs.KindPolicy, "tenant %s quota exceeded (%d/%d agents)",
			tenantID, q.Current, q.MaxAgents)
	}
	q.Current++
	q.LastUpdated = time.Now().UTC()
	return nil
}

// Release returns one agent slot, e.g. after a failed registration or a
// decommission.
func (e *Enforcer) Release(tenantID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.quota(tenantID)
	if q.Current > 0 {
		q.Current--
	}
	q.LastUpdated = time.Now().UTC()
}

// Usage returns the tenant's current count and limit.
func (e *Enforcer) Usage(tenantID string) (current, maxAgents int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.quota(tenantID)
	return q.Current, q.MaxAgents
}

// Snapshot returns a copy of all known quotas.
func (e *Enforcer) Snapshot() []Quota {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Quota, 0, len(e.quotas))
	for _, q := range e.quotas {
		out = append(out, *q)
	}
	return out
}

// quota returns the tenant's quota, creating it with the default limit.
// Caller holds e.mu.
func (e *Enforcer) quota(tenantID string) *Quota {
	q, ok := e.quotas[tenantID]
	if !ok {
		q = &Quota{TenantID: tenantID, MaxAgents: e.defaultMax}
		e.quotas[tenantID] = q
	}
	return q
}
