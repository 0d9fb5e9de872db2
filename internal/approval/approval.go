/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package approval gates destructive lifecycle actions behind explicit admin
// authorization. Each request has a TTL; unanswered requests expire and can
// never satisfy the gate. An approved request is single-use: it is consumed
// in the same critical section that executes the action.
package approval

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/overseer/internal/errs"
)

// Action is a destructive operation that requires approval.
type Action string

const (
	ActionDecommission       Action = "decommission"
	ActionPermanentDelete    Action = "permanent_delete"
	ActionTenantModification Action = "tenant_modification"
)

// Valid reports whether a is a known approval-gated action.
func (a Action) Valid() bool {
	switch a {
	case ActionDecommission, ActionPermanentDelete, ActionTenantModification:
		return true
	}
	return false
}

// Status is the lifecycle of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
	StatusConsumed Status = "consumed"
)

// Request is one approval item.
type Request struct {
	ID          string     `json:"id"`
	AgentID     string     `json:"agent_id"`
	Action      Action     `json:"action"`
	RequestedBy string     `json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	Reason      string     `json:"reason"`
	Status      Status     `json:"status"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ConsumedAt  *time.Time `json:"consumed_at,omitempty"`
}

// Store persists approval requests with an in-memory index for reads.
type Store struct {
	db *sql.DB

	mu       sync.Mutex
	requests map[string]*Request
}

// Open opens (or creates) a SQLite-backed approval store and loads
// undecided and approved-unconsumed requests.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open approval db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS approval_requests (
		id           TEXT PRIMARY KEY,
		agent_id     TEXT NOT NULL,
		action       TEXT NOT NULL,
		requested_by TEXT NOT NULL,
		requested_at TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		decided_by   TEXT NOT NULL DEFAULT '',
		decided_at   TEXT,
		notes        TEXT NOT NULL DEFAULT '',
		expires_at   TEXT NOT NULL,
		consumed_at  TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create approval table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_approvals_sweep ON approval_requests(status, expires_at)`)

	s := &Store{db: db, requests: make(map[string]*Request)}
	if err := s.loadOpen(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOpen() error {
	rows, err := s.db.Query(`SELECT id, agent_id, action, requested_by, requested_at,
		reason, status, decided_by, decided_at, notes, expires_at
		FROM approval_requests WHERE status IN ('pending', 'approved')`)
	if err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r Request
		var requestedAt, expiresAt string
		var decidedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.AgentID, &r.Action, &r.RequestedBy,
			&requestedAt, &r.Reason, &r.Status, &r.DecidedBy, &decidedAt,
			&r.Notes, &expiresAt); err != nil {
			return err
		}
		r.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
		r.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		if decidedAt.Valid {
			t, perr := time.Parse(time.RFC3339Nano, decidedAt.String)
			if perr == nil {
				r.DecidedAt = &t
			}
		}
		s.requests[r.ID] = &r
	}
	return rows.Err()
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

// Create opens a new pending request with the given TTL.
func (s *Store) Create(ctx context.Context, agentID string, action Action, requestedBy, reason string, ttl time.Duration) (*Request, error) {
	if !action.Valid() {
		return nil, errs.Newf(errs.KindValidation, "unknown approval action %q", action)
	}
	if requestedBy == "" {
		return nil, errs.New(errs.KindValidation, "requested_by required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now().UTC()
	r := &Request{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Action:      action,
		RequestedBy: requestedBy,
		RequestedAt: now,
		Reason:      reason,
		Status:      StatusPending,
		ExpiresAt:   now.Add(ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `INSERT INTO approval_requests
		(id, agent_id, action, requested_by, requested_at, reason, status, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.AgentID, string(r.Action), r.RequestedBy,
		r.RequestedAt.Format(time.RFC3339Nano), r.Reason, string(r.Status),
		r.ExpiresAt.Format(time.RFC3339Nano)); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist approval request", err)
	}

	s.requests[r.ID] = r
	cp := *r
	return &cp, nil
}

// Approve marks a pending, unexpired request approved.
func (s *Store) Approve(ctx context.Context, id, adminID, notes string) (*Request, error) {
	return s.decide(ctx, id, adminID, notes, StatusApproved)
}

// Reject marks a pending request rejected.
func (s *Store) Reject(ctx context.Context, id, adminID, notes string) (*Request, error) {
	return s.decide(ctx, id, adminID, notes, StatusRejected)
}

func (s *Store) decide(ctx context.Context, id, adminID, notes string, to Status) (*Request, error) {
	if adminID == "" {
		return nil, errs.New(errs.KindValidation, "decision requires a named admin principal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "approval request %s not found", id)
	}
	if r.Status != StatusPending {
		return nil, errs.Newf(errs.KindPolicy, "approval request %s already %s", id, r.Status)
	}
	if time.Now().UTC().After(r.ExpiresAt) {
		s.markExpiredLocked(ctx, r)
		return nil, errs.Newf(errs.KindPolicy, "approval request %s expired at %s",
			id, r.ExpiresAt.Format(time.RFC3339))
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE approval_requests
		SET status = ?, decided_by = ?, decided_at = ?, notes = ? WHERE id = ?`,
		string(to), adminID, now.Format(time.RFC3339Nano), notes, id); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist approval decision", err)
	}

	r.Status = to
	r.DecidedBy = adminID
	r.DecidedAt = &now
	r.Notes = notes
	if to == StatusRejected {
		delete(s.requests, id)
	}
	cp := *r
	return &cp, nil
}

// Consume spends an approved, unexpired request that matches the target and
// action. Single-use: a second Consume with the same id fails.
func (s *Store) Consume(ctx context.Context, id, agentID string, action Action) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, errs.Newf(errs.KindPolicy, "approval %s not found or already consumed", id)
	}
	if r.Status != StatusApproved {
		return nil, errs.Newf(errs.KindPolicy, "approval %s is %s, not approved", id, r.Status)
	}
	if time.Now().UTC().After(r.ExpiresAt) {
		s.markExpiredLocked(ctx, r)
		return nil, errs.Newf(errs.KindPolicy, "approval %s expired", id)
	}
	if r.AgentID != agentID || r.Action != action {
		return nil, errs.Newf(errs.KindPolicy,
			"approval %s does not cover %s on agent %s", id, action, agentID)
	}

	now := time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `UPDATE approval_requests
		SET status = ?, consumed_at = ? WHERE id = ? AND status = ?`,
		string(StatusConsumed), now.Format(time.RFC3339Nano), id, string(StatusApproved)); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist approval consumption", err)
	}

	r.Status = StatusConsumed
	r.ConsumedAt = &now
	delete(s.requests, id)
	cp := *r
	return &cp, nil
}

// Get returns a request by id (open requests only).
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// Pending returns pending, unexpired requests, newest first.
func (s *Store) Pending(limit int) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []*Request
	for _, r := range s.requests {
		if r.Status == StatusPending && now.Before(r.ExpiresAt) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PendingCount returns the number of open pending requests.
func (s *Store) PendingCount() int {
	return len(s.Pending(0))
}

// SweepExpired moves past-TTL pending requests to expired. Returns how many
// were swept.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for _, r := range s.requests {
		if r.Status == StatusPending && now.UTC().After(r.ExpiresAt) {
			s.markExpiredLocked(ctx, r)
			swept++
		}
	}
	return swept
}

// markExpiredLocked transitions a request to expired. Caller holds s.mu.
func (s *Store) markExpiredLocked(ctx context.Context, r *Request) {
	_, _ = s.db.ExecContext(ctx, `UPDATE approval_requests SET status = ? WHERE id = ?`,
		string(StatusExpired), r.ID)
	r.Status = StatusExpired
	delete(s.requests, r.ID)
}
