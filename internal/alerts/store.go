// Package alerts surfaces risk events to administrators. Notifications are
// persisted before any channel delivery is attempted, so a channel outage
// never loses a critical alert; delivery runs from a bounded retry queue.
package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/risk"
)

// Status is the admin-facing lifecycle of a notification.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Notification is one admin-visible alert.
type Notification struct {
	ID            string                   `json:"id"`
	TenantID      string                   `json:"tenant_id,omitempty"`
	CreatedAt     time.Time                `json:"created_at"`
	RiskLevel     risk.Level               `json:"risk_level"`
	Title         string                   `json:"title"`
	Description   string                   `json:"description"`
	AgentID       string                   `json:"agent_id,omitempty"`
	ActivityID    string                   `json:"activity_id,omitempty"`
	Recommended   []risk.RecommendedAction `json:"recommended_actions,omitempty"`
	SystemAction  risk.SystemAction        `json:"system_action_taken"`
	Status        Status                   `json:"status"`
	AdminResponse string                   `json:"admin_response,omitempty"`
	RespondedBy   string                   `json:"responded_by,omitempty"`
	RespondedAt   *time.Time               `json:"responded_at,omitempty"`
	Resolution    string                   `json:"resolution,omitempty"`
}

// Store persists admin notifications with an in-memory index of open ones.
type Store struct {
	db *sql.DB

	mu   sync.RWMutex
	open map[string]*Notification // pending + acknowledged
}

// OpenStore opens (or creates) a SQLite-backed notification store.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open notifications db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS admin_notifications (
		id             TEXT PRIMARY KEY,
		tenant_id      TEXT NOT NULL DEFAULT '',
		created_at     TEXT NOT NULL,
		risk_level     TEXT NOT NULL,
		title          TEXT NOT NULL,
		description    TEXT NOT NULL DEFAULT '',
		agent_id       TEXT NOT NULL DEFAULT '',
		activity_id    TEXT NOT NULL DEFAULT '',
		recommended    TEXT NOT NULL DEFAULT '[]',
		system_action  TEXT NOT NULL DEFAULT 'none',
		status         TEXT NOT NULL,
		admin_response TEXT NOT NULL DEFAULT '',
		responded_by   TEXT NOT NULL DEFAULT '',
		responded_at   TEXT,
		resolution     TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create notifications table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_notifications_status ON admin_notifications(status, risk_level, created_at)`)

	s := &Store{db: db, open: make(map[string]*Notification)}
	if err := s.loadOpen(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadOpen() error {
	rows, err := s.db.Query(`SELECT id, tenant_id, created_at, risk_level, title,
		description, agent_id, activity_id, recommended, system_action, status,
		admin_response, responded_by, responded_at, resolution
		FROM admin_notifications WHERE status IN ('pending', 'acknowledged')`)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return err
		}
		s.open[n.ID] = n
	}
	return rows.Err()
}

// Close closes the backing database.
func (s *Store) Close() error { return s.db.Close() }

// Insert persists a new pending notification. ID and CreatedAt are assigned
// if missing.
func (s *Store) Insert(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.SystemAction == "" {
		n.SystemAction = risk.ActionNone
	}

	recJSON, _ := json.Marshal(n.Recommended)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `INSERT INTO admin_notifications
		(id, tenant_id, created_at, risk_level, title, description, agent_id,
		 activity_id, recommended, system_action, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.TenantID, n.CreatedAt.Format(time.RFC3339Nano), string(n.RiskLevel),
		n.Title, n.Description, n.AgentID, n.ActivityID, string(recJSON),
		string(n.SystemAction), string(n.Status)); err != nil {
		return errs.Wrap(errs.KindUnavailable, "persist notification", err)
	}

	cp := *n
	s.open[n.ID] = &cp
	return nil
}

// Get returns a notification by id, consulting the open cache then the table.
func (s *Store) Get(ctx context.Context, id string) (*Notification, error) {
	s.mu.RLock()
	if n, ok := s.open[id]; ok {
		cp := *n
		s.mu.RUnlock()
		return &cp, nil
	}
	s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT id, tenant_id, created_at, risk_level,
		title, description, agent_id, activity_id, recommended, system_action,
		status, admin_response, responded_by, responded_at, resolution
		FROM admin_notifications WHERE id = ?`, id)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "notification %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "get notification", err)
	}
	return n, nil
}

// Pending returns pending notifications, newest first, tenant-scoped when
// tenantID is non-empty.
func (s *Store) Pending(tenantID string, limit int) []*Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Notification
	for _, n := range s.open {
		if n.Status != StatusPending {
			continue
		}
		if tenantID != "" && n.TenantID != tenantID {
			continue
		}
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// PendingCount returns the number of pending notifications.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, notif := range s.open {
		if notif.Status == StatusPending {
			n++
		}
	}
	return n
}

// Respond records an admin decision: acknowledge keeps the notification
// open, resolve closes it permanently. Resolved notifications are immutable.
func (s *Store) Respond(ctx context.Context, id, adminID, response string, resolve bool, resolution string) (*Notification, error) {
	if adminID == "" {
		return nil, errs.New(errs.KindValidation, "response requires a named admin principal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.open[id]
	if !ok {
		// Either unknown or already resolved; resolved means immutable.
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM admin_notifications WHERE id = ?`, id).Scan(&status)
		if err == nil && Status(status) == StatusResolved {
			return nil, errs.Newf(errs.KindPolicy, "notification %s is resolved and immutable", id)
		}
		return nil, errs.Newf(errs.KindNotFound, "notification %s not found", id)
	}

	now := time.Now().UTC()
	status := StatusAcknowledged
	if resolve {
		status = StatusResolved
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE admin_notifications
		SET status = ?, admin_response = ?, responded_by = ?, responded_at = ?, resolution = ?
		WHERE id = ?`,
		string(status), response, adminID, now.Format(time.RFC3339Nano), resolution, id); err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "persist notification response", err)
	}

	n.Status = status
	n.AdminResponse = response
	n.RespondedBy = adminID
	n.RespondedAt = &now
	n.Resolution = resolution

	cp := *n
	if resolve {
		delete(s.open, id)
	}
	return &cp, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanNotification(row rowScanner) (*Notification, error) {
	var n Notification
	var createdAt, recJSON string
	var respondedAt sql.NullString

	err := row.Scan(&n.ID, &n.TenantID, &createdAt, &n.RiskLevel, &n.Title,
		&n.Description, &n.AgentID, &n.ActivityID, &recJSON, &n.SystemAction,
		&n.Status, &n.AdminResponse, &n.RespondedBy, &respondedAt, &n.Resolution)
	if err != nil {
		return nil, err
	}

	n.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	_ = json.Unmarshal([]byte(recJSON), &n.Recommended)
	if respondedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, respondedAt.String)
		if perr == nil {
			n.RespondedAt = &t
		}
	}
	return &n, nil
}
