package lifecycle

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"
)

// SQLStore provides persistent agent records backed by SQLite. Reads are
// served from the in-memory registry for speed; mutations are written to
// both memory and disk.
type SQLStore struct {
	db  *sql.DB
	mem *MemoryRegistry
	log logr.Logger
}

var _ Registry = (*SQLStore)(nil)

// OpenStore opens (or creates) a SQLite-backed agent store and loads all
// records into memory.
func OpenStore(dbPath string, log logr.Logger) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open agents db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS agents (
		id                TEXT PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		name              TEXT NOT NULL,
		type              TEXT NOT NULL DEFAULT '',
		version           TEXT NOT NULL DEFAULT '',
		capabilities      TEXT NOT NULL DEFAULT '[]',
		permissions       TEXT NOT NULL DEFAULT '[]',
		status            TEXT NOT NULL,
		security_score    INTEGER NOT NULL DEFAULT 100,
		created_at        TEXT NOT NULL,
		registered_by     TEXT NOT NULL DEFAULT '',
		last_heartbeat    TEXT,
		last_score_update TEXT,
		last_metrics      TEXT NOT NULL DEFAULT '{}',
		UNIQUE (tenant_id, name)
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create agents table: %w", err)
	}
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_agents_tenant_status ON agents(tenant_id, status)`)

	s := &SQLStore{db: db, mem: NewMemoryRegistry(), log: log}
	if err := s.loadAll(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load agents: %w", err)
	}
	return s, nil
}

func (s *SQLStore) loadAll() error {
	rows, err := s.db.Query(`SELECT id, tenant_id, name, type, version,
		capabilities, permissions, status, security_score, created_at,
		registered_by, last_heartbeat, last_score_update, last_metrics FROM agents`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var a Agent
		var caps, perms, createdAt, metrics string
		var lastHB, lastScore sql.NullString
		if err := rows.Scan(&a.ID, &a.TenantID, &a.Name, &a.Type, &a.Version,
			&caps, &perms, &a.Status, &a.SecurityScore, &createdAt,
			&a.RegisteredBy, &lastHB, &lastScore, &metrics); err != nil {
			return err
		}
		_ = json.Unmarshal([]byte(caps), &a.Capabilities)
		_ = json.Unmarshal([]byte(perms), &a.Permissions)
		_ = json.Unmarshal([]byte(metrics), &a.LastMetrics)
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if lastHB.Valid {
			a.LastHeartbeat, _ = time.Parse(time.RFC3339Nano, lastHB.String)
		}
		if lastScore.Valid {
			a.LastScoreUpdate, _ = time.Parse(time.RFC3339Nano, lastScore.String)
		}
		if err := s.mem.Insert(&a); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the backing database.
func (s *SQLStore) Close() error { return s.db.Close() }

// ── Delegated reads (in-memory) ─────────────────────────────

func (s *SQLStore) Get(id string) (*Agent, bool)            { return s.mem.Get(id) }
func (s *SQLStore) GetByName(t, n string) (*Agent, bool)    { return s.mem.GetByName(t, n) }
func (s *SQLStore) List(f ListFilter) []*Agent              { return s.mem.List(f) }
func (s *SQLStore) CountByStatus(t string) map[Status]int   { return s.mem.CountByStatus(t) }

// ── Mutations (memory + disk) ───────────────────────────────

func (s *SQLStore) Insert(a *Agent) error {
	if err := s.mem.Insert(a); err != nil {
		return err
	}
	return s.upsert(a)
}

func (s *SQLStore) Update(a *Agent) error {
	if err := s.mem.Update(a); err != nil {
		return err
	}
	return s.upsert(a)
}

func (s *SQLStore) Delete(id string) error {
	if err := s.mem.Delete(id); err != nil {
		return err
	}
	if _, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id); err != nil {
		s.log.Error(err, "delete agent", "id", id)
		return err
	}
	return nil
}

func (s *SQLStore) upsert(a *Agent) error {
	caps, _ := json.Marshal(a.Capabilities)
	perms, _ := json.Marshal(a.Permissions)
	metrics, _ := json.Marshal(a.LastMetrics)

	var lastHB, lastScore any
	if !a.LastHeartbeat.IsZero() {
		lastHB = a.LastHeartbeat.UTC().Format(time.RFC3339Nano)
	}
	if !a.LastScoreUpdate.IsZero() {
		lastScore = a.LastScoreUpdate.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.Exec(`INSERT INTO agents
		(id, tenant_id, name, type, version, capabilities, permissions, status,
		 security_score, created_at, registered_by, last_heartbeat,
		 last_score_update, last_metrics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			security_score = excluded.security_score,
			capabilities = excluded.capabilities,
			permissions = excluded.permissions,
			version = excluded.version,
			last_heartbeat = excluded.last_heartbeat,
			last_score_update = excluded.last_score_update,
			last_metrics = excluded.last_metrics`,
		a.ID, a.TenantID, a.Name, a.Type, a.Version, string(caps), string(perms),
		string(a.Status), a.SecurityScore, a.CreatedAt.UTC().Format(time.RFC3339Nano),
		a.RegisteredBy, lastHB, lastScore, string(metrics))
	if err != nil {
		s.log.Error(err, "persist agent", "id", a.ID)
	}
	return err
}
