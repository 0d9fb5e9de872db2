package server

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

// Permission defines what an API key can do.
type Permission string

const (
	PermAgentLog      Permission = "agent:log"
	PermAgentRead     Permission = "agent:read"
	PermAgentWrite    Permission = "agent:write"
	PermApprovalRead  Permission = "approval:read"
	PermApprovalWrite Permission = "approval:write"
	PermAuditRead     Permission = "audit:read"
	PermAdmin         Permission = "admin" // all permissions
)

// APIKey represents a stored API key.
type APIKey struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	KeyHash     string       `json:"-"`          // never exposed
	KeyPrefix   string       `json:"key_prefix"` // first chars for identification
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
	Enabled     bool         `json:"enabled"`
}

func (k *APIKey) allows(p Permission) bool {
	for _, have := range k.Permissions {
		if have == PermAdmin || have == p {
			return true
		}
	}
	return false
}

// KeyStore manages API keys with SQLite backing.
type KeyStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewKeyStore opens (or creates) a SQLite-backed key store.
func NewKeyStore(dbPath string) (*KeyStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open auth db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS api_keys (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL,
		key_hash    TEXT NOT NULL,
		key_prefix  TEXT NOT NULL,
		permissions TEXT NOT NULL DEFAULT '[]',
		created_at  TEXT NOT NULL,
		expires_at  TEXT,
		enabled     INTEGER NOT NULL DEFAULT 1
	)`); err != nil {
		db.Close()
		return nil, err
	}
	db.Exec(`CREATE INDEX IF NOT EXISTS idx_keys_prefix ON api_keys(key_prefix)`)

	return &KeyStore{db: db}, nil
}

// Close closes the backing database.
func (ks *KeyStore) Close() error { return ks.db.Close() }

// Create generates a new API key, stores the bcrypt hash, and returns the
// plaintext once.
func (ks *KeyStore) Create(name string, permissions []Permission, expiresAt *time.Time) (*APIKey, string, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generate key: %w", err)
	}
	plainKey := "ovr_" + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(plainKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash key: %w", err)
	}

	now := time.Now().UTC()
	key := &APIKey{
		ID:          uuid.NewString(),
		Name:        name,
		KeyHash:     string(hash),
		KeyPrefix:   plainKey[:12], // "ovr_" + 8 hex chars
		Permissions: permissions,
		CreatedAt:   now,
		Enabled:     true,
		ExpiresAt:   expiresAt,
	}

	perms, _ := json.Marshal(permissions)
	var expires sql.NullString
	if expiresAt != nil {
		expires = sql.NullString{String: expiresAt.Format(time.RFC3339Nano), Valid: true}
	}

	if _, err := ks.db.Exec(`INSERT INTO api_keys
		(id, name, key_hash, key_prefix, permissions, created_at, expires_at, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, string(perms),
		now.Format(time.RFC3339Nano), expires); err != nil {
		return nil, "", fmt.Errorf("store key: %w", err)
	}
	return key, plainKey, nil
}

// Verify checks a plaintext key and returns the matching record.
func (ks *KeyStore) Verify(plainKey string) (*APIKey, bool) {
	if len(plainKey) < 12 || !strings.HasPrefix(plainKey, "ovr_") {
		return nil, false
	}

	ks.mu.RLock()
	defer ks.mu.RUnlock()

	rows, err := ks.db.Query(`SELECT id, name, key_hash, key_prefix, permissions,
		created_at, expires_at, enabled FROM api_keys WHERE key_prefix = ?`,
		plainKey[:12])
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	now := time.Now().UTC()
	for rows.Next() {
		var k APIKey
		var perms, createdAt string
		var expires sql.NullString
		var enabled int
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &perms,
			&createdAt, &expires, &enabled); err != nil {
			continue
		}
		if enabled == 0 {
			continue
		}
		if expires.Valid {
			t, err := time.Parse(time.RFC3339Nano, expires.String)
			if err == nil && now.After(t) {
				continue
			}
			k.ExpiresAt = &t
		}
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(plainKey)) != nil {
			continue
		}
		_ = json.Unmarshal([]byte(perms), &k.Permissions)
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		k.Enabled = true
		return &k, true
	}
	return nil, false
}

// Count returns the number of stored keys.
func (ks *KeyStore) Count() (int, error) {
	var n int
	err := ks.db.QueryRow(`SELECT COUNT(*) FROM api_keys`).Scan(&n)
	return n, err
}

// keyFromRequest extracts the API key from Authorization: Bearer or
// X-API-Key.
func keyFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// withPermission guards a handler behind an API-key permission. A nil
// keystore (auth disabled) lets everything through.
func (s *Server) withPermission(p Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.keys == nil {
			next(w, r)
			return
		}
		key, ok := s.keys.Verify(keyFromRequest(r))
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		if !key.allows(p) {
			writeJSONError(w, http.StatusForbidden, "forbidden",
				fmt.Sprintf("key %s lacks permission %s", key.KeyPrefix, p))
			return
		}
		next(w, r)
	}
}
