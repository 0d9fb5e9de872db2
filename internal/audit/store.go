package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	// Database drivers — register with database/sql
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/marcus-qen/overseer/internal/errs"
	"github.com/marcus-qen/overseer/internal/risk"
)

// Store provides persistent, hash-chained audit storage. The default driver
// is SQLite; Postgres (pgx) and MySQL are supported via DSN. Appends for a
// given agent are serialized; a UNIQUE(agent_id, seq) constraint catches any
// writer that raced past the lock (e.g. a second control-plane replica).
type Store struct {
	db     *sql.DB
	driver string

	mu   sync.Mutex
	tips map[string]chainTip // agent_id → last committed (seq, hash)

	locks sync.Map // agent_id → *sync.Mutex
}

type chainTip struct {
	seq  int64
	hash string
}

// Open opens (or creates) an audit store. driver is "sqlite", "postgres",
// or "mysql"; dsn is the driver-specific connection string.
func Open(driver, dsn string) (*Store, error) {
	name := driver
	if name == "" {
		name = "sqlite"
	}
	if name == "postgres" {
		name = "pgx"
	}

	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}

	if name == "sqlite" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy_timeout: %w", err)
		}
	}

	s := &Store{db: db, driver: name, tips: make(map[string]chainTip)}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createSchema() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS agent_activity_logs (
		id               TEXT PRIMARY KEY,
		agent_id         TEXT NOT NULL,
		tenant_id        TEXT NOT NULL,
		seq              INTEGER NOT NULL,
		correlation_id   TEXT NOT NULL DEFAULT '',
		parent_id        TEXT NOT NULL DEFAULT '',
		timestamp        TEXT NOT NULL,
		type             TEXT NOT NULL,
		category         TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		context          TEXT NOT NULL DEFAULT '{}',
		user_id          TEXT NOT NULL DEFAULT '',
		session_id       TEXT NOT NULL DEFAULT '',
		input_hash       TEXT NOT NULL DEFAULT '',
		output_hash      TEXT NOT NULL DEFAULT '',
		knowledge        TEXT NOT NULL DEFAULT '',
		risk_level       TEXT NOT NULL,
		compliance_flags TEXT NOT NULL DEFAULT '[]',
		requires_review  INTEGER NOT NULL DEFAULT 0,
		reviewed_by      TEXT NOT NULL DEFAULT '',
		reviewed_at      TEXT,
		prev_hash        TEXT NOT NULL,
		hash             TEXT NOT NULL,
		UNIQUE (agent_id, seq)
	)`); err != nil {
		return fmt.Errorf("create activity table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_activity_agent_ts ON agent_activity_logs(agent_id, timestamp DESC)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_activity_risk_review ON agent_activity_logs(risk_level, requires_review)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_activity_correlation ON agent_activity_logs(correlation_id)`)
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the backing store is reachable. Used by the façade to fail
// closed when storage is down.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errs.Wrap(errs.KindUnavailable, "audit store unreachable", err)
	}
	return nil
}

func (s *Store) agentLock(agentID string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(agentID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// rebind converts ?-style placeholders to $N for the pgx driver.
func (s *Store) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Append commits one activity to the agent's chain. The activity's ID,
// Seq, Timestamp (if zero), PrevHash, and Hash are assigned here. Returns
// the activity id. A racing writer surfaces as a conflict the caller may
// retry with bounded backoff.
func (s *Store) Append(ctx context.Context, a *Activity) (string, error) {
	if a.AgentID == "" {
		return "", errs.New(errs.KindValidation, "activity missing agent_id")
	}
	if !a.Type.Valid() {
		return "", errs.Newf(errs.KindValidation, "unknown activity type %q", a.Type)
	}

	lock := s.agentLock(a.AgentID)
	lock.Lock()
	defer lock.Unlock()

	tip, err := s.tip(ctx, a.AgentID)
	if err != nil {
		return "", err
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	a.Seq = tip.seq + 1
	a.PrevHash = tip.hash
	a.Hash = ComputeHash(a)

	if err := s.insert(ctx, a); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.tips[a.AgentID] = chainTip{seq: a.Seq, hash: a.Hash}
	s.mu.Unlock()

	return a.ID, nil
}

// tip returns the last committed (seq, hash) for the agent, consulting the
// cache first and the table on miss.
func (s *Store) tip(ctx context.Context, agentID string) (chainTip, error) {
	s.mu.Lock()
	t, ok := s.tips[agentID]
	s.mu.Unlock()
	if ok {
		return t, nil
	}

	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT seq, hash FROM agent_activity_logs WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`), agentID)

	var seq int64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		return chainTip{seq: seq, hash: hash}, nil
	case sql.ErrNoRows:
		return chainTip{seq: 0, hash: GenesisPrevHash}, nil
	default:
		return chainTip{}, errs.Wrap(errs.KindUnavailable, "read chain tip", err)
	}
}

func (s *Store) insert(ctx context.Context, a *Activity) error {
	ctxJSON, _ := json.Marshal(orEmptyMap(a.Context))
	flagsJSON, _ := json.Marshal(orEmptySlice(a.ComplianceFlags))

	var reviewedAt any
	if a.ReviewedAt != nil {
		reviewedAt = a.ReviewedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO agent_activity_logs
		(id, agent_id, tenant_id, seq, correlation_id, parent_id, timestamp, type,
		 category, description, context, user_id, session_id, input_hash, output_hash,
		 knowledge, risk_level, compliance_flags, requires_review, reviewed_by,
		 reviewed_at, prev_hash, hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.AgentID, a.TenantID, a.Seq, a.CorrelationID, a.ParentID,
		a.Timestamp.UTC().Format(time.RFC3339Nano), string(a.Type),
		a.Category, a.Description, string(ctxJSON), a.UserID, a.SessionID,
		a.InputHash, a.OutputHash, a.Knowledge, string(a.RiskLevel),
		string(flagsJSON), boolInt(a.RequiresReview), a.ReviewedBy,
		reviewedAt, a.PrevHash, a.Hash)
	if err != nil {
		if isUniqueViolation(err) {
			// Another writer committed this position first. Drop the stale
			// cached tip so the retry re-reads it.
			s.mu.Lock()
			delete(s.tips, a.AgentID)
			s.mu.Unlock()
			return errs.Wrap(errs.KindConflict, "concurrent audit append", err)
		}
		return errs.Wrap(errs.KindUnavailable, "insert activity", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// Filter selects activities for Query.
type Filter struct {
	AgentID        string
	TenantID       string
	Type           ActivityType
	RiskAtLeast    string // risk level name; empty = all
	RequiresReview *bool
	CorrelationID  string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// Query returns matching activities, newest first. Limit defaults to 100 and
// is capped at 1000.
func (s *Store) Query(ctx context.Context, f Filter) ([]Activity, error) {
	where := []string{"1=1"}
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.CorrelationID != "" {
		where = append(where, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if f.RequiresReview != nil {
		where = append(where, "requires_review = ?")
		args = append(args, boolInt(*f.RequiresReview))
	}
	if f.RiskAtLeast != "" {
		levels := risk.AtOrAbove(risk.Level(f.RiskAtLeast))
		marks := make([]string, len(levels))
		for i, l := range levels {
			marks[i] = "?"
			args = append(args, string(l))
		}
		where = append(where, fmt.Sprintf("risk_level IN (%s)", strings.Join(marks, ", ")))
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := fmt.Sprintf(`SELECT %s FROM agent_activity_logs WHERE %s
		ORDER BY timestamp DESC, seq DESC LIMIT %d OFFSET %d`,
		activityColumns, strings.Join(where, " AND "), limit, max(f.Offset, 0))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "query activities", err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Get returns one activity by id.
func (s *Store) Get(ctx context.Context, id string) (*Activity, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(fmt.Sprintf(
		`SELECT %s FROM agent_activity_logs WHERE id = ?`, activityColumns)), id)
	a, err := scanActivity(row)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, "activity %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "get activity", err)
	}
	return &a, nil
}

// CountSince returns how many activities (optionally of one type) the agent
// produced since the cutoff. Feeds the classifier's rate signals.
func (s *Store) CountSince(ctx context.Context, agentID string, typ ActivityType, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM agent_activity_logs WHERE agent_id = ? AND timestamp >= ?`
	args := []any{agentID, since.UTC().Format(time.RFC3339Nano)}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, errs.Wrap(errs.KindUnavailable, "count activities", err)
	}
	return n, nil
}

// VerifyResult reports the outcome of a chain verification.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	Checked       int    `json:"checked"`
	FirstBreakSeq int64  `json:"first_break_seq,omitempty"`
	FirstBreakID  string `json:"first_break_id,omitempty"`
}

// VerifyChain re-hashes the agent's records in [fromSeq, toSeq] (0 = open
// bound) and reports the first position where the stored chain does not
// match.
func (s *Store) VerifyChain(ctx context.Context, agentID string, fromSeq, toSeq int64) (VerifyResult, error) {
	query := fmt.Sprintf(`SELECT %s FROM agent_activity_logs WHERE agent_id = ?`, activityColumns)
	args := []any{agentID}
	if fromSeq > 0 {
		query += ` AND seq >= ?`
		args = append(args, fromSeq)
	}
	if toSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return VerifyResult{}, errs.Wrap(errs.KindUnavailable, "read chain", err)
	}
	defer rows.Close()

	res := VerifyResult{Valid: true}
	prev := GenesisPrevHash
	first := true
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return VerifyResult{}, err
		}
		// A partial verification window starts mid-chain; anchor on the
		// first record's own prev pointer.
		if first && fromSeq > 1 {
			prev = a.PrevHash
		}
		first = false

		if a.PrevHash != prev || ComputeHash(&a) != a.Hash {
			res.Valid = false
			res.FirstBreakSeq = a.Seq
			res.FirstBreakID = a.ID
			return res, rows.Err()
		}
		prev = a.Hash
		res.Checked++
	}
	return res, rows.Err()
}

// MarkReviewed records a review of an activity by appending a linked
// SystemModification record. The original row is never touched.
func (s *Store) MarkReviewed(ctx context.Context, activityID, reviewer string) (string, error) {
	if reviewer == "" {
		return "", errs.New(errs.KindValidation, "reviewer required")
	}
	orig, err := s.Get(ctx, activityID)
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	review := &Activity{
		ParentID:       orig.ID,
		AgentID:        orig.AgentID,
		TenantID:       orig.TenantID,
		Type:           TypeSystemModification,
		Category:       "activity_review",
		Description:    fmt.Sprintf("activity %s reviewed by %s", orig.ID, reviewer),
		RiskLevel:      risk.Negligible,
		ReviewedBy:     reviewer,
		ReviewedAt:     &now,
		RequiresReview: false,
	}
	return s.Append(ctx, review)
}

const activityColumns = `id, agent_id, tenant_id, seq, correlation_id, parent_id,
	timestamp, type, category, description, context, user_id, session_id,
	input_hash, output_hash, knowledge, risk_level, compliance_flags,
	requires_review, reviewed_by, reviewed_at, prev_hash, hash`

type rowScanner interface{ Scan(dest ...any) error }

func scanActivity(row rowScanner) (Activity, error) {
	var a Activity
	var ts, ctxJSON, flagsJSON, riskLevel, typ string
	var reviewedAt sql.NullString
	var requiresReview int

	err := row.Scan(&a.ID, &a.AgentID, &a.TenantID, &a.Seq, &a.CorrelationID,
		&a.ParentID, &ts, &typ, &a.Category, &a.Description, &ctxJSON,
		&a.UserID, &a.SessionID, &a.InputHash, &a.OutputHash, &a.Knowledge,
		&riskLevel, &flagsJSON, &requiresReview, &a.ReviewedBy, &reviewedAt,
		&a.PrevHash, &a.Hash)
	if err != nil {
		return a, err
	}

	a.Type = ActivityType(typ)
	a.RiskLevel = risk.Level(riskLevel)
	a.RequiresReview = requiresReview != 0
	a.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	_ = json.Unmarshal([]byte(ctxJSON), &a.Context)
	_ = json.Unmarshal([]byte(flagsJSON), &a.ComplianceFlags)
	if len(a.Context) == 0 {
		a.Context = nil
	}
	if len(a.ComplianceFlags) == 0 {
		a.ComplianceFlags = nil
	}
	if reviewedAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, reviewedAt.String)
		if perr == nil {
			a.ReviewedAt = &t
		}
	}
	return a, nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
