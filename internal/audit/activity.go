// Package audit provides the append-only, hash-chained activity log. Every
// observable agent operation becomes an Activity; records are never updated
// in place, and each record's signature covers the previous one so tampering
// with history is detectable per agent.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/marcus-qen/overseer/internal/risk"
)

// ActivityType classifies audit activities. The set is closed.
type ActivityType string

const (
	TypeInteraction        ActivityType = "interaction"
	TypeKnowledgeGained    ActivityType = "knowledge_gained"
	TypeProcessExecution   ActivityType = "process_execution"
	TypeDataAccess         ActivityType = "data_access"
	TypeSystemModification ActivityType = "system_modification"
	TypeError              ActivityType = "error"
	TypeSecurityEvent      ActivityType = "security_event"
)

// Valid reports whether t is a known activity type.
func (t ActivityType) Valid() bool {
	switch t {
	case TypeInteraction, TypeKnowledgeGained, TypeProcessExecution,
		TypeDataAccess, TypeSystemModification, TypeError, TypeSecurityEvent:
		return true
	}
	return false
}

// Activity is a single audit record.
type Activity struct {
	ID            string            `json:"id"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	AgentID       string            `json:"agent_id"`
	TenantID      string            `json:"tenant_id"`
	Seq           int64             `json:"seq"` // per-agent chain position, 1-based
	Timestamp     time.Time         `json:"timestamp"`
	Type          ActivityType      `json:"type"`
	Category      string            `json:"category,omitempty"`
	Description   string            `json:"description"`
	Context       map[string]string `json:"context,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	InputHash     string            `json:"input_hash,omitempty"`
	OutputHash    string            `json:"output_hash,omitempty"`
	Knowledge     string            `json:"knowledge,omitempty"`

	RiskLevel       risk.Level `json:"risk_level"`
	ComplianceFlags []string   `json:"compliance_flags,omitempty"`
	RequiresReview  bool       `json:"requires_review"`
	ReviewedBy      string     `json:"reviewed_by,omitempty"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`

	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"` // signature over PrevHash + canonical fields
}

// GenesisPrevHash is the all-zero prev hash of the first record per agent.
var GenesisPrevHash = strings.Repeat("0", 64)

// canonical is the hashed projection of an Activity: every field except the
// signature itself, in fixed declaration order. Map keys are sorted by
// encoding/json, so the byte form is deterministic.
type canonical struct {
	ID              string            `json:"id"`
	CorrelationID   string            `json:"correlation_id"`
	ParentID        string            `json:"parent_id"`
	AgentID         string            `json:"agent_id"`
	TenantID        string            `json:"tenant_id"`
	Seq             int64             `json:"seq"`
	Timestamp       string            `json:"timestamp"`
	Type            ActivityType      `json:"type"`
	Category        string            `json:"category"`
	Description     string            `json:"description"`
	Context         map[string]string `json:"context"`
	UserID          string            `json:"user_id"`
	SessionID       string            `json:"session_id"`
	InputHash       string            `json:"input_hash"`
	OutputHash      string            `json:"output_hash"`
	Knowledge       string            `json:"knowledge"`
	RiskLevel       risk.Level        `json:"risk_level"`
	ComplianceFlags []string          `json:"compliance_flags"`
	RequiresReview  bool              `json:"requires_review"`
	ReviewedBy      string            `json:"reviewed_by"`
	ReviewedAt      string            `json:"reviewed_at"`
	PrevHash        string            `json:"prev_hash"`
}

// CanonicalBytes returns the deterministic byte form of the activity
// excluding its own signature.
func CanonicalBytes(a *Activity) []byte {
	c := canonical{
		ID:              a.ID,
		CorrelationID:   a.CorrelationID,
		ParentID:        a.ParentID,
		AgentID:         a.AgentID,
		TenantID:        a.TenantID,
		Seq:             a.Seq,
		Timestamp:       a.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:            a.Type,
		Category:        a.Category,
		Description:     a.Description,
		Context:         a.Context,
		UserID:          a.UserID,
		SessionID:       a.SessionID,
		InputHash:       a.InputHash,
		OutputHash:      a.OutputHash,
		Knowledge:       a.Knowledge,
		RiskLevel:       a.RiskLevel,
		ComplianceFlags: a.ComplianceFlags,
		RequiresReview:  a.RequiresReview,
		ReviewedBy:      a.ReviewedBy,
		PrevHash:        a.PrevHash,
	}
	if a.ReviewedAt != nil {
		c.ReviewedAt = a.ReviewedAt.UTC().Format(time.RFC3339Nano)
	}
	data, _ := json.Marshal(c)
	return data
}

// ComputeHash returns the chain signature for the activity given its
// PrevHash field is already set.
func ComputeHash(a *Activity) string {
	h := sha256.New()
	h.Write([]byte(a.PrevHash))
	h.Write(CanonicalBytes(a))
	return hex.EncodeToString(h.Sum(nil))
}

// HashPayload returns a sha256 hex digest of arbitrary payload bytes, used
// for input_hash/output_hash fields.
func HashPayload(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
