// Package risk assigns a risk level to agent activities before they are
// committed to the audit log. Classification is deterministic and
// table-driven: the same activity and agent snapshot always produce
// byte-identical output, so the audit trail is reproducible.
package risk

// Level is the assessed risk of an activity.
type Level string

const (
	Negligible Level = "negligible"
	Low        Level = "low"
	Medium     Level = "medium"
	High       Level = "high"
	Critical   Level = "critical"
	// Emergency is reserved for system-wide freeze triggers.
	Emergency Level = "emergency"
)

var levelRank = map[Level]int{
	Negligible: 0,
	Low:        1,
	Medium:     2,
	High:       3,
	Critical:   4,
	Emergency:  5,
}

// Rank returns the ordinal of the level (unknown levels rank as Low).
func (l Level) Rank() int {
	if r, ok := levelRank[l]; ok {
		return r
	}
	return levelRank[Low]
}

// AtLeast reports whether l is at least as severe as other.
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// Max returns the more severe of two levels.
func Max(a, b Level) Level {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Valid reports whether the level is one of the known values.
func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// AtOrAbove returns every known level at least as severe as min, in
// ascending severity order. Storage layers use it to express a
// minimum-severity filter as a finite membership predicate.
func AtOrAbove(min Level) []Level {
	all := []Level{Negligible, Low, Medium, High, Critical, Emergency}
	out := make([]Level, 0, len(all))
	for _, l := range all {
		if l.AtLeast(min) {
			out = append(out, l)
		}
	}
	return out
}

// SystemAction is the automatic enforcement the control plane takes for an
// assessed activity.
type SystemAction string

const (
	ActionNone         SystemAction = "none"
	ActionAlert        SystemAction = "alert"
	ActionFreezeAgent  SystemAction = "freeze_agent"
	ActionFreezeModule SystemAction = "freeze_module"
	ActionFreezeSystem SystemAction = "freeze_system"
	ActionEscalate     SystemAction = "escalate"
)

// RecommendedAction is one step an admin should take, in priority order.
type RecommendedAction struct {
	Action      string `json:"action"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
}
