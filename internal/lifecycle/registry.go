package lifecycle

import (
	"sort"
	"strings"
	"sync"
)

// Registry is the agent record store. Manager (in-memory) and SQLStore
// (SQLite-backed) both implement it.
type Registry interface {
	Insert(a *Agent) error
	Update(a *Agent) error
	Delete(id string) error
	Get(id string) (*Agent, bool)
	GetByName(tenantID, name string) (*Agent, bool)
	List(f ListFilter) []*Agent
	CountByStatus(tenantID string) map[Status]int
}

// ListFilter selects agents for List.
type ListFilter struct {
	TenantID string
	Statuses []Status
	Limit    int
	Offset   int
}

func (f ListFilter) matchStatus(s Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if s == want {
			return true
		}
	}
	return false
}

// MemoryRegistry is the in-memory agent index. It backs tests directly and
// serves reads for the SQL store.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	byName map[string]string // tenant|name → id
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents: make(map[string]*Agent),
		byName: make(map[string]string),
	}
}

func nameKey(tenantID, name string) string {
	return tenantID + "|" + strings.ToLower(name)
}

func (r *MemoryRegistry) Insert(a *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := cloneAgent(a)
	r.agents[a.ID] = cp
	r.byName[nameKey(a.TenantID, a.Name)] = a.ID
	return nil
}

func (r *MemoryRegistry) Update(a *Agent) error {
	return r.Insert(a)
}

func (r *MemoryRegistry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return nil
	}
	delete(r.agents, id)
	delete(r.byName, nameKey(a.TenantID, a.Name))
	return nil
}

func (r *MemoryRegistry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return cloneAgent(a), true
}

func (r *MemoryRegistry) GetByName(tenantID, name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[nameKey(tenantID, name)]
	if !ok {
		return nil, false
	}
	a, ok := r.agents[id]
	if !ok {
		return nil, false
	}
	return cloneAgent(a), true
}

func (r *MemoryRegistry) List(f ListFilter) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Agent
	for _, a := range r.agents {
		if f.TenantID != "" && a.TenantID != f.TenantID {
			continue
		}
		if !f.matchStatus(a.Status) {
			continue
		}
		out = append(out, cloneAgent(a))
	}

	// Stable order for pagination.
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

func (r *MemoryRegistry) CountByStatus(tenantID string) map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	for _, a := range r.agents {
		if tenantID != "" && a.TenantID != tenantID {
			continue
		}
		counts[a.Status]++
	}
	return counts
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.Permissions = append([]string(nil), a.Permissions...)
	return &cp
}
