package reconcile

import (
	"sort"
	"sync"

	"arcraiders-notifier/pkg/rotation"
)

// tenantState pairs a tenant with its single-flight guard. The mutex is held
// for the whole of a reconciliation pass; an overlapping trigger observes a
// failed TryLock and skips rather than queue.
type tenantState struct {
	mu     sync.Mutex
	tenant *rotation.Tenant
}

// Registry owns the in-process tenant map. It is loaded once at startup and
// mutated only through its methods; there is no ambient global state.
type Registry struct {
	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// NewRegistry creates an empty tenant registry.
func NewRegistry() *Registry {
	return &Registry{tenants: make(map[string]*tenantState)}
}

// Upsert adds a tenant or replaces an existing tenant's record wholesale.
func (r *Registry) Upsert(t *rotation.Tenant) {
	r.mu.Lock()
	state, ok := r.tenants[t.GuildID]
	if !ok {
		r.tenants[t.GuildID] = &tenantState{tenant: t}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	state.mu.Lock()
	state.tenant = t
	state.mu.Unlock()
}

// Update mutates one tenant under its single-flight guard. It blocks until
// any in-flight reconciliation pass finishes. Returns false when the tenant
// is unknown.
func (r *Registry) Update(guildID string, fn func(*rotation.Tenant)) bool {
	state, ok := r.state(guildID)
	if !ok {
		return false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	fn(state.tenant)
	return true
}

// Has reports whether the guild is registered.
func (r *Registry) Has(guildID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tenants[guildID]
	return ok
}

// Remove drops a tenant from the registry.
func (r *Registry) Remove(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tenants, guildID)
}

// IDs returns the sorted guild ids of all registered tenants.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) state(guildID string) (*tenantState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.tenants[guildID]
	return state, ok
}
