package step

import "sync"

// RegistryEntry is a compensation registered out-of-band, outside a step's
// own Compensate field.
type RegistryEntry struct {
	Key string
	Fn  CompensateFunc
}

// CompensationRegistry holds compensations registered under a caller-chosen
// scope (typically a transaction or saga ID) and operation key. Managers
// consult it during rollback when a completed step carries no Compensate of
// its own. Safe for concurrent use.
type CompensationRegistry struct {
	mu     sync.RWMutex
	scopes map[string][]RegistryEntry
}

// NewCompensationRegistry creates an empty registry.
func NewCompensationRegistry() *CompensationRegistry {
	return &CompensationRegistry{scopes: make(map[string][]RegistryEntry)}
}

// Register adds a compensation under scope/key. Registering an existing key
// replaces it in place, preserving registration order.
func (r *CompensationRegistry) Register(scope, key string, fn CompensateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.scopes[scope]
	for i, e := range entries {
		if e.Key == key {
			entries[i].Fn = fn
			return
		}
	}
	r.scopes[scope] = append(entries, RegistryEntry{Key: key, Fn: fn})
}

// Lookup returns the compensation registered under scope/key.
func (r *CompensationRegistry) Lookup(scope, key string) (CompensateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.scopes[scope] {
		if e.Key == key {
			return e.Fn, true
		}
	}
	return nil, false
}

// Entries returns the scope's compensations in registration order.
func (r *CompensationRegistry) Entries(scope string) []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.scopes[scope]
	out := make([]RegistryEntry, len(entries))
	copy(out, entries)
	return out
}

// Unregister removes a single compensation.
func (r *CompensationRegistry) Unregister(scope, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.scopes[scope]
	for i, e := range entries {
		if e.Key == key {
			r.scopes[scope] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(r.scopes[scope]) == 0 {
		delete(r.scopes, scope)
	}
}

// ClearScope drops every compensation registered under scope. Managers call
// this when the owning execution reaches a terminal state.
func (r *CompensationRegistry) ClearScope(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scopes, scope)
}
