package session

import (
	"cmp"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Registry maps account ids to live handles. Creation attempts for the same
// account are coalesced so at most one is ever in flight.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	pending singleflight.Group
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Get returns the handle for accountID.
func (r *Registry) Get(accountID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[accountID]
	return h, ok
}

// All returns a snapshot of every handle, ordered by account id.
func (r *Registry) All() []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Handle) int { return cmp.Compare(a.accountID, b.accountID) })
	return out
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// create runs fn unless a creation for accountID is already in flight, in
// which case it waits for that one and shares its outcome.
func (r *Registry) create(accountID string, fn func() (*Handle, error)) (*Handle, error) {
	v, err, _ := r.pending.Do(accountID, func() (any, error) {
		if h, ok := r.Get(accountID); ok {
			return h, nil
		}
		return fn()
	})
	if err != nil {
		return nil, err
	}
	return v.(*Handle), nil
}

func (r *Registry) put(h *Handle) {
	r.mu.Lock()
	r.handles[h.accountID] = h
	r.mu.Unlock()
}

// isCurrent reports whether h is the registered handle for its account.
func (r *Registry) isCurrent(h *Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handles[h.accountID] == h
}

// removeIf deletes h only if it is still the registered handle.
func (r *Registry) removeIf(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handles[h.accountID] != h {
		return false
	}
	delete(r.handles, h.accountID)
	return true
}

// remove deletes and returns whatever handle is registered for accountID.
func (r *Registry) remove(accountID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[accountID]
	delete(r.handles, accountID)
	return h, ok
}

// drain removes and returns every handle.
func (r *Registry) drain() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for id, h := range r.handles {
		out = append(out, h)
		delete(r.handles, id)
	}
	return out
}
