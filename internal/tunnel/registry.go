package tunnel

import (
	"sync"
	"sync/atomic"
)

// Registry tracks the live tunnels of a listener. A tunnel is present from
// construction until its teardown begins, so a shutdown broadcast reaches
// every session regardless of stage.
type Registry struct {
	mu      sync.Mutex
	tunnels map[*Tunnel]struct{}
	count   atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tunnels: make(map[*Tunnel]struct{}),
	}
}

// Add registers a tunnel.
func (r *Registry) Add(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tunnels[t] = struct{}{}
	r.count.Add(1)
}

// Remove unregisters a tunnel. Safe to call more than once.
func (r *Registry) Remove(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tunnels[t]; ok {
		delete(r.tunnels, t)
		r.count.Add(-1)
	}
}

// Count returns the number of live tunnels.
func (r *Registry) Count() int64 {
	return r.count.Load()
}

// Traverse calls fn for every live tunnel. fn must not mutate the registry.
func (r *Registry) Traverse(fn func(*Tunnel)) {
	r.mu.Lock()
	snapshot := make([]*Tunnel, 0, len(r.tunnels))
	for t := range r.tunnels {
		snapshot = append(snapshot, t)
	}
	r.mu.Unlock()

	for _, t := range snapshot {
		fn(t)
	}
}

// ShutdownAll requests teardown of every live tunnel and waits for each to
// finish. The registry is empty afterwards.
func (r *Registry) ShutdownAll() {
	var all []*Tunnel
	r.Traverse(func(t *Tunnel) {
		all = append(all, t)
	})
	for _, t := range all {
		t.Shutdown()
	}
	for _, t := range all {
		t.Wait()
	}
}
