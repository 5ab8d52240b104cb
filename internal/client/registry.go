package client

import (
	"context"
	"sync"

	"healthwatch/internal/models"
	"healthwatch/internal/status"
)

// Registry keys the live session managers by issue identity and owns
// their lifecycle. Every mutation (open, close, prune) is serialized
// through one mutex; each manager's snapshot is still only touched by
// its own channel's dispatch goroutine.
type Registry struct {
	dialer   Dialer
	onUpdate UpdateFunc

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry creates an empty registry dialing with the given dialer.
func NewRegistry(dialer Dialer, onUpdate UpdateFunc) *Registry {
	return &Registry{
		dialer:   dialer,
		onUpdate: onUpdate,
		managers: make(map[string]*Manager),
	}
}

// Open returns the manager for the issue, creating it on first
// selection, and connects its channel. Reconnecting an already-tracked
// issue reuses the manager, so its conversation snapshot is preserved.
func (r *Registry) Open(ctx context.Context, issue models.Issue) (*Manager, error) {
	r.mu.Lock()
	key := issue.Key()
	m, ok := r.managers[key]
	if !ok {
		m = NewManager(issue, r.dialer, r.onUpdate)
		r.managers[key] = m
	}
	r.mu.Unlock()

	if err := m.Connect(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns the manager for an issue key, or nil when untracked.
func (r *Registry) Get(key string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.managers[key]
}

// Len reports how many issues are tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Statuses derives the display status of every tracked issue.
func (r *Registry) Statuses() map[string]status.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]status.Status, len(r.managers))
	for key, m := range r.managers {
		out[key] = m.Status()
	}
	return out
}

// Prune drops every tracked issue absent from the latest feed snapshot:
// the channel is closed first, then the manager and its conversation
// snapshot are deleted together. Returns how many entries were removed.
func (r *Registry) Prune(liveKeys map[string]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for key, m := range r.managers {
		if _, ok := liveKeys[key]; ok {
			continue
		}
		m.Close()
		delete(r.managers, key)
		pruned++
	}
	return pruned
}

// Close closes every channel and empties the registry.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, m := range r.managers {
		m.Close()
		delete(r.managers, key)
	}
}
