package session

import (
	"context"
	"log/slog"
	"sync"

	"healthwatch/internal/agent"
	"healthwatch/internal/models"
)

// Registry owns the live coordinators, one per issue identity key.
// All lifecycle mutation (open, close, prune) goes through the registry
// so concurrent selections and feed updates cannot race.
type Registry struct {
	diag    agent.Diagnostic
	sol     agent.Solution
	reports ReportStore
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Coordinator
}

// NewRegistry creates a registry dispatching to the given agents.
// reports may be nil to disable audit records.
func NewRegistry(diag agent.Diagnostic, sol agent.Solution, reports ReportStore, opts Options) *Registry {
	return &Registry{
		diag:     diag,
		sol:      sol,
		reports:  reports,
		opts:     opts,
		sessions: make(map[string]*Coordinator),
	}
}

// Open attaches sink to the session for the issue, creating the
// coordinator on first use. Any previously attached channel for the same
// identity is closed first.
func (r *Registry) Open(ctx context.Context, issue models.Issue, sink Sink) *Coordinator {
	r.mu.Lock()
	key := issue.Key()
	c, ok := r.sessions[key]
	if !ok {
		c = newCoordinator(issue, r.diag, r.sol, r.reports, r.opts)
		r.sessions[key] = c
	}
	r.mu.Unlock()

	c.Attach(ctx, sink)
	return c
}

// Get returns the coordinator for an issue key, or nil.
func (r *Registry) Get(key string) *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[key]
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Statuses returns the lifecycle state of every live session by issue key.
func (r *Registry) Statuses() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.sessions))
	for key, c := range r.sessions {
		out[key] = c.State()
	}
	return out
}

// Prune closes and removes every session whose issue key is absent from
// the latest feed snapshot. The channel is closed before the entry is
// deleted so no orphaned open channel survives. Returns how many
// sessions were removed.
func (r *Registry) Prune(liveKeys map[string]struct{}) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for key, c := range r.sessions {
		if _, ok := liveKeys[key]; ok {
			continue
		}
		c.Close()
		delete(r.sessions, key)
		pruned++
		slog.Info("pruned session, issue gone from feed", "issue", key)
	}
	return pruned
}

// Close shuts down every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, c := range r.sessions {
		c.Close()
		delete(r.sessions, key)
	}
}
