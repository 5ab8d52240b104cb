package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"healthwatch/internal/models"
)

// Poller refreshes a Source on an interval and fans the latest snapshot
// out to registered hooks. Hooks receive the snapshot's key set and are
// where session registries prune stale state.
type Poller struct {
	source   Source
	interval time.Duration

	mu     sync.Mutex
	latest []models.Issue
	hooks  []func(live map[string]struct{})
}

func NewPoller(source Source, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{source: source, interval: interval}
}

// Latest returns the most recent snapshot. Empty until the first
// successful refresh.
func (p *Poller) Latest() []models.Issue {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Issue, len(p.latest))
	copy(out, p.latest)
	return out
}

// OnSnapshot registers a hook invoked after every successful refresh
// with the live key set. Must be called before Run.
func (p *Poller) OnSnapshot(fn func(live map[string]struct{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hooks = append(p.hooks, fn)
}

// Refresh pulls a snapshot immediately and notifies hooks. A failed
// pull keeps the previous snapshot; stale data beats no data.
func (p *Poller) Refresh(ctx context.Context) error {
	issues, err := p.source.Snapshot(ctx)
	if err != nil {
		slog.Warn("feed refresh failed", "error", err)
		return err
	}

	p.mu.Lock()
	p.latest = issues
	hooks := make([]func(map[string]struct{}), len(p.hooks))
	copy(hooks, p.hooks)
	p.mu.Unlock()

	live := Keys(issues)
	for _, fn := range hooks {
		fn(live)
	}
	return nil
}

// Run refreshes on the configured interval until ctx is cancelled. It
// performs an initial refresh before the first tick.
func (p *Poller) Run(ctx context.Context) error {
	_ = p.Refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}
