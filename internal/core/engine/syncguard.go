package engine

import (
	"context"
	"sync"
	"time"
)

// SyncGuard collapses concurrent "sync now" requests into one in-flight
// operation and enforces a minimum cooldown per account. Callers that arrive
// while a sync runs all wait on the same outcome, so a burst of dashboard
// clients produces exactly one fetch storm-free pass.
type SyncGuard struct {
	Cooldown time.Duration
	Clock    func() time.Time

	mu       sync.Mutex
	lastSync map[string]time.Time
	inflight *syncFlight
}

type syncFlight struct {
	done chan struct{}
	err  error
}

const defaultSyncCooldown = 30 * time.Second

// Run executes fn over the accounts whose cooldown has elapsed. If a sync is
// already in flight, the caller joins it instead of starting another.
// Accounts still cooling down are skipped silently. Last-sync times update
// after the attempt regardless of outcome, so persistent errors cannot
// hot-loop.
func (g *SyncGuard) Run(ctx context.Context, accounts []string, fn func(ctx context.Context, due []string) error) error {
	if g == nil || fn == nil {
		return nil
	}

	g.mu.Lock()
	if flight := g.inflight; flight != nil {
		g.mu.Unlock()
		select {
		case <-flight.done:
			return flight.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	now := g.now()
	due := make([]string, 0, len(accounts))
	for _, account := range accounts {
		if account == "" {
			continue
		}
		if last, ok := g.lastSync[account]; ok && now.Sub(last) < g.cooldown() {
			continue
		}
		due = append(due, account)
	}
	if len(due) == 0 {
		g.mu.Unlock()
		return nil
	}

	flight := &syncFlight{done: make(chan struct{})}
	g.inflight = flight
	g.mu.Unlock()

	err := fn(ctx, due)

	g.mu.Lock()
	if g.lastSync == nil {
		g.lastSync = make(map[string]time.Time)
	}
	finished := g.now()
	for _, account := range due {
		g.lastSync[account] = finished
	}
	g.inflight = nil
	g.mu.Unlock()

	flight.err = err
	close(flight.done)
	return err
}

// LastSync reports when an account last completed a sync attempt.
func (g *SyncGuard) LastSync(account string) (time.Time, bool) {
	if g == nil {
		return time.Time{}, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastSync[account]
	return last, ok
}

func (g *SyncGuard) cooldown() time.Duration {
	if g.Cooldown > 0 {
		return g.Cooldown
	}
	return defaultSyncCooldown
}

func (g *SyncGuard) now() time.Time {
	if g != nil && g.Clock != nil {
		return g.Clock()
	}
	return time.Now().UTC()
}
