package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// QuotaStore persists window counters so a restart resumes with real counts
// instead of a false fresh quota.
type QuotaStore interface {
	GetQuotaWindow(ctx context.Context, endpoint core.Endpoint, accountKey string, windowStart time.Time) (*core.QuotaWindow, error)
	SaveQuotaWindow(ctx context.Context, window *core.QuotaWindow) error
}

// Limit represents a per-endpoint quota window.
type Limit struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultLimits provides conservative defaults per endpoint.
var DefaultLimits = map[core.Endpoint]Limit{
	core.EndpointLookup: {RequestsPerWindow: 300, WindowDuration: 15 * time.Minute},
	core.EndpointPosts:  {RequestsPerWindow: 180, WindowDuration: 15 * time.Minute},
	core.EndpointStream: {RequestsPerWindow: 50, WindowDuration: 15 * time.Minute},
	core.EndpointRules:  {RequestsPerWindow: 25, WindowDuration: 15 * time.Minute},
}

// Tracker answers "can I spend one unit of quota right now" and records
// spends against durable fixed-window counters. Admission fails closed when
// the store is unavailable.
type Tracker struct {
	Store  QuotaStore
	Limits map[core.Endpoint]Limit
	Margin float64
	Clock  func() time.Time

	mu      sync.Mutex
	windows map[windowKey]*core.QuotaWindow
}

type windowKey struct {
	endpoint   core.Endpoint
	accountKey string
	start      int64
}

// CanSpend reports whether one unit of quota is available for the endpoint,
// and the wait until the current window resets when it is not.
func (t *Tracker) CanSpend(ctx context.Context, endpoint core.Endpoint, accountKey string) (bool, time.Duration, error) {
	if t == nil {
		return false, 0, fmt.Errorf("quota tracker is not configured")
	}

	limit := t.getLimit(endpoint)
	now := t.now()
	start := now.Truncate(limit.WindowDuration)
	untilReset := start.Add(limit.WindowDuration).Sub(now)

	window, err := t.window(ctx, endpoint, accountKey, start, limit)
	if err != nil {
		// Fail closed: never allow unmetered spending.
		return false, untilReset, err
	}

	if window.Count >= window.Limit {
		return false, untilReset, nil
	}
	return true, 0, nil
}

// Record increments the counter for the current window. Provider-reported
// remaining/limit values, when present, override the local estimate.
func (t *Tracker) Record(ctx context.Context, endpoint core.Endpoint, accountKey string, headers *core.QuotaHeaders) error {
	if t == nil {
		return fmt.Errorf("quota tracker is not configured")
	}

	limit := t.getLimit(endpoint)
	start := t.now().Truncate(limit.WindowDuration)

	window, err := t.window(ctx, endpoint, accountKey, start, limit)
	if err != nil {
		return err
	}

	t.mu.Lock()
	window.Count++
	if headers != nil {
		if headers.Limit > 0 {
			window.Limit = headers.Limit
		}
		if headers.Remaining >= 0 && headers.Limit > 0 {
			window.Count = headers.Limit - headers.Remaining
		}
	}
	snapshot := *window
	t.mu.Unlock()

	if t.Store == nil {
		return nil
	}
	if err := t.Store.SaveQuotaWindow(ctx, &snapshot); err != nil {
		return fmt.Errorf("persist quota window: %w", err)
	}
	return nil
}

// Usage reports used/limit and time until reset for an endpoint's
// process-wide window. Consumed by the backfill budget and the status surface.
func (t *Tracker) Usage(ctx context.Context, endpoint core.Endpoint) (used int, limit int, untilReset time.Duration, err error) {
	if t == nil {
		return 0, 0, 0, fmt.Errorf("quota tracker is not configured")
	}

	l := t.getLimit(endpoint)
	now := t.now()
	start := now.Truncate(l.WindowDuration)
	untilReset = start.Add(l.WindowDuration).Sub(now)

	window, werr := t.window(ctx, endpoint, "", start, l)
	if werr != nil {
		return 0, l.RequestsPerWindow, untilReset, werr
	}
	return window.Count, window.Limit, untilReset, nil
}

// window loads or lazily initializes the active window, caching it in memory
// keyed by (endpoint, account, windowStart). Expired windows are not swept
// eagerly; a fresh one replaces them on next access.
func (t *Tracker) window(ctx context.Context, endpoint core.Endpoint, accountKey string, start time.Time, limit Limit) (*core.QuotaWindow, error) {
	// Nanosecond keys keep sub-second windows distinct when a boundary is
	// crossed within the same wall-clock second.
	key := windowKey{endpoint: endpoint, accountKey: accountKey, start: start.UnixNano()}

	t.mu.Lock()
	if t.windows == nil {
		t.windows = make(map[windowKey]*core.QuotaWindow)
	}
	if window, ok := t.windows[key]; ok {
		t.mu.Unlock()
		return window, nil
	}
	// Drop rolled-over windows for the same endpoint/account pair.
	for existing := range t.windows {
		if existing.endpoint == endpoint && existing.accountKey == accountKey {
			delete(t.windows, existing)
		}
	}
	t.mu.Unlock()

	window := &core.QuotaWindow{
		Endpoint:    endpoint,
		AccountKey:  accountKey,
		WindowStart: start,
		Limit:       limit.RequestsPerWindow,
	}

	if t.Store != nil {
		stored, err := t.Store.GetQuotaWindow(ctx, endpoint, accountKey, start)
		if err != nil {
			return nil, fmt.Errorf("load quota window: %w", err)
		}
		if stored != nil {
			window.Count = stored.Count
			if stored.Limit > 0 {
				window.Limit = stored.Limit
			}
		}
	}

	t.mu.Lock()
	if cached, ok := t.windows[key]; ok {
		t.mu.Unlock()
		return cached, nil
	}
	t.windows[key] = window
	t.mu.Unlock()

	return window, nil
}

func (t *Tracker) getLimit(endpoint core.Endpoint) Limit {
	limits := t.Limits
	if limits == nil {
		limits = DefaultLimits
	}

	limit, ok := limits[endpoint]
	if !ok {
		limit = Limit{RequestsPerWindow: 30, WindowDuration: 15 * time.Minute}
	}
	return t.applyMargin(limit)
}

func (t *Tracker) applyMargin(limit Limit) Limit {
	if t == nil || t.Margin <= 0 || t.Margin > 1 {
		return limit
	}
	adjusted := int(math.Floor(float64(limit.RequestsPerWindow) * t.Margin))
	if adjusted < 1 {
		adjusted = 1
	}
	limit.RequestsPerWindow = adjusted
	return limit
}

func (t *Tracker) now() time.Time {
	if t != nil && t.Clock != nil {
		return t.Clock()
	}
	return time.Now().UTC()
}
