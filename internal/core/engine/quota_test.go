package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

// memQuotaStore is an in-memory QuotaStore with injectable failures.
type memQuotaStore struct {
	mu      sync.Mutex
	windows map[string]*core.QuotaWindow
	getErr  error
	saveErr error
	saves   int
}

func (m *memQuotaStore) key(endpoint core.Endpoint, accountKey string, start time.Time) string {
	return fmt.Sprintf("%s|%s|%d", endpoint, accountKey, start.Unix())
}

func (m *memQuotaStore) GetQuotaWindow(_ context.Context, endpoint core.Endpoint, accountKey string, start time.Time) (*core.QuotaWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	window, ok := m.windows[m.key(endpoint, accountKey, start)]
	if !ok {
		return nil, nil
	}
	snapshot := *window
	return &snapshot, nil
}

func (m *memQuotaStore) SaveQuotaWindow(_ context.Context, window *core.QuotaWindow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.windows == nil {
		m.windows = make(map[string]*core.QuotaWindow)
	}
	snapshot := *window
	m.windows[m.key(window.Endpoint, window.AccountKey, window.WindowStart)] = &snapshot
	m.saves++
	return nil
}

// fakeClock is a manually advanced clock for deterministic window math.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func testLimits(requests int, window time.Duration) map[core.Endpoint]Limit {
	return map[core.Endpoint]Limit{
		core.EndpointPosts:  {RequestsPerWindow: requests, WindowDuration: window},
		core.EndpointLookup: {RequestsPerWindow: requests, WindowDuration: window},
	}
}

func TestTrackerDeniesAtLimit(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).Truncate(time.Minute))
	tracker := &Tracker{
		Limits: testLimits(2, time.Minute),
		Clock:  clock.Now,
	}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, _, err := tracker.CanSpend(ctx, core.EndpointPosts, "")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tracker.Record(ctx, core.EndpointPosts, "", nil))
	}

	ok, untilReset, err := tracker.CanSpend(ctx, core.EndpointPosts, "")
	require.NoError(t, err)
	require.False(t, ok)
	require.Greater(t, untilReset, time.Duration(0))
	require.LessOrEqual(t, untilReset, time.Minute)
}

func TestTrackerWindowRollover(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).Truncate(time.Minute))
	tracker := &Tracker{
		Limits: testLimits(1, time.Minute),
		Clock:  clock.Now,
	}
	ctx := context.Background()

	require.NoError(t, tracker.Record(ctx, core.EndpointPosts, "", nil))
	ok, _, err := tracker.CanSpend(ctx, core.EndpointPosts, "")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(time.Minute)

	ok, _, err = tracker.CanSpend(ctx, core.EndpointPosts, "")
	require.NoError(t, err)
	require.True(t, ok)

	used, _, _, err := tracker.Usage(ctx, core.EndpointPosts)
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestTrackerSubSecondWindowRollover(t *testing.T) {
	// Crossing a window boundary inside the same wall-clock second must
	// still produce a fresh window.
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	tracker := &Tracker{
		Limits: testLimits(1, 50*time.Millisecond),
		Clock:  clock.Now,
	}
	ctx := context.Background()

	require.NoError(t, tracker.Record(ctx, core.EndpointPosts, "", nil))
	ok, _, err := tracker.CanSpend(ctx, core.EndpointPosts, "")
	require.NoError(t, err)
	require.False(t, ok)

	clock.Advance(50 * time.Millisecond)

	ok, _, err = tracker.CanSpend(ctx, core.EndpointPosts, "")
	require.NoError(t, err)
	require.True(t, ok)

	used, _, _, err := tracker.Usage(ctx, core.EndpointPosts)
	require.NoError(t, err)
	require.Zero(t, used)
}

func TestTrackerFailsClosedOnStoreError(t *testing.T) {
	store := &memQuotaStore{getErr: errors.New("store down")}
	tracker := &Tracker{
		Store:  store,
		Limits: testLimits(10, time.Minute),
	}

	ok, _, err := tracker.CanSpend(context.Background(), core.EndpointPosts, "")
	require.Error(t, err)
	require.False(t, ok)
}

func TestTrackerHeaderOverride(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).Truncate(time.Minute))
	tracker := &Tracker{
		Limits: testLimits(100, time.Minute),
		Clock:  clock.Now,
	}
	ctx := context.Background()

	// Local estimate says 1, the provider says 8 of 10 are gone.
	require.NoError(t, tracker.Record(ctx, core.EndpointPosts, "", &core.QuotaHeaders{
		Remaining: 2,
		Limit:     10,
	}))

	used, limit, _, err := tracker.Usage(ctx, core.EndpointPosts)
	require.NoError(t, err)
	require.Equal(t, 8, used)
	require.Equal(t, 10, limit)
}

func TestTrackerPersistsAcrossRestart(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).Truncate(time.Minute))
	store := &memQuotaStore{}
	ctx := context.Background()

	first := &Tracker{Store: store, Limits: testLimits(10, time.Minute), Clock: clock.Now}
	for i := 0; i < 3; i++ {
		require.NoError(t, first.Record(ctx, core.EndpointPosts, "", nil))
	}

	// Fresh tracker over the same store resumes mid-window counts.
	second := &Tracker{Store: store, Limits: testLimits(10, time.Minute), Clock: clock.Now}
	used, _, _, err := second.Usage(ctx, core.EndpointPosts)
	require.NoError(t, err)
	require.Equal(t, 3, used)
}

func TestTrackerMargin(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).Truncate(time.Minute))
	tracker := &Tracker{
		Limits: testLimits(10, time.Minute),
		Margin: 0.5,
		Clock:  clock.Now,
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, _, err := tracker.CanSpend(ctx, core.EndpointPosts, "")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tracker.Record(ctx, core.EndpointPosts, "", nil))
	}

	ok, _, err := tracker.CanSpend(ctx, core.EndpointPosts, "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTrackerPerAccountKeys(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0).Truncate(time.Minute))
	tracker := &Tracker{
		Limits: testLimits(1, time.Minute),
		Clock:  clock.Now,
	}
	ctx := context.Background()

	require.NoError(t, tracker.Record(ctx, core.EndpointPosts, "acct-1", nil))

	ok, _, err := tracker.CanSpend(ctx, core.EndpointPosts, "acct-1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, _, err = tracker.CanSpend(ctx, core.EndpointPosts, "acct-2")
	require.NoError(t, err)
	require.True(t, ok)
}
