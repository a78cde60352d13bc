package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsefeed/pulsefeed/internal/core"
)

type fakeItemStore struct {
	mu       sync.Mutex
	posts    map[string]core.Post
	progress map[string]core.BackfillProgress
	saves    []core.BackfillProgress
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{
		posts:    make(map[string]core.Post),
		progress: make(map[string]core.BackfillProgress),
	}
}

func (f *fakeItemStore) UpsertPosts(_ context.Context, posts []core.Post) ([]core.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := make([]core.Post, 0, len(posts))
	for _, post := range posts {
		if _, ok := f.posts[post.ID]; ok {
			continue
		}
		f.posts[post.ID] = post
		inserted = append(inserted, post)
	}
	return inserted, nil
}

func (f *fakeItemStore) GetBackfillProgress(_ context.Context, accountID string) (*core.BackfillProgress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress, ok := f.progress[accountID]
	if !ok {
		return nil, nil
	}
	snapshot := progress
	return &snapshot, nil
}

func (f *fakeItemStore) SaveBackfillProgress(_ context.Context, progress *core.BackfillProgress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[progress.AccountID] = *progress
	f.saves = append(f.saves, *progress)
	return nil
}

func (f *fakeItemStore) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.posts)
}

func (f *fakeItemStore) savedProgress() []core.BackfillProgress {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.BackfillProgress, len(f.saves))
	copy(out, f.saves)
	return out
}

type fakeProvider struct {
	mu         sync.Mutex
	fetches    int
	fetchFn    func(accountID string, opts core.FetchOptions) (*core.FetchPage, error)
	openStream func(accountIDs []string) (Stream, error)
}

func (f *fakeProvider) LookupAccount(_ context.Context, handle string) (*core.Account, error) {
	return &core.Account{ID: "acct-" + handle, Handle: handle}, nil
}

func (f *fakeProvider) FetchPosts(_ context.Context, accountID string, opts core.FetchOptions) (*core.FetchPage, error) {
	f.mu.Lock()
	f.fetches++
	fn := f.fetchFn
	f.mu.Unlock()
	if fn == nil {
		return &core.FetchPage{}, nil
	}
	return fn(accountID, opts)
}

func (f *fakeProvider) OpenStream(_ context.Context, accountIDs []string) (Stream, error) {
	if f.openStream == nil {
		return nil, errors.New("streaming unavailable")
	}
	return f.openStream(accountIDs)
}

func (f *fakeProvider) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type chanStream struct {
	events chan core.Post
	once   sync.Once
}

func (s *chanStream) Next(ctx context.Context) (*core.Post, error) {
	select {
	case post, ok := <-s.events:
		if !ok {
			return nil, core.ErrStreamClosed
		}
		return &post, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanStream) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type chanNotifier struct {
	batches chan []core.Post
}

func (n *chanNotifier) Notify(posts []core.Post) {
	select {
	case n.batches <- posts:
	default:
	}
}

func newTestCoordinator(provider *fakeProvider, store *fakeItemStore, notifier Notifier, cfg CoordinatorConfig) *Coordinator {
	tracker := openTracker()
	return &Coordinator{
		Scheduler: &Scheduler{Tracker: tracker, ThrottleBackoff: 5 * time.Millisecond},
		Tracker:   tracker,
		Cache:     &FreshnessCache{TTL: time.Minute},
		Provider:  provider,
		Store:     store,
		Notifier:  notifier,
		Accounts:  []core.Account{{ID: "acct-1", Handle: "alice"}},
		Config:    cfg,
	}
}

func TestCoordinatorPollingIngest(t *testing.T) {
	provider := &fakeProvider{
		fetchFn: func(accountID string, opts core.FetchOptions) (*core.FetchPage, error) {
			return &core.FetchPage{
				Posts: []core.Post{
					{ID: "2", AccountID: accountID, Text: "newer", PostedAt: time.Now().UTC()},
					{ID: "1", AccountID: accountID, Text: "older", PostedAt: time.Now().UTC().Add(-time.Minute)},
				},
				OldestID: "1",
			}, nil
		},
	}
	store := newFakeItemStore()
	notifier := &chanNotifier{batches: make(chan []core.Post, 4)}

	coordinator := newTestCoordinator(provider, store, notifier, CoordinatorConfig{
		PollInterval:     20 * time.Millisecond,
		BackfillInterval: time.Hour,
		StreamEnabled:    false,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	require.Equal(t, StatePolling, coordinator.State())

	select {
	case batch := <-notifier.batches:
		require.Len(t, batch, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no posts were ingested")
	}
	require.Equal(t, 2, store.postCount())

	// The account is fresh now; further ticks must not refetch within TTL.
	fetched := provider.fetchCount()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, fetched, provider.fetchCount())
}

func TestCoordinatorStreamFallsBackToPolling(t *testing.T) {
	provider := &fakeProvider{} // OpenStream fails
	store := newFakeItemStore()

	coordinator := newTestCoordinator(provider, store, nil, CoordinatorConfig{
		PollInterval:         time.Hour,
		BackfillInterval:     time.Hour,
		StreamEnabled:        true,
		StreamReconnectDelay: time.Hour,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	require.Equal(t, StatePolling, coordinator.State())
}

func TestCoordinatorStreamIngest(t *testing.T) {
	stream := &chanStream{events: make(chan core.Post, 1)}
	provider := &fakeProvider{
		openStream: func([]string) (Stream, error) { return stream, nil },
	}
	store := newFakeItemStore()
	notifier := &chanNotifier{batches: make(chan []core.Post, 4)}

	coordinator := newTestCoordinator(provider, store, notifier, CoordinatorConfig{
		PollInterval:     time.Hour,
		BackfillInterval: time.Hour,
		StreamEnabled:    true,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	require.Equal(t, StateStreaming, coordinator.State())

	stream.events <- core.Post{ID: "99", AccountID: "acct-1", Text: "live", PostedAt: time.Now().UTC()}

	select {
	case batch := <-notifier.batches:
		require.Len(t, batch, 1)
		require.Equal(t, "99", batch[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("stream event was not ingested")
	}
}

func TestCoordinatorStreamDuplicateNotNotifiedTwice(t *testing.T) {
	stream := &chanStream{events: make(chan core.Post, 2)}
	provider := &fakeProvider{
		openStream: func([]string) (Stream, error) { return stream, nil },
	}
	store := newFakeItemStore()
	notifier := &chanNotifier{batches: make(chan []core.Post, 4)}

	coordinator := newTestCoordinator(provider, store, notifier, CoordinatorConfig{
		PollInterval:     time.Hour,
		BackfillInterval: time.Hour,
		StreamEnabled:    true,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	post := core.Post{ID: "7", AccountID: "acct-1", Text: "once", PostedAt: time.Now().UTC()}
	stream.events <- post
	stream.events <- post

	select {
	case <-notifier.batches:
	case <-time.After(2 * time.Second):
		t.Fatal("stream event was not ingested")
	}

	select {
	case <-notifier.batches:
		t.Fatal("duplicate event was notified twice")
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, 1, store.postCount())
}

func TestCoordinatorSyncNow(t *testing.T) {
	provider := &fakeProvider{
		fetchFn: func(accountID string, opts core.FetchOptions) (*core.FetchPage, error) {
			return &core.FetchPage{
				Posts:    []core.Post{{ID: "5", AccountID: accountID, Text: "on demand", PostedAt: time.Now().UTC()}},
				OldestID: "5",
			}, nil
		},
	}
	store := newFakeItemStore()

	coordinator := newTestCoordinator(provider, store, nil, CoordinatorConfig{
		PollInterval:     time.Hour,
		BackfillInterval: time.Hour,
		StreamEnabled:    false,
		SyncCooldown:     time.Minute,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	require.NoError(t, coordinator.SyncNow(context.Background(), []string{"acct-1"}))
	require.Equal(t, 1, store.postCount())
	fetched := provider.fetchCount()

	// A second sync inside the cooldown is a no-op.
	require.NoError(t, coordinator.SyncNow(context.Background(), []string{"acct-1"}))
	require.Equal(t, fetched, provider.fetchCount())
}

func TestCoordinatorBackfillWalksToCompletion(t *testing.T) {
	provider := &fakeProvider{
		fetchFn: func(accountID string, opts core.FetchOptions) (*core.FetchPage, error) {
			switch opts.UntilID {
			case "":
				return &core.FetchPage{
					Posts: []core.Post{
						{ID: "20", AccountID: accountID, PostedAt: time.Now().UTC()},
						{ID: "11", AccountID: accountID, PostedAt: time.Now().UTC().Add(-time.Hour)},
					},
					OldestID: "11",
				}, nil
			default:
				return &core.FetchPage{}, nil
			}
		},
	}
	store := newFakeItemStore()

	coordinator := newTestCoordinator(provider, store, nil, CoordinatorConfig{
		PollInterval:     time.Hour,
		BackfillInterval: 10 * time.Millisecond,
		BackfillPageSize: 2,
		StreamEnabled:    false,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	require.Eventually(t, func() bool {
		for _, progress := range store.savedProgress() {
			if progress.AccountID == "acct-1" && progress.Completed {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, 2, store.postCount())

	var sawCursor bool
	for _, progress := range store.savedProgress() {
		if progress.Cursor == "11" && !progress.Completed {
			sawCursor = true
		}
	}
	require.True(t, sawCursor, "cursor should advance to the oldest fetched id")
}

func TestCoordinatorRestart(t *testing.T) {
	var fetches atomic.Int64
	provider := &fakeProvider{
		fetchFn: func(accountID string, opts core.FetchOptions) (*core.FetchPage, error) {
			id := strconv.FormatInt(fetches.Add(1), 10)
			return &core.FetchPage{
				Posts:    []core.Post{{ID: id, AccountID: accountID, PostedAt: time.Now().UTC()}},
				OldestID: id,
			}, nil
		},
	}
	store := newFakeItemStore()
	notifier := &chanNotifier{batches: make(chan []core.Post, 16)}

	coordinator := newTestCoordinator(provider, store, notifier, CoordinatorConfig{
		PollInterval:     20 * time.Millisecond,
		BackfillInterval: time.Hour,
		StreamEnabled:    false,
	})
	coordinator.Cache = &FreshnessCache{TTL: 5 * time.Millisecond}

	require.NoError(t, coordinator.Start(context.Background()))
	coordinator.Stop()
	require.Equal(t, StateStopped, coordinator.State())

	// A stopped coordinator accepts a fresh start and ingestion resumes.
	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	require.Equal(t, StatePolling, coordinator.State())
	before := fetches.Load()
	require.Eventually(t, func() bool {
		return fetches.Load() > before
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCoordinatorStatus(t *testing.T) {
	provider := &fakeProvider{}
	store := newFakeItemStore()

	coordinator := newTestCoordinator(provider, store, nil, CoordinatorConfig{
		PollInterval:     time.Hour,
		BackfillInterval: time.Hour,
		StreamEnabled:    false,
	})

	require.NoError(t, coordinator.Start(context.Background()))
	defer coordinator.Stop()

	require.Eventually(t, func() bool {
		return coordinator.Status(context.Background()).Draining
	}, 2*time.Second, 5*time.Millisecond)

	status := coordinator.Status(context.Background())
	require.Equal(t, StatePolling, status.State)
	require.NotEmpty(t, status.Endpoints)
}

func TestBackfillBudgetBands(t *testing.T) {
	cases := []struct {
		name       string
		available  int
		untilReset time.Duration
		reserve    int
		want       int
	}{
		{"far from reset", 100, 12 * time.Minute, 0, 50},
		{"mid window", 100, 7 * time.Minute, 0, 25},
		{"close to reset capped", 100, 2 * time.Minute, 0, 5},
		{"close to reset small", 24, 2 * time.Minute, 0, 3},
		{"reserve consumes budget", 10, 12 * time.Minute, 10, 0},
		{"nothing available", 0, 12 * time.Minute, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, backfillBudget(tc.available, tc.untilReset, tc.reserve))
		})
	}
}
