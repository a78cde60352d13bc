package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSyncGuardCooldownSkips(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	guard := &SyncGuard{Cooldown: 30 * time.Second, Clock: clock.Now}
	ctx := context.Background()

	calls := 0
	fn := func(_ context.Context, due []string) error {
		calls++
		require.Equal(t, []string{"acct-1"}, due)
		return nil
	}

	require.NoError(t, guard.Run(ctx, []string{"acct-1"}, fn))
	require.Equal(t, 1, calls)

	// Inside the cooldown nothing is due; fn is not invoked.
	require.NoError(t, guard.Run(ctx, []string{"acct-1"}, fn))
	require.Equal(t, 1, calls)

	clock.Advance(30 * time.Second)
	require.NoError(t, guard.Run(ctx, []string{"acct-1"}, fn))
	require.Equal(t, 2, calls)
}

func TestSyncGuardCollapsesConcurrentCallers(t *testing.T) {
	guard := &SyncGuard{Cooldown: time.Minute}
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0

	first := make(chan error, 1)
	go func() {
		first <- guard.Run(ctx, []string{"acct-1"}, func(context.Context, []string) error {
			mu.Lock()
			calls++
			mu.Unlock()
			close(started)
			<-release
			return errors.New("sync failed")
		})
	}()

	<-started

	// The second caller joins the in-flight pass and observes its outcome.
	second := make(chan error, 1)
	go func() {
		second <- guard.Run(ctx, []string{"acct-1"}, func(context.Context, []string) error {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)

	require.EqualError(t, <-first, "sync failed")
	require.EqualError(t, <-second, "sync failed")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
}

func TestSyncGuardUpdatesLastSyncOnError(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	guard := &SyncGuard{Cooldown: time.Minute, Clock: clock.Now}
	ctx := context.Background()

	err := guard.Run(ctx, []string{"acct-1"}, func(context.Context, []string) error {
		return errors.New("provider down")
	})
	require.Error(t, err)

	// A failed attempt still arms the cooldown so errors cannot hot-loop.
	last, ok := guard.LastSync("acct-1")
	require.True(t, ok)
	require.Equal(t, clock.Now(), last)

	calls := 0
	require.NoError(t, guard.Run(ctx, []string{"acct-1"}, func(context.Context, []string) error {
		calls++
		return nil
	}))
	require.Zero(t, calls)
}

func TestSyncGuardFiltersOnlyDueAccounts(t *testing.T) {
	clock := newFakeClock(time.Unix(1_700_000_000, 0))
	guard := &SyncGuard{Cooldown: time.Minute, Clock: clock.Now}
	ctx := context.Background()

	require.NoError(t, guard.Run(ctx, []string{"acct-1"}, func(context.Context, []string) error {
		return nil
	}))

	clock.Advance(30 * time.Second)

	var due []string
	require.NoError(t, guard.Run(ctx, []string{"acct-1", "acct-2", ""}, func(_ context.Context, d []string) error {
		due = d
		return nil
	}))
	require.Equal(t, []string{"acct-2"}, due)
}
