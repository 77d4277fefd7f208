// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package readcache_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"

	"github.com/stashpost/stashpost/private/kvstore/testkv"
	"github.com/stashpost/stashpost/publisher/deviantart"
	"github.com/stashpost/stashpost/publisher/readcache"
)

func newCoordinator(t *testing.T, now *time.Time) *readcache.Coordinator {
	coordinator := readcache.NewCoordinator(zaptest.NewLogger(t), readcache.NewMemoryStore(), readcache.Config{
		Enabled:    true,
		DefaultTTL: 5 * time.Minute,
		StaleTTL:   2 * time.Hour,
	})
	coordinator.TestSetNow(func() time.Time { return *now })
	return coordinator
}

func TestDisabledBypassesCache(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	coordinator := readcache.NewCoordinator(zaptest.NewLogger(t), readcache.NewMemoryStore(), readcache.Config{
		Enabled: false,
	})

	fetches := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte("value"), nil
	}

	// every call goes straight to fetch, nothing is stored or counted
	for i := 0; i < 2; i++ {
		value, err := coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, fetch)
		require.NoError(t, err)
		require.Equal(t, []byte("value"), value)
	}
	require.Equal(t, 2, fetches)
	require.Zero(t, coordinator.Stats("metadata"))
}

func TestDefaultTTL(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	coordinator := newCoordinator(t, &now)

	fetches := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte("value"), nil
	}

	_, err := coordinator.GetOrFetch(ctx, "metadata", "key", 0, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, fetches)

	// within DefaultTTL the cached value is served
	now = now.Add(4 * time.Minute)
	_, err = coordinator.GetOrFetch(ctx, "metadata", "key", 0, fetch)
	require.NoError(t, err)
	require.Equal(t, 1, fetches)

	// past it the value is refetched
	now = now.Add(2 * time.Minute)
	_, err = coordinator.GetOrFetch(ctx, "metadata", "key", 0, fetch)
	require.NoError(t, err)
	require.Equal(t, 2, fetches)
}

func TestHitAndMiss(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	coordinator := newCoordinator(t, &now)

	fetches := 0
	fetch := func(ctx context.Context) ([]byte, error) {
		fetches++
		return []byte("value"), nil
	}

	value, err := coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)
	require.Equal(t, 1, fetches)

	// still fresh, no second fetch
	value, err = coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), value)
	require.Equal(t, 1, fetches)

	// past the ttl, fetched again
	now = now.Add(2 * time.Minute)
	_, err = coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, fetch)
	require.NoError(t, err)
	require.Equal(t, 2, fetches)

	stats := coordinator.Stats("metadata")
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 2, stats.Misses)
}

func TestStaleServeOnRateLimit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	coordinator := newCoordinator(t, &now)

	_, err := coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("old"), nil
	})
	require.NoError(t, err)

	limited := func(ctx context.Context) ([]byte, error) {
		return nil, deviantart.ErrRateLimited.New("status 429")
	}

	// expired but within staleTTL: the stale value is served
	now = now.Add(time.Hour)
	value, err := coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, limited)
	require.NoError(t, err)
	require.Equal(t, []byte("old"), value)

	stats := coordinator.Stats("metadata")
	require.EqualValues(t, 1, stats.StaleServes)
	require.EqualValues(t, 1, stats.RateLimited)

	// past staleTTL the 429 propagates
	now = now.Add(2 * time.Hour)
	_, err = coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, limited)
	require.True(t, deviantart.IsRateLimit(err))
}

func TestNonRateLimitErrorPropagates(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	coordinator := newCoordinator(t, &now)

	_, err := coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, func(ctx context.Context) ([]byte, error) {
		return []byte("old"), nil
	})
	require.NoError(t, err)

	// a plain server error never serves stale
	now = now.Add(time.Hour)
	_, err = coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, deviantart.ErrServer.New("status 500")
	})
	require.True(t, deviantart.ErrServer.Has(err))
	require.EqualValues(t, 1, coordinator.Stats("metadata").Errors)
}

func TestSingleFlight(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	now := time.Now()
	coordinator := newCoordinator(t, &now)

	var mu sync.Mutex
	fetches := 0
	started := make(chan struct{})
	release := make(chan struct{})

	fetch := func(ctx context.Context) ([]byte, error) {
		mu.Lock()
		fetches++
		first := fetches == 1
		mu.Unlock()
		if first {
			close(started)
			<-release
		}
		return []byte("value"), nil
	}

	var group sync.WaitGroup
	results := make([][]byte, 2)
	for i := 0; i < 2; i++ {
		i := i
		group.Add(1)
		go func() {
			defer group.Done()
			value, err := coordinator.GetOrFetch(ctx, "metadata", "key", time.Minute, fetch)
			require.NoError(t, err)
			results[i] = value
		}()
		if i == 0 {
			<-started
		}
	}

	// let the second caller join before releasing the fetch
	time.Sleep(50 * time.Millisecond)
	close(release)
	group.Wait()

	require.Equal(t, 1, fetches)
	require.Equal(t, []byte("value"), results[0])
	require.Equal(t, []byte("value"), results[1])
	require.EqualValues(t, 1, coordinator.Stats("metadata").Coalesced)
}

func TestKVStoreRoundTrip(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	kv := testkv.New()
	defer func() { require.NoError(t, kv.Close()) }()

	store := readcache.NewKVStore(kv, 2*time.Hour)
	storedAt := time.Now().Truncate(time.Second)

	require.NoError(t, store.Put(ctx, "metadata", "key", readcache.Entry{
		Value:    []byte("value"),
		StoredAt: storedAt,
	}))

	entry, err := store.Get(ctx, "metadata", "key")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), entry.Value)
	require.True(t, entry.StoredAt.Equal(storedAt))

	require.NoError(t, store.Delete(ctx, "metadata", "key"))
	_, err = store.Get(ctx, "metadata", "key")
	require.True(t, readcache.ErrEntryNotFound.Has(err))
}
