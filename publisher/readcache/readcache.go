// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package readcache coordinates read-path caching over arbitrary fetch
// functions: concurrent fetches for the same key are coalesced and a stale
// value may be served when upstream is rate limiting.
package readcache

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stashpost/stashpost/publisher/deviantart"
)

var (
	mon = monkit.Package()

	// Error is the readcache error class.
	Error = errs.Class("readcache")

	// ErrEntryNotFound means the store has no value for the key.
	ErrEntryNotFound = errs.Class("cache entry not found")
)

// Entry is a cached value with its write time. Freshness is decided by the
// coordinator, not the store.
type Entry struct {
	Value    []byte
	StoredAt time.Time
}

// Store is the cache backend.
type Store interface {
	// Get returns the entry for the key, ErrEntryNotFound when absent.
	Get(ctx context.Context, namespace, key string) (*Entry, error)
	// Put stores the entry for the key.
	Put(ctx context.Context, namespace, key string, entry Entry) error
	// Delete removes the key, absent keys are not an error.
	Delete(ctx context.Context, namespace, key string) error
}

// Config holds cache coordinator configuration.
type Config struct {
	Enabled    bool          `help:"cache upstream read responses" default:"true"`
	DefaultTTL time.Duration `help:"freshness window used when the caller does not give one" default:"5m0s"`
	StaleTTL   time.Duration `help:"how long an expired value may still be served during upstream rate limiting" default:"2h0m0s"`
}

// Stats are the per-namespace cache counters.
type Stats struct {
	Hits        int64
	Misses      int64
	Errors      int64
	StaleServes int64
	RateLimited int64
	Coalesced   int64
}

// Coordinator is a keyed single-flight cache over fetch functions.
//
// architecture: Service
type Coordinator struct {
	log    *zap.Logger
	store  Store
	config Config

	flight singleflight.Group

	mu    sync.Mutex
	stats map[string]*Stats

	nowFn func() time.Time
}

// NewCoordinator creates a cache coordinator over the store.
func NewCoordinator(log *zap.Logger, store Store, config Config) *Coordinator {
	return &Coordinator{
		log:    log,
		store:  store,
		config: config,
		stats:  make(map[string]*Stats),
		nowFn:  time.Now,
	}
}

// TestSetNow allows tests to pin the current time.
func (coordinator *Coordinator) TestSetNow(nowFn func() time.Time) {
	coordinator.nowFn = nowFn
}

// GetOrFetch returns the cached value for the key when it is younger than
// ttl, otherwise runs fetch and caches its result. A non-positive ttl means
// DefaultTTL. Concurrent callers for the same key join a single in-flight
// fetch. When fetch fails with an upstream rate limit, a stale value within
// StaleTTL is served instead.
func (coordinator *Coordinator) GetOrFetch(ctx context.Context, namespace, key string, ttl time.Duration, fetch func(ctx context.Context) ([]byte, error)) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	if !coordinator.config.Enabled {
		return fetch(ctx)
	}
	if ttl <= 0 {
		ttl = coordinator.config.DefaultTTL
	}

	now := coordinator.nowFn()

	cached, err := coordinator.store.Get(ctx, namespace, key)
	if err != nil && !ErrEntryNotFound.Has(err) {
		coordinator.log.Debug("cache read failed",
			zap.String("namespace", namespace), zap.Error(err))
		cached = nil
	}
	if cached != nil && now.Sub(cached.StoredAt) < ttl {
		coordinator.count(namespace, func(s *Stats) { s.Hits++ })
		return cached.Value, nil
	}

	executed := false
	value, err, _ := coordinator.flight.Do(namespace+"\x00"+key, func() (interface{}, error) {
		executed = true
		fetched, err := fetch(ctx)
		if err != nil {
			if deviantart.IsRateLimit(err) {
				coordinator.count(namespace, func(s *Stats) { s.RateLimited++ })
				if cached != nil && now.Sub(cached.StoredAt) < coordinator.config.StaleTTL {
					coordinator.count(namespace, func(s *Stats) { s.StaleServes++ })
					return cached.Value, nil
				}
			}
			coordinator.count(namespace, func(s *Stats) { s.Errors++ })
			return nil, err
		}

		coordinator.count(namespace, func(s *Stats) { s.Misses++ })
		entry := Entry{Value: fetched, StoredAt: coordinator.nowFn()}
		if err := coordinator.store.Put(ctx, namespace, key, entry); err != nil {
			coordinator.log.Debug("cache write failed",
				zap.String("namespace", namespace), zap.Error(err))
		}
		return fetched, nil
	})
	if !executed {
		// joined another caller's in-flight fetch
		coordinator.count(namespace, func(s *Stats) { s.Coalesced++ })
	}
	if err != nil {
		return nil, err
	}
	return value.([]byte), nil
}

// Invalidate drops the key from the cache.
func (coordinator *Coordinator) Invalidate(ctx context.Context, namespace, key string) error {
	return Error.Wrap(coordinator.store.Delete(ctx, namespace, key))
}

// Stats returns a copy of the namespace counters.
func (coordinator *Coordinator) Stats(namespace string) Stats {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()

	if s, ok := coordinator.stats[namespace]; ok {
		return *s
	}
	return Stats{}
}

func (coordinator *Coordinator) count(namespace string, update func(*Stats)) {
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()

	s, ok := coordinator.stats[namespace]
	if !ok {
		s = &Stats{}
		coordinator.stats[namespace] = s
	}
	update(s)
}
