// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package testkv provides an in-memory kvstore.Store for tests.
package testkv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stashpost/stashpost/private/kvstore"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

type timelineEntry struct {
	member string
	at     time.Time
}

// Store implements kvstore.Store in memory.
type Store struct {
	mu        sync.Mutex
	data      map[string]entry
	timelines map[string][]timelineEntry
	nowFn     func() time.Time
}

var _ kvstore.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		data:      make(map[string]entry),
		timelines: make(map[string][]timelineEntry),
		nowFn:     time.Now,
	}
}

// TestSetNow lets tests control expiration time.
func (store *Store) TestSetNow(nowFn func() time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.nowFn = nowFn
}

// Get implements kvstore.Store.
func (store *Store) Get(ctx context.Context, key string) ([]byte, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	e, ok := store.data[key]
	if !ok || (!e.expiresAt.IsZero() && !store.nowFn().Before(e.expiresAt)) {
		delete(store.data, key)
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, nil
}

// Put implements kvstore.Store.
func (store *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = store.nowFn().Add(ttl)
	}
	store.data[key] = e
	return nil
}

// Delete implements kvstore.Store.
func (store *Store) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.data, key)
	return nil
}

// TimelineAdd implements kvstore.Store.
func (store *Store) TimelineAdd(ctx context.Context, timeline, member string, at time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entries := store.timelines[timeline]
	for i, e := range entries {
		if e.member == member {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	entries = append(entries, timelineEntry{member: member, at: at})
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })
	store.timelines[timeline] = entries
	return nil
}

// TimelineTrim implements kvstore.Store.
func (store *Store) TimelineTrim(ctx context.Context, timeline string, before time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entries := store.timelines[timeline]
	kept := entries[:0]
	for _, e := range entries {
		if !e.at.Before(before) {
			kept = append(kept, e)
		}
	}
	store.timelines[timeline] = kept
	return nil
}

// TimelineRange implements kvstore.Store.
func (store *Store) TimelineRange(ctx context.Context, timeline string, from, to time.Time) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var members []string
	for _, e := range store.timelines[timeline] {
		if e.at.Before(from) || e.at.After(to) {
			continue
		}
		members = append(members, e.member)
	}
	return members, nil
}

// Ping implements kvstore.Store.
func (store *Store) Ping(ctx context.Context) error { return nil }

// Close implements kvstore.Store.
func (store *Store) Close() error { return nil }
