// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package readcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/stashpost/stashpost/private/kvstore"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Get implements Store.
func (store *MemoryStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry, ok := store.entries[namespace+"\x00"+key]
	if !ok {
		return nil, ErrEntryNotFound.New("%s/%s", namespace, key)
	}
	copied := entry
	copied.Value = append([]byte(nil), entry.Value...)
	return &copied, nil
}

// Put implements Store.
func (store *MemoryStore) Put(ctx context.Context, namespace, key string, entry Entry) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entry.Value = append([]byte(nil), entry.Value...)
	store.entries[namespace+"\x00"+key] = entry
	return nil
}

// Delete implements Store.
func (store *MemoryStore) Delete(ctx context.Context, namespace, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	delete(store.entries, namespace+"\x00"+key)
	return nil
}

// KVStore keeps cache entries in the shared key-value store so they survive
// process restarts. Entries expire at the retention TTL; within it, the
// coordinator decides freshness from the stored write time.
type KVStore struct {
	store     kvstore.Store
	retention time.Duration
}

var _ Store = (*KVStore)(nil)

// storedEntry is the kvstore representation of an Entry.
type storedEntry struct {
	Value    []byte    `json:"value"`
	StoredAt time.Time `json:"storedAt"`
}

// NewKVStore creates a Store over the key-value store. retention should be
// at least the coordinator's StaleTTL.
func NewKVStore(store kvstore.Store, retention time.Duration) *KVStore {
	return &KVStore{store: store, retention: retention}
}

// Get implements Store.
func (store *KVStore) Get(ctx context.Context, namespace, key string) (*Entry, error) {
	data, err := store.store.Get(ctx, storeKey(namespace, key))
	if err != nil {
		if kvstore.ErrKeyNotFound.Has(err) {
			return nil, ErrEntryNotFound.New("%s/%s", namespace, key)
		}
		return nil, Error.Wrap(err)
	}

	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, Error.Wrap(err)
	}
	return &Entry{Value: stored.Value, StoredAt: stored.StoredAt}, nil
}

// Put implements Store.
func (store *KVStore) Put(ctx context.Context, namespace, key string, entry Entry) error {
	data, err := json.Marshal(storedEntry{Value: entry.Value, StoredAt: entry.StoredAt})
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(store.store.Put(ctx, storeKey(namespace, key), data, store.retention))
}

// Delete implements Store.
func (store *KVStore) Delete(ctx context.Context, namespace, key string) error {
	return Error.Wrap(store.store.Delete(ctx, storeKey(namespace, key)))
}

func storeKey(namespace, key string) string {
	return "cache:" + namespace + ":" + key
}
