// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

package blobs

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// TestStore is an in-memory Store for tests.
type TestStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

var _ Store = (*TestStore)(nil)

// NewTestStore creates an empty in-memory store.
func NewTestStore() *TestStore {
	return &TestStore{blobs: make(map[string][]byte)}
}

// Put stores a blob under the key.
func (store *TestStore) Put(key string, data []byte) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.blobs[key] = append([]byte(nil), data...)
}

// Open implements Store.
func (store *TestStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	data, ok := store.blobs[key]
	if !ok {
		return nil, ErrBlobNotFound.New("%q", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Size implements Store.
func (store *TestStore) Size(ctx context.Context, key string) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	data, ok := store.blobs[key]
	if !ok {
		return 0, ErrBlobNotFound.New("%q", key)
	}
	return int64(len(data)), nil
}
