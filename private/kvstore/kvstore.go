// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package kvstore declares the key-value store used for best-effort shared
// state: persisted circuit breaker snapshots, flushed metrics windows and
// cached upstream read results.
package kvstore

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default kvstore error class.
	Error = errs.Class("kvstore")

	// ErrKeyNotFound is returned when a key is absent from the store.
	ErrKeyNotFound = errs.Class("key not found")
)

// Store is a minimal key-value interface with per-key expiration and a
// time-indexed member set used as a metrics timeline.
//
// All writes are best-effort from the caller's point of view: the components
// built on top of a Store must keep working when it is unavailable.
type Store interface {
	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores value under key. A non-positive ttl stores without
	// expiration.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// TimelineAdd records member in the named timeline at the given time.
	TimelineAdd(ctx context.Context, timeline, member string, at time.Time) error
	// TimelineTrim drops timeline members recorded before the given time.
	TimelineTrim(ctx context.Context, timeline string, before time.Time) error
	// TimelineRange returns members recorded in [from, to], oldest first.
	TimelineRange(ctx context.Context, timeline string, from, to time.Time) ([]string, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
	// Close releases resources held by the store.
	Close() error
}
