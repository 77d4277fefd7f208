// Copyright (C) 2024 Stashpost, Inc.
// See LICENSE for copying information.

// Package blobs abstracts the artwork binary store the publisher reads
// uploads from.
package blobs

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

var (
	// Error is the blobs error class.
	Error = errs.Class("blobs")

	// ErrBlobNotFound is returned when no blob exists under the key.
	ErrBlobNotFound = errs.Class("blob not found")

	// ErrInvalidKey is returned for empty keys or keys escaping the store root.
	ErrInvalidKey = errs.Class("invalid blob key")
)

// Store reads draft file binaries by their blob key.
type Store interface {
	// Open returns a reader over the blob's content.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Size returns the blob's size in bytes.
	Size(ctx context.Context, key string) (int64, error)
}

// DiskStore is a Store over a local directory. Blob keys map to file paths
// relative to the root.
type DiskStore struct {
	root string
}

var _ Store = (*DiskStore)(nil)

// NewDiskStore creates a Store rooted at dir.
func NewDiskStore(dir string) *DiskStore {
	return &DiskStore{root: dir}
}

// Open implements Store.
func (store *DiskStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	path, err := store.path(key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound.New("%q", key)
		}
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// Size implements Store.
func (store *DiskStore) Size(ctx context.Context, key string) (int64, error) {
	path, err := store.path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrBlobNotFound.New("%q", key)
		}
		return 0, Error.Wrap(err)
	}
	return info.Size(), nil
}

func (store *DiskStore) path(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidKey.New("empty")
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) || filepath.IsAbs(cleaned) {
		return "", ErrInvalidKey.New("%q", key)
	}
	return filepath.Join(store.root, cleaned), nil
}
