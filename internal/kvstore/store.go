// Package kvstore provides the key/value stores the client persists state in.
//
// Two scopes exist. A tab-scoped store belongs to a single client instance and
// is discarded when it exits (see Memory). A profile-scoped store is shared by
// every instance using the same profile and outlives them (see File and
// Redis). Stores hold opaque string values; callers own the encoding.
//
// Every write is a single-key operation so concurrent writers from other
// instances never observe a partially written value. Readers must tolerate a
// missing or stale key.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errors.New("key not found")

// Change describes a write observed on a store, possibly made by another
// instance sharing the same profile.
type Change struct {
	Key     string `json:"key"`
	Value   string `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Store is a scoped key/value store.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Set writes value for key atomically.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Watch returns a feed of changes. The channel is closed when ctx is
	// cancelled or the store is closed.
	Watch(ctx context.Context) (<-chan Change, error)
	// Close releases resources held by the store.
	Close() error
}

const watchBuffer = 32
