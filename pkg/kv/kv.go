// Package kv provides the key-value store backing the accepted-job index.
// The dispatcher marks every JobSpec the scheduler accepted here, so a
// re-dispatched sweep only submits the jobs that were never accepted.
// Backends (Valkey/Redis, in-memory) are swappable behind Store.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist. Callers probing
// the cancelled marker treat it as "not cancelled", not as a fault.
var ErrNotFound = errors.New("kv: key not found")

// Store defines a minimal key-value interface.
// Keys are strings, values are byte slices. All operations support TTL.
type Store interface {
	// Set stores a value with the given key and TTL.
	// If TTL is 0, the key does not expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key. Returns ErrNotFound if key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Returns nil if key doesn't exist.
	Delete(ctx context.Context, key string) error

	// SetNX sets a value only if the key doesn't exist (atomic).
	// Returns true if the key was set, false if it already existed.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Close closes the connection to the store.
	Close() error
}
