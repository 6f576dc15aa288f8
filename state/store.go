// Package state provides the keyed store backing rule window state and
// suppression bookkeeping: values carry a version, writes are either blind
// puts or compare-and-swap on that version, and every key has a TTL so
// abandoned windows expire on their own.
package state

import (
	"context"
	"errors"
	"time"
)

// Entry is a stored value with its concurrency version
type Entry struct {
	Value   []byte
	Version uint64
}

// Store is a keyed state store with TTLs and optimistic concurrency.
// CompareAndSwap with expectedVersion 0 is a create: it fails if the key
// already exists.
type Store interface {
	// Get returns the entry and whether the key exists
	Get(ctx context.Context, key string) (Entry, bool, error)

	// Put writes unconditionally and returns the new version
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) (uint64, error)

	// CompareAndSwap writes only if the current version matches
	// expectedVersion; returns ErrConflict otherwise
	CompareAndSwap(ctx context.Context, key string, value []byte, expectedVersion uint64, ttl time.Duration) (uint64, error)

	// Delete removes a key; deleting a missing key is not an error
	Delete(ctx context.Context, key string) error

	// Close releases the store's resources
	Close() error
}

// ErrConflict is returned when a compare-and-swap loses the race; callers
// re-read and retry a bounded number of times
var ErrConflict = errors.New("state: version conflict")
