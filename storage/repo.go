package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("key not found")

// Store is the contract the external encrypted key/value store must satisfy.
// All operations are fallible; implementations must tolerate concurrent calls
// and report failure via an error rather than a silent no-op.
type Store interface {
	// Set persists value under key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error

	// Get retrieves the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Remove deletes the value for key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Has reports whether a value exists for key.
	Has(ctx context.Context, key string) (bool, error)
}

// Lister is an optional capability: stores that can enumerate keys by prefix
// implement it, enabling namespace reloads (e.g. cache persistence).
type Lister interface {
	Keys(ctx context.Context, prefix string) ([]string, error)
}
