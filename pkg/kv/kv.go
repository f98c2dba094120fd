// Package kv is the small key-value surface warden needs: the API's
// token revocation list and short-lived coordination flags. Backends
// are swappable; production uses Redis, tests use the in-memory store.
package kv

import (
	"context"
	"time"
)

// Store is a minimal TTL'd key-value interface.
type Store interface {
	// Set stores a value under key. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// SetNX sets the key only if absent. Reports whether it was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Close() error
}
