// Package store defines the key-value contract every durable record in the
// authorization core is persisted through. The core itself is stateless
// between requests; grants, tokens, device codes, sessions and service
// bindings all live behind this interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no value exists for the key.
var ErrNotFound = errors.New("store: key not found")

// KV is a minimal get/put/delete store. TTLs are garbage collection only:
// callers must still enforce expiry on read, because backing-store TTL
// semantics are not guaranteed to be immediate.
type KV interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// PutIfAbsent writes value only when key does not exist, reporting
	// whether the write happened. Used where a conditional write closes a
	// race (first-admin bootstrap).
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
