// Package cache provides the key-value store backing idempotency replay and
// short-lived provider state (OAuth tokens). Redis is the production
// backend; the in-memory store serves tests and single-node setups.
package cache

import (
	"context"
	"time"
)

// DefaultIdempotencyTTL is how long a completed idempotent response stays
// replayable.
const DefaultIdempotencyTTL = 86400 * time.Second

// IdempotencyKeyPrefix namespaces client idempotency keys in the store.
const IdempotencyKeyPrefix = "idempotency:"

// Store is a string key-value store with per-key TTL.
type Store interface {
	// Get returns the value and whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a value with the given TTL. Zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks backend liveness.
	Ping(ctx context.Context) error

	Close() error
}
