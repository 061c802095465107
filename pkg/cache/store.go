// Package cache provides the key-value tier that accelerates session lookups.
//
// Two backends implement Store: RedisStore for deployments where several
// server processes share one cache, and MemoryStore for single-process
// development and tests. Every operation touches exactly one key, so callers
// that maintain several related keys apply them as an ordered sequence.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a MemoryStore after Close.
var ErrClosed = errors.New("cache: store closed")

// Store is a key-value store with TTLs and string sets.
type Store interface {
	// Get returns the value under key. A missing key is (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// MGet returns one slot per key; missing keys yield nil.
	MGet(ctx context.Context, keys ...string) ([][]byte, error)
	// Set stores value with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	Close() error
}
