// Package kv defines the key-value/hash store contract the session layer
// issues operations against. Implementations live in subpackages (redis for
// production, memory for tests and local development); this package must not
// import concrete clients.
package kv

import (
	"context"
	"errors"
)

// ErrUnavailable marks connection-level failures: the store could not be
// reached or the connection broke mid-operation. Server-side replies and
// context cancellation are never reported as ErrUnavailable.
var ErrUnavailable = errors.New("kv store unavailable")

// CompareResult is the outcome of HCompareAndSet.
type CompareResult int

// Possible HCompareAndSet outcomes.
const (
	// CompareSwapped means the field held the expected value and was replaced.
	CompareSwapped CompareResult = iota
	// CompareMismatch means the field exists but holds another value.
	CompareMismatch
	// CompareMissing means the hash field does not exist.
	CompareMissing
)

func (r CompareResult) String() string {
	switch r {
	case CompareSwapped:
		return "swapped"
	case CompareMismatch:
		return "mismatch"
	case CompareMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Message is one pub/sub delivery.
type Message struct {
	Pattern string
	Channel string
	Payload string
}

// Subscription streams messages for a pattern subscription until closed.
type Subscription interface {
	// Messages is closed once the subscription ends.
	Messages() <-chan Message
	Close() error
}

// Store is the adapter over a networked hash/set/pub-sub store. Every method
// is a single round-trip and is atomic on its own; nothing is transactional
// across calls.
type Store interface {
	// HSet writes one field and reports whether the field was newly created.
	HSet(ctx context.Context, key, field, value string) (bool, error)
	// HSetMap writes several fields in one command.
	HSetMap(ctx context.Context, key string, values map[string]string) error
	// HSetNX writes the field only if it does not exist yet.
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	// HCompareAndSet replaces the field only if it currently equals expected.
	HCompareAndSet(ctx context.Context, key, field, expected, value string) (CompareResult, error)
	// HGet returns the field value and whether it was present.
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)
	HExists(ctx context.Context, key, field string) (bool, error)
	HDel(ctx context.Context, key string, fields ...string) (int64, error)
	HLen(ctx context.Context, key string) (int64, error)

	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)

	// SAdd reports whether the member was added (false if already present).
	SAdd(ctx context.Context, key, member string) (bool, error)
	// SRem reports whether the member was removed (false if absent).
	SRem(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Keys lists up to limit keys matching a glob pattern; limit <= 0 means
	// all of them. Order is unspecified.
	Keys(ctx context.Context, pattern string, limit int) ([]string, error)

	Publish(ctx context.Context, channel, message string) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}
