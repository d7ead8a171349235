// Package kv is the gateway's contract with its fast key-value store:
// rate counters, cached responses, and credential-disable flags all go
// through this interface. Each operation is atomic at single-key
// granularity.
package kv

import (
	"context"
	"time"
)

type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Increment adds amount to the counter at key, creating it with the
	// given ttl if absent, and returns the new value.
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
	// CompareAndSet sets key to new only if its current value equals
	// expected. An empty expected means "only if absent".
	CompareAndSet(ctx context.Context, key, expected, new string, ttl time.Duration) (bool, error)
}
