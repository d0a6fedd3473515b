// Package store defines the shared key/value store contract consumed by the
// tiered cache and implements it on top of Redis.
//
// Every operation is fallible and advisory: callers in the cache layer treat
// errors as misses or no-ops. While the store is not connected, operations
// fail fast with ErrNotConnected instead of waiting on the network.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates the key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrNotConnected is returned while the store is disconnected or reconnecting.
	ErrNotConnected = errors.New("store not connected")

	// ErrRetriesExhausted is returned once reconnection gave up. A fresh
	// Connect is required.
	ErrRetriesExhausted = errors.New("store reconnect attempts exhausted")
)

// Store is the shared key/value service behind Tier 2.
type Store interface {
	// Connect establishes the connection. It is idempotent.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and stops reconnection.
	Disconnect(ctx context.Context) error

	// Connected reports whether operations are currently attempted.
	Connected() bool

	// Status returns a snapshot of the connection state.
	Status() Status

	// Get returns the value stored at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// SetWithExpiry stores value at key for ttl.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Scan calls fn for every key matching the glob pattern. Keys written
	// while the scan runs may or may not be reported.
	Scan(ctx context.Context, pattern string, fn func(key string) error) error

	// MGet returns one entry per key; nil marks a missing key.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// MSetWithExpiry stores all entries with the same ttl.
	MSetWithExpiry(ctx context.Context, entries map[string]string, ttl time.Duration) error

	// IncrBy atomically adds n to the integer at key and returns the result.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)

	// ExpireNX sets ttl on an existing key that has none and reports
	// whether it did. A ttl already in place is left untouched.
	ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// CountKeys counts keys matching the glob pattern.
	CountKeys(ctx context.Context, pattern string) (int64, error)
}

// OpError describes a failed store operation.
type OpError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *OpError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err means the store could not be reached,
// as opposed to a missing key.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrRetriesExhausted)
}
