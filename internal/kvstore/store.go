// Package kvstore abstracts the shared mutable state of the access-control
// layer (sessions, failed-attempt records, rate windows) behind a key-value
// store with per-entry TTL and atomic per-key read-modify-write.
//
// MemoryStore serves single-process deployments. RedisStore lets several
// instances share the same state without touching the components above it.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// Store errors
var (
	ErrConflict = errors.New("kvstore: too many concurrent updates")
	ErrAborted  = errors.New("kvstore: update aborted")
)

// Mutation is the result of an UpdateFunc.
// Exactly one of Value or Delete is meaningful; a zero TTL means no expiry.
type Mutation struct {
	Value  []byte
	TTL    time.Duration
	Delete bool
}

// Put builds a Mutation that stores value with the given TTL
func Put(value []byte, ttl time.Duration) Mutation {
	return Mutation{Value: value, TTL: ttl}
}

// Remove builds a Mutation that deletes the key
func Remove() Mutation {
	return Mutation{Delete: true}
}

// UpdateFunc computes the new state of a key from its current state.
// It runs while the key is held exclusively and may be invoked more than once
// by optimistic backends, so it must not call back into the Store and any
// values it captures must be overwritten on every call.
type UpdateFunc func(current []byte, found bool) (Mutation, error)

// Store is a key-value store with per-entry TTL
type Store interface {
	// Get returns the value for key. Expired entries are reported as not found.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value under key. A zero ttl means the entry never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Update atomically reads, transforms and writes a single key.
	// Once the mutation is committed Update reports success even if ctx is
	// cancelled afterwards, so callers never lose a committed decision.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	// Scan calls fn for every live key with the given prefix until fn returns false.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) bool) error
	// Sweep removes expired entries and reports how many were removed.
	Sweep(ctx context.Context) (int, error)
	// Len reports the number of live entries.
	Len(ctx context.Context) (int, error)
}
