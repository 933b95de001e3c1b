// Package coordinator wraps the shared key-value store that every process
// uses for cross-process coordination: membership heartbeats, the
// single-leader lock, page-range assignments, batch lifecycle flags, and
// session-cookie fan-out. It exposes only the atomic primitives the
// protocol needs (get/set/acquire/swap/refresh/delete) — all higher-level
// semantics live in the lock, manager, general, and product packages.
package coordinator

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("coordinator: key not found")

// Client is the thin transport the rest of the system is built on. Every
// method maps onto a single key and is expected to be linearizable; the
// protocol never relies on cross-key atomicity (spec §5).
type Client interface {
	// Get returns the current value, or ErrNotFound if the key is absent.
	Get(ctx context.Context, key string) (string, error)

	// Set writes the value unconditionally, with no expiration.
	Set(ctx context.Context, key, value string) error

	// Acquire sets key to value with the given TTL only if key does not
	// already exist. Returns true if the set happened.
	Acquire(ctx context.Context, key, value string, ttlSeconds int) (bool, error)

	// Swap atomically sets key to value and returns the previous value.
	// ok is false iff the key was absent before the swap.
	Swap(ctx context.Context, key, value string) (old string, ok bool, err error)

	// Refresh unconditionally sets key to value with the given TTL. Used
	// only by a confirmed lock holder to extend its lease.
	Refresh(ctx context.Context, key, value string, ttlSeconds int) error

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases any underlying connection resources.
	Close() error
}
