// Package store defines the persistence interfaces the proxy core
// consumes — ProxyStore, SeatStore, DelegateProxyStore — plus in-memory
// and Redis-backed implementations.
package store

import (
	"context"
	"errors"

	"github.com/MohamedAnouar/containerproxy/pkg/proxytypes"
)

// ErrVersionConflict is returned by ProxyStore.CompareAndSwap when the
// caller's expected version no longer matches the stored version.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrNotFound is returned when an id has no corresponding record.
var ErrNotFound = errors.New("store: not found")

// ProxyStore is the authoritative set of live proxies, keyed by id.
// Implementations must make CompareAndSwap atomic with respect to other
// callers — it is the single-writer-per-id serialization point the rest
// of the core relies on (spec.md §5, ordering guarantee (i)).
type ProxyStore interface {
	// Get returns the current Proxy for id, or ErrNotFound.
	Get(ctx context.Context, id string) (proxytypes.Proxy, error)

	// GetAll returns every live proxy, in no particular order.
	GetAll(ctx context.Context) ([]proxytypes.Proxy, error)

	// Insert adds a brand-new proxy record. Returns an error if id
	// already exists.
	Insert(ctx context.Context, p proxytypes.Proxy) (proxytypes.Proxy, error)

	// CompareAndSwap replaces the stored proxy for p.ID with p, but only
	// if the stored version equals expectedVersion. On success the
	// returned Proxy carries the new version. On mismatch returns
	// ErrVersionConflict and the caller must re-Get and retry.
	CompareAndSwap(ctx context.Context, p proxytypes.Proxy, expectedVersion uint64) (proxytypes.Proxy, error)

	// Delete removes the proxy record for id. Deleting an id that does
	// not exist is not an error — callers rely on this for idempotent
	// cleanup on failure paths.
	Delete(ctx context.Context, id string) error
}

// SeatStore is the pool of unclaimed/claimed seats, keyed by spec.
type SeatStore interface {
	// Put registers a freshly created, unclaimed seat.
	Put(ctx context.Context, seat proxytypes.Seat) error

	// Claim atomically removes and returns one unclaimed seat for specID,
	// or ok=false if none are available. A claim is a status change —
	// the seat disappears from "unclaimed" but the total seat count (as
	// tracked by the owning DelegateProxyStore) is unaffected.
	Claim(ctx context.Context, specID string) (seat proxytypes.Seat, ok bool, err error)

	// UnclaimedSeats returns the number of unclaimed seats for specID.
	UnclaimedSeats(ctx context.Context, specID string) (int, error)

	// RemoveSeats atomically removes the given seat ids, but only if none
	// of them have been claimed since they were looked up — it returns
	// false (and removes nothing) if any seat was claimed in the
	// meantime, so the scaler's scale-down step can retry another
	// candidate instead of destroying a seat a user just claimed.
	RemoveSeats(ctx context.Context, specID string, seatIDs []string) (bool, error)
}

// DelegateProxyStore holds the pool-owned proxy records and the seat ids
// each one currently backs.
type DelegateProxyStore interface {
	Get(ctx context.Context, proxyID string) (proxytypes.DelegateProxy, error)
	GetAll(ctx context.Context, specID string) ([]proxytypes.DelegateProxy, error)
	Insert(ctx context.Context, d proxytypes.DelegateProxy) error
	Update(ctx context.Context, d proxytypes.DelegateProxy) error
	Delete(ctx context.Context, proxyID string) error
}
