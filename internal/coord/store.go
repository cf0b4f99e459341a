// Package coord provides the shared coordination store sweeps use for
// mutual exclusion and completion fan-in. All state written for a sweep
// carries the sweep's lease TTL, so an operator crash can never wedge the
// system for longer than one lease period.
package coord

import (
	"context"
	"errors"
	"time"
)

// ErrNotLeaseOwner is returned when releasing a lease held by someone else
var ErrNotLeaseOwner = errors.New("lease held by a different owner")

// Store is the coordination substrate for sweep runs. One logical sweep
// name maps to a lease plus a pending membership set, both expiring
// together after the lease TTL.
type Store interface {
	// AcquireLease atomically claims the sweep lease for owner. It returns
	// false without error when another live owner already holds it. A lease
	// whose TTL has lapsed counts as free.
	AcquireLease(ctx context.Context, sweep, owner string, ttl time.Duration) (bool, error)

	// ReleaseLease frees the lease and discards all sweep state. Only the
	// current owner may release.
	ReleaseLease(ctx context.Context, sweep, owner string) error

	// AddPending registers members in the sweep's pending set.
	AddPending(ctx context.Context, sweep string, members []string) error

	// RemovePending removes one member and returns how many remain. Removing
	// an absent member is not an error.
	RemovePending(ctx context.Context, sweep, member string) (int, error)

	// PendingCount returns the size of the pending set.
	PendingCount(ctx context.Context, sweep string) (int, error)

	// PendingMembers returns the members still pending.
	PendingMembers(ctx context.Context, sweep string) ([]string, error)
}
