// Package storage defines the transaction store contract (the executor's durable
// backbone) and its two concrete backends: an embedded BoltStore for
// ordinary (USER) transactions and a Raft-replicated RaftStore for
// transactions whose record must survive a manager failover (META).
package storage

import (
	"context"
	"time"

	"github.com/meatballspaghetti/fate/pkg/types"
)

// ListItem is one entry returned by List: just enough to let a caller
// enumerate or filter by business key without reading the full record.
type ListItem struct {
	ID  types.ID
	Key types.Key
}

// ReservationInfo describes one currently-held reservation, as returned by
// ListReservations for the dead-reservation sweep.
type ReservationInfo struct {
	ID         types.ID
	OwnerID    string
	AcquiredAt time.Time
}

// Sink receives one runnable transaction id per call from Runnable. It
// returns true to keep scanning, false to stop early. Sink may block; this
// is how Runnable applies back-pressure to its caller (see the work finder,
// pkg/finder).
type Sink func(id types.ID) (keepGoing bool)

// Store is the durable, crash-safe transaction store contract.
// Implementations must guarantee that every mutation performed through a
// Handle is durable before the call returns, and that readers observe
// either the pre- or post-state of a mutation, never a torn write.
type Store interface {
	// Create allocates an id and persists a new Tx{status: NEW, stack: []}.
	Create(ctx context.Context, instance types.InstanceType) (types.ID, error)

	// List returns a snapshot-per-item (not globally consistent) view of
	// every transaction, optionally filtered by key kind. An empty
	// keyKind returns everything.
	List(ctx context.Context, keyKind types.OperationKind) ([]ListItem, error)

	// Runnable invokes sink once per transaction id whose status is in
	// {SUBMITTED, IN_PROGRESS, FAILED_IN_PROGRESS}, whose reservation is
	// unheld, and whose deferral (if any) has elapsed. Runnable may rescan the store
	// more than once; it returns when stop is closed or sink returns false.
	Runnable(ctx context.Context, stop <-chan struct{}, sink Sink) error

	// Reserve blocks until the slot is free, then installs ownerID as the
	// current reservation holder and returns a Handle.
	Reserve(ctx context.Context, id types.ID, ownerID string) (Handle, error)

	// TryReserve attempts a non-blocking reservation. ok is false if
	// another owner currently holds the lease.
	TryReserve(ctx context.Context, id types.ID, ownerID string) (h Handle, ok bool, err error)

	// Read returns a read-only snapshot view. Non-holders may always read;
	// only holders may mutate (via Handle).
	Read(ctx context.Context, id types.ID) (types.ReadView, error)

	// FindByKey looks up an existing transaction by its business-level
	// dedup key, used for idempotent seeding.
	FindByKey(ctx context.Context, key types.Key) (types.ID, bool, error)

	// ListReservations returns every currently-held reservation, for the
	// dead-reservation sweep in pkg/reservation.
	ListReservations(ctx context.Context) ([]ReservationInfo, error)

	// ClearReservation administratively clears a reservation without
	// requiring the caller to hold it. Used only by the dead-reservation
	// sweep after confirming the owner is no longer alive; it must never
	// touch the transaction's status or stack.
	ClearReservation(ctx context.Context, id types.ID) error

	// WaitForStatusChange blocks until the transaction's status is a
	// member of targets or deadline elapses, whichever comes first.
	WaitForStatusChange(ctx context.Context, id types.ID, targets []types.Status, deadline time.Time) (types.Status, error)

	Close() error
}

// Handle exposes the mutating operations available only while the caller
// holds the transaction's reservation.
type Handle interface {
	ID() types.ID

	GetStatus(ctx context.Context) (types.Status, error)
	// SetStatus enforces the allowed-transition table; an illegal pair
	// returns types.ErrInvalidTransition. Setting status to its current
	// value is always permitted.
	SetStatus(ctx context.Context, next types.Status) error

	Top(ctx context.Context) (types.StackEntry, bool, error)
	// Depth reports the current stack length, used by the worker pool to
	// enforce the push depth cap behind StepError StackOverflow.
	Depth(ctx context.Context) (int, error)
	Push(ctx context.Context, entry types.StackEntry) error
	Pop(ctx context.Context) error

	GetInfo(ctx context.Context) (types.Info, error)
	SetInfo(ctx context.Context, info types.Info) error

	SetKey(ctx context.Context, key types.Key) error

	// Delete removes the transaction record entirely.
	Delete(ctx context.Context) error

	// Unreserve releases the lease. If deferFor is positive, the
	// transaction will not be offered again by Runnable until that long
	// has elapsed.
	Unreserve(ctx context.Context, deferFor time.Duration) error
}
