package types

import "errors"

// ErrInvalidTransition is raised by set_status when the requested status
// pair is not permitted by the state machine. It signals caller misuse,
// not a recoverable condition. A worker that gets it logs it at error
// level and leaves the status untouched; it does not propagate the error
// out of the worker.
var ErrInvalidTransition = errors.New("fate: invalid status transition")

// ErrConflictingSeed is raised when seed(id, op, ...) is called again for
// an already-seeded transaction (by id, or by business key through
// SeedByKey) with a different declared operation kind.
var ErrConflictingSeed = errors.New("fate: conflicting seed for existing key")

// ErrNotReserved is raised by handle operations when the caller's lease has
// expired or was never held.
var ErrNotReserved = errors.New("fate: transaction not reserved by caller")

// ErrAlreadyReserved names the case where another owner holds the lease.
// Store.TryReserve reports that case through its ok result (false, with a
// nil error) and does not return this error.
var ErrAlreadyReserved = errors.New("fate: transaction already reserved")

// ErrUnknownTransaction is returned by operations addressing an id with no
// matching record.
var ErrUnknownTransaction = errors.New("fate: unknown transaction id")
