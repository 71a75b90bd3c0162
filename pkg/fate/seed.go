package fate

import (
	"context"
	"fmt"

	"github.com/meatballspaghetti/fate/pkg/metrics"
	"github.com/meatballspaghetti/fate/pkg/types"
)

// SeedRequest attaches an initial step and declared operation kind to a
// freshly created transaction.
type SeedRequest struct {
	Op        types.OperationKind
	Step      Serializable
	AutoClean bool
	// Key optionally tags the transaction with a business-level dedup key
	// so repeated seeding attempts for the same logical operation converge
	// on one transaction.
	Key types.Key
	// FromWire marks the request as originating from an externally visible
	// wire operation. Internal-only operation kinds reject wire seeding.
	FromWire bool
}

// Create allocates a fresh NEW transaction of the given instance type.
func (e *Executor) Create(ctx context.Context, instance types.InstanceType) (types.ID, error) {
	return e.store.Create(ctx, instance)
}

// Seed moves a NEW transaction to SUBMITTED: declares its operation kind,
// pushes the initial step, and records the auto-clean flag. Seeding is
// idempotent: repeating the call with the same operation kind is a no-op,
// while a different kind fails with ErrConflictingSeed.
func (e *Executor) Seed(ctx context.Context, id types.ID, req SeedRequest) error {
	if !types.KnownOperationKind(req.Op) {
		return fmt.Errorf("fate: unknown operation kind %q", req.Op)
	}
	if req.FromWire && !types.IsWireExportable(req.Op) {
		return fmt.Errorf("fate: operation kind %q is internal-only and cannot be seeded over the wire", req.Op)
	}
	if req.Step == nil {
		return fmt.Errorf("fate: seed requires an initial step")
	}

	h, err := e.store.Reserve(ctx, id, e.ownerID)
	if err != nil {
		return fmt.Errorf("fate: reserve %s for seeding: %w", id, err)
	}
	defer func() { _ = h.Unreserve(ctx, 0) }()

	status, err := h.GetStatus(ctx)
	if err != nil {
		return err
	}

	if status != types.StatusNew {
		// Already seeded; converge or conflict.
		info, err := h.GetInfo(ctx)
		if err != nil {
			return err
		}
		if info.Op == req.Op {
			return nil
		}
		return fmt.Errorf("%w: have %q, got %q", types.ErrConflictingSeed, info.Op, req.Op)
	}

	info, err := h.GetInfo(ctx)
	if err != nil {
		return err
	}
	info.Op = req.Op
	info.AutoClean = req.AutoClean
	if err := h.SetInfo(ctx, info); err != nil {
		return err
	}

	if !req.Key.IsZero() {
		if err := h.SetKey(ctx, req.Key); err != nil {
			return err
		}
	}

	entry, err := NewCodec(e.cfg.Registry).Encode(req.Step)
	if err != nil {
		return err
	}
	if err := h.Push(ctx, entry); err != nil {
		return err
	}

	if err := h.SetStatus(ctx, types.StatusSubmitted); err != nil {
		return err
	}
	metrics.TransactionsSeeded.WithLabelValues(string(req.Op)).Inc()
	return nil
}

// SeedByKey is the idempotent front door for callers that retry: if a
// transaction with req.Key already exists its id is returned (after
// verifying the declared operation matches), otherwise a new transaction
// is created and seeded. created reports which path was taken.
func (e *Executor) SeedByKey(ctx context.Context, instance types.InstanceType, req SeedRequest) (id types.ID, created bool, err error) {
	if req.Key.IsZero() {
		return types.ID{}, false, fmt.Errorf("fate: SeedByKey requires a non-zero key")
	}

	if existing, found, err := e.store.FindByKey(ctx, req.Key); err != nil {
		return types.ID{}, false, err
	} else if found {
		// Re-seeding an existing id re-runs the idempotence/conflict check.
		if err := e.Seed(ctx, existing, req); err != nil {
			return types.ID{}, false, err
		}
		return existing, false, nil
	}

	id, err = e.store.Create(ctx, instance)
	if err != nil {
		return types.ID{}, false, err
	}
	if err := e.Seed(ctx, id, req); err != nil {
		return types.ID{}, false, err
	}
	return id, true, nil
}
