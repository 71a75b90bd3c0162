package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/meatballspaghetti/fate/pkg/types"
)

// Router dispatches each call to the backend matching the transaction's
// instance-type tag: USER transactions go to an embedded BoltStore, META
// transactions go to a Raft-replicated RaftStore. Create takes the instance
// type explicitly since no id exists yet to route by.
type Router struct {
	user Store
	meta Store
}

// NewRouter builds a Router over the two concrete backends. meta may be nil
// if this process does not participate in cluster consensus, in which case
// any META operation fails loudly rather than silently falling back to the
// user store.
func NewRouter(user, meta Store) *Router {
	return &Router{user: user, meta: meta}
}

func (r *Router) backend(instance types.InstanceType) (Store, error) {
	switch instance {
	case types.InstanceUser:
		return r.user, nil
	case types.InstanceMeta:
		if r.meta == nil {
			return nil, fmt.Errorf("router: no META backend configured")
		}
		return r.meta, nil
	default:
		return nil, fmt.Errorf("router: unknown instance type %q", instance)
	}
}

// IsLeader reports whether this node can write to the replicated META
// backend. With no META backend configured every write is local, so the
// answer is always true.
func (r *Router) IsLeader() bool {
	if l, ok := r.meta.(interface{ IsLeader() bool }); ok {
		return l.IsLeader()
	}
	return true
}

func (r *Router) Create(ctx context.Context, instance types.InstanceType) (types.ID, error) {
	backend, err := r.backend(instance)
	if err != nil {
		return types.ID{}, err
	}
	return backend.Create(ctx, instance)
}

func (r *Router) List(ctx context.Context, keyKind types.OperationKind) ([]ListItem, error) {
	items, err := r.user.List(ctx, keyKind)
	if err != nil {
		return nil, err
	}
	if r.meta != nil {
		metaItems, err := r.meta.List(ctx, keyKind)
		if err != nil {
			return nil, err
		}
		items = append(items, metaItems...)
	}
	return items, nil
}

// Runnable fans out to both backends concurrently; sink may be called from
// either goroutine and must be safe for concurrent use, same as the work
// finder's rendezvous hand-off already requires.
func (r *Router) Runnable(ctx context.Context, stop <-chan struct{}, sink Sink) error {
	errCh := make(chan error, 2)
	go func() { errCh <- r.user.Runnable(ctx, stop, sink) }()
	if r.meta != nil {
		go func() { errCh <- r.meta.Runnable(ctx, stop, sink) }()
	} else {
		errCh <- nil
	}
	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Reserve(ctx context.Context, id types.ID, ownerID string) (Handle, error) {
	backend, err := r.backend(id.Instance)
	if err != nil {
		return nil, err
	}
	return backend.Reserve(ctx, id, ownerID)
}

func (r *Router) TryReserve(ctx context.Context, id types.ID, ownerID string) (Handle, bool, error) {
	backend, err := r.backend(id.Instance)
	if err != nil {
		return nil, false, err
	}
	return backend.TryReserve(ctx, id, ownerID)
}

func (r *Router) Read(ctx context.Context, id types.ID) (types.ReadView, error) {
	backend, err := r.backend(id.Instance)
	if err != nil {
		return types.ReadView{}, err
	}
	return backend.Read(ctx, id)
}

func (r *Router) FindByKey(ctx context.Context, key types.Key) (types.ID, bool, error) {
	if id, ok, err := r.user.FindByKey(ctx, key); err != nil {
		return types.ID{}, false, err
	} else if ok {
		return id, true, nil
	}
	if r.meta != nil {
		return r.meta.FindByKey(ctx, key)
	}
	return types.ID{}, false, nil
}

func (r *Router) ListReservations(ctx context.Context) ([]ReservationInfo, error) {
	out, err := r.user.ListReservations(ctx)
	if err != nil {
		return nil, err
	}
	if r.meta != nil {
		metaRes, err := r.meta.ListReservations(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, metaRes...)
	}
	return out, nil
}

func (r *Router) ClearReservation(ctx context.Context, id types.ID) error {
	backend, err := r.backend(id.Instance)
	if err != nil {
		return err
	}
	return backend.ClearReservation(ctx, id)
}

func (r *Router) WaitForStatusChange(ctx context.Context, id types.ID, targets []types.Status, deadline time.Time) (types.Status, error) {
	backend, err := r.backend(id.Instance)
	if err != nil {
		return types.StatusUnknown, err
	}
	return backend.WaitForStatusChange(ctx, id, targets, deadline)
}

func (r *Router) Close() error {
	err := r.user.Close()
	if r.meta != nil {
		if metaErr := r.meta.Close(); metaErr != nil && err == nil {
			err = metaErr
		}
	}
	return err
}
