package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meatballspaghetti/fate/pkg/types"
)

func newTestStore(t *testing.T) (*BoltStore, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, dir
}

func TestCreateAndRead(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	assert.Equal(t, types.InstanceUser, id.Instance)
	assert.NotEmpty(t, id.UUID)

	view, err := store.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusNew, view.Status)
	assert.Nil(t, view.Top)
}

func TestReadUnknownID(t *testing.T) {
	store, _ := newTestStore(t)

	view, err := store.Read(context.Background(), types.ID{Instance: types.InstanceUser, UUID: "nope"})
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnknown, view.Status)
}

func TestReservationExclusivity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	h1, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	// Second owner cannot reserve while the first holds the lease.
	_, ok, err = store.TryReserve(ctx, id, "owner-2")
	require.NoError(t, err)
	assert.False(t, ok)

	// Nor can the same owner double-reserve.
	_, ok, err = store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h1.Unreserve(ctx, 0))

	_, ok, err = store.TryReserve(ctx, id, "owner-2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStaleHandleRejected(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	h1, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	// The sweep clears owner-1's reservation out from under its handle.
	require.NoError(t, store.ClearReservation(ctx, id))

	_, ok, err = store.TryReserve(ctx, id, "owner-2")
	require.NoError(t, err)
	require.True(t, ok)

	// The stale handle must not be able to mutate any more.
	err = h1.SetStatus(ctx, types.StatusSubmitted)
	assert.ErrorIs(t, err, types.ErrNotReserved)
	err = h1.Push(ctx, types.StackEntry{Tag: "x", Version: 1})
	assert.ErrorIs(t, err, types.ErrNotReserved)
}

func TestStatusTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	h, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	// NEW cannot jump straight to IN_PROGRESS.
	assert.ErrorIs(t, h.SetStatus(ctx, types.StatusInProgress), types.ErrInvalidTransition)

	require.NoError(t, h.SetStatus(ctx, types.StatusSubmitted))
	// Idempotent same-status set.
	require.NoError(t, h.SetStatus(ctx, types.StatusSubmitted))
	require.NoError(t, h.SetStatus(ctx, types.StatusInProgress))
	assert.ErrorIs(t, h.SetStatus(ctx, types.StatusFailed), types.ErrInvalidTransition)
	require.NoError(t, h.SetStatus(ctx, types.StatusFailedInProgress))
	require.NoError(t, h.SetStatus(ctx, types.StatusFailed))

	status, err := h.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, status)
}

func TestStackPushPop(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	h, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := h.Top(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, h.Push(ctx, types.StackEntry{Tag: "a", Version: 1, Payload: []byte(`{}`)}))
	require.NoError(t, h.Push(ctx, types.StackEntry{Tag: "b", Version: 1, Payload: []byte(`{}`)}))

	depth, err := h.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	top, found, err := h.Top(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b", top.Tag)

	require.NoError(t, h.Pop(ctx))
	top, found, err = h.Top(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", top.Tag)
}

func TestStackSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	h, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.SetStatus(ctx, types.StatusSubmitted))
	require.NoError(t, h.Push(ctx, types.StackEntry{Tag: "a", Version: 1}))
	require.NoError(t, h.Push(ctx, types.StackEntry{Tag: "b", Version: 1}))

	// Simulated crash: no Unreserve, no clean shutdown beyond Close.
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	view, err := reopened.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, view.Status)
	require.NotNil(t, view.Top)
	assert.Equal(t, "b", view.Top.Tag)
}

func TestInfoRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	h, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	info, err := h.GetInfo(ctx)
	require.NoError(t, err)
	info.Op = types.OpCreateTable
	info.AutoClean = true
	info.Exception = "boom"
	require.NoError(t, h.SetInfo(ctx, info))

	got, err := h.GetInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.OpCreateTable, got.Op)
	assert.True(t, got.AutoClean)
	assert.Equal(t, "boom", got.Exception)
}

func TestFindByKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	key := types.Key{Kind: types.OpCreateTable, Payload: "ns.table1"}

	_, found, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	h, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.SetKey(ctx, key))
	require.NoError(t, h.Unreserve(ctx, 0))

	got, found, err := store.FindByKey(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, got)

	items, err := store.List(ctx, types.OpCreateTable)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)

	// Deleting the transaction also removes the key index entry.
	h, ok, err = store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.Delete(ctx))

	_, found, err = store.FindByKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunnableFiltersStatusAndReservation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// NEW: not runnable.
	newID, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	// SUBMITTED and unreserved: runnable.
	readyID, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	h, ok, err := store.TryReserve(ctx, readyID, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.SetStatus(ctx, types.StatusSubmitted))
	require.NoError(t, h.Unreserve(ctx, 0))

	// SUBMITTED but reserved: not runnable.
	heldID, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	h2, ok, err := store.TryReserve(ctx, heldID, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h2.SetStatus(ctx, types.StatusSubmitted))

	stop := make(chan struct{})
	var got []types.ID
	err = store.Runnable(ctx, stop, func(id types.ID) bool {
		got = append(got, id)
		close(stop)
		return false
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, readyID, got[0])
	assert.NotEqual(t, newID, got[0])
	assert.NotEqual(t, heldID, got[0])
}

func TestUnreserveDeferral(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	h, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h.SetStatus(ctx, types.StatusSubmitted))
	require.NoError(t, h.Unreserve(ctx, 300*time.Millisecond))

	// Within the deferral window the transaction is not offered.
	stop := make(chan struct{})
	offered := false
	go func() {
		time.Sleep(150 * time.Millisecond)
		close(stop)
	}()
	err = store.Runnable(ctx, stop, func(types.ID) bool {
		offered = true
		return false
	})
	require.NoError(t, err)
	assert.False(t, offered, "transaction offered before its deferral elapsed")

	// After the window it is.
	time.Sleep(200 * time.Millisecond)
	stop2 := make(chan struct{})
	var got []types.ID
	err = store.Runnable(ctx, stop2, func(offeredID types.ID) bool {
		got = append(got, offeredID)
		close(stop2)
		return false
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0])
}

func TestWaitForStatusChange(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		h, ok, err := store.TryReserve(ctx, id, "owner-1")
		if err != nil || !ok {
			return
		}
		_ = h.SetStatus(ctx, types.StatusSubmitted)
		_ = h.Unreserve(ctx, 0)
	}()

	status, err := store.WaitForStatusChange(ctx, id,
		[]types.Status{types.StatusSubmitted}, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, types.StatusSubmitted, status)
}

func TestWaitForStatusChangeDeadline(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	start := time.Now()
	status, err := store.WaitForStatusChange(ctx, id,
		[]types.Status{types.StatusSuccessful}, time.Now().Add(200*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, types.StatusNew, status)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestListReservations(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)
	_, ok, err := store.TryReserve(ctx, id, "owner-1")
	require.NoError(t, err)
	require.True(t, ok)

	reservations, err := store.ListReservations(ctx)
	require.NoError(t, err)
	require.Len(t, reservations, 1)
	assert.Equal(t, id, reservations[0].ID)
	assert.Equal(t, "owner-1", reservations[0].OwnerID)
	assert.WithinDuration(t, time.Now(), reservations[0].AcquiredAt, time.Second)
}
