package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/meatballspaghetti/fate/internal/testenv"
	"github.com/meatballspaghetti/fate/pkg/fate"
	"github.com/meatballspaghetti/fate/pkg/storage"
	"github.com/meatballspaghetti/fate/pkg/types"
	"github.com/meatballspaghetti/fate/pkg/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	store *storage.BoltStore
	env   *testenv.Env
	pool  *worker.Pool
	in    chan types.ID
}

func newHarness(t *testing.T, maxDepth int) *harness {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	registry := fate.NewRegistry()
	testenv.Register(registry)
	env := testenv.NewEnv()

	in := make(chan types.ID)
	pool := worker.New(worker.Config{
		OwnerID:       "test-owner",
		Store:         store,
		Env:           env,
		Codec:         fate.NewCodec(registry),
		In:            in,
		StackMaxDepth: maxDepth,
	})
	pool.Grow(1)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})

	return &harness{store: store, env: env, pool: pool, in: in}
}

// seed creates a SUBMITTED transaction whose initial step is the named
// scripted step.
func (h *harness) seed(t *testing.T, firstStep string, autoClean bool) types.ID {
	t.Helper()
	ctx := context.Background()

	id, err := h.store.Create(ctx, types.InstanceUser)
	require.NoError(t, err)

	handle, ok, err := h.store.TryReserve(ctx, id, "seeder")
	require.NoError(t, err)
	require.True(t, ok)

	info, err := handle.GetInfo(ctx)
	require.NoError(t, err)
	info.Op = types.OpCreateTable
	info.AutoClean = autoClean
	require.NoError(t, handle.SetInfo(ctx, info))

	step := testenv.NewStep(firstStep)
	payload, err := step.MarshalPayload()
	require.NoError(t, err)
	require.NoError(t, handle.Push(ctx, types.StackEntry{Tag: step.Tag(), Version: step.Version(), Payload: payload}))
	require.NoError(t, handle.SetStatus(ctx, types.StatusSubmitted))
	require.NoError(t, handle.Unreserve(ctx, 0))
	return id
}

// offer hands id to the pool, failing the test if no worker accepts it.
func (h *harness) offer(t *testing.T, id types.ID) {
	t.Helper()
	select {
	case h.in <- id:
	case <-time.After(2 * time.Second):
		t.Fatal("no worker accepted the transaction")
	}
}

func (h *harness) waitStatus(t *testing.T, id types.ID, want types.Status) {
	t.Helper()
	status, err := h.store.WaitForStatusChange(context.Background(), id,
		[]types.Status{want}, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, want, status)
}

func TestExecutePathTwoSteps(t *testing.T) {
	h := newHarness(t, 64)
	h.env.Script("A", testenv.Behavior{Next: "B"})
	h.env.Script("B", testenv.Behavior{})

	id := h.seed(t, "A", false)
	h.offer(t, id)
	h.waitStatus(t, id, types.StatusSuccessful)

	assert.Equal(t, 1, h.env.Calls("A"))
	assert.Equal(t, 1, h.env.Calls("B"))
	assert.Equal(t, 0, h.env.Undos("A"))
	assert.Equal(t, 0, h.env.Undos("B"))

	// Cleanup without auto-clean empties the stack but keeps the header.
	view, err := h.store.Read(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusSuccessful, view.Status)
	assert.Nil(t, view.Top)
}

func TestAutoCleanDeletesRecord(t *testing.T) {
	h := newHarness(t, 64)
	h.env.Script("A", testenv.Behavior{})

	id := h.seed(t, "A", true)
	h.offer(t, id)

	require.Eventually(t, func() bool {
		view, err := h.store.Read(context.Background(), id)
		return err == nil && view.Status == types.StatusUnknown
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeferReleasesReservation(t *testing.T) {
	h := newHarness(t, 64)
	h.env.Script("A", testenv.Behavior{ReadyDefers: []types.DurationMillis{200}})

	id := h.seed(t, "A", false)
	h.offer(t, id)

	// First pass: Ready deferred, so the reservation is released without
	// Call having run.
	require.Eventually(t, func() bool {
		res, err := h.store.ListReservations(context.Background())
		return err == nil && len(res) == 0 && h.env.Readys("A") >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.env.Readys("A"))
	assert.Equal(t, 0, h.env.Calls("A"))

	// Second offer before the deferral has elapsed must be refused by the
	// store's runnable filter; emulate the finder by scanning.
	stop := make(chan struct{})
	offered := false
	go func() { time.Sleep(100 * time.Millisecond); close(stop) }()
	err := h.store.Runnable(context.Background(), stop, func(types.ID) bool {
		offered = true
		return false
	})
	require.NoError(t, err)
	assert.False(t, offered, "transaction re-offered before its deferral elapsed")

	// After the deferral the transaction completes; Call runs once.
	time.Sleep(150 * time.Millisecond)
	h.offer(t, id)
	h.waitStatus(t, id, types.StatusSuccessful)
	assert.Equal(t, 1, h.env.Calls("A"))
}

func TestFailureUndoesPushedSteps(t *testing.T) {
	h := newHarness(t, 64)
	h.env.Script("A", testenv.Behavior{Next: "B"})
	h.env.Script("B", testenv.Behavior{CallErr: types.NewAcceptable("table already exists")})
	h.env.Script("C", testenv.Behavior{})

	id := h.seed(t, "A", false)

	// First pass: A succeeds, B fails, transaction goes
	// FAILED_IN_PROGRESS.
	h.offer(t, id)
	h.waitStatus(t, id, types.StatusFailedInProgress)

	// Second pass: undo path unwinds B then A and lands on FAILED.
	h.offer(t, id)
	h.waitStatus(t, id, types.StatusFailed)

	assert.Equal(t, 1, h.env.Calls("A"))
	assert.Equal(t, 1, h.env.Calls("B"))
	assert.Equal(t, 0, h.env.Calls("C"))
	assert.Equal(t, 1, h.env.Undos("A"))
	assert.Equal(t, 1, h.env.Undos("B"))
	assert.Equal(t, 0, h.env.Undos("C"))
}

func TestStackOverflowSkipsOverflowingStep(t *testing.T) {
	// Depth cap of 2: A pushes B (depth 2), B's successor C would exceed
	// the cap and must never run.
	h := newHarness(t, 2)
	h.env.Script("A", testenv.Behavior{Next: "B"})
	h.env.Script("B", testenv.Behavior{Next: "C"})
	h.env.Script("C", testenv.Behavior{})

	id := h.seed(t, "A", false)
	h.offer(t, id)
	h.waitStatus(t, id, types.StatusFailedInProgress)

	h.offer(t, id)
	h.waitStatus(t, id, types.StatusFailed)

	assert.Equal(t, 0, h.env.Calls("C"), "overflowing step must never execute")
	assert.Equal(t, 0, h.env.Undos("C"), "overflowing step was never pushed, so it is never undone")
	assert.Equal(t, 1, h.env.Undos("A"))
	assert.Equal(t, 1, h.env.Undos("B"))
}

func TestPoolShrinkIsGraceful(t *testing.T) {
	h := newHarness(t, 64)
	h.pool.Grow(3)

	require.Eventually(t, func() bool { return h.pool.Running() == 4 },
		2*time.Second, 10*time.Millisecond)

	h.pool.Shrink(2)
	require.Eventually(t, func() bool { return h.pool.Running() == 2 },
		2*time.Second, 10*time.Millisecond)

	// The survivors still process work.
	h.env.Script("A", testenv.Behavior{})
	id := h.seed(t, "A", false)
	h.offer(t, id)
	h.waitStatus(t, id, types.StatusSuccessful)
}

func TestWorkerSkipsAlreadyReserved(t *testing.T) {
	h := newHarness(t, 64)
	h.env.Script("A", testenv.Behavior{})

	id := h.seed(t, "A", false)

	// Another owner holds the reservation; the worker must discard the
	// offer rather than block or mutate.
	ctx := context.Background()
	blocker, ok, err := h.store.TryReserve(ctx, id, "other-owner")
	require.NoError(t, err)
	require.True(t, ok)

	h.offer(t, id)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, h.env.Calls("A"))

	// Once released, a re-offer completes normally.
	require.NoError(t, blocker.Unreserve(ctx, 0))
	h.offer(t, id)
	h.waitStatus(t, id, types.StatusSuccessful)
}
