package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meatballspaghetti/fate/pkg/config"
	"github.com/meatballspaghetti/fate/pkg/types"
	"github.com/meatballspaghetti/fate/pkg/worker"
)

func newPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool := worker.New(worker.Config{
		OwnerID: "test-owner",
		In:      make(chan types.ID),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	return pool
}

func TestSupervisorGrowsPoolToTarget(t *testing.T) {
	config.V.Set(config.KeyThreadPoolSize, 3)
	defer config.V.Set(config.KeyThreadPoolSize, 8)

	pool := newPool(t)
	s := New(pool, 20*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return pool.Running() == 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestSupervisorTracksConfigChanges(t *testing.T) {
	config.V.Set(config.KeyThreadPoolSize, 4)
	defer config.V.Set(config.KeyThreadPoolSize, 8)

	pool := newPool(t)
	s := New(pool, 20*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return pool.Running() == 4 },
		2*time.Second, 10*time.Millisecond)

	// Hot shrink: the supervisor flags two workers, which exit between
	// transactions.
	config.V.Set(config.KeyThreadPoolSize, 2)
	require.Eventually(t, func() bool { return pool.Running() == 2 },
		2*time.Second, 10*time.Millisecond)

	// And back up.
	config.V.Set(config.KeyThreadPoolSize, 5)
	require.Eventually(t, func() bool { return pool.Running() == 5 },
		2*time.Second, 10*time.Millisecond)
}

func TestSupervisorIdleSamplingDoesNotResize(t *testing.T) {
	config.V.Set(config.KeyThreadPoolSize, 2)
	defer config.V.Set(config.KeyThreadPoolSize, 8)

	pool := newPool(t)
	s := New(pool, 10*time.Millisecond)
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return pool.Running() == 2 },
		2*time.Second, 10*time.Millisecond)

	// At target, repeated cycles only sample; the pool stays put.
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, 2, pool.Running())
}
