// Package fate wires the transaction store, reservation manager, work
// finder, worker pool, and pool supervisor into one constructed Executor
// instance: no process-wide mutable state, so a host program (or a test)
// can run several executors side by side.
package fate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meatballspaghetti/fate/pkg/config"
	"github.com/meatballspaghetti/fate/pkg/finder"
	"github.com/meatballspaghetti/fate/pkg/log"
	"github.com/meatballspaghetti/fate/pkg/metrics"
	"github.com/meatballspaghetti/fate/pkg/reservation"
	"github.com/meatballspaghetti/fate/pkg/storage"
	"github.com/meatballspaghetti/fate/pkg/supervisor"
	"github.com/meatballspaghetti/fate/pkg/types"
	"github.com/meatballspaghetti/fate/pkg/worker"
)

// Config assembles an Executor. Store and Registry are required; the
// rest have working defaults.
type Config struct {
	// Store is the transaction store backend: a single BoltStore, a
	// RaftStore, or a storage.Router over both.
	Store storage.Store

	// Registry holds the step variants this executor can rehydrate.
	Registry *Registry

	// Env is handed to every step invocation. If nil, a minimal env that
	// only reports the executor's shutdown state is used.
	Env types.Env

	// Liveness is the owner-alive predicate consulted by the
	// dead-reservation sweep. If nil, an in-process registry with a
	// 30-second TTL is created and the executor heartbeats into it.
	Liveness reservation.Liveness

	// OwnerID identifies this process in reservations. If empty, a random
	// one is generated at construction.
	OwnerID string

	// PoolSize overrides the configured fate.threadpool.size when
	// positive. Tests use it to pin a deterministic pool size.
	PoolSize int
}

// Executor is a constructed FATE instance owning its worker pool, store
// handle, and shutdown signal.
type Executor struct {
	cfg      Config
	ownerID  string
	store    storage.Store
	registry *reservation.Registry // nil when an external Liveness was supplied

	rendezvous chan types.ID
	pool       *worker.Pool
	finder     *finder.Finder
	reserver   *reservation.Manager
	super      *supervisor.Supervisor
	collector  *metrics.Collector

	shuttingDown atomic.Bool
	heartbeatCh  chan struct{}
	logger       zerolog.Logger
}

// New assembles an Executor from cfg without starting any goroutines;
// call Start to bring it up.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("fate: Config.Store is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("fate: Config.Registry is required")
	}

	ownerID := cfg.OwnerID
	if ownerID == "" {
		ownerID = uuid.NewString()
	}

	e := &Executor{
		cfg:         cfg,
		ownerID:     ownerID,
		store:       cfg.Store,
		rendezvous:  make(chan types.ID), // unbuffered: the hand-off is a rendezvous
		heartbeatCh: make(chan struct{}),
		logger:      log.WithComponent("executor"),
	}

	liveness := cfg.Liveness
	if liveness == nil {
		e.registry = reservation.NewRegistry(30 * time.Second)
		e.registry.Register(ownerID)
		liveness = e.registry
	}

	env := cfg.Env
	if env == nil {
		env = &executorEnv{e: e}
	}

	snapshot := config.Current()

	e.pool = worker.New(worker.Config{
		OwnerID:       ownerID,
		Store:         e.store,
		Env:           env,
		Codec:         NewCodec(cfg.Registry),
		In:            e.rendezvous,
		StackMaxDepth: snapshot.StackMaxDepth,
		ShuttingDown:  e.shuttingDown.Load,
	})
	e.finder = finder.New(e.store, e.rendezvous)
	e.reserver = reservation.NewManager(e.store, liveness, reservation.Config{
		CleanupDelay: snapshot.DeadReservationCleanup,
		InitialDelay: snapshot.DeadReservationInitial,
	})
	e.super = supervisor.New(e.pool, snapshot.PoolWatcherDelay)
	e.collector = metrics.NewCollector(e.store)

	if cfg.PoolSize > 0 {
		config.V.Set(config.KeyThreadPoolSize, cfg.PoolSize)
	}

	return e, nil
}

// OwnerID returns the stable owner identity this executor stamps onto
// reservations.
func (e *Executor) OwnerID() string { return e.ownerID }

// Store exposes the underlying transaction store for read-only admin
// queries.
func (e *Executor) Store() storage.Store { return e.store }

// Start brings up the finder, reservation sweep, supervisor, and metrics
// collector. The supervisor's first cycle grows the pool to its
// configured size.
func (e *Executor) Start() {
	e.logger.Info().Str("owner_id", e.ownerID).Msg("starting executor")

	// Health probes: a point read against the store (leadership check
	// only when the backend is replicated), and the pool's worker counts.
	var isLeader func() bool
	if l, ok := e.store.(interface{ IsLeader() bool }); ok {
		isLeader = l.IsLeader
	}
	metrics.RegisterStore(func(ctx context.Context) error {
		_, err := e.store.Read(ctx, types.ID{Instance: types.InstanceUser, UUID: "health-probe"})
		return err
	}, isLeader)
	metrics.RegisterPool(func() (int, int) {
		return e.pool.Running(), e.pool.Idle()
	})

	e.super.Start()
	e.finder.Start()
	e.reserver.Start()
	e.collector.Start()
	if e.registry != nil {
		go e.heartbeat()
	}
}

// heartbeat renews this executor's in-process liveness record so its own
// reservations are never swept while it is running.
func (e *Executor) heartbeat() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.registry.Heartbeat(e.ownerID)
		case <-e.heartbeatCh:
			return
		}
	}
}

// Shutdown stops accepting work and waits for in-flight transactions to
// reach a safe stopping point, honoring ctx's deadline. Workers finish
// their current transaction; the store is closed last.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("shutting down executor")
	e.shuttingDown.Store(true)

	e.finder.Stop()
	e.super.Stop()
	e.reserver.Stop()
	e.collector.Stop()
	if e.registry != nil {
		close(e.heartbeatCh)
	}

	err := e.pool.Shutdown(ctx)

	if closeErr := e.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// ShuttingDown reports whether Shutdown has begun. Steps consult this
// (through their env) to decide whether an I/O error should be reported
// as ShuttingDown rather than Unexpected.
func (e *Executor) ShuttingDown() bool {
	return e.shuttingDown.Load()
}

// executorEnv is the minimal default env: it only knows how to answer the
// shutdown predicate. Hosts with real external collaborators (state
// service, table mapping) supply their own Env via Config.
type executorEnv struct {
	e *Executor
}

func (v *executorEnv) ShuttingDown() bool { return v.e.ShuttingDown() }
