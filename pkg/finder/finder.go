// Package finder implements the work finder: the single dedicated
// goroutine that discovers runnable transactions and hands their ids to a
// free worker over a rendezvous channel.
package finder

import (
	"context"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/rs/zerolog"

	"github.com/meatballspaghetti/fate/pkg/log"
	"github.com/meatballspaghetti/fate/pkg/metrics"
	"github.com/meatballspaghetti/fate/pkg/storage"
	"github.com/meatballspaghetti/fate/pkg/types"
)

// offerWindow bounds each attempt to hand an id to a worker, so the stop
// signal is checked frequently even while the channel has no receiver.
const offerWindow = 100 * time.Millisecond

// Finder is the single producer that scans for runnable work. A single
// producer avoids N workers independently rescanning the store under
// contention; Runnable itself blocks on the store between passes, so
// Finder does not need its own ticker.
type Finder struct {
	store   storage.Store
	out     chan types.ID
	logger  zerolog.Logger
	limiter *catrate.Limiter
	stopCh  chan struct{}
	done    chan struct{}
}

// New builds a Finder that publishes runnable ids onto out. out must be an
// unbuffered (rendezvous) channel: a buffered channel would let Finder
// enqueue the same id many times while workers are saturated, and the
// store would be rescanned even when no worker is ready to take anything.
func New(store storage.Store, out chan types.ID) *Finder {
	return &Finder{
		store:  store,
		out:    out,
		logger: log.WithComponent("finder"),
		// One warning per 30 seconds: a store that is down for minutes
		// would otherwise log once per failed scan attempt.
		limiter: catrate.NewLimiter(map[time.Duration]int{30 * time.Second: 1}),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the scan loop in its own goroutine.
func (f *Finder) Start() {
	go f.run()
}

// Stop signals the scan loop to exit and waits for it to do so.
func (f *Finder) Stop() {
	close(f.stopCh)
	<-f.done
}

func (f *Finder) run() {
	defer close(f.done)
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		if err := f.store.Runnable(context.Background(), f.stopCh, f.sink); err != nil {
			select {
			case <-f.stopCh:
				return
			default:
			}
			metrics.RunnableScanErrorsTotal.Inc()
			if _, allow := f.limiter.Allow("runnable-scan"); allow {
				f.logger.Warn().Err(err).Msg("runnable scan failed, will retry")
			}
			f.drain()
		}
	}
}

// sink is invoked synchronously by the store, once per runnable id. It
// blocks until a worker accepts the id or the stop signal fires, retrying
// the same id on each timed-out offer window. This is the rendezvous
// hand-off: the store is only rescanned once sink returns, so a saturated
// pool naturally slows the scan rate instead of piling up duplicate ids.
func (f *Finder) sink(id types.ID) bool {
	for {
		select {
		case f.out <- id:
			metrics.RunnableScansTotal.Inc()
			return true
		case <-time.After(offerWindow):
			select {
			case <-f.stopCh:
				return false
			default:
			}
		case <-f.stopCh:
			return false
		}
	}
}

// drain discards anything a worker might otherwise block forever trying to
// receive, after a scan failure, so a subsequent successful scan starts
// from a clean rendezvous channel rather than handing out a stale id.
func (f *Finder) drain() {
	for {
		select {
		case <-f.out:
		default:
			return
		}
	}
}
