// Package supervisor implements the pool supervisor: the periodic task
// that resizes the worker pool to match live configuration and emits a
// saturation warning when the pool has had no idle capacity for a
// sustained window. It is the only component that spawns or retires
// workers.
package supervisor

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/meatballspaghetti/fate/pkg/config"
	"github.com/meatballspaghetti/fate/pkg/log"
	"github.com/meatballspaghetti/fate/pkg/metrics"
	"github.com/meatballspaghetti/fate/pkg/worker"
)

// saturationThreshold is the fraction of idle-history samples that must
// observe zero waiting workers before the supervisor suggests raising the
// pool size.
const saturationThreshold = 0.95

// Supervisor periodically reconciles the worker pool's size against the
// configured target and samples idle capacity in between.
type Supervisor struct {
	pool     *worker.Pool
	interval time.Duration
	logger   zerolog.Logger

	// idleHistory is the bounded ring of idle-worker samples taken while
	// the pool is already at its target size. It is only ever touched by
	// the supervisor's own goroutine.
	idleHistory []int
	stopCh      chan struct{}
	done        chan struct{}
}

// New builds a Supervisor over pool, cycling every interval. A
// non-positive interval falls back to 30 seconds.
func New(pool *worker.Pool, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Supervisor{
		pool:     pool,
		interval: interval,
		logger:   log.WithComponent("supervisor"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the supervision loop in its own goroutine. The first cycle
// runs immediately so a freshly booted executor reaches its configured
// pool size without waiting out a full interval.
func (s *Supervisor) Start() {
	go s.run()
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	<-s.done
}

func (s *Supervisor) run() {
	defer close(s.done)

	s.cycle()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cycle()
		case <-s.stopCh:
			return
		}
	}
}

// cycle reads the live configuration fresh each pass rather than caching a
// snapshot, so operator changes to the pool size take effect on the next
// tick without a restart.
func (s *Supervisor) cycle() {
	cfg := config.Current()

	target := cfg.ThreadPoolSize
	running := s.pool.Running()
	metrics.PoolSize.Set(float64(running))

	switch {
	case target > running:
		s.logger.Info().Int("running", running).Int("target", target).Msg("growing worker pool")
		s.pool.Grow(target - running)
		s.idleHistory = s.idleHistory[:0]
	case target < running:
		s.logger.Info().Int("running", running).Int("target", target).Msg("shrinking worker pool")
		s.pool.Shrink(running - target)
		s.idleHistory = s.idleHistory[:0]
	default:
		s.sampleIdle(cfg.IdleCheckInterval)
	}
}

// sampleIdle appends the current idle-worker count to the history ring and
// emits the saturation warning once enough of the window has seen zero
// idle workers. A zero window disables the heuristic entirely.
func (s *Supervisor) sampleIdle(window time.Duration) {
	if window <= 0 {
		return
	}

	// Two samples per minute of window, matching the default 30s cadence.
	ringLen := 2 * int(window.Minutes())
	if ringLen < 1 {
		ringLen = 1
	}

	s.idleHistory = append(s.idleHistory, s.pool.Idle())
	if len(s.idleHistory) > ringLen {
		s.idleHistory = s.idleHistory[len(s.idleHistory)-ringLen:]
	}

	zero := 0
	for _, n := range s.idleHistory {
		if n == 0 {
			zero++
		}
	}
	ratio := float64(zero) / float64(len(s.idleHistory))
	metrics.PoolIdleRatio.Set(ratio)

	if len(s.idleHistory) >= ringLen && ratio >= saturationThreshold {
		s.logger.Warn().
			Int("pool_size", s.pool.Running()).
			Dur("window", window).
			Msg("worker pool has been saturated for the entire idle window, consider raising fate.threadpool.size")
		s.idleHistory = s.idleHistory[:0]
	}
}
