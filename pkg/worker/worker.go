// Package worker implements the worker pool: a bounded set of identical
// workers that pull transaction ids off a rendezvous channel and drive the
// step protocol against them. The pool never resizes itself; that is the
// supervisor's job.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meatballspaghetti/fate/pkg/log"
	"github.com/meatballspaghetti/fate/pkg/metrics"
	"github.com/meatballspaghetti/fate/pkg/storage"
	"github.com/meatballspaghetti/fate/pkg/types"
)

// pollWindow bounds each attempt to receive from the rendezvous channel, so
// a worker's stop flag is checked frequently even with no work available.
const pollWindow = 200 * time.Millisecond

// StepCodec rehydrates a persisted StackEntry back into a concrete Step,
// and serializes a Step for storage. It is supplied by the package that
// owns the concrete step implementations (pkg/fate); the worker pool never
// needs to know what a step actually does.
type StepCodec interface {
	Decode(entry types.StackEntry) (types.Step, error)
	Encode(step types.Step) (types.StackEntry, error)
}

// Config controls Pool construction.
type Config struct {
	OwnerID       string
	Store         storage.Store
	Env           types.Env
	Codec         StepCodec
	In            chan types.ID
	StackMaxDepth int
	// ShuttingDown reports whether the host process is in the middle of a
	// graceful shutdown, consulted by the process-shutdown suppression
	// rule in the failure transition.
	ShuttingDown func() bool
}

// Pool is the bounded set of identical workers. The supervisor
// (pkg/supervisor) is the only component that resizes it.
type Pool struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	workers map[int]*worker
	nextID  int

	idle int32 // number of workers currently blocked on the rendezvous receive
}

// New builds a Pool with zero running workers; call Grow to start some.
func New(cfg Config) *Pool {
	if cfg.StackMaxDepth <= 0 {
		cfg.StackMaxDepth = 64
	}
	return &Pool{
		cfg:     cfg,
		logger:  log.WithComponent("pool"),
		workers: make(map[int]*worker),
	}
}

// Running reports the current number of live workers, flagged or not.
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Idle reports how many workers are currently parked on the rendezvous
// receive, i.e. have no transaction in hand. The Pool Supervisor samples
// this to drive the idle-saturation heuristic.
func (p *Pool) Idle() int {
	return int(atomic.LoadInt32(&p.idle))
}

// Grow spawns n additional workers. Only the Pool Supervisor calls this.
func (p *Pool) Grow(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		id := p.nextID
		p.nextID++
		w := &worker{id: id, pool: p, done: make(chan struct{})}
		p.workers[id] = w
		go w.run()
	}
}

// Shrink sets the stop flag on up to n workers that are not already
// flagged. Flagged workers exit between transactions, never mid-transaction,
// and deregister themselves from the running set when they do.
func (p *Pool) Shrink(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		if n <= 0 {
			return
		}
		if w.stopFlag.CompareAndSwap(false, true) {
			n--
		}
	}
}

func (p *Pool) deregister(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, id)
}

// Shutdown flags every worker and waits up to ctx's deadline for them to
// exit. Workers mid-transaction are allowed to finish; if the context
// expires first, Shutdown returns without forcing them to stop, since a
// worker can only exit between transactions.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	dones := make([]chan struct{}, 0, len(p.workers))
	for _, w := range p.workers {
		w.stopFlag.Store(true)
		dones = append(dones, w.done)
	}
	p.mu.Unlock()

	for _, done := range dones {
		select {
		case <-done:
		case <-ctx.Done():
			p.logger.Warn().Int("remaining", len(dones)).Msg("shutdown deadline elapsed with workers still draining")
			return ctx.Err()
		}
	}
	return nil
}

// worker is one pool member. It carries no mutable transaction state beyond
// its reservation handle, per the concurrency model: no shared mutable
// state inside a worker beyond what the store gives it.
type worker struct {
	id       int
	pool     *Pool
	stopFlag atomic.Bool
	done     chan struct{}
}

func (w *worker) run() {
	defer close(w.done)
	defer w.pool.deregister(w.id)

	logger := w.pool.logger.With().Int("worker_id", w.id).Logger()

	for {
		if w.stopFlag.Load() {
			return
		}

		id, ok := w.poll()
		if !ok {
			continue
		}

		w.handle(id, logger)
	}
}

// poll blocks on the rendezvous channel for up to pollWindow, tracking idle
// time so the Pool Supervisor's saturation sample is meaningful.
func (w *worker) poll() (types.ID, bool) {
	atomic.AddInt32(&w.pool.idle, 1)
	defer atomic.AddInt32(&w.pool.idle, -1)

	select {
	case id := <-w.pool.cfg.In:
		return id, true
	case <-time.After(pollWindow):
		return types.ID{}, false
	}
}

func (w *worker) handle(id types.ID, logger zerolog.Logger) {
	store := w.pool.cfg.Store
	ctx := context.Background()

	handle, ok, err := store.TryReserve(ctx, id, w.pool.cfg.OwnerID)
	if err != nil {
		logger.Warn().Err(err).Str("tx_id", id.String()).Msg("reservation attempt failed")
		return
	}
	if !ok {
		return
	}

	deferFor := w.drive(ctx, handle, logger)

	if err := handle.Unreserve(ctx, deferFor); err != nil {
		logger.Warn().Err(err).Str("tx_id", id.String()).Msg("failed to release reservation")
	}
}

// drive dispatches by the status observed under reservation and returns
// the deferral the caller should pass to Unreserve.
func (w *worker) drive(ctx context.Context, h storage.Handle, logger zerolog.Logger) time.Duration {
	status, err := h.GetStatus(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read status under reservation")
		return 0
	}

	switch status {
	case types.StatusFailedInProgress:
		w.runUndo(ctx, h, logger)
		return 0
	case types.StatusSubmitted, types.StatusInProgress:
		return w.runExecute(ctx, h, status, logger)
	default:
		// Not actually runnable; another worker or a concurrent cancel
		// changed status between Runnable's scan and our reservation.
		return 0
	}
}

// runUndo is the undo path: pop every pushed step, invoking its Undo
// first, swallowing and logging any error, then transition to FAILED and
// run cleanup.
func (w *worker) runUndo(ctx context.Context, h storage.Handle, logger zerolog.Logger) {
	for {
		entry, ok, err := h.Top(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to read stack top during undo")
			return
		}
		if !ok {
			break
		}

		step, err := w.pool.cfg.Codec.Decode(entry)
		if err != nil {
			logger.Warn().Err(err).Str("tag", entry.Tag).Msg("failed to decode step for undo, popping anyway")
		} else if err := step.Undo(ctx, h.ID(), w.pool.cfg.Env); err != nil {
			metrics.UndoTotal.WithLabelValues(step.Name()).Inc()
			logger.Warn().Err(err).Str("step", step.Name()).Msg("step undo reported an error, continuing")
		} else {
			metrics.UndoTotal.WithLabelValues(step.Name()).Inc()
		}

		if err := h.Pop(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to pop stack during undo")
			return
		}
	}

	if err := h.SetStatus(ctx, types.StatusFailed); err != nil {
		logger.Warn().Err(err).Msg("failed to transition to FAILED after undo")
		return
	}
	metrics.TransactionsTotal.WithLabelValues(string(types.StatusFailed)).Inc()
	w.cleanup(ctx, h, logger)
}

// runExecute advances the step stack until a step defers, fails, or
// completes the transaction. It returns the deferral to apply on
// Unreserve.
func (w *worker) runExecute(ctx context.Context, h storage.Handle, status types.Status, logger zerolog.Logger) time.Duration {
	entry, ok, err := h.Top(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read stack top")
		return 0
	}
	if !ok {
		// SUBMITTED/IN_PROGRESS with an empty stack cannot happen per the
		// data model invariants; treat as already finished defensively.
		return 0
	}

	step, err := w.pool.cfg.Codec.Decode(entry)
	if err != nil {
		w.fail(ctx, h, types.NewUnexpected(err), logger)
		return 0
	}

	var prev types.Step
	for {
		timer := metrics.NewTimer()
		deferMs, stepErr := step.Ready(ctx, h.ID(), w.pool.cfg.Env)
		timer.ObserveDurationVec(metrics.StepDuration, step.Name())

		if stepErr != nil {
			return w.handleStepError(ctx, h, stepErr, step, logger)
		}
		if deferMs > 0 {
			return time.Duration(deferMs) * time.Millisecond
		}

		if status == types.StatusSubmitted {
			if err := h.SetStatus(ctx, types.StatusInProgress); err != nil {
				w.fail(ctx, h, types.NewUnexpected(err), logger)
				return 0
			}
			status = types.StatusInProgress
			metrics.TransactionsTotal.WithLabelValues(string(types.StatusInProgress)).Inc()
		}

		prev = step
		timer = metrics.NewTimer()
		next, stepErr := step.Call(ctx, h.ID(), w.pool.cfg.Env)
		timer.ObserveDurationVec(metrics.StepDuration, step.Name())

		if stepErr != nil {
			// The failing step is already the stack top (it was seeded or
			// pushed before it ran), so the undo path unwinds it along with
			// every step below it; its Undo handles whatever partial effect
			// this Call left.
			return w.handleStepError(ctx, h, stepErr, step, logger)
		}

		if next == nil {
			return w.finish(ctx, h, prev, logger)
		}

		depth, err := h.Depth(ctx)
		if err != nil {
			w.fail(ctx, h, types.NewUnexpected(err), logger)
			return 0
		}
		if depth >= w.pool.cfg.StackMaxDepth {
			// The overflowing step (next) never ran and was never pushed,
			// so the undo path below only unwinds what is already durable.
			return w.handleStepError(ctx, h, types.ErrStackOverflow, step, logger)
		}

		nextEntry, err := w.pool.cfg.Codec.Encode(next)
		if err != nil {
			w.fail(ctx, h, types.NewUnexpected(err), logger)
			return 0
		}
		if err := h.Push(ctx, nextEntry); err != nil {
			w.fail(ctx, h, types.NewUnexpected(err), logger)
			return 0
		}

		step = next
	}
}

// handleStepError implements the failure transition. Nothing is undone
// here: once status reaches FAILED_IN_PROGRESS the undo path unwinds the
// whole stack, including the failing step (already on the stack), so
// that step's Undo must tolerate whatever partial effect its Call left
// behind.
func (w *worker) handleStepError(ctx context.Context, h storage.Handle, stepErr *types.StepError, step types.Step, logger zerolog.Logger) time.Duration {
	// An I/O failure observed while the host process is shutting down must
	// not burn the transaction: suppress the failure transition and block,
	// so the record survives untouched for the next manager to resume.
	suppressed := stepErr.Kind == types.ShuttingDown
	if !suppressed && stepErr.Kind == types.Unexpected && w.pool.cfg.ShuttingDown != nil && w.pool.cfg.ShuttingDown() {
		suppressed = true
	}
	if suppressed {
		logger.Warn().Str("step", step.Name()).Err(stepErr).
			Msg("shutdown in progress, suppressing failure transition and blocking")
		<-ctx.Done()
		return 0
	}

	switch stepErr.Kind {
	case types.Acceptable:
		logger.Info().Str("step", step.Name()).Err(stepErr).Msg("step reported an acceptable failure")
	case types.StackOverflow:
		logger.Warn().Str("step", step.Name()).Msg("step push would exceed stack depth cap")
	default:
		logger.Warn().Str("step", step.Name()).Err(stepErr).Msg("step reported an unexpected failure")
	}

	metrics.StepErrorsTotal.WithLabelValues(step.Name(), stepErr.Kind.String()).Inc()
	w.fail(ctx, h, stepErr, logger)
	return 0
}

func (w *worker) fail(ctx context.Context, h storage.Handle, stepErr *types.StepError, logger zerolog.Logger) {
	info, err := h.GetInfo(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read info before recording failure")
		info = types.Info{}
	}
	info.Exception = stepErr.Error()
	if err := h.SetInfo(ctx, info); err != nil {
		logger.Warn().Err(err).Msg("failed to persist exception detail")
	}
	if err := h.SetStatus(ctx, types.StatusFailedInProgress); err != nil {
		if errors.Is(err, types.ErrInvalidTransition) {
			logger.Error().Err(err).Msg("illegal failure transition, leaving status untouched")
		} else {
			logger.Warn().Err(err).Msg("failed to transition to FAILED_IN_PROGRESS")
		}
		return
	}
	metrics.TransactionsTotal.WithLabelValues(string(types.StatusFailedInProgress)).Inc()
}

func (w *worker) finish(ctx context.Context, h storage.Handle, prev types.Step, logger zerolog.Logger) time.Duration {
	if prevReturn, ok := prev.(interface{ ReturnValue() string }); ok {
		if rv := prevReturn.ReturnValue(); rv != "" {
			info, err := h.GetInfo(ctx)
			if err == nil {
				info.ReturnValue = rv
				_ = h.SetInfo(ctx, info)
			}
		}
	}

	if err := h.SetStatus(ctx, types.StatusSuccessful); err != nil {
		logger.Warn().Err(err).Msg("failed to transition to SUCCESSFUL")
		return 0
	}
	metrics.TransactionsTotal.WithLabelValues(string(types.StatusSuccessful)).Inc()
	w.cleanup(ctx, h, logger)
	return 0
}

// cleanup deletes the record if auto_clean is set, otherwise pops every
// remaining step while leaving the header for later inspection.
func (w *worker) cleanup(ctx context.Context, h storage.Handle, logger zerolog.Logger) {
	info, err := h.GetInfo(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read info during cleanup")
		return
	}

	if !info.CreatedAt.IsZero() {
		metrics.TransactionDuration.Observe(time.Since(info.CreatedAt).Seconds())
	}

	if info.AutoClean {
		if err := h.Delete(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to delete transaction during cleanup")
		}
		return
	}

	for {
		_, ok, err := h.Top(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to read stack top during cleanup")
			return
		}
		if !ok {
			return
		}
		if err := h.Pop(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to pop during cleanup")
			return
		}
	}
}
