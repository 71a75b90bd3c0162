package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction metrics
	TransactionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fate_transactions_total",
			Help: "Current number of transactions by status",
		},
		[]string{"status"},
	)

	TransactionsSeeded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fate_transactions_seeded_total",
			Help: "Total number of transactions seeded, by operation kind",
		},
		[]string{"op"},
	)

	TransactionsCancelled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_transactions_cancelled_total",
			Help: "Total number of transactions cancelled via the admin surface",
		},
	)

	// Reservation metrics
	ReservationsHeld = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fate_reservations_held",
			Help: "Current number of held transaction reservations",
		},
	)

	DeadReservationsReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_dead_reservations_reclaimed_total",
			Help: "Total number of reservations cleared because their owner was no longer alive",
		},
	)

	ReservationSweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fate_reservation_sweep_duration_seconds",
			Help:    "Time taken for a dead-reservation sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Work Finder metrics
	RunnableScansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_runnable_scans_total",
			Help: "Total number of runnable transaction ids handed to workers",
		},
	)

	RunnableScanErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fate_runnable_scan_errors_total",
			Help: "Total number of errors encountered scanning for runnable transactions",
		},
	)

	// Worker pool metrics
	PoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fate_pool_size",
			Help: "Current number of running workers",
		},
	)

	PoolIdleRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fate_pool_idle_ratio",
			Help: "Fraction of the most recent idle-history samples that observed zero waiting workers",
		},
	)

	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fate_step_duration_seconds",
			Help:    "Time taken by a single step.ready or step.call invocation, by step name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step"},
	)

	StepErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fate_step_errors_total",
			Help: "Total number of step errors by step name and kind (acceptable, unexpected, stack_overflow, shutting_down)",
		},
		[]string{"step", "kind"},
	)

	UndoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fate_undo_total",
			Help: "Total number of step.undo invocations by step name",
		},
		[]string{"step"},
	)

	TransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fate_transaction_duration_seconds",
			Help:    "Wall-clock time from creation to a terminal status",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900, 3600},
		},
	)
)

func init() {
	prometheus.MustRegister(TransactionsTotal)
	prometheus.MustRegister(TransactionsSeeded)
	prometheus.MustRegister(TransactionsCancelled)
	prometheus.MustRegister(ReservationsHeld)
	prometheus.MustRegister(DeadReservationsReclaimed)
	prometheus.MustRegister(ReservationSweepDuration)
	prometheus.MustRegister(RunnableScansTotal)
	prometheus.MustRegister(RunnableScanErrorsTotal)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolIdleRatio)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(StepErrorsTotal)
	prometheus.MustRegister(UndoTotal)
	prometheus.MustRegister(TransactionDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
