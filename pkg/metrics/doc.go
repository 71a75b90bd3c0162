/*
Package metrics provides Prometheus metrics collection and exposition for FATE.

The metrics package defines and registers all FATE metrics using the
Prometheus client library, providing observability into transaction
throughput, reservation churn, worker pool saturation, and step latency.
Metrics are exposed via HTTP endpoint for scraping by Prometheus servers.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  │  - Automatic Go runtime metrics             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │                                              │          │
	│  │  Transactions: per-status counts, seeds,    │          │
	│  │                cancels, wall-clock duration │          │
	│  │  Reservations: held count, dead reclaims,   │          │
	│  │                sweep duration               │          │
	│  │  Finder: scan count, scan errors            │          │
	│  │  Pool: size, idle ratio, step duration,     │          │
	│  │        step errors, undo count              │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          HTTP Metrics Endpoint              │          │
	│  │  - Path: /metrics                           │          │
	│  │  - Format: Prometheus text exposition       │          │
	│  │  - Handler: promhttp.Handler()              │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Metrics Catalog

Transaction Metrics:

fate_transactions_total{status}:
  - Type: Gauge
  - Description: Current number of transactions by status
  - Example: fate_transactions_total{status="IN_PROGRESS"} 12

fate_transactions_seeded_total{op}:
  - Type: Counter
  - Description: Transactions seeded, by declared operation kind
  - Example: fate_transactions_seeded_total{op="CREATE_TABLE"} 40

fate_transactions_cancelled_total:
  - Type: Counter
  - Description: Transactions cancelled via the admin surface

fate_transaction_duration_seconds:
  - Type: Histogram
  - Description: Wall-clock time from creation to a terminal status

Reservation Metrics:

fate_reservations_held:
  - Type: Gauge
  - Description: Currently held transaction reservations

fate_dead_reservations_reclaimed_total:
  - Type: Counter
  - Description: Reservations cleared because their owner died

fate_reservation_sweep_duration_seconds:
  - Type: Histogram
  - Description: Duration of one dead-reservation sweep cycle

Work Finder Metrics:

fate_runnable_scans_total:
  - Type: Counter
  - Description: Runnable ids handed to workers

fate_runnable_scan_errors_total:
  - Type: Counter
  - Description: Errors encountered scanning for runnable transactions

Worker Pool Metrics:

fate_pool_size:
  - Type: Gauge
  - Description: Current number of running workers

fate_pool_idle_ratio:
  - Type: Gauge
  - Description: Fraction of recent idle samples that saw zero idle workers

fate_step_duration_seconds{step}:
  - Type: Histogram
  - Description: Duration of a single step invocation, by step name

fate_step_errors_total{step, kind}:
  - Type: Counter
  - Description: Step errors by name and kind (acceptable, unexpected,
    stack_overflow, shutting_down)

fate_undo_total{step}:
  - Type: Counter
  - Description: Step undo invocations by step name

# Usage

Recording metrics:

	metrics.TransactionsSeeded.WithLabelValues("CREATE_TABLE").Inc()
	metrics.ReservationsHeld.Set(float64(held))

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.StepDuration, step.Name())

Exposing the endpoint:

	http.Handle("/metrics", metrics.Handler())
	http.Handle("/health", metrics.HealthHandler())
	http.Handle("/ready", metrics.ReadyHandler())
	http.Handle("/live", metrics.LivenessHandler())

Health checking. The checker probes the subsystems that decide whether
this node can drive transactions: a point read against the store (plus
raft leadership when the backend is replicated), dead-reservation sweep
staleness, and worker-pool capacity:

	metrics.RegisterStore(func(ctx context.Context) error {
		_, err := store.Read(ctx, probeID)
		return err
	}, raftStore.IsLeader)
	metrics.RegisterSweep(3 * time.Minute) // + metrics.SweepCompleted() per pass
	metrics.RegisterPool(func() (running, idle int) {
		return pool.Running(), pool.Idle()
	})

A store failure or an empty pool is unhealthy (503 on /health and
/ready); a raft follower, stalled sweep, or saturated pool degrades
(/health stays 200, a follower's /ready flips to 503).

# Best Practices

 1. Gauges for point-in-time state, counters for events, histograms for
    durations.
 2. Keep label cardinality bounded: step names and statuses are closed
    sets; never label by transaction id.
 3. The Collector samples per-status counts out-of-band so the worker hot
    path never scans the store just to update a gauge.
*/
package metrics
