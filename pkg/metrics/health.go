package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON body served by the health and readiness
// endpoints. Status is "healthy", "degraded" (running, but an operator
// should look: stale sweep, saturated pool, raft follower), or
// "unhealthy" (transactions cannot make progress on this node).
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// storePingTimeout bounds the health probe's store round-trip so a hung
// backend turns into "unhealthy" instead of a hung health endpoint.
const storePingTimeout = 2 * time.Second

// healthChecker knows the three subsystems whose failure modes decide
// whether this process can drive transactions: the store (is it
// reachable, and if replicated, are we the writable leader), the
// dead-reservation sweep (is it still running, or are crashed owners'
// leases going to linger), and the worker pool (is anything alive to
// execute steps, and is there spare capacity).
type healthChecker struct {
	mu        sync.Mutex
	startTime time.Time
	version   string

	// storePing performs a cheap read against the transaction store.
	// isLeader is nil for embedded (always-writable) backends.
	storePing func(ctx context.Context) error
	isLeader  func() bool

	// sweepInterval is the configured sweep cadence; lastSweep the most
	// recent completion. A sweep more than two intervals overdue means
	// dead owners' reservations are not being reclaimed.
	sweepInterval   time.Duration
	sweepRegistered time.Time
	lastSweep       time.Time

	// poolStats samples (running, idle) worker counts.
	poolStats func() (running, idle int)
}

var checker = &healthChecker{startTime: time.Now()}

// SetVersion sets the version string for health responses.
func SetVersion(version string) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.version = version
}

// RegisterStore installs the transaction-store probe. ping should be a
// cheap read (a point lookup, not a scan). isLeader may be nil for
// backends without an election; for a raft-backed store a false return
// marks this node degraded and not ready, since writes defer to the
// leader.
func RegisterStore(ping func(ctx context.Context) error, isLeader func() bool) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.storePing = ping
	checker.isLeader = isLeader
}

// RegisterSweep declares the dead-reservation sweep's cadence so health
// checks can detect a stalled sweep. Call SweepCompleted after each pass.
func RegisterSweep(interval time.Duration) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.sweepInterval = interval
	checker.sweepRegistered = time.Now()
	checker.lastSweep = time.Time{}
}

// SweepCompleted records a finished dead-reservation sweep pass.
func SweepCompleted() {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.lastSweep = time.Now()
}

// RegisterPool installs the worker-pool sampler.
func RegisterPool(stats func() (running, idle int)) {
	checker.mu.Lock()
	defer checker.mu.Unlock()
	checker.poolStats = stats
}

// GetHealth evaluates every registered subsystem. Liveness-style overall
// verdict: unhealthy only when transactions cannot progress here at all
// (store unreachable, zero workers); conditions that merely warrant
// operator attention degrade.
func (c *healthChecker) GetHealth() HealthStatus {
	c.mu.Lock()
	ping, isLeader := c.storePing, c.isLeader
	interval, registered, last := c.sweepInterval, c.sweepRegistered, c.lastSweep
	stats := c.poolStats
	version, start := c.version, c.startTime
	c.mu.Unlock()

	status := "healthy"
	components := make(map[string]string)
	degrade := func(name, msg string) {
		components[name] = "degraded: " + msg
		if status == "healthy" {
			status = "degraded"
		}
	}
	fail := func(name, msg string) {
		components[name] = "unhealthy: " + msg
		status = "unhealthy"
	}

	if ping != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storePingTimeout)
		err := ping(ctx)
		cancel()
		switch {
		case err != nil:
			fail("store", err.Error())
		case isLeader != nil && !isLeader():
			degrade("store", "raft follower, writes defer to the leader")
		default:
			components["store"] = "healthy"
		}
	}

	if interval > 0 {
		overdue := 2 * interval
		switch {
		case last.IsZero() && time.Since(registered) <= overdue:
			components["reservation"] = "healthy"
		case last.IsZero():
			degrade("reservation", fmt.Sprintf("first sweep overdue by %s, dead reservations may linger",
				(time.Since(registered) - overdue).Round(time.Second)))
		case time.Since(last) > overdue:
			degrade("reservation", fmt.Sprintf("last sweep %s ago, dead reservations may linger",
				time.Since(last).Round(time.Second)))
		default:
			components["reservation"] = "healthy"
		}
	}

	if stats != nil {
		running, idle := stats()
		switch {
		case running == 0:
			fail("pool", "no workers running")
		case idle == 0:
			degrade("pool", fmt.Sprintf("all %d workers busy", running))
		default:
			components["pool"] = fmt.Sprintf("healthy (%d/%d idle)", idle, running)
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    version,
		Uptime:     time.Since(start).Round(time.Second).String(),
	}
}

// GetHealth returns the overall health verdict.
func GetHealth() HealthStatus {
	return checker.GetHealth()
}

// GetReadiness reports whether this node can accept new transactions:
// the store answers, this node can write to it (leader, or no election),
// and at least one worker is alive. A degraded-but-progressing node
// (stale sweep, saturated pool) still reports ready.
func (c *healthChecker) GetReadiness() HealthStatus {
	c.mu.Lock()
	ping, isLeader := c.storePing, c.isLeader
	stats := c.poolStats
	version, start := c.version, c.startTime
	c.mu.Unlock()

	ready := true
	var message string
	notReady := func(msg string) {
		ready = false
		if message == "" {
			message = msg
		}
	}

	if ping == nil {
		notReady("no transaction store registered")
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), storePingTimeout)
		err := ping(ctx)
		cancel()
		if err != nil {
			notReady("store unreachable: " + err.Error())
		} else if isLeader != nil && !isLeader() {
			notReady("not the raft leader")
		}
	}

	if stats != nil {
		if running, _ := stats(); running == 0 {
			notReady("no workers running")
		}
	}

	status := "healthy"
	if !ready {
		status = "unhealthy"
	}
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Message:   message,
		Version:   version,
		Uptime:    time.Since(start).Round(time.Second).String(),
	}
}

// GetReadiness returns the readiness verdict.
func GetReadiness() HealthStatus {
	return checker.GetReadiness()
}

// HealthHandler returns an HTTP handler for the /health endpoint.
// Degraded still serves 200: the node is progressing, the body carries
// the detail.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// ReadyHandler returns an HTTP handler for the /ready endpoint.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()

		w.Header().Set("Content-Type", "application/json")
		if readiness.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(readiness)
	}
}

// LivenessHandler returns an HTTP handler for the /live endpoint. The
// process answering at all is the whole check.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
	}
}
