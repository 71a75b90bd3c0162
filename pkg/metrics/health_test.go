package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// resetChecker gives each test a fresh checker with no probes wired.
func resetChecker(t *testing.T) {
	t.Helper()
	old := checker
	checker = &healthChecker{startTime: time.Now()}
	t.Cleanup(func() { checker = old })
}

func okPing(ctx context.Context) error { return nil }

func TestHealthNoProbesRegistered(t *testing.T) {
	resetChecker(t)

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("empty checker status = %s, want healthy", health.Status)
	}
	if len(health.Components) != 0 {
		t.Errorf("empty checker reported components: %v", health.Components)
	}
}

func TestHealthStoreUnreachable(t *testing.T) {
	resetChecker(t)
	RegisterStore(func(ctx context.Context) error {
		return errors.New("bolt file lock lost")
	}, nil)

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy when the store cannot be read", health.Status)
	}
	if health.Components["store"] != "unhealthy: bolt file lock lost" {
		t.Errorf("unexpected store detail: %s", health.Components["store"])
	}
}

func TestHealthRaftFollowerDegrades(t *testing.T) {
	resetChecker(t)
	RegisterStore(okPing, func() bool { return false })

	health := GetHealth()
	if health.Status != "degraded" {
		t.Errorf("status = %s, want degraded on a raft follower", health.Status)
	}

	// A follower is alive but cannot take writes: /health stays 200,
	// /ready flips to 503.
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health on follower = %d, want %d", rec.Code, http.StatusOK)
	}

	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/ready on follower = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var readiness HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&readiness); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if readiness.Message != "not the raft leader" {
		t.Errorf("readiness message = %q", readiness.Message)
	}
}

func TestHealthRaftLeaderIsHealthy(t *testing.T) {
	resetChecker(t)
	RegisterStore(okPing, func() bool { return true })
	RegisterPool(func() (int, int) { return 4, 2 })

	health := GetHealth()
	if health.Status != "healthy" {
		t.Errorf("status = %s, want healthy on the leader", health.Status)
	}

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/ready on leader = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealthEmbeddedStoreNeedsNoLeader(t *testing.T) {
	resetChecker(t)
	RegisterStore(okPing, nil)
	RegisterPool(func() (int, int) { return 2, 1 })

	if health := GetHealth(); health.Status != "healthy" {
		t.Errorf("status = %s, want healthy for an embedded store", health.Status)
	}
	if readiness := GetReadiness(); readiness.Status != "healthy" {
		t.Errorf("readiness = %s, want healthy for an embedded store", readiness.Status)
	}
}

func TestHealthSweepStaleness(t *testing.T) {
	resetChecker(t)
	RegisterSweep(20 * time.Millisecond)

	// Before the first sweep, inside the grace window: healthy.
	if health := GetHealth(); health.Components["reservation"] != "healthy" {
		t.Errorf("pre-first-sweep detail = %s, want healthy", health.Components["reservation"])
	}

	// A completed sweep keeps it healthy.
	SweepCompleted()
	if health := GetHealth(); health.Components["reservation"] != "healthy" {
		t.Errorf("post-sweep detail = %s, want healthy", health.Components["reservation"])
	}

	// More than two intervals without a completion: degraded, because
	// dead owners' reservations are no longer being reclaimed.
	time.Sleep(60 * time.Millisecond)
	health := GetHealth()
	if health.Status != "degraded" {
		t.Errorf("status = %s, want degraded with a stalled sweep", health.Status)
	}

	// The next completed pass recovers without re-registration.
	SweepCompleted()
	if health := GetHealth(); health.Status != "healthy" {
		t.Errorf("status = %s, want healthy after the sweep resumes", health.Status)
	}
}

func TestHealthFirstSweepOverdue(t *testing.T) {
	resetChecker(t)
	RegisterSweep(10 * time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	health := GetHealth()
	if health.Status != "degraded" {
		t.Errorf("status = %s, want degraded when the first sweep never ran", health.Status)
	}
}

func TestHealthPoolStates(t *testing.T) {
	resetChecker(t)
	RegisterStore(okPing, nil)

	running, idle := 0, 0
	RegisterPool(func() (int, int) { return running, idle })

	// Zero workers: nothing can execute steps, the node is unhealthy and
	// not ready.
	if health := GetHealth(); health.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy with no workers", health.Status)
	}
	if readiness := GetReadiness(); readiness.Status != "unhealthy" {
		t.Errorf("readiness = %s, want unhealthy with no workers", readiness.Status)
	}

	// Saturated: progressing, but the supervisor's pool size needs a
	// look. Degraded, still ready.
	running, idle = 4, 0
	if health := GetHealth(); health.Status != "degraded" {
		t.Errorf("status = %s, want degraded with a saturated pool", health.Status)
	}
	if readiness := GetReadiness(); readiness.Status != "healthy" {
		t.Errorf("readiness = %s, want healthy with a saturated pool", readiness.Status)
	}

	running, idle = 4, 3
	if health := GetHealth(); health.Status != "healthy" {
		t.Errorf("status = %s, want healthy with idle capacity", health.Status)
	}
}

func TestHealthWorstComponentWins(t *testing.T) {
	resetChecker(t)
	// Saturated pool (degraded) plus an unreachable store (unhealthy):
	// the verdict is unhealthy.
	RegisterStore(func(ctx context.Context) error { return errors.New("down") }, nil)
	RegisterPool(func() (int, int) { return 4, 0 })

	health := GetHealth()
	if health.Status != "unhealthy" {
		t.Errorf("status = %s, want unhealthy to win over degraded", health.Status)
	}
	if len(health.Components) != 2 {
		t.Errorf("components = %v, want both subsystems reported", health.Components)
	}
}

func TestHealthHandlerUnhealthy(t *testing.T) {
	resetChecker(t)
	RegisterStore(func(ctx context.Context) error { return errors.New("down") }, nil)

	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var health HealthStatus
	if err := json.NewDecoder(rec.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "unhealthy" {
		t.Errorf("body status = %s, want unhealthy", health.Status)
	}
}

func TestReadinessRequiresStore(t *testing.T) {
	resetChecker(t)

	readiness := GetReadiness()
	if readiness.Status != "unhealthy" {
		t.Errorf("readiness = %s, want unhealthy before a store is registered", readiness.Status)
	}
	if readiness.Message != "no transaction store registered" {
		t.Errorf("message = %q", readiness.Message)
	}
}

func TestLivenessAlwaysOK(t *testing.T) {
	resetChecker(t)
	// Even with everything broken, the process answering is the check.
	RegisterStore(func(ctx context.Context) error { return errors.New("down") }, nil)
	RegisterPool(func() (int, int) { return 0, 0 })

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/live = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealthVersionAndUptime(t *testing.T) {
	resetChecker(t)
	SetVersion("1.2.3")
	RegisterStore(okPing, nil)

	health := GetHealth()
	if health.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", health.Version)
	}
	if health.Uptime == "" {
		t.Error("uptime missing from health response")
	}
}
