// Package config exposes the executor's hot-reloadable configuration,
// backed by spf13/viper. Components that need a live value (the pool
// supervisor's target pool size, chief among them) read it at the top of
// each periodic cycle rather than caching a snapshot for the process
// lifetime.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/meatballspaghetti/fate/pkg/log"
)

// Configuration keys consumed by the executor.
const (
	KeyThreadPoolSize           = "fate.threadpool.size"
	KeyIdleCheckInterval        = "fate.idle.check.interval"
	KeyDeadReservationCleanup   = "fate.dead_reservation.cleanup_delay"
	KeyDeadReservationInitial   = "fate.dead_reservation.initial_delay"
	KeyStoreKind                = "fate.store.kind"
	KeyStackMaxDepth            = "fate.stack.max_depth"
	KeyPoolWatcherDelay         = "fate.pool.watcher_delay"
)

// StoreKind selects a Transaction Store backend.
type StoreKind string

const (
	StoreKindBolt StoreKind = "bolt"
	StoreKindRaft StoreKind = "raft"
)

// Config is a snapshot of the live configuration, refreshed by calling
// Load or Current again. Components that need hot-reload behavior call
// Current on every cycle instead of retaining one snapshot for the process
// lifetime.
type Config struct {
	ThreadPoolSize         int
	IdleCheckInterval      time.Duration
	DeadReservationCleanup time.Duration
	DeadReservationInitial time.Duration
	StoreKind              StoreKind
	StackMaxDepth          int
	PoolWatcherDelay       time.Duration
}

// V is the process-wide viper instance. It is a package variable (not a
// constructed singleton threaded through every component) because viper
// itself is explicitly designed to be used this way; executor components never
// read it directly, only through Load, Current or Watch.
var V = viper.New()

func init() {
	V.SetDefault(KeyThreadPoolSize, 8)
	V.SetDefault(KeyIdleCheckInterval, 10*time.Minute)
	V.SetDefault(KeyDeadReservationCleanup, 3*time.Minute)
	V.SetDefault(KeyDeadReservationInitial, 3*time.Second)
	V.SetDefault(KeyStoreKind, string(StoreKindBolt))
	V.SetDefault(KeyStackMaxDepth, 64)
	V.SetDefault(KeyPoolWatcherDelay, 30*time.Second)

	V.SetEnvPrefix("FATE")
	V.AutomaticEnv()
}

// Load reads a config file at path (if non-empty) and returns a snapshot of
// the current values. Call sites that need hot-reload behavior (the Pool
// Supervisor) call Current fresh on every cycle rather than caching the result.
func Load(path string) (Config, error) {
	if path != "" {
		V.SetConfigFile(path)
		if err := V.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	return snapshot(), nil
}

func snapshot() Config {
	return Config{
		ThreadPoolSize:         V.GetInt(KeyThreadPoolSize),
		IdleCheckInterval:      V.GetDuration(KeyIdleCheckInterval),
		DeadReservationCleanup: V.GetDuration(KeyDeadReservationCleanup),
		DeadReservationInitial: V.GetDuration(KeyDeadReservationInitial),
		StoreKind:              StoreKind(V.GetString(KeyStoreKind)),
		StackMaxDepth:          V.GetInt(KeyStackMaxDepth),
		PoolWatcherDelay:       V.GetDuration(KeyPoolWatcherDelay),
	}
}

// Watch installs a callback invoked with a fresh snapshot every time the
// backing config file changes on disk, using viper's fsnotify-backed
// OnConfigChange/WatchConfig pair.
func Watch(onChange func(Config)) {
	V.OnConfigChange(func(e fsnotify.Event) {
		logger := log.WithComponent("config")
		logger.Info().Str("file", e.Name).Msg("configuration file changed, reloading")
		onChange(snapshot())
	})
	V.WatchConfig()
}

// Current returns a fresh snapshot without requiring a config file; it is
// the entry point components poll when no file-based config was supplied
// (e.g. environment-only deployments).
func Current() Config {
	return snapshot()
}
