package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Current()
	assert.Equal(t, 8, cfg.ThreadPoolSize)
	assert.Equal(t, 10*time.Minute, cfg.IdleCheckInterval)
	assert.Equal(t, 3*time.Minute, cfg.DeadReservationCleanup)
	assert.Equal(t, 3*time.Second, cfg.DeadReservationInitial)
	assert.Equal(t, StoreKindBolt, cfg.StoreKind)
	assert.Equal(t, 64, cfg.StackMaxDepth)
	assert.Equal(t, 30*time.Second, cfg.PoolWatcherDelay)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
fate:
  threadpool:
    size: 16
  stack:
    max_depth: 128
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.ThreadPoolSize)
	assert.Equal(t, 128, cfg.StackMaxDepth)

	// Untouched keys keep their defaults.
	assert.Equal(t, StoreKindBolt, cfg.StoreKind)

	t.Cleanup(func() {
		V.Set(KeyThreadPoolSize, 8)
		V.Set(KeyStackMaxDepth, 64)
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.Error(t, err)
}

func TestLiveOverride(t *testing.T) {
	V.Set(KeyThreadPoolSize, 12)
	t.Cleanup(func() { V.Set(KeyThreadPoolSize, 8) })

	assert.Equal(t, 12, Current().ThreadPoolSize)
}
