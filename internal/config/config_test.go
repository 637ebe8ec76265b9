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
	cfg := Default()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, int64(20), cfg.Queue.WaitTimeSeconds)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.LockTTL())
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL())
	assert.Equal(t, 5*time.Second, cfg.FastPathBudget())
	assert.Equal(t, 100*time.Millisecond, cfg.FastPathInterval())
	assert.Equal(t, time.Second, cfg.OutboxPollInterval())
}

func TestVisibilityCoversLockTTL(t *testing.T) {
	cfg := &Config{}
	cfg.Locking.TTLSeconds = 45
	cfg.Queue.VisibilityTimeoutSeconds = 10
	cfg.applyDefaults()

	assert.Equal(t, int64(45), cfg.Queue.VisibilityTimeoutSeconds,
		"visibility must outlast the lock so redelivery cannot race a live handler")
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9090"
queue:
  url: https://sqs.test/q.fifo
locking:
  lock_ttl_seconds: 60
worker:
  max_retries: 3
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "https://sqs.test/q.fifo", cfg.Queue.URL)
	assert.Equal(t, 60*time.Second, cfg.LockTTL())
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
	assert.Equal(t, int64(60), cfg.Queue.VisibilityTimeoutSeconds, "visibility raised to the configured lock TTL")
	assert.Equal(t, 50, cfg.Outbox.BatchSize, "unset values pick up defaults")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestOverlayEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("AUTH_QUEUE_URL", "https://sqs.env/q.fifo")

	cfg := Default()
	cfg.Overlay()

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "postgres://env/db", cfg.Database.URL)
	assert.Equal(t, "https://sqs.env/q.fifo", cfg.Queue.URL)
}
