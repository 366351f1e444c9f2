package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestLoadFromMergesEnvironmentFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
server:
  port: ":8080"
db:
  host: localhost
  port: 5432
  name: agencyops
maintenance:
  concurrency: 2
  due_offset_days: 0
alerts:
  dedup_ttl: 720h
`)
	writeFile(t, dir, "staging.yaml", `
db:
  host: db.staging
maintenance:
  due_offset_days: 5
`)

	cfg, err := LoadFrom("staging", dir)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Env)
	assert.Equal(t, "db.staging", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, 2, cfg.Maintenance.Concurrency)
	assert.Equal(t, 5, cfg.Maintenance.DueOffsetDays)
	assert.Equal(t, 720*time.Hour, cfg.Alerts.DedupTTL)
	assert.Equal(t, 100, cfg.Outbox.BatchSize)
	assert.Equal(t, 4, cfg.Retainers.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
}

func TestLoadFromEnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
cron:
  secret: from-file
jwt:
  secret: from-file
`)
	t.Setenv("CRON_SECRET", "from-env")
	t.Setenv("MAINTENANCE_CONCURRENCY", "4")

	cfg, err := LoadFrom("local", dir)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Cron.Secret)
	assert.Equal(t, "from-file", cfg.JWT.Secret)
	assert.Equal(t, 4, cfg.Maintenance.Concurrency)
	assert.Equal(t, ":8080", cfg.Server.Port)
}

func TestLoadFromMissingBase(t *testing.T) {
	_, err := LoadFrom("local", t.TempDir())
	assert.Error(t, err)
}
