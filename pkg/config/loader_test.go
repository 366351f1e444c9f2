package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestLoadConfig_EnvOverridesBase(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "db:\n  host: localhost\n  port: 5432\nserver:\n  port: \":8080\"\n")
	writeFile(t, dir, "production.yaml", "db:\n  host: db.internal\n")

	var cfg struct {
		DB     DBConfig     `yaml:"db"`
		Server ServerConfig `yaml:"server"`
	}
	require.NoError(t, Decode("production", dir, &cfg))

	assert.Equal(t, "db.internal", cfg.DB.Host)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, ":8080", cfg.Server.Port)
}

func TestLoadConfig_SubstitutesSecrets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "cron:\n  secret: ${AGENCYOPS_TEST_CRON}\n")
	writeFile(t, dir, "secrets.env", "# comment\nAGENCYOPS_TEST_CRON=\"from-file\"\n")

	var cfg struct {
		Cron CronConfig `yaml:"cron"`
	}
	require.NoError(t, Decode("local", dir, &cfg))
	assert.Equal(t, "from-file", cfg.Cron.Secret)

	t.Setenv("AGENCYOPS_TEST_CRON", "from-env")
	require.NoError(t, Decode("local", dir, &cfg))
	assert.Equal(t, "from-env", cfg.Cron.Secret)
}

func TestLoadConfig_MissingBase(t *testing.T) {
	_, err := LoadConfig("local", t.TempDir())
	require.Error(t, err)
}

func TestOverrideCronFromEnv(t *testing.T) {
	cfg := CronConfig{Secret: "yaml"}
	t.Setenv("CRON_SECRET", "env")
	OverrideCronFromEnv(&cfg)
	assert.Equal(t, "env", cfg.Secret)
}
