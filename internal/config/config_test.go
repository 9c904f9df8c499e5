package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestLoadConfig_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "postgres", cfg.DB.Driver)
	assert.Equal(t, 5432, cfg.DB.Port)
	assert.Equal(t, "@every 5s", cfg.Notifications.RelaySchedule)
	assert.Equal(t, 5*time.Second, cfg.Notifications.WebhookTimeout)
	assert.Equal(t, "moldflow_role", cfg.Auth.RoleClaim)
	assert.Empty(t, cfg.ConfigFile)
	assert.False(t, cfg.IsDev())
}

func TestLoadConfig_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	yaml := `environment: dev
dev_mode_bypass: true
db:
  driver: sqlite
  path: /tmp/moldflow-test.db
auth:
  okta_domain: https://example.okta.com/oauth2/default/
notifications:
  relay_schedule: "@every 1s"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.env"), []byte("MOLDFLOW_LOG_LEVEL=debug\n"), 0o644))
	t.Setenv("MOLDFLOW_DB_PATH", "/tmp/override.db")
	t.Cleanup(func() { _ = os.Unsetenv("MOLDFLOW_LOG_LEVEL") })

	cfg, err := LoadConfig(filepath.Join(dir, "test.env"))
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.True(t, cfg.DevModeBypass)
	assert.Equal(t, "sqlite", cfg.DB.Driver)
	assert.Equal(t, "/tmp/override.db", cfg.DB.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "https://example.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.Equal(t, "@every 1s", cfg.Notifications.RelaySchedule)
	assert.NotEmpty(t, cfg.ConfigFile)
}

func TestLoadConfig_MissingEnvFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := LoadConfig("does-not-exist.env")
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{}
	cfg.DB.Host = "db"
	cfg.DB.Port = 5433
	cfg.DB.User = "u"
	cfg.DB.Password = "p"
	cfg.DB.Name = "n"
	cfg.DB.SSLMode = "require"
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=n sslmode=require", cfg.PostgresDSN())
}
