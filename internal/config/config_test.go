package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9090
  allowed_origins:
    - https://relief.example.org
hub:
  heartbeat_interval: 45s
alerts:
  check_interval: 5m
  dedup_state_file: /var/lib/relief-hub/dedup.json
feed:
  breaker:
    max_failures: 2
auth:
  tokens:
    - token: s3cret
      user_id: ops
      role: coordinator
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, []string{"https://relief.example.org"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 45*time.Second, cfg.Hub.HeartbeatInterval)
	assert.Equal(t, 64, cfg.Hub.SendBuffer)
	assert.Equal(t, 5*time.Minute, cfg.Alerts.CheckInterval)
	assert.Equal(t, 20, cfg.Alerts.NoveltyLimit)
	assert.Equal(t, "/var/lib/relief-hub/dedup.json", cfg.Alerts.DedupStateFile)
	assert.Equal(t, uint32(2), cfg.Feed.Breaker.MaxFailures)
	assert.Equal(t, time.Minute, cfg.Feed.Breaker.OpenTimeout)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, TokenConfig{Token: "s3cret", UserID: "ops", Role: "coordinator"}, cfg.Auth.Tokens[0])
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.NoError(t, cfg.Validate())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "server: [unterminated")
	_, err := LoadOrDefault(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Hub.HeartbeatInterval = 0
	cfg.Alerts.DedupCapacity = -1
	cfg.Log.Format = "xml"
	cfg.Auth.Tokens = []TokenConfig{{Token: "t", Role: "superuser"}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "hub.heartbeat_interval", "dedup_capacity", "log.format", `unknown role "superuser"`} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELIEF_HUB_HOST", "127.0.0.1")
	t.Setenv("RELIEF_HUB_PORT", "7000")
	t.Setenv("RELIEF_HUB_FEED_URL", "http://feed.local")
	t.Setenv("RELIEF_HUB_ADMIN_TOKEN", "from-env")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg := Default()
	require.NoError(t, cfg.LoadEnv(filepath.Join(t.TempDir(), "missing.env")))

	assert.Equal(t, "127.0.0.1:7000", cfg.Addr())
	assert.Equal(t, "http://feed.local", cfg.Feed.BaseURL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, "admin", cfg.Auth.Tokens[0].Role)
	assert.NoError(t, cfg.Validate())
}

func TestEnvOverridesLeaveUnsetFields(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 9999
	require.NoError(t, cfg.applyEnv())
	assert.Equal(t, 9999, cfg.Server.Port)
}

func TestDotenvFile(t *testing.T) {
	path := writeFile(t, "test.env", "RELIEF_HUB_FEED_URL=http://dotenv.local\n")
	t.Cleanup(func() { os.Unsetenv("RELIEF_HUB_FEED_URL") })

	cfg := Default()
	require.NoError(t, cfg.LoadEnv(path))
	assert.Equal(t, "http://dotenv.local", cfg.Feed.BaseURL)
}
