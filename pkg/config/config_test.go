package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "paper", cfg.Broker.Mode)
	require.Equal(t, 12*time.Hour, cfg.EscalationOwner)
	require.Equal(t, 24*time.Hour, cfg.EscalationAuthority)
	require.Equal(t, 5, cfg.Health.BreakerThreshold)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phoenix.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: DEBUG
broker:
  mode: live
  endpoint: wss://broker.example.com
health:
  heartbeat_interval: 10s
  breaker_threshold: 3
reconcile_interval: 1m
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.LogLevel)
	require.Equal(t, "live", cfg.Broker.Mode)
	require.Equal(t, 10*time.Second, cfg.Health.HeartbeatInterval)
	require.Equal(t, 3, cfg.Health.BreakerThreshold)
	require.Equal(t, time.Minute, cfg.ReconcileInterval)
	// Untouched fields keep their defaults.
	require.Equal(t, 15*time.Minute, cfg.Tokens.TTL)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phoenix.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: DEBUG\n"), 0o600))

	t.Setenv("PHOENIX_LOG_LEVEL", "WARN")
	t.Setenv("PHOENIX_LEDGER_PATH", "/var/lib/phoenix/ledger.db")
	t.Setenv("PHOENIX_BREAKER_THRESHOLD", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "WARN", cfg.LogLevel)
	require.Equal(t, "/var/lib/phoenix/ledger.db", cfg.Ledger.Path)
	require.Equal(t, 7, cfg.Health.BreakerThreshold)
}

func TestLoad_Validation(t *testing.T) {
	dir := t.TempDir()

	write := func(body string) string {
		path := filepath.Join(dir, "cfg.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	_, err := Load(write("broker:\n  mode: carrier-pigeon\n"))
	require.Error(t, err)

	_, err = Load(write("broker:\n  mode: live\n"))
	require.Error(t, err, "live mode without endpoint")

	_, err = Load(write("escalation_owner: 48h\n"))
	require.Error(t, err, "owner rung after authority rung")
}
