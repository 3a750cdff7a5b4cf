package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, env(nil))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	require.Equal(t, "election", cfg.Coord.Strategy)
	require.Equal(t, 30*time.Minute, cfg.Coord.LockTTL.Duration)
	require.Equal(t, 3*time.Second, cfg.Orchestrator.ProgressInterval.Duration)
	require.Equal(t, 3, cfg.Limiter.MaxRetries)
	require.Empty(t, cfg.DatabaseDSN)
}

func TestLoadLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"redis": {"addr": "json:6379"},
		"database_dsn": "postgres://json",
		"coord": {"lock_ttl": "10m", "strategy": "lease"},
		"orchestrator": {"verify_delay": 1000000000, "privileged_owners": [1, 2]}
	}`), 0o600))

	cfg, err := Load(
		[]string{"-config", path, "-redis", "flag:6379"},
		env(map[string]string{"REDIS_ADDR": "env:6379", "DATABASE_DSN": "postgres://env", "PRIVILEGED_OWNERS": "3, 4"}),
	)
	require.NoError(t, err)
	require.Equal(t, "flag:6379", cfg.Redis.Addr)
	require.Equal(t, "postgres://env", cfg.DatabaseDSN)
	require.Equal(t, 10*time.Minute, cfg.Coord.LockTTL.Duration)
	require.Equal(t, "lease", cfg.Coord.Strategy)
	require.Equal(t, time.Second, cfg.Orchestrator.VerifyDelay.Duration)
	require.Equal(t, []int64{3, 4}, cfg.Orchestrator.PrivilegedOwners)
	// untouched keys keep their defaults
	require.Equal(t, "media", cfg.S3.Bucket)
}

func TestLoadConfigFromEnvPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_format": "json"}`), 0o600))

	cfg, err := Load(nil, env(map[string]string{EnvConfigFile: path}))
	require.NoError(t, err)
	require.Equal(t, "json", cfg.LogFormat)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "missing.json")}, env(nil))
	require.Error(t, err)

	_, err = Load([]string{"-strategy", "raft"}, env(nil))
	require.ErrorContains(t, err, "strategy")

	_, err = Load(nil, env(map[string]string{"REDIS_DB": "x"}))
	require.Error(t, err)

	_, err = Load([]string{"-unknown"}, env(nil))
	require.Error(t, err)
}

func TestDurationJSON(t *testing.T) {
	var d Duration
	require.NoError(t, sonic.Unmarshal([]byte(`"1m30s"`), &d))
	require.Equal(t, 90*time.Second, d.Duration)
	require.NoError(t, sonic.Unmarshal([]byte(`5`), &d))
	require.Equal(t, time.Duration(5), d.Duration)
	require.Error(t, sonic.Unmarshal([]byte(`true`), &d))

	b, err := sonic.Marshal(Duration{time.Minute})
	require.NoError(t, err)
	require.Equal(t, `"1m0s"`, string(b))
}
