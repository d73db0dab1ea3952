package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"CDPLedger/internal/config"
	fpmath "CDPLedger/internal/math"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cdp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// ============================================================================
// Test: Load
// ============================================================================

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	require.True(t, cfg.Params.MCR.Eq(fpmath.MustParse("1.1")))
	require.Equal(t, config.SnapshotBackendPostgres, cfg.Snapshot.Backend)
	require.Equal(t, 250*time.Millisecond, cfg.Server.QueryLiveTimeout)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
params:
  mcr: 1.2
  ccr: "1.6"
  min_net_debt: 2000
redis:
  url: redis://localhost:6379/0
pipeline:
  persist_flush_timeout: 25ms
snapshot:
  backend: sqlite
  keep: 2
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Params.MCR.Eq(fpmath.MustParse("1.2")))
	require.True(t, cfg.Params.CCR.Eq(fpmath.MustParse("1.6")))
	require.True(t, cfg.Params.MinNetDebt.Eq(fpmath.Units(2000)))
	require.True(t, cfg.Params.GasCompensation.Eq(fpmath.Units(200)), "unset params keep defaults")
	require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	require.Equal(t, "cdp", cfg.Redis.Prefix)
	require.Equal(t, 25*time.Millisecond, cfg.Pipeline.PersistFlushTimeout)
	require.Equal(t, config.SnapshotBackendSQLite, cfg.Snapshot.Backend)
	require.Equal(t, 2, cfg.Snapshot.Keep)
}

func TestLoad_EnvWinsOverFile(t *testing.T) {
	path := writeFile(t, "server:\n  grpc_addr: \":7000\"\n")
	t.Setenv("CDP_GRPC_ADDR", ":7100")
	t.Setenv("CDP_RATE_PER_SECOND", "12.5")
	t.Setenv("CDP_NATS_ENABLED", "false")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7100", cfg.Server.GRPCAddr)
	require.Equal(t, 12.5, cfg.Server.RatePerSecond)
	require.False(t, cfg.NATS.Enabled)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"mcr above ccr":   "params:\n  mcr: 1.6\n  ccr: 1.5\n",
		"unknown backend": "snapshot:\n  backend: s3\n",
		"bad fixed":       "params:\n  mcr: abc\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, body))
			require.Error(t, err)
		})
	}

	t.Setenv("CDP_RATE_PER_SECOND", "fast")
	_, err := config.Load("")
	require.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
