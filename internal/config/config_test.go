package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rice.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7700", cfg.Server.HTTPAddr)
	assert.Equal(t, "local", cfg.Engine.Backend)
	assert.Equal(t, "rice_", cfg.Engine.CollectionPrefix)
	assert.Equal(t, 4, cfg.Index.Workers)
	assert.Equal(t, 60, cfg.Search.RRFConstant)

	cfg, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadOverridesSection(t *testing.T) {
	path := writeConfig(t, `
data_dir: /tmp/rice-test
server:
  http_addr: 0.0.0.0:8080
search:
  rrf_constant: 30
telemetry:
  event_log_enabled: true
  redis_addr: localhost:6379
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/rice-test", cfg.DataDir)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, 30, cfg.Search.RRFConstant)
	assert.True(t, cfg.Telemetry.EventLogEnabled)
	assert.Equal(t, "localhost:6379", cfg.Telemetry.RedisAddr)

	// Untouched sections keep defaults.
	assert.Equal(t, "127.0.0.1:7701", cfg.Server.GRPCAddr)
	assert.Equal(t, 1024, cfg.Telemetry.RingSize)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
server:
  http_adr: typo
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	bad := Default()
	bad.Engine.Backend = "pinecone"
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.Index.Workers = 0
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.PostRank.DedupThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = Default()
	bad.DataDir = ""
	assert.Error(t, bad.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RICE_DATA_DIR", "/var/lib/rice")
	t.Setenv("RICE_HTTP_ADDR", "127.0.0.1:9900")
	t.Setenv("RICE_GRPC_ADDR", "127.0.0.1:9901")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/rice", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9900", cfg.Server.HTTPAddr)
	assert.Equal(t, "127.0.0.1:9901", cfg.Server.GRPCAddr)
}

func TestDerivedPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data/rice"
	assert.Equal(t, filepath.Join("/data/rice", "query-logs"), cfg.QueryLogDir())
	assert.Equal(t, filepath.Join("/data/rice", "stores"), cfg.StoreMetadataDir())
	assert.Equal(t, filepath.Join("/data/rice", "file-tracker"), cfg.FileTrackerDir())
	assert.Equal(t, filepath.Join("/data/rice", "events", "events.jsonl"), cfg.EventLogPath())
}
