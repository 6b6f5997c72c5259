package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricelabs/rice/internal/config"
)

func TestConfigInitWritesTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rice.yaml")
	out := runCommand(t, "config", "init", path)
	assert.Contains(t, out, "Wrote")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "http_addr")

	// The template must survive the strict loader.
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7700", cfg.Server.HTTPAddr)
	assert.Equal(t, "local", cfg.Engine.Backend)
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /keep\n"), 0o644))

	root := NewRootCmd()
	root.SetArgs([]string{"config", "init", path})
	require.Error(t, root.Execute())

	runCommand(t, "config", "init", path, "--force")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "/keep")
}
