package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	require.NoError(t, err)
	assert.Equal(t, 2333, cfg.Server.Port)
	assert.True(t, cfg.Lavalink.Server.Sources.YouTube, "expected youtube source enabled by default")
	assert.Positive(t, cfg.Lavalink.Server.Workers, "expected a positive default worker count")
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "application.yml")
	yamlContent := []byte(`
server:
  port: 9999
lavalink:
  server:
    password: "secret"
    sources:
      youtube: false
`)
	require.NoError(t, os.WriteFile(path, yamlContent, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "secret", cfg.Lavalink.Server.Password)
	assert.False(t, cfg.Lavalink.Server.Sources.YouTube, "youtube should be disabled by the override")
	// Fields the override didn't mention keep their defaults.
	assert.True(t, cfg.Lavalink.Server.Sources.Local, "local source should still default to enabled")
	assert.Equal(t, "0.0.0.0", cfg.Server.Address)
}

func TestLoadNonPositiveWorkersFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "application.yml")
	require.NoError(t, os.WriteFile(path, []byte("lavalink:\n  server:\n    workers: 0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Positive(t, cfg.Lavalink.Server.Workers, "expected workers to fall back to a positive default")
}
