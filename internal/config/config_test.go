package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abgoat.yaml")
	err := os.WriteFile(path, []byte(`
storage:
  driver: badger
  path: ./data
engine:
  confidence_level: 0.99
`), 0644)
	require.NoError(t, err)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Storage.Driver)
	assert.Equal(t, "./data", cfg.Storage.Path)
	assert.Equal(t, 0.99, cfg.Engine.ConfidenceLevel)
	assert.Equal(t, int64(1000), cfg.Engine.MinimumSampleSize)
	assert.True(t, cfg.Engine.AutoComplete)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_RejectsInvalidSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abgoat.yaml")
	err := os.WriteFile(path, []byte(`
storage:
  driver: postgres
engine:
  confidence_level: 1.2
  minimum_sample_size: 0
log:
  level: loud
`), 0644)
	require.NoError(t, err)

	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage.driver")
	assert.Contains(t, err.Error(), "engine.confidence_level")
	assert.Contains(t, err.Error(), "engine.minimum_sample_size")
	assert.Contains(t, err.Error(), "log.level")
}

func TestLoad_MemoryNeedsNoPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "abgoat.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  driver: memory\n  path: \"\"\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "abgoat.yaml")

	want := Default()
	want.Server.Port = 9090
	want.Engine.AutoComplete = false
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestYAMLPath(t *testing.T) {
	assert.Equal(t, "engine.minimum_sample_size", yamlPath("Config.Engine.MinimumSampleSize"))
	assert.Equal(t, "server.token_file", yamlPath("Config.Server.TokenFile"))
}
