package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
	assert.Equal(t, 10, cfg.Search.NumResults)
	assert.Equal(t, 3, cfg.Policy.MaxRawBeforeSynthesis)
	assert.Equal(t, 100, cfg.Engine.PollIntervalMs)
	assert.Equal(t, 256, cfg.Streaming.ReplayCapacity)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
llm:
  model: custom-model
policy:
  max_raw_before_synthesis: 5
`), 0o644))
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("SERPER_API_KEYS", "k1, k2 ,")
	t.Setenv("LLM_API_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, "custom-model", cfg.LLM.Model)
	assert.Equal(t, 5, cfg.Policy.MaxRawBeforeSynthesis)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.Policy.MaxNotesBeforeSummary)
	// Env wins for secrets.
	assert.Equal(t, []string{"k1", "k2"}, cfg.Search.APIKeys)
	assert.Equal(t, "secret", cfg.LLM.APIKey)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http: [unclosed"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	_, err := Load()
	assert.Error(t, err)
}
