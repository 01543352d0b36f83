package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "claude-cli", cfg.Providers.Default)
	assert.Equal(t, "claude", cfg.Providers.ClaudeCLI.Binary)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/td-test
providers:
  default: gemini
  gemini:
    model: gemini-2.5-flash
server:
  addr: 127.0.0.1:9999
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/td-test", cfg.DataDir)
	assert.Equal(t, "gemini", cfg.Providers.Default)
	assert.Equal(t, "gemini-2.5-flash", cfg.Providers.Gemini.Model)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	// Untouched values keep their defaults.
	assert.Equal(t, "claude", cfg.Providers.ClaudeCLI.Binary)
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from-file\n"), 0o644))

	t.Setenv("TASKDECK_DATA_DIR", "/from-env")
	t.Setenv("TASKDECK_DEFAULT_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "key-123")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from-env", cfg.DataDir)
	assert.Equal(t, "gemini", cfg.Providers.Default)
	assert.Equal(t, "key-123", cfg.Providers.Gemini.APIKey)
}
