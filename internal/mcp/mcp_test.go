package mcp

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestServersMergeProjectOverridesUser(t *testing.T) {
	userDir := t.TempDir()
	workdir := t.TempDir()

	userPath := filepath.Join(userDir, "mcp.yaml")
	writeYAML(t, userPath, `
servers:
  filesystem:
    command: fs-server
    args: ["--root", "/"]
  search:
    url: https://user.example/mcp
`)
	writeYAML(t, projectPath(workdir), `
servers:
  search:
    url: https://project.example/mcp
  linter:
    command: lint-server
`)

	m := NewManager(userPath)
	servers, err := m.Servers(workdir)
	require.NoError(t, err)
	require.Len(t, servers, 3)

	assert.Equal(t, "fs-server", servers["filesystem"].Command)
	assert.Equal(t, "https://project.example/mcp", servers["search"].URL)
	assert.Equal(t, "lint-server", servers["linter"].Command)
}

func TestServersExpandEnvRefs(t *testing.T) {
	t.Setenv("MCP_TOKEN", "sekrit")
	workdir := t.TempDir()
	userPath := filepath.Join(t.TempDir(), "mcp.yaml")
	writeYAML(t, userPath, `
servers:
  api:
    command: api-server
    args: ["--token", "${MCP_TOKEN}"]
    env:
      API_TOKEN: "${MCP_TOKEN}"
`)

	servers, err := NewManager(userPath).Servers(workdir)
	require.NoError(t, err)
	assert.Equal(t, []string{"--token", "sekrit"}, servers["api"].Args)
	assert.Equal(t, "sekrit", servers["api"].Env["API_TOKEN"])
}

func TestServersMissingFilesAreFine(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	servers, err := m.Servers(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestRenderClaudeConfig(t *testing.T) {
	workdir := t.TempDir()
	userPath := filepath.Join(t.TempDir(), "mcp.yaml")
	writeYAML(t, userPath, `
servers:
  filesystem:
    command: fs-server
`)

	m := NewManager(userPath)
	path, err := m.RenderClaudeConfig(workdir)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var cfg struct {
		McpServers map[string]ServerDef `json:"mcpServers"`
	}
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "fs-server", cfg.McpServers["filesystem"].Command)
}

func TestRenderClaudeConfigEmptySet(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	path, err := m.RenderClaudeConfig(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, path)
}
