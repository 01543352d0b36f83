// Package mcp loads and merges MCP server definitions from the user and
// project config files and renders them in the form each backend consumes.
package mcp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"taskdeck/internal/logging"
)

// ServerDef describes one MCP server. Stdio servers set Command; remote
// servers set URL.
type ServerDef struct {
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
}

// fileConfig is the on-disk shape of an mcp.yaml file.
type fileConfig struct {
	Servers map[string]ServerDef `yaml:"servers"`
}

// Manager resolves the effective MCP server set per workdir.
type Manager struct {
	// userPath is the user-level config, normally <dataDir>/mcp.yaml.
	userPath string
}

// NewManager creates a manager reading user-level servers from userPath.
func NewManager(userPath string) *Manager {
	return &Manager{userPath: userPath}
}

// projectPath is the per-project config, relative to the workdir.
func projectPath(workdir string) string {
	return filepath.Join(workdir, ".taskdeck", "mcp.yaml")
}

// Servers merges the user and project configs for a workdir. A project
// server definition replaces a user definition of the same name wholesale.
// Environment references of the form ${VAR} in command, args, env values
// and url are expanded from the process environment.
func (m *Manager) Servers(workdir string) (map[string]ServerDef, error) {
	merged := make(map[string]ServerDef)

	for _, path := range []string{m.userPath, projectPath(workdir)} {
		cfg, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		for name, def := range cfg {
			merged[name] = expand(def)
		}
	}
	return merged, nil
}

func loadFile(path string) (map[string]ServerDef, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg.Servers, nil
}

var envRefRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func expandString(s string) string {
	return envRefRe.ReplaceAllStringFunc(s, func(ref string) string {
		name := ref[2 : len(ref)-1]
		return os.Getenv(name)
	})
}

func expand(def ServerDef) ServerDef {
	def.Command = expandString(def.Command)
	def.URL = expandString(def.URL)
	args := make([]string, len(def.Args))
	for i, a := range def.Args {
		args[i] = expandString(a)
	}
	def.Args = args
	if len(def.Env) > 0 {
		env := make(map[string]string, len(def.Env))
		for k, v := range def.Env {
			env[k] = expandString(v)
		}
		def.Env = env
	}
	return def
}

// claudeConfig is the JSON shape the claude CLI accepts via --mcp-config.
type claudeConfig struct {
	McpServers map[string]ServerDef `json:"mcpServers"`
}

// RenderClaudeConfig writes the merged server set as a claude CLI config
// file under the workdir's .taskdeck directory and returns its path. An
// empty server set returns an empty path and writes nothing.
func (m *Manager) RenderClaudeConfig(workdir string) (string, error) {
	servers, err := m.Servers(workdir)
	if err != nil {
		return "", err
	}
	if len(servers) == 0 {
		return "", nil
	}

	data, err := json.MarshalIndent(claudeConfig{McpServers: servers}, "", "  ")
	if err != nil {
		return "", err
	}
	dir := filepath.Join(workdir, ".taskdeck")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "mcp-rendered.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	logging.Get(logging.CategoryMCP).Debugf(
		"rendered %d mcp servers for %s", len(servers), workdir)
	return path, nil
}

// Names returns the sorted server names effective for a workdir.
func (m *Manager) Names(workdir string) ([]string, error) {
	servers, err := m.Servers(workdir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
