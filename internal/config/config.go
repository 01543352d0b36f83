// Package config loads taskdeck configuration from YAML with environment
// overrides. Defaults are usable without any config file present.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all taskdeck configuration.
type Config struct {
	// DataDir is the root for everything taskdeck persists: the SQLite
	// database, session artifacts, model catalog cache, structured-output
	// files, background-process markers and logs.
	DataDir string `yaml:"data_dir"`

	Providers ProvidersConfig `yaml:"providers"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProvidersConfig configures the provider registry and adapters.
type ProvidersConfig struct {
	// Default is the provider id used when the resolution chain finds no
	// usable candidate.
	Default string `yaml:"default"`

	// Project is the project-level provider setting, the last candidate
	// before the default in the resolution chain.
	Project string `yaml:"project"`

	Gemini    GeminiConfig    `yaml:"gemini"`
	ClaudeCLI ClaudeCLIConfig `yaml:"claude_cli"`
}

// GeminiConfig configures the in-process Gemini adapter.
type GeminiConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// ClaudeCLIConfig configures the Claude Code CLI adapter.
type ClaudeCLIConfig struct {
	// Binary is the executable name or path. Availability of the adapter
	// is probed by looking this up on PATH.
	Binary string `yaml:"binary"`
	Model  string `yaml:"model"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir: filepath.Join(home, ".taskdeck"),
		Providers: ProvidersConfig{
			Default: "claude-cli",
			Gemini: GeminiConfig{
				Model: "gemini-2.5-pro",
			},
			ClaudeCLI: ClaudeCLIConfig{
				Binary: "claude",
			},
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8460",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, if present, on top of the defaults,
// then applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data_dir must not be empty")
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("TASKDECK_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TASKDECK_DEFAULT_PROVIDER"); v != "" {
		c.Providers.Default = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.Gemini.APIKey = v
	}
	if v := os.Getenv("TASKDECK_CLAUDE_BIN"); v != "" {
		c.Providers.ClaudeCLI.Binary = v
	}
	if v := os.Getenv("TASKDECK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "taskdeck.yaml"
	}
	return filepath.Join(home, ".taskdeck", "config.yaml")
}
