// Package config handles opsbridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/opsbridge/config.yaml, /etc/opsbridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "opsbridge", "config.yaml"))
	}

	paths = append(paths, "/etc/opsbridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all opsbridge configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Backends  []BackendConfig `yaml:"backends"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Memory    MemoryConfig    `yaml:"memory"`
	Limits    LimitsConfig    `yaml:"limits"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// BackendConfig defines a single backend service connection.
type BackendConfig struct {
	// Name identifies the backend (e.g., "crm", "tracker"). Tool
	// ownership and /api/status routing key off this name.
	Name string `yaml:"name"`
	// URL is the base address of the backend's tool server.
	URL string `yaml:"url"`
	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string `yaml:"headers"`
}

// AnthropicConfig defines model API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// MemoryConfig defines entity cache and transcript settings.
type MemoryConfig struct {
	// WindowSize is how many conversation messages are replayed into
	// each model call (default 20).
	WindowSize int `yaml:"window_size"`
	// MaxEntities bounds the entity cache; 0 means unbounded. When the
	// cap is exceeded the oldest entries (by cached_at) are trimmed.
	MaxEntities int `yaml:"max_entities"`
	// FactLimit bounds each session-fact bucket (default 25).
	FactLimit int `yaml:"fact_limit"`
}

// LimitsConfig defines timeouts and loop bounds.
type LimitsConfig struct {
	// MaxSteps is the hard ceiling on model/tool round trips per
	// conversation turn (default 15).
	MaxSteps int `yaml:"max_steps"`
	// ProbeTimeoutSec bounds each backend health probe (default 10).
	ProbeTimeoutSec int `yaml:"probe_timeout_sec"`
	// ToolTimeoutSec bounds each tool invocation (default 30).
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
}

// MaxStepsOrDefault returns the configured step ceiling, defaulting to 15.
func (l LimitsConfig) MaxStepsOrDefault() int {
	if l.MaxSteps > 0 {
		return l.MaxSteps
	}
	return 15
}

// ProbeTimeout returns the probe timeout as a duration, defaulting to 10s.
func (l LimitsConfig) ProbeTimeout() time.Duration {
	if l.ProbeTimeoutSec > 0 {
		return time.Duration(l.ProbeTimeoutSec) * time.Second
	}
	return 10 * time.Second
}

// ToolTimeout returns the tool invocation timeout, defaulting to 30s.
func (l LimitsConfig) ToolTimeout() time.Duration {
	if l.ToolTimeoutSec > 0 {
		return time.Duration(l.ToolTimeoutSec) * time.Second
	}
	return 30 * time.Second
}

// Load reads configuration from a YAML file. Environment variable
// references in the file (${VAR} or $VAR) are expanded before parsing,
// so secrets like API keys can live in the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration matching the original
// two-backend deployment layout.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8000},
		DataDir: "data",
		Backends: []BackendConfig{
			{Name: "crm", URL: "http://mcp-crm:8001"},
			{Name: "tracker", URL: "http://mcp-tracker:8002"},
		},
		Anthropic: AnthropicConfig{
			Model:     "claude-3-5-sonnet-20241022",
			MaxTokens: 2024,
		},
		Memory: MemoryConfig{
			WindowSize:  20,
			MaxEntities: 500,
			FactLimit:   25,
		},
		Limits: LimitsConfig{
			MaxSteps:        15,
			ProbeTimeoutSec: 10,
			ToolTimeoutSec:  30,
		},
	}
}
