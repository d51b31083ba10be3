package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/codex-bridge/paths"
)

// Default values applied when neither the config file nor the environment
// provides a setting.
const (
	DefaultBinary         = "codex"
	DefaultSandboxPolicy  = "workspace-write"
	DefaultTimeoutSeconds = 300
	DefaultMaxRetries     = 2
)

// validSandboxPolicies are the policies the codex CLI accepts.
var validSandboxPolicies = map[string]bool{
	"read-only":       true,
	"workspace-write": true,
	"full-access":     true,
}

// Config holds the bridge configuration. Values are read from config.yaml
// and may be overridden by CODEX_BRIDGE_* environment variables.
type Config struct {
	Binary          string `yaml:"binary" env:"CODEX_BRIDGE_BINARY"`
	Model           string `yaml:"model,omitempty" env:"CODEX_BRIDGE_MODEL"`
	SandboxPolicy   string `yaml:"sandbox_policy" env:"CODEX_BRIDGE_SANDBOX_POLICY"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" env:"CODEX_BRIDGE_TIMEOUT_SECONDS"`
	MaxRetries      int    `yaml:"max_retries" env:"CODEX_BRIDGE_MAX_RETRIES"`
	BypassApprovals bool   `yaml:"bypass_approvals" env:"CODEX_BRIDGE_BYPASS_APPROVALS"`
	Debug           bool   `yaml:"debug" env:"CODEX_BRIDGE_DEBUG"`
	CaptureStream   bool   `yaml:"capture_stream" env:"CODEX_BRIDGE_CAPTURE_STREAM"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, applies environment overrides, and fills
// in defaults. A missing config file is not an error.
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Used by Load and by tests.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{filePath: path}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	// Environment overrides file values
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero-valued fields. Called during Load before the
// Config is shared, so no locking is needed.
func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.SandboxPolicy == "" {
		c.SandboxPolicy = DefaultSandboxPolicy
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Binary == "" {
		return fmt.Errorf("binary must not be empty")
	}
	if !validSandboxPolicies[c.SandboxPolicy] {
		return fmt.Errorf("unknown sandbox policy: %q", c.SandboxPolicy)
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout_seconds must not be negative: %d", c.TimeoutSeconds)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative: %d", c.MaxRetries)
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(c.filePath, data, 0644)
}

// SetFilePath sets the config file path (for testing).
func (c *Config) SetFilePath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filePath = path
}

// GetBinary returns the codex binary name or path
func (c *Config) GetBinary() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Binary
}

// GetModel returns the model override, or empty string for the CLI default
func (c *Config) GetModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Model
}

// GetSandboxPolicy returns the configured sandbox policy
func (c *Config) GetSandboxPolicy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SandboxPolicy
}

// GetTimeoutSeconds returns the per-attempt timeout in seconds
func (c *Config) GetTimeoutSeconds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.TimeoutSeconds
}

// GetMaxRetries returns how many times a failed invocation may be retried
func (c *Config) GetMaxRetries() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MaxRetries
}

// GetBypassApprovals returns whether the child runs with approvals bypassed
func (c *Config) GetBypassApprovals() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.BypassApprovals
}

// GetDebug returns whether debug logging is enabled
func (c *Config) GetDebug() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Debug
}

// GetCaptureStream returns whether raw child output is captured to a log file
func (c *Config) GetCaptureStream() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.CaptureStream
}
