// config.go - Configuration management for the vesting daemon
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"confidentialvesting/internal/fhe"
	"confidentialvesting/internal/node"
)

// RateLimitConfig caps requests per client IP in each window. Max 0
// disables it. Sliding weights the previous window in, smoothing bursts at
// window edges.
type RateLimitConfig struct {
	Max     int           `yaml:"max"`
	Window  time.Duration `yaml:"window"`
	Sliding bool          `yaml:"sliding"`
}

// Config represents the daemon configuration
type Config struct {
	Bind string `yaml:"bind"`

	// Storage. An empty data dir keeps state in memory.
	DataDir     string `yaml:"data_dir"`
	KeyDir      string `yaml:"key_dir"`
	OperatorKey string `yaml:"operator_key"`
	SyncWrites  bool   `yaml:"sync_writes"`

	// Logging
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	AuditLogPath string `yaml:"audit_log_path"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	BodyLimit int             `yaml:"body_limit"`
	Debug     bool            `yaml:"debug"`

	// Deployment. Tokens without an owner are owned by the operator key.
	ProofBits []int              `yaml:"proof_bits"`
	Ceilings  fhe.Ceilings       `yaml:"ceilings"`
	Tokens    []node.TokenConfig `yaml:"tokens"`
	Vesting   string             `yaml:"vesting"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Bind:         "127.0.0.1:8080",
		DataDir:      "data",
		KeyDir:       "keys",
		OperatorKey:  "keys/operator.key",
		LogLevel:     "info",
		AuditLogPath: "audit.log",
		RateLimit:    RateLimitConfig{Max: 600, Window: time.Minute},
		BodyLimit:    4 << 20,
		ProofBits:    []int{32, 64},
		Ceilings:     fhe.DefaultCeilings(),
		Tokens:       []node.TokenConfig{{Name: "Vesting Token", Symbol: "VST"}},
		Vesting:      "default",
	}
}

// LoadConfig loads configuration from file, writing the default one if the
// file does not exist yet.
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		config := DefaultConfig()
		if err := SaveConfig(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("bind must be set")
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.RateLimit.Max < 0 {
		return fmt.Errorf("rate_limit.max must not be negative")
	}
	if c.RateLimit.Max > 0 && c.RateLimit.Window < time.Second {
		return fmt.Errorf("rate_limit.window must be at least a second")
	}
	if c.BodyLimit < 0 {
		return fmt.Errorf("body_limit must not be negative")
	}
	if len(c.ProofBits) == 0 {
		return fmt.Errorf("proof_bits must not be empty")
	}
	for _, bits := range c.ProofBits {
		if _, err := fhe.WidthForBits(bits); err != nil {
			return fmt.Errorf("proof_bits: %w", err)
		}
	}
	if err := c.Ceilings.Validate(); err != nil {
		return fmt.Errorf("ceilings: %w", err)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("at least one token must be configured")
	}
	seen := make(map[string]bool, len(c.Tokens))
	for _, t := range c.Tokens {
		if t.Symbol == "" {
			return fmt.Errorf("token %q has no symbol", t.Name)
		}
		if seen[t.Symbol] {
			return fmt.Errorf("duplicate token symbol %q", t.Symbol)
		}
		seen[t.Symbol] = true
	}
	if c.Vesting == "" {
		return fmt.Errorf("vesting label must be set")
	}
	return nil
}
