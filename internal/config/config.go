// Package config provides YAML-based configuration loading for Parley.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/parleyhq/parley/internal/truncate"
)

// Config is the top-level Parley configuration, loaded from config.yaml.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Provider   ProviderConfig   `yaml:"provider"`
	Truncation TruncationConfig `yaml:"truncation"`
}

// ServerConfig holds settings for the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// DatabaseConfig selects and configures the persistence backend. The
// sqlite driver is the default; mysql covers hosted deployments.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "mysql"
	Path   string `yaml:"path"`   // sqlite only
	Host   string `yaml:"host"`   // mysql only
	Port   int    `yaml:"port"`   // mysql only
	Name   string `yaml:"name"`   // mysql only
}

// ProviderConfig holds connection settings for the LLM provider.
type ProviderConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// TruncationConfig holds the character budget for outgoing history. The
// budget is clamped to the supported range on load.
type TruncationConfig struct {
	Budget int `yaml:"budget"`
}

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory, when present, supplies
// PARLEY_API_KEY as an override for provider.api_key.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a Config with defaults applied. Callers
// that bypass Load must run their own validation.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "parley.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.Name == "" {
		c.Database.Name = "parley"
	}
	if c.Provider.BaseURL == "" {
		c.Provider.BaseURL = "https://api.openai.com/v1"
	}
	if c.Provider.Temperature == 0 {
		c.Provider.Temperature = 0.7
	}
	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = 1024
	}
	if c.Truncation.Budget == 0 {
		c.Truncation.Budget = truncate.DefaultBudget
	}
	c.Truncation.Budget = truncate.ClampBudget(c.Truncation.Budget)
}

// applyEnv overlays secrets from the environment. A missing .env file is
// not an error; explicit environment variables still apply.
func (c *Config) applyEnv() {
	godotenv.Load()
	if key := os.Getenv("PARLEY_API_KEY"); key != "" {
		c.Provider.APIKey = key
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Provider.Model == "" {
		errs = append(errs, "provider.model is required")
	}
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
