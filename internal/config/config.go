// Package config loads the application configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Database struct {
		Dialect string `yaml:"dialect"`
		DSN     string `yaml:"dsn"`
	} `yaml:"database"`

	LLM struct {
		Provider    string  `yaml:"provider"`
		Model       string  `yaml:"model"`
		APIKey      string  `yaml:"api_key"`
		ServerURL   string  `yaml:"server_url"`
		Temperature float64 `yaml:"temperature"`
	} `yaml:"llm"`

	Engine struct {
		StepTimeoutSeconds int `yaml:"step_timeout_seconds"`
	} `yaml:"engine"`

	Integrations struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"integrations"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	LogLevel string `yaml:"log_level"`
}

// Load reads the configuration file, applies defaults, and overlays
// secrets from the environment. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Run on defaults plus environment.
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required (auth.jwt_secret or OPSPILOT_JWT_SECRET)")
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{}
	cfg.Server.Port = 8080
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Database.Dialect = "sqlite3"
	cfg.Database.DSN = "opspilot.db"
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4-turbo-preview"
	cfg.LLM.Temperature = 0.2
	cfg.Engine.StepTimeoutSeconds = 60
	cfg.LogLevel = "info"
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("OPSPILOT_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("OPSPILOT_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("OPSPILOT_INTEGRATIONS_KEY"); v != "" {
		cfg.Integrations.APIKey = v
	}
}

// StepTimeout returns the per-step timeout as a duration.
func (c *Config) StepTimeout() time.Duration {
	return time.Duration(c.Engine.StepTimeoutSeconds) * time.Second
}
