// Package config loads the server configuration from config/eventflow.yaml
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the server configuration.
type Config struct {
	ListenAddr  string   `yaml:"listen_addr"`
	DatabaseURL string   `yaml:"database_url"`
	Treasury    string   `yaml:"treasury"`
	APITokens   []string `yaml:"api_tokens"`
	AuditLog    string   `yaml:"audit_log"`
	AuditLimit  int      `yaml:"audit_limit"`
	MeterEvents bool     `yaml:"meter_events"`
	StartBlock  uint64   `yaml:"start_block"`

	Throttle struct {
		RPS   float64 `yaml:"rps"`
		Burst int     `yaml:"burst"`
	} `yaml:"throttle"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{
		ListenAddr: ":8080",
		Treasury:   "platform",
		AuditLimit: 200,
		StartBlock: 1,
	}
	cfg.Throttle.RPS = 50
	cfg.Throttle.Burst = 100
	return cfg
}

// Load reads config/eventflow.yaml.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "eventflow.yaml"))
}

// LoadFromPath reads the configuration from a specific path and applies
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen_addr is required")
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration or falls back to defaults (with
// environment overrides) when the file is missing.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("EVENTFLOW_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENTFLOW_DATABASE_URL")); v != "" {
		c.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENTFLOW_TREASURY")); v != "" {
		c.Treasury = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENTFLOW_API_TOKENS")); v != "" {
		c.APITokens = c.APITokens[:0]
		for _, token := range strings.Split(v, ",") {
			if token = strings.TrimSpace(token); token != "" {
				c.APITokens = append(c.APITokens, token)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("EVENTFLOW_AUDIT_LOG")); v != "" {
		c.AuditLog = v
	}
	if v := strings.TrimSpace(os.Getenv("EVENTFLOW_METER_EVENTS")); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			c.MeterEvents = parsed
		}
	}
}
