// Package config loads server configuration from an optional YAML file
// with JIM_* environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Addr         string `yaml:"addr"`
	Port         int    `yaml:"port"`
	DBPath       string `yaml:"db_path"`
	LogLevel     string `yaml:"log_level"`
	LogFile      string `yaml:"log_file"`
	PollMillis   int    `yaml:"poll_ms"`
	WriteTimeout int    `yaml:"write_timeout"` // seconds
}

func defaults() *Config {
	return &Config{
		Addr:         "",
		Port:         7777,
		DBPath:       "jim.db",
		LogLevel:     "info",
		PollMillis:   200,
		WriteTimeout: 10,
	}
}

// Load reads the YAML file at path (skipped when empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("JIM_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("JIM_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("JIM_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("JIM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("JIM_LOG_FILE"); v != "" {
		c.LogFile = v
	}
}

// Validate rejects an out-of-range listen port instead of substituting a
// default: a wrong port in config is an operator mistake worth surfacing.
func (c *Config) Validate() error {
	if c.Port < 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid listen port %d: must be in 1024..65535", c.Port)
	}
	if c.PollMillis <= 0 {
		return fmt.Errorf("invalid poll interval %dms: must be positive", c.PollMillis)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("invalid write timeout %ds: must be positive", c.WriteTimeout)
	}
	return nil
}
