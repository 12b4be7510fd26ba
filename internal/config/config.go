// Package config loads planq configuration from a TOML file with defaults.
package config

import (
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for planq.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Artifacts ArtifactsConfig `toml:"artifacts"`
	Worker    WorkerConfig    `toml:"worker"`
	Logging   LoggingConfig   `toml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Addr returns the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig holds the durable store configuration.
type StoreConfig struct {
	Path string `toml:"path"`
}

// ArtifactsConfig holds the content-addressed artifact directory location.
type ArtifactsConfig struct {
	Dir string `toml:"dir"`
}

// WorkerConfig holds worker runtime tuning.
type WorkerConfig struct {
	LeaseMS     int    `toml:"lease_ms"`
	Poll        string `toml:"poll"`        // duration string, default "2s"
	CmdTimeout  string `toml:"cmd_timeout"` // duration string, default "120s"
	MaxAttempts int    `toml:"max_attempts"`
}

// Lease returns the lease window as a duration.
func (c WorkerConfig) Lease() time.Duration {
	return time.Duration(c.LeaseMS) * time.Millisecond
}

// PollInterval parses and returns the idle poll interval.
func (c WorkerConfig) PollInterval() time.Duration {
	d, err := time.ParseDuration(c.Poll)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// CommandTimeout parses and returns the wall-clock cap per command.
func (c WorkerConfig) CommandTimeout() time.Duration {
	d, err := time.ParseDuration(c.CmdTimeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Host: "127.0.0.1", Port: 7337},
		Store:     StoreConfig{Path: ".cursor/code/code.db"},
		Artifacts: ArtifactsConfig{Dir: "docs/code_runtime/artifacts/by-hash"},
		Worker: WorkerConfig{
			LeaseMS:     30000,
			Poll:        "2s",
			CmdTimeout:  "120s",
			MaxAttempts: 3,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the TOML file at path, overlaying it on the defaults.
// A missing file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
