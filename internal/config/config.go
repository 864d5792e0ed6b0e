// Package config holds the tool configuration, loadable from a YAML file and
// overridable by command line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the effective tool configuration. Zero values mean "unset" during
// merging; Validate fills in nothing and only checks.
type Config struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	TokenFile   string `yaml:"token_file"`
	Cert        string `yaml:"cert"`
	Key         string `yaml:"key"`
	Chain       string `yaml:"chain"`
	DateFormat  string `yaml:"date_format"`
	PrunePrefix string `yaml:"prune_prefix"`
	Insecure    bool   `yaml:"insecure"`
	Timeout     int    `yaml:"timeout"`
	Log         string `yaml:"log"`
	LogLevel    string `yaml:"log_level"`
}

// Defaults returns the built-in configuration baseline.
func Defaults() Config {
	return Config{
		Port:       443,
		DateFormat: "20060102",
		Timeout:    30,
		LogLevel:   "info",
	}
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}

	return filepath.Join(home, path[2:]), nil
}

// Load reads a YAML configuration file.
func Load(path string) (Config, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return Config{}, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Merge layers override on top of base, with set values in override winning.
func Merge(base, override Config) Config {
	merged := base

	if override.Host != "" {
		merged.Host = override.Host
	}
	if override.Port != 0 {
		merged.Port = override.Port
	}
	if override.TokenFile != "" {
		merged.TokenFile = override.TokenFile
	}
	if override.Cert != "" {
		merged.Cert = override.Cert
	}
	if override.Key != "" {
		merged.Key = override.Key
	}
	if override.Chain != "" {
		merged.Chain = override.Chain
	}
	if override.DateFormat != "" {
		merged.DateFormat = override.DateFormat
	}
	if override.PrunePrefix != "" {
		merged.PrunePrefix = override.PrunePrefix
	}
	if override.Insecure {
		merged.Insecure = true
	}
	if override.Timeout != 0 {
		merged.Timeout = override.Timeout
	}
	if override.Log != "" {
		merged.Log = override.Log
	}
	if override.LogLevel != "" {
		merged.LogLevel = override.LogLevel
	}

	return merged
}

// Validate checks that the configuration is complete enough to run.
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1-65535, got %d", c.Port)
	}
	if c.TokenFile == "" {
		return fmt.Errorf("token file is required")
	}
	if c.Cert == "" {
		return fmt.Errorf("certificate file path is required")
	}
	if c.Key == "" {
		return fmt.Errorf("private key file path is required")
	}
	if c.DateFormat == "" {
		return fmt.Errorf("date format is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.Timeout)
	}
	if c.LogLevel != "info" && c.LogLevel != "debug" {
		return fmt.Errorf("log_level must be 'info' or 'debug', got %q", c.LogLevel)
	}

	return nil
}
