// Package config loads server configuration from a YAML file layered
// over defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Listen    string          `yaml:"listen"`
	Database  DatabaseConfig  `yaml:"database"`
	CRM       ServiceConfig   `yaml:"crm"`
	CMS       ServiceConfig   `yaml:"cms"`
	Directory DirectoryConfig `yaml:"directory"`
	Retry     RetryConfig     `yaml:"retry"`
	Matcher   MatcherConfig   `yaml:"matcher"`
}

// DatabaseConfig locates the local sqlite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ServiceConfig points at an external HTTP collaborator.
type ServiceConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
}

// DirectoryConfig tunes the contact cache.
type DirectoryConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// RetryConfig tunes the external-call retry policy.
type RetryConfig struct {
	MaxRetries   uint64        `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// MatcherConfig tunes suggestion filtering.
type MatcherConfig struct {
	MinConfidence       float64 `yaml:"min_confidence"`
	MaxSuggestions      int     `yaml:"max_suggestions"`
	ExclusionWindowDays int     `yaml:"exclusion_window_days"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		Listen:    ":8080",
		Database:  DatabaseConfig{Path: "reconciler.db"},
		Directory: DirectoryConfig{TTL: 5 * time.Minute},
		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: time.Second,
			MaxDelay:     10 * time.Second,
		},
		Matcher: MatcherConfig{
			MinConfidence:       0.35,
			MaxSuggestions:      5,
			ExclusionWindowDays: 30,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is
// fine; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}
