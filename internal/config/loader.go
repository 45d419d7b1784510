package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path, then
// applies defaults to anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches standard locations and loads the first config found.
// Search order: ./crfactory.yaml, ~/.crfactory/config.yaml. When none exists
// the built-in defaults are returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"crfactory.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".crfactory", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills unset fields with the built-in defaults.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline

	if p.Name == "" {
		p.Name = "crfactory"
	}
	if p.Defaults.Timeout == "" {
		p.Defaults.Timeout = "30m"
	}
	if p.Defaults.Retries == 0 {
		p.Defaults.Retries = 2
	}
	if p.Defaults.RetryBackoff == "" {
		p.Defaults.RetryBackoff = "2s"
	}
	if p.TDD.MaxIterations == 0 {
		p.TDD.MaxIterations = 4
	}
	if p.TDD.Command == "" {
		p.TDD.Command = "go test ./..."
	}
	if p.TDD.OutputTail == 0 {
		p.TDD.OutputTail = 4000
	}
	if len(p.Reviewers) == 0 {
		p.Reviewers = []string{"security", "quality", "spec_compliance"}
	}
}

// StageTimeout returns the duration limit for a stage: the per-stage value
// when configured, else the pipeline default.
func (c *Config) StageTimeout(stageID string) time.Duration {
	for _, s := range c.Pipeline.Stages {
		if s.ID == stageID && s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err == nil {
				return d
			}
		}
	}
	if d, err := time.ParseDuration(c.Pipeline.Defaults.Timeout); err == nil {
		return d
	}
	return 30 * time.Minute
}

// RetryBackoff returns the pause between transient retries.
func (c *Config) RetryBackoff() time.Duration {
	if d, err := time.ParseDuration(c.Pipeline.Defaults.RetryBackoff); err == nil {
		return d
	}
	return 2 * time.Second
}
