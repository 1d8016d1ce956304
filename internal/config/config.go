// Package config loads benchmark configuration from a YAML file and
// CTXBENCH_* environment overrides.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/enterprise-tim/ctxbench/internal/runner"
	"github.com/enterprise-tim/ctxbench/internal/status"
)

// Config is the full benchmark configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Workers is the number of concurrent identical runs to aggregate.
	Workers int `yaml:"workers"`

	// OutputPath, when set, receives the result record as JSON. The
	// record always goes to stdout regardless.
	OutputPath string `yaml:"output_path"`

	Run    runner.Config `yaml:"run"`
	Status status.Config `yaml:"status"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		LogLevel: "info",
		Workers:  1,
	}
	cfg.Run.ApplyDefaults()
	cfg.Status.ApplyDefaults()
	return cfg
}

// Load reads a YAML file, layers environment overrides on top, and
// validates the result. An empty path skips the file step.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	cfg.Run.ApplyDefaults()
	cfg.Status.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("config: workers must be positive, got %d", c.Workers)
	}
	if err := c.Run.Validate(); err != nil {
		return err
	}
	return nil
}
