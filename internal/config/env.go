package config

import (
	"os"
	"strconv"
	"time"

	"github.com/enterprise-tim/ctxbench/internal/traffic"
)

// applyEnv layers CTXBENCH_* environment overrides onto a config.
// Unparseable values are ignored; the file or default value stands.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CTXBENCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CTXBENCH_VARIANT"); v != "" {
		cfg.Run.Variant = v
	}
	if v := os.Getenv("CTXBENCH_PROFILE"); v != "" {
		cfg.Run.Traffic.Profile = traffic.Profile(v)
	}
	if v := os.Getenv("CTXBENCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("CTXBENCH_BASE_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Run.Traffic.BaseRate = rate
		}
	}
	if v := os.Getenv("CTXBENCH_POPULATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Run.Traffic.Population = n
		}
	}
	if v := os.Getenv("CTXBENCH_WARMUP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.Warmup = d
		}
	}
	if v := os.Getenv("CTXBENCH_MEASURE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Run.Measure = d
		}
	}
	if v := os.Getenv("CTXBENCH_FLIP_MODES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Run.FlipModes = b
		}
	}
	if v := os.Getenv("CTXBENCH_HEAVY_PATH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Run.HeavyPath = b
		}
	}
	if v := os.Getenv("CTXBENCH_STATUS_ADDR"); v != "" {
		cfg.Status.Enabled = true
		cfg.Status.Addr = v
	}
	if v := os.Getenv("CTXBENCH_OUTPUT"); v != "" {
		cfg.OutputPath = v
	}
}
