package sched

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	yaml "github.com/goccy/go-yaml"
)

// Unbounded is the MaxConcurrency used when no ceiling is configured.
const Unbounded = math.MaxInt

const envPrefix = "ADAPTQ_"

// Config mirrors config.yml. Environment variables prefixed with ADAPTQ_
// override values read from the file.
type Config struct {
	MaxConcurrency     int     `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`           // Unbounded (by default)
	MaxCPUUsage        float64 `yaml:"max_cpu_usage" env:"MAX_CPU_USAGE"`               // 0.8 (by default)
	MaxMemoryUsage     float64 `yaml:"max_memory_usage" env:"MAX_MEMORY_USAGE"`         // 0.8 (by default)
	InitialConcurrency int     `yaml:"initial_concurrency" env:"INITIAL_CONCURRENCY"`   // 1 (by default)
	SamplingIntervalMS int     `yaml:"sampling_interval_ms" env:"SAMPLING_INTERVAL_MS"` // 1000 (by default)
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     Unbounded,
		MaxCPUUsage:        0.8,
		MaxMemoryUsage:     0.8,
		InitialConcurrency: 1,
		SamplingIntervalMS: 1000,
	}
}

// Load reads YAML over the defaults, applies environment overrides and
// validates the result. An empty path or a missing file yields defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid field as a *ConfigError.
func (c Config) Validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return &ConfigError{Field: "max_concurrency", Reason: fmt.Sprintf("must be at least 1, got %d", c.MaxConcurrency)}
	case c.InitialConcurrency < 1:
		return &ConfigError{Field: "initial_concurrency", Reason: fmt.Sprintf("must be at least 1, got %d", c.InitialConcurrency)}
	case c.InitialConcurrency > c.MaxConcurrency:
		return &ConfigError{Field: "initial_concurrency", Reason: fmt.Sprintf("%d exceeds max_concurrency %d", c.InitialConcurrency, c.MaxConcurrency)}
	case !validThreshold(c.MaxCPUUsage):
		return &ConfigError{Field: "max_cpu_usage", Reason: fmt.Sprintf("must be in (0,1], got %v", c.MaxCPUUsage)}
	case !validThreshold(c.MaxMemoryUsage):
		return &ConfigError{Field: "max_memory_usage", Reason: fmt.Sprintf("must be in (0,1], got %v", c.MaxMemoryUsage)}
	case c.SamplingIntervalMS <= 0:
		return &ConfigError{Field: "sampling_interval_ms", Reason: fmt.Sprintf("must be positive, got %d", c.SamplingIntervalMS)}
	}
	return nil
}

// SamplingInterval is the controller cadence.
func (c Config) SamplingInterval() time.Duration {
	return time.Duration(c.SamplingIntervalMS) * time.Millisecond
}

func (c Config) thresholds() Thresholds {
	return Thresholds{CPU: c.MaxCPUUsage, Memory: c.MaxMemoryUsage}
}

func validThreshold(v float64) bool {
	return v > 0 && v <= 1
}
