package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override, e.g. LLMBATCH_RUN_MODE.
const EnvPrefix = "LLMBATCH_"

// Default returns the configuration used when nothing is set.
func Default() AppConfig {
	return AppConfig{
		Run: RunConfig{
			Mode:                    "sequential",
			BatchSize:               8,
			MaxRetries:              3,
			BackoffBase:             time.Second,
			BackoffMax:              60 * time.Second,
			CircuitBreakerThreshold: 5,
			CheckpointInterval:      10,
			CheckpointPeriod:        30 * time.Second,
			OnTrip:                  "prompt",
		},
		LLM: LLMConfig{
			Provider: "openai",
			Timeout:  60 * time.Second,
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     ".llmbatch",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a YAML file, then applies LLMBATCH_*
// environment overrides. An empty path skips the file.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in the YAML content
		expandedData := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values a YAML file may have set explicitly.
func (c *AppConfig) applyDefaults() {
	d := Default()
	if c.Run.Mode == "" {
		c.Run.Mode = d.Run.Mode
	}
	if c.Run.BatchSize <= 0 {
		c.Run.BatchSize = d.Run.BatchSize
	}
	if c.Run.MaxRetries <= 0 {
		c.Run.MaxRetries = d.Run.MaxRetries
	}
	if c.Run.BackoffBase <= 0 {
		c.Run.BackoffBase = d.Run.BackoffBase
	}
	if c.Run.BackoffMax <= 0 {
		c.Run.BackoffMax = d.Run.BackoffMax
	}
	if c.Run.CircuitBreakerThreshold <= 0 {
		c.Run.CircuitBreakerThreshold = d.Run.CircuitBreakerThreshold
	}
	if c.Run.CheckpointInterval <= 0 {
		c.Run.CheckpointInterval = d.Run.CheckpointInterval
	}
	if c.Run.CheckpointPeriod <= 0 {
		c.Run.CheckpointPeriod = d.Run.CheckpointPeriod
	}
	if c.Run.OnTrip == "" {
		c.Run.OnTrip = d.Run.OnTrip
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = d.Checkpoint.Backend
	}
	if c.Checkpoint.Dir == "" {
		c.Checkpoint.Dir = d.Checkpoint.Dir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate rejects settings the runner cannot honour.
func (c *AppConfig) Validate() error {
	var errs []error

	switch c.Run.Mode {
	case "sequential", "concurrent":
	default:
		errs = append(errs, fmt.Errorf("run.mode must be sequential or concurrent, got %q", c.Run.Mode))
	}
	if c.Run.BackoffMax < c.Run.BackoffBase {
		errs = append(errs, fmt.Errorf("run.backoff_max (%s) is below run.backoff_base (%s)", c.Run.BackoffMax, c.Run.BackoffBase))
	}
	if c.Run.DrainTimeout < 0 {
		errs = append(errs, errors.New("run.drain_timeout must not be negative"))
	}
	switch c.Run.OnTrip {
	case "prompt", "abort", "continue", "http":
	default:
		errs = append(errs, fmt.Errorf("run.on_trip must be prompt, abort, continue or http, got %q", c.Run.OnTrip))
	}

	switch strings.ToLower(c.Checkpoint.Backend) {
	case "file", "memory":
	case "sqlite", "postgres":
		if c.Checkpoint.Database.DSN == "" && c.Checkpoint.Backend == "postgres" {
			errs = append(errs, errors.New("checkpoint.database.dsn is required for the postgres backend"))
		}
	case "redis":
		if c.Checkpoint.Redis.URL == "" {
			errs = append(errs, errors.New("checkpoint.redis.url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend))
	}

	if c.Server.Port < 0 {
		errs = append(errs, errors.New("server.port must not be negative"))
	}
	if c.Run.OnTrip == "http" && c.Server.Port == 0 {
		errs = append(errs, errors.New("run.on_trip=http needs server.port"))
	}
	return errors.Join(errs...)
}

// CountsExhausted reports whether retryable_exhausted failures count toward
// the breaker. Defaults to true.
func (c RunConfig) CountsExhausted() bool {
	return c.CountExhausted == nil || *c.CountExhausted
}

// CountsParseErrors reports whether parse_error failures count toward the
// breaker. Defaults to true.
func (c RunConfig) CountsParseErrors() bool {
	return c.CountParseErrors == nil || *c.CountParseErrors
}
