// Package config loads runner, pool, logging and metrics settings from a YAML
// file, with .env files and TASKBRIDGE_* environment variables layered on top.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKBRIDGE_"

// Config is the root configuration.
type Config struct {
	Runner  RunnerConfig  `yaml:"runner"`
	Pool    PoolConfig    `yaml:"pool"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RunnerConfig configures a CancellableRunner.
type RunnerConfig struct {
	Name            string `yaml:"name"`
	PollInterval    string `yaml:"poll_interval"`
	HistoryCapacity int    `yaml:"history_capacity"`
}

// PoolConfig configures the worker pool. With Workers == 0 every operation
// gets its own goroutine.
type PoolConfig struct {
	ID          string `yaml:"id"`
	Workers     int    `yaml:"workers"`
	StopTimeout string `yaml:"stop_timeout"`
}

// LogConfig configures zap logging.
type LogConfig struct {
	Level       string         `yaml:"level"`  // debug|info|warn|error
	Format      string         `yaml:"format"` // console|json
	Outputs     []string       `yaml:"outputs"`
	Development bool           `yaml:"development"`
	Rotation    RotationConfig `yaml:"rotation"`
}

// RotationConfig configures lumberjack rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `yaml:"enable"`
	Filename   string `yaml:"filename"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Runner: RunnerConfig{
			Name:            "taskbridge",
			PollInterval:    "50ms",
			HistoryCapacity: 100,
		},
		Pool: PoolConfig{
			ID:          "taskbridge-pool",
			Workers:     4,
			StopTimeout: "5s",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
		Metrics: MetricsConfig{
			Namespace: "taskbridge",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when path
// is empty), env files and environment overrides, then validates it.
//
// envFiles default to ".env"; missing env files are ignored. Variables already
// set in the process environment win over env files.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", f, err)
		}
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v, ok := lookupEnv("RUNNER_NAME"); ok {
		c.Runner.Name = v
	}
	if v, ok := lookupEnv("POLL_INTERVAL"); ok {
		c.Runner.PollInterval = v
	}
	if v, ok := lookupEnv("WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %sWORKERS %q: %w", EnvPrefix, v, err)
		}
		c.Pool.Workers = n
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookupEnv("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookupEnv("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// Validate checks values that would otherwise fail later at runtime.
func (c *Config) Validate() error {
	var errs []error

	if d, err := c.PollInterval(); err != nil {
		errs = append(errs, err)
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("runner.poll_interval must be positive, got %s", d))
	}
	if c.Pool.Workers < 0 {
		errs = append(errs, fmt.Errorf("pool.workers must not be negative, got %d", c.Pool.Workers))
	}
	if _, err := c.StopTimeout(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// PollInterval parses runner.poll_interval.
func (c *Config) PollInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Runner.PollInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid runner.poll_interval %q: %w", c.Runner.PollInterval, err)
	}
	return d, nil
}

// StopTimeout parses pool.stop_timeout; empty means 5s.
func (c *Config) StopTimeout() (time.Duration, error) {
	if c.Pool.StopTimeout == "" {
		return 5 * time.Second, nil
	}
	d, err := time.ParseDuration(c.Pool.StopTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid pool.stop_timeout %q: %w", c.Pool.StopTimeout, err)
	}
	return d, nil
}
