// Package config loads the appmetric daemon configuration.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/wudi/appmetric/internal/logging"
)

// Environment variables that seed the metric defaults.
const (
	EnvName     = "APPMETRIC_NAME"
	EnvLogDir   = "APPMETRIC_LOG_DIR"
	EnvInterval = "APPMETRIC_LOG_INTERVAL"
)

// Config is the root configuration structure
type Config struct {
	Metric  MetricConfig  `yaml:"metric"`
	Logging LoggingConfig `yaml:"logging"`
	Server  ServerConfig  `yaml:"server"`
}

// MetricConfig configures the sampler and where its records go.
type MetricConfig struct {
	Name                   string           `yaml:"name"`
	OutputDir              string           `yaml:"output_dir"`  // empty disables the file sink
	FilePrefix             string           `yaml:"file_prefix"` // defaults to Name
	TimeZone               string           `yaml:"time_zone"`   // IANA name for daily file boundaries; host-local when empty
	SampleIntervalSeconds  float64          `yaml:"sample_interval_seconds"`
	ApdexSatisfiedMs       float64          `yaml:"apdex_satisfied_ms"`
	QueueSize              int              `yaml:"queue_size"`
	ShutdownTimeoutSeconds float64          `yaml:"shutdown_timeout_seconds"`
	Rotation               RotationConfig   `yaml:"rotation"`
	Prometheus             PrometheusConfig `yaml:"prometheus"`
	Redis                  RedisConfig      `yaml:"redis"`
}

// RotationConfig size-rotates a day's metric file (powered by lumberjack).
type RotationConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"` // 0 disables size rotation
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

// PrometheusConfig exposes records as Prometheus metrics.
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// RedisConfig ships records to a Redis list.
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Key       string `yaml:"key"`
	MaxLen    int64  `yaml:"max_len"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep
	MaxAge     int  `yaml:"max_age"`     // days to retain old files
	Compress   bool `yaml:"compress"`    // gzip rotated files
	LocalTime  bool `yaml:"local_time"`  // use local time in backup filenames
}

// ServerConfig configures the demo host's listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	AdminAddress    string        `yaml:"admin_address"` // empty disables the admin listener
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Metric: DefaultMetricConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
		},
		Server: ServerConfig{
			Address:         ":8080",
			AdminAddress:    ":8081",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// DefaultMetricConfig returns the metric defaults, seeded from the
// APPMETRIC_* environment variables.
func DefaultMetricConfig() MetricConfig {
	cfg := BaseMetricConfig()
	cfg.OutputDir = os.TempDir()
	if dir := os.Getenv(EnvLogDir); dir != "" {
		cfg.OutputDir = dir
	}
	return cfg
}

// BaseMetricConfig is DefaultMetricConfig without an output directory.
// Programmatic installs start from it so persistence stays opt-in.
func BaseMetricConfig() MetricConfig {
	name := os.Getenv(EnvName)
	if name == "" {
		name, _ = os.Hostname()
	}

	interval := 10.0
	if v, err := strconv.ParseFloat(os.Getenv(EnvInterval), 64); err == nil && v > 0 {
		interval = v
	}

	return MetricConfig{
		Name:                   name,
		SampleIntervalSeconds:  interval,
		ApdexSatisfiedMs:       100,
		QueueSize:              16,
		ShutdownTimeoutSeconds: 5,
		Prometheus: PrometheusConfig{
			Namespace: "appmetric",
		},
		Redis: RedisConfig{
			Address:   "localhost:6379",
			Key:       "appmetric:records",
			MaxLen:    10000,
			TimeoutMs: 200,
		},
	}
}

// Interval returns the sampling interval.
func (m MetricConfig) Interval() time.Duration {
	return seconds(m.SampleIntervalSeconds)
}

// ApdexThreshold returns the satisfaction threshold.
func (m MetricConfig) ApdexThreshold() time.Duration {
	return time.Duration(m.ApdexSatisfiedMs * float64(time.Millisecond))
}

// ShutdownTimeout returns how long shutdown waits for pending writes.
func (m MetricConfig) ShutdownTimeout() time.Duration {
	return seconds(m.ShutdownTimeoutSeconds)
}

// Prefix returns the file name prefix.
func (m MetricConfig) Prefix() string {
	if m.FilePrefix != "" {
		return m.FilePrefix
	}
	return m.Name
}

// Location returns the time zone used to pick the daily file.
func (m MetricConfig) Location() (*time.Location, error) {
	if m.TimeZone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(m.TimeZone)
}

// Options converts the logging config for logging.NewWithOptions.
func (l LoggingConfig) Options() logging.Options {
	return logging.Options{
		Level:      l.Level,
		Output:     l.Output,
		MaxSize:    l.Rotation.MaxSize,
		MaxBackups: l.Rotation.MaxBackups,
		MaxAge:     l.Rotation.MaxAge,
		Compress:   l.Rotation.Compress,
		LocalTime:  l.Rotation.LocalTime,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
