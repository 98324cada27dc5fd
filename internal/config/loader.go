package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

var validLogLevels = map[string]bool{
	"": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks the whole configuration. All problems are reported.
func Validate(cfg *Config) error {
	var errs []error

	if err := ValidateMetric(cfg.Metric); err != nil {
		errs = append(errs, err)
	}

	if !validLogLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging: unknown level %q", cfg.Logging.Level))
	}

	if cfg.Server.Address == "" {
		errs = append(errs, errors.New("server: address is required"))
	}
	if cfg.Server.AdminAddress != "" && cfg.Server.AdminAddress == cfg.Server.Address {
		errs = append(errs, errors.New("server: admin_address must differ from address"))
	}

	return errors.Join(errs...)
}

// ValidateMetric checks the metric settings.
func ValidateMetric(m MetricConfig) error {
	var errs []error

	if m.SampleIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("metric: sample_interval_seconds must be > 0, got %v", m.SampleIntervalSeconds))
	}
	if m.ApdexSatisfiedMs < 0 {
		errs = append(errs, fmt.Errorf("metric: apdex_satisfied_ms must be >= 0, got %v", m.ApdexSatisfiedMs))
	}
	if m.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("metric: queue_size must be > 0, got %d", m.QueueSize))
	}
	if m.ShutdownTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("metric: shutdown_timeout_seconds must be >= 0, got %v", m.ShutdownTimeoutSeconds))
	}
	if _, err := m.Location(); err != nil {
		errs = append(errs, fmt.Errorf("metric: time_zone: %w", err))
	}
	if r := m.Rotation; r.MaxSizeMB < 0 || r.MaxBackups < 0 || r.MaxAgeDays < 0 {
		errs = append(errs, errors.New("metric: rotation values must be >= 0"))
	}
	if m.Redis.Enabled {
		if m.Redis.Address == "" {
			errs = append(errs, errors.New("metric: redis enabled but address not provided"))
		}
		if m.Redis.MaxLen < 0 {
			errs = append(errs, fmt.Errorf("metric: redis max_len must be >= 0, got %d", m.Redis.MaxLen))
		}
	}

	return errors.Join(errs...)
}
