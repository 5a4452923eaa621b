package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COSTGUARD_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// Unknown keys are rejected so that a misspelled rule field fails the load
// instead of silently changing enforcement.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, defaults and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := newConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention COSTGUARD_SECTION_FIELD (e.g., COSTGUARD_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

// envBinding maps one environment variable onto a configuration field.
type envBinding struct {
	name string
	set  func(cfg *Config, val string) error
}

func str(field func(*Config) *string) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		*field(cfg) = val
		return nil
	}
}

func boolean(field func(*Config) *bool) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return err
		}
		*field(cfg) = b
		return nil
	}
}

func integer(field func(*Config) *int) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		i, err := strconv.Atoi(val)
		if err != nil {
			return err
		}
		*field(cfg) = i
		return nil
	}
}

func float(field func(*Config) *float64) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return err
		}
		*field(cfg) = f
		return nil
	}
}

func duration(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(cfg *Config, val string) error {
		d, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*field(cfg) = d
		return nil
	}
}

var envBindings = []envBinding{
	{"TIMEZONE", str(func(c *Config) *string { return &c.Timezone })},

	{"SERVER_LISTEN_ADDRESS", str(func(c *Config) *string { return &c.Server.ListenAddress })},
	{"SERVER_READ_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.ReadTimeout })},
	{"SERVER_WRITE_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.WriteTimeout })},
	{"SERVER_SHUTDOWN_TIMEOUT", duration(func(c *Config) *time.Duration { return &c.Server.ShutdownTimeout })},

	{"TELEMETRY_LOGGING_LEVEL", str(func(c *Config) *string { return &c.Telemetry.Logging.Level })},
	{"TELEMETRY_LOGGING_FORMAT", str(func(c *Config) *string { return &c.Telemetry.Logging.Format })},
	{"TELEMETRY_METRICS_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Metrics.Enabled })},
	{"TELEMETRY_TRACING_ENABLED", boolean(func(c *Config) *bool { return &c.Telemetry.Tracing.Enabled })},
	{"TELEMETRY_TRACING_ENDPOINT", str(func(c *Config) *string { return &c.Telemetry.Tracing.Endpoint })},
	{"TELEMETRY_TRACING_SAMPLE_RATIO", float(func(c *Config) *float64 { return &c.Telemetry.Tracing.SampleRatio })},

	{"STORAGE_DISABLED", boolean(func(c *Config) *bool { return &c.Storage.Disabled })},
	{"STORAGE_PATH", str(func(c *Config) *string { return &c.Storage.Path })},
	{"STORAGE_RETENTION", duration(func(c *Config) *time.Duration { return &c.Storage.Retention })},

	{"REDIS_ENABLED", boolean(func(c *Config) *bool { return &c.Redis.Enabled })},
	{"REDIS_ADDR", str(func(c *Config) *string { return &c.Redis.Addr })},
	{"REDIS_PASSWORD", str(func(c *Config) *string { return &c.Redis.Password })},
	{"REDIS_DB", integer(func(c *Config) *int { return &c.Redis.DB })},

	{"INGEST_MAX_BATCH_SIZE", integer(func(c *Config) *int { return &c.Ingest.MaxBatchSize })},
	{"INGEST_RATE_LIMIT", float(func(c *Config) *float64 { return &c.Ingest.RateLimit })},

	{"QUEUE_DIR", str(func(c *Config) *string { return &c.Queue.Dir })},
	{"QUEUE_MAX_QUEUE_SIZE", integer(func(c *Config) *int { return &c.Queue.MaxQueueSize })},
	{"QUEUE_WORKERS", integer(func(c *Config) *int { return &c.Queue.Workers })},

	{"SCHEDULER_DISABLED", boolean(func(c *Config) *bool { return &c.Scheduler.Disabled })},

	{"ALERTS_WEBHOOK_URL", str(func(c *Config) *string { return &c.Alerts.Webhook.URL })},
	{"ALERTS_SLACK_URL", str(func(c *Config) *string { return &c.Alerts.Slack.URL })},
}

// applyEnvOverrides applies every COSTGUARD_* variable that lookup finds.
// A value that does not parse is reported as a FieldError rather than
// silently ignored.
func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) error {
	var errs fieldErrors
	for _, b := range envBindings {
		name := EnvPrefix + b.name
		val, ok := lookup(name)
		if !ok || val == "" {
			continue
		}
		if err := b.set(cfg, val); err != nil {
			errs.add(name, "invalid value %q: %v", val, err)
		}
	}
	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}
