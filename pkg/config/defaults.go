package config

import (
	"time"

	"mercator-hq/costguard/pkg/retry"
)

// Default values for configuration fields. Component tuning knobs that are
// left zero fall back to the defaults of the component itself.
const (
	DefaultTimezone = "UTC"

	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1 << 20
	DefaultMaxBodyBytes    = 10 << 20

	// Telemetry defaults
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "json"
	DefaultMetricsPath        = "/metrics"
	DefaultMetricsNamespace   = "costguard"
	DefaultTracingEndpoint    = "localhost:4317"
	DefaultTracingSampleRatio = 1.0
	DefaultTracingService     = "costguard"
	DefaultTracingTimeout     = 10 * time.Second
	DefaultHealthCheckTimeout = 5 * time.Second

	// Storage defaults
	DefaultStoragePath        = "data/costguard.db"
	DefaultCheckpointInterval = 5 * time.Minute
	DefaultBusyTimeout        = 5 * time.Second
	DefaultRetention          = 90 * 24 * time.Hour
	DefaultSnapshotInterval   = time.Minute

	// Redis defaults
	DefaultRedisAddr   = "localhost:6379"
	DefaultRedisPrefix = "costguard:"

	// Ingest defaults
	DefaultMaxBatchSize = 1000
	DefaultMaxClockSkew = 5 * time.Minute
	DefaultIngestBurst  = 10

	// Queue defaults
	DefaultQueueDir     = "data/queue"
	DefaultMaxQueueSize = 10000

	DefaultForecastRecompute = 5 * time.Minute
	DefaultExhaustionTrip    = 24 * time.Hour
)

// ApplyDefaults fills in every unset field that has a control-plane level
// default. Booleans are not touched; see newConfig.
func ApplyDefaults(cfg *Config) {
	if cfg.Timezone == "" {
		cfg.Timezone = DefaultTimezone
	}

	// Server
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}

	applyTelemetryDefaults(&cfg.Telemetry)

	// Storage
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if cfg.Storage.CheckpointInterval == 0 {
		cfg.Storage.CheckpointInterval = DefaultCheckpointInterval
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = DefaultBusyTimeout
	}
	if cfg.Storage.Retention == 0 {
		cfg.Storage.Retention = DefaultRetention
	}
	if cfg.Storage.SnapshotInterval == 0 {
		cfg.Storage.SnapshotInterval = DefaultSnapshotInterval
	}

	// Redis
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = DefaultRedisPrefix
	}

	// Ingest
	if cfg.Ingest.MaxBatchSize == 0 {
		cfg.Ingest.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Ingest.MaxClockSkew == 0 {
		cfg.Ingest.MaxClockSkew = DefaultMaxClockSkew
	}
	if cfg.Ingest.Burst == 0 {
		cfg.Ingest.Burst = DefaultIngestBurst
	}

	if cfg.Forecast.RecomputeInterval == 0 {
		cfg.Forecast.RecomputeInterval = DefaultForecastRecompute
	}

	if cfg.Breaker.ExhaustionTripWithin == 0 {
		cfg.Breaker.ExhaustionTripWithin = DefaultExhaustionTrip
	}

	// Queue
	if cfg.Queue.Dir == "" {
		cfg.Queue.Dir = DefaultQueueDir
	}
	if cfg.Queue.MaxQueueSize == 0 {
		cfg.Queue.MaxQueueSize = DefaultMaxQueueSize
	}
	applyRetryDefaults(&cfg.Queue.Retry)
	applyRetryDefaults(&cfg.Alerts.Webhook.Retry)
	applyRetryDefaults(&cfg.Alerts.Slack.Retry)
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLogLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLogFormat
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}
	if t.Tracing.Endpoint == "" {
		t.Tracing.Endpoint = DefaultTracingEndpoint
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingSampleRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingService
	}
	if t.Tracing.Timeout == 0 {
		t.Tracing.Timeout = DefaultTracingTimeout
	}
	if t.Health.CheckTimeout == 0 {
		t.Health.CheckTimeout = DefaultHealthCheckTimeout
	}
}

// applyRetryDefaults fills an entirely unset policy. A partially set policy
// is left to Validate.
func applyRetryDefaults(p *retry.Policy) {
	if *p == (retry.Policy{}) {
		*p = retry.DefaultPolicy()
	}
}

// newConfig returns the zero configuration with the booleans that default
// to true already set, so that YAML decoding only overrides them when the
// key is present.
func newConfig() *Config {
	return &Config{
		Telemetry: TelemetryConfig{Metrics: MetricsConfig{Enabled: true}},
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := newConfig()
	ApplyDefaults(cfg)
	return cfg
}
