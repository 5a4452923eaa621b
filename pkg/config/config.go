package config

import (
	"time"

	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/optimization"
	"mercator-hq/costguard/pkg/retry"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/scheduler"
)

// Config is the root configuration of the costguard control plane.
// A loaded Config is treated as immutable; reloads build a new one and swap
// it through a Store.
type Config struct {
	// Timezone is the IANA zone used for windows, seasonality, calendar
	// schedules and monthly boundaries.
	// Default: "UTC"
	Timezone string `yaml:"timezone"`

	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Ingest    IngestConfig    `yaml:"ingest"`

	// Pricing overrides or extends the built-in price table, keyed by model.
	Pricing map[string]costs.Pricing `yaml:"pricing"`

	Features     FeaturesConfig      `yaml:"features"`
	Patterns     PatternsConfig      `yaml:"patterns"`
	Forecast     ForecastConfig      `yaml:"forecast"`
	Alerts       AlertsConfig        `yaml:"alerts"`
	Guard        GuardConfig         `yaml:"guard"`
	Breaker      BreakerConfig       `yaml:"breaker"`
	Queue        QueueConfig         `yaml:"queue"`
	Scheduler    SchedulerConfig     `yaml:"scheduler"`
	Actions      ActionsConfig       `yaml:"actions"`
	Routing      RoutingConfig       `yaml:"routing"`
	Analyzer     AnalyzerConfig      `yaml:"analyzer"`
	Optimization optimization.Config `yaml:"optimization"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// ListenAddress is the address the API binds to.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds the graceful drain on shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Default: 1MB
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// MaxBodyBytes caps request bodies, ingestion batches included.
	// Default: 10MB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// TelemetryConfig groups logging, metrics, tracing and health settings.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Health  HealthConfig  `yaml:"health"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: "info"
	Level string `yaml:"level"`

	// Format is json or console.
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource adds the caller to every entry.
	AddSource bool `yaml:"add_source"`

	// Development enables stack traces on warnings and panics on DPanic.
	Development bool `yaml:"development"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Default: true
	Enabled bool `yaml:"enabled"`

	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace prefixes every metric name.
	// Default: "costguard"
	Namespace string `yaml:"namespace"`
}

// TracingConfig configures OpenTelemetry tracing. When disabled a noop
// tracer provider is used.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP gRPC collector address.
	// Default: "localhost:4317"
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS towards the collector.
	Insecure bool `yaml:"insecure"`

	// SampleRatio is the fraction of root spans sampled, 0 to 1.
	// Default: 1.0
	SampleRatio float64 `yaml:"sample_ratio"`

	// Default: "costguard"
	ServiceName string `yaml:"service_name"`

	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// HealthConfig configures the readiness checks.
type HealthConfig struct {
	// CheckTimeout bounds each readiness check.
	// Default: 5s
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// StorageConfig configures the SQLite store.
type StorageConfig struct {
	// Disabled keeps all state in memory.
	Disabled bool `yaml:"disabled"`

	// Default: "data/costguard.db"
	Path string `yaml:"path"`

	// Default: 5m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// Retention is how long usage records, claims and audited decisions
	// are kept.
	// Default: 2160h (90 days)
	Retention time.Duration `yaml:"retention"`

	// SnapshotInterval is how often scope budgets are persisted.
	// Default: 1m
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
}

// RedisConfig configures the shared idempotency and alert cooldown store.
// When disabled both are kept in process memory.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces every key.
	// Default: "costguard:"
	Prefix string `yaml:"prefix"`
}

// IngestConfig configures usage ingestion.
type IngestConfig struct {
	// Default: 1000
	MaxBatchSize int `yaml:"max_batch_size"`

	// Providers restricts the accepted providers. Empty accepts any.
	Providers []string `yaml:"providers"`

	// MaxClockSkew rejects events timestamped further in the future.
	// Default: 5m
	MaxClockSkew time.Duration `yaml:"max_clock_skew"`

	// RateLimit is the sustained number of batches per second accepted by
	// the API. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the limiter bucket size.
	// Default: 10
	Burst int `yaml:"burst"`
}

// FeaturesConfig configures feature extraction. Zero values use the
// extractor defaults.
type FeaturesConfig struct {
	Window             time.Duration `yaml:"window"`
	RetentionSlack     time.Duration `yaml:"retention_slack"`
	BusinessHoursStart int           `yaml:"business_hours_start"`
	BusinessHoursEnd   int           `yaml:"business_hours_end"`
	SeasonalHistory    int           `yaml:"seasonal_history"`
}

// PatternsConfig configures anomaly detection. Zero values use the detector
// defaults.
type PatternsConfig struct {
	// Method is zscore or mad.
	Method          string  `yaml:"method"`
	BaselineWindows int     `yaml:"baseline_windows"`
	MinDataPoints   int     `yaml:"min_data_points"`
	MinConfidence   float64 `yaml:"min_confidence"`

	CostSpikeThreshold    float64 `yaml:"cost_spike_threshold"`
	CostDropThreshold     float64 `yaml:"cost_drop_threshold"`
	UsageSurgeThreshold   float64 `yaml:"usage_surge_threshold"`
	UsageDropThreshold    float64 `yaml:"usage_drop_threshold"`
	LatencySpikeThreshold float64 `yaml:"latency_spike_threshold"`
	ErrorRateMultiplier   float64 `yaml:"error_rate_multiplier"`
	ErrorRateFloor        float64 `yaml:"error_rate_floor"`
	OffHoursMultiplier    float64 `yaml:"off_hours_multiplier"`

	DriftWindows      int     `yaml:"drift_windows"`
	DriftThreshold    float64 `yaml:"drift_threshold"`
	PlateauCV         float64 `yaml:"plateau_cv"`
	PlateauBreakRatio float64 `yaml:"plateau_break_ratio"`
	TrendWindows      int     `yaml:"trend_windows"`
	TrendHorizon      int     `yaml:"trend_horizon"`
	RecentAnomalies   int     `yaml:"recent_anomalies"`
}

// ForecastConfig configures the cost forecaster.
type ForecastConfig struct {
	DefaultHorizonDays int     `yaml:"default_horizon_days"`
	MaxHorizonDays     int     `yaml:"max_horizon_days"`
	MinDataPoints      int     `yaml:"min_data_points"`
	BaselinePeriods    int     `yaml:"baseline_periods"`
	TrendWeight        float64 `yaml:"trend_weight"`
	SeasonalWeight     float64 `yaml:"seasonal_weight"`
	ConfidenceLevel    float64 `yaml:"confidence_level"`
	DisableSeasonality bool    `yaml:"disable_seasonality"`

	// RecomputeInterval is how often projections of every scope are
	// refreshed and pushed to the guard.
	// Default: 5m
	RecomputeInterval time.Duration `yaml:"recompute_interval"`
}

// AlertsConfig configures predictive alerting and its notification
// channels.
type AlertsConfig struct {
	ExceedProbabilityThreshold float64  `yaml:"exceed_probability_threshold"`
	UtilizationWarning         float64  `yaml:"utilization_warning"`
	AnomalyConfidenceThreshold float64  `yaml:"anomaly_confidence_threshold"`
	TrendConfidenceThreshold   float64  `yaml:"trend_confidence_threshold"`
	TrendMinMonthlyCost        float64  `yaml:"trend_min_monthly_cost"`
	PremiumModelShare          float64  `yaml:"premium_model_share"`
	PremiumModels              []string `yaml:"premium_models"`

	Expiration        time.Duration `yaml:"expiration"`
	Cooldown          time.Duration `yaml:"cooldown"`
	Retention         time.Duration `yaml:"retention"`
	MaxActivePerScope int           `yaml:"max_active_per_scope"`
	MaxAlertsPerHour  int           `yaml:"max_alerts_per_hour"`

	// DefaultChannels receive alerts whose rule names none.
	DefaultChannels []alerts.Channel `yaml:"default_channels"`

	// DisableBuiltins turns off the built-in generators, leaving only
	// Rules.
	DisableBuiltins bool `yaml:"disable_builtins"`

	Webhook WebhookConfig `yaml:"webhook"`
	Slack   WebhookConfig `yaml:"slack"`

	Rules []alerts.Rule `yaml:"rules"`
}

// WebhookConfig configures an HTTP notification channel. An empty URL
// disables the channel.
type WebhookConfig struct {
	URL   string       `yaml:"url"`
	Retry retry.Policy `yaml:"retry"`
}

// GuardConfig configures budget enforcement.
type GuardConfig struct {
	EvaluationTimeout  time.Duration `yaml:"evaluation_timeout"`
	StalenessThreshold time.Duration `yaml:"staleness_threshold"`

	// ThrottleThreshold and BlockThreshold are utilization percentages that
	// shape the derived delay of throttle rules without a throttle_delay: it
	// grows from zero at the first to max_throttle_delay at the second. They
	// never throttle or block on their own.
	ThrottleThreshold float64       `yaml:"throttle_threshold"`
	BlockThreshold    float64       `yaml:"block_threshold"`
	MaxThrottleDelay  time.Duration `yaml:"max_throttle_delay"`

	// DowngradeMap replaces the built-in downgrade suggestions when set.
	DowngradeMap map[string]string `yaml:"downgrade_map"`

	DisablePriorityBypass bool             `yaml:"disable_priority_bypass"`
	BypassPriorities      []guard.Priority `yaml:"bypass_priorities"`

	// Budgets are the base limits per scope.
	Budgets map[string]float64 `yaml:"budgets"`

	// Rules is the rule book keyed by scope. The "*" scope applies to all.
	Rules map[string][]guard.Rule `yaml:"rules"`
}

// BreakerConfig configures the per-scope circuit breaker. Zero values use
// the breaker defaults.
type BreakerConfig struct {
	Cooldown time.Duration `yaml:"cooldown"`

	// CooldownPolicy is fixed or exponential.
	CooldownPolicy string        `yaml:"cooldown_policy"`
	Factor         float64       `yaml:"factor"`
	MaxCooldown    time.Duration `yaml:"max_cooldown"`

	BlockThreshold      int           `yaml:"block_threshold"`
	BlockWindow         time.Duration `yaml:"block_window"`
	CostSpikeMultiplier float64       `yaml:"cost_spike_multiplier"`
	CostWindow          time.Duration `yaml:"cost_window"`
	MinCostSamples      int           `yaml:"min_cost_samples"`
	FailureThreshold    int           `yaml:"failure_threshold"`
	FailureWindow       time.Duration `yaml:"failure_window"`

	HalfOpenSuccessThreshold int `yaml:"half_open_success_threshold"`
	HalfOpenMaxAttempts      int `yaml:"half_open_max_attempts"`

	// ExhaustionTripWithin opens a scope circuit when its projection
	// exhausts the budget sooner than this. Negative disables the trip.
	// Default: 24h
	ExhaustionTripWithin time.Duration `yaml:"exhaustion_trip_within"`

	// DisableAnomalyTrip keeps circuits closed on critical anomalies.
	DisableAnomalyTrip bool `yaml:"disable_anomaly_trip"`
}

// QueueConfig configures the durable delivery queue.
type QueueConfig struct {
	// Dir holds the pending and dead NDJSON files.
	// Default: "data/queue"
	Dir string `yaml:"dir"`

	// Default: 10000
	MaxQueueSize int `yaml:"max_queue_size"`

	Retry           retry.Policy  `yaml:"retry"`
	ProcessInterval time.Duration `yaml:"process_interval"`
	BatchSize       int           `yaml:"batch_size"`
	Workers         int           `yaml:"workers"`
}

// SchedulerConfig configures scheduled budget operations.
type SchedulerConfig struct {
	scheduler.Config `yaml:",inline"`

	Tasks []scheduler.Task `yaml:"tasks"`
}

// ActionsConfig configures automated actions.
type ActionsConfig struct {
	actions.Config `yaml:",inline"`

	Rules []actions.Rule `yaml:"rules"`
}

// RoutingConfig configures model routing.
type RoutingConfig struct {
	// Strategy is cost_optimized, quality_optimized or balanced.
	Strategy string `yaml:"strategy"`

	// Recommendations lists candidate models per complexity level.
	Recommendations map[string][]string `yaml:"recommendations"`

	MaxAlternatives int           `yaml:"max_alternatives"`
	CostCeiling     float64       `yaml:"cost_ceiling"`
	LatencyCeiling  time.Duration `yaml:"latency_ceiling"`

	Rules []routing.Rule `yaml:"rules"`
}

// AnalyzerConfig configures usage analysis. Zero values use the analyzer
// defaults.
type AnalyzerConfig struct {
	PremiumSharePercent  float64 `yaml:"premium_share_percent"`
	LowUtilizationTokens float64 `yaml:"low_utilization_tokens"`
	BurstMultiplier      float64 `yaml:"burst_multiplier"`
	HighOutputRatio      float64 `yaml:"high_output_ratio"`
	ErrorRateThreshold   float64 `yaml:"error_rate_threshold"`
	CostSpikeMultiplier  float64 `yaml:"cost_spike_multiplier"`
}
