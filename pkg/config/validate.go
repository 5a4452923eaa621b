package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/retry"
	"mercator-hq/costguard/pkg/routing"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "guard.rules.team-a[0]").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
// It implements the error interface and provides access to all field errors.
type ValidationError struct {
	// Errors contains all validation errors found in the configuration.
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// fieldErrors collects FieldErrors while a section is checked.
type fieldErrors []FieldError

func (fe *fieldErrors) add(field, format string, args ...any) {
	*fe = append(*fe, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All validation errors are collected and
// returned together. Rule books are checked with the validation of the
// component that will execute them, so a configuration that passes here is
// accepted by every component on load and on reload.
func Validate(cfg *Config) error {
	var errs fieldErrors

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		errs.add("timezone", "unknown time zone %q", cfg.Timezone)
	}

	validateServer(&cfg.Server, &errs)
	validateTelemetry(&cfg.Telemetry, &errs)
	validateStorage(&cfg.Storage, &errs)
	validateRedis(&cfg.Redis, &errs)
	validateIngest(&cfg.Ingest, &errs)
	validatePricing(cfg, &errs)
	validatePatterns(&cfg.Patterns, &errs)
	validateForecast(&cfg.Forecast, &errs)
	validateAlerts(&cfg.Alerts, &errs)
	validateGuard(&cfg.Guard, &errs)
	validateFreshness(cfg, &errs)
	validateBreaker(&cfg.Breaker, &errs)
	validateQueue(&cfg.Queue, &errs)
	validateScheduler(&cfg.Scheduler, &errs)
	validateActions(&cfg.Actions, &errs)
	validateRouting(&cfg.Routing, &errs)

	if cfg.Optimization.LookbackDays < 0 {
		errs.add("optimization.lookback_days", "must be non-negative")
	}
	if cfg.Optimization.CostAlertThreshold < 0 {
		errs.add("optimization.cost_alert_threshold", "must be non-negative")
	}

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig, errs *fieldErrors) {
	if cfg.ListenAddress == "" {
		errs.add("server.listen_address", "listen address is required")
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs.add("server.listen_address", "invalid listen address %q: %v", cfg.ListenAddress, err)
	}
	for field, d := range map[string]time.Duration{
		"server.read_timeout":     cfg.ReadTimeout,
		"server.write_timeout":    cfg.WriteTimeout,
		"server.idle_timeout":     cfg.IdleTimeout,
		"server.shutdown_timeout": cfg.ShutdownTimeout,
	} {
		if d < 0 {
			errs.add(field, "timeout must be non-negative")
		}
	}
	if cfg.MaxHeaderBytes < 0 || cfg.MaxHeaderBytes > 10<<20 {
		errs.add("server.max_header_bytes", "must be between 0 and 10MB")
	}
	if cfg.MaxBodyBytes < 0 {
		errs.add("server.max_body_bytes", "must be non-negative")
	}
}

func validateTelemetry(cfg *TelemetryConfig, errs *fieldErrors) {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs.add("telemetry.logging.level", "invalid level %q: must be 'debug', 'info', 'warn', or 'error'", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		errs.add("telemetry.logging.format", "invalid format %q: must be 'json' or 'console'", cfg.Logging.Format)
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs.add("telemetry.metrics.path", "path must start with '/'")
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs.add("telemetry.tracing.endpoint", "endpoint is required when tracing is enabled")
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs.add("telemetry.tracing.sample_ratio", "must be between 0 and 1")
	}
	if cfg.Health.CheckTimeout < 0 {
		errs.add("telemetry.health.check_timeout", "must be non-negative")
	}
}

func validateStorage(cfg *StorageConfig, errs *fieldErrors) {
	if cfg.Disabled {
		return
	}
	if cfg.Path == "" {
		errs.add("storage.path", "path is required unless storage is disabled")
	}
	if cfg.Retention < 0 {
		errs.add("storage.retention", "must be non-negative")
	}
	if cfg.SnapshotInterval < 0 {
		errs.add("storage.snapshot_interval", "must be non-negative")
	}
}

func validateRedis(cfg *RedisConfig, errs *fieldErrors) {
	if !cfg.Enabled {
		return
	}
	if cfg.Addr == "" {
		errs.add("redis.addr", "address is required when redis is enabled")
	}
	if cfg.DB < 0 {
		errs.add("redis.db", "must be non-negative")
	}
}

func validateIngest(cfg *IngestConfig, errs *fieldErrors) {
	if cfg.MaxBatchSize <= 0 {
		errs.add("ingest.max_batch_size", "must be positive")
	}
	if cfg.MaxClockSkew < 0 {
		errs.add("ingest.max_clock_skew", "must be non-negative")
	}
	if cfg.RateLimit < 0 {
		errs.add("ingest.rate_limit", "must be non-negative")
	}
	if cfg.RateLimit > 0 && cfg.Burst <= 0 {
		errs.add("ingest.burst", "must be positive when a rate limit is set")
	}
}

func validatePricing(cfg *Config, errs *fieldErrors) {
	for model, p := range cfg.Pricing {
		field := "pricing." + model
		if model == "" {
			errs.add("pricing", "model name cannot be empty")
		}
		if p.InputPer1K < 0 || p.OutputPer1K < 0 {
			errs.add(field, "prices must be non-negative")
		}
		if p.ContextWindow < 0 {
			errs.add(field+".context_window", "must be non-negative")
		}
	}
}

func validatePatterns(cfg *PatternsConfig, errs *fieldErrors) {
	switch cfg.Method {
	case "", "zscore", "mad":
	default:
		errs.add("patterns.method", "invalid method %q: must be 'zscore' or 'mad'", cfg.Method)
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		errs.add("patterns.min_confidence", "must be between 0 and 1")
	}
	if cfg.BaselineWindows < 0 || cfg.MinDataPoints < 0 {
		errs.add("patterns", "window counts must be non-negative")
	}
}

func validateForecast(cfg *ForecastConfig, errs *fieldErrors) {
	if cfg.ConfidenceLevel < 0 || cfg.ConfidenceLevel >= 1 {
		errs.add("forecast.confidence_level", "must be between 0 and 1")
	}
	if cfg.DefaultHorizonDays < 0 || cfg.MaxHorizonDays < 0 {
		errs.add("forecast", "horizons must be non-negative")
	}
	if cfg.MaxHorizonDays > 0 && cfg.DefaultHorizonDays > cfg.MaxHorizonDays {
		errs.add("forecast.default_horizon_days", "exceeds max_horizon_days (%d)", cfg.MaxHorizonDays)
	}
	if cfg.RecomputeInterval < 0 {
		errs.add("forecast.recompute_interval", "must be non-negative")
	}
}

var validChannels = map[alerts.Channel]bool{
	alerts.ChannelLog:     true,
	alerts.ChannelWebhook: true,
	alerts.ChannelSlack:   true,
	alerts.ChannelInApp:   true,
}

func validateAlerts(cfg *AlertsConfig, errs *fieldErrors) {
	for _, p := range []struct {
		field string
		v     float64
	}{
		{"alerts.exceed_probability_threshold", cfg.ExceedProbabilityThreshold},
		{"alerts.anomaly_confidence_threshold", cfg.AnomalyConfidenceThreshold},
		{"alerts.trend_confidence_threshold", cfg.TrendConfidenceThreshold},
		{"alerts.premium_model_share", cfg.PremiumModelShare},
	} {
		if p.v < 0 || p.v > 1 {
			errs.add(p.field, "must be between 0 and 1")
		}
	}
	if cfg.UtilizationWarning < 0 {
		errs.add("alerts.utilization_warning", "must be non-negative")
	}
	if cfg.MaxActivePerScope < 0 || cfg.MaxAlertsPerHour < 0 {
		errs.add("alerts", "limits must be non-negative")
	}
	for i, ch := range cfg.DefaultChannels {
		if !validChannels[ch] {
			errs.add(fmt.Sprintf("alerts.default_channels[%d]", i), "unknown channel %q", ch)
		}
	}
	validateWebhook("alerts.webhook", &cfg.Webhook, errs)
	validateWebhook("alerts.slack", &cfg.Slack, errs)

	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		field := fmt.Sprintf("alerts.rules[%d]", i)
		if err := r.Validate(); err != nil {
			errs.add(field, "%v", err)
			continue
		}
		if seen[r.ID] {
			errs.add(field, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
		for _, ch := range r.Channels {
			if !validChannels[ch] {
				errs.add(field+".channels", "unknown channel %q", ch)
			}
		}
	}
}

func validateWebhook(field string, cfg *WebhookConfig, errs *fieldErrors) {
	if cfg.URL == "" {
		return
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs.add(field+".url", "invalid URL %q: must be an absolute http(s) URL", cfg.URL)
	}
	validateRetry(field+".retry", cfg.Retry, errs)
}

func validateRetry(field string, p retry.Policy, errs *fieldErrors) {
	if p.MaxRetries < 0 {
		errs.add(field+".max_retries", "must be non-negative")
	}
	if p.InitialDelay <= 0 {
		errs.add(field+".initial_delay", "must be positive")
	}
	if p.MaxDelay < p.InitialDelay {
		errs.add(field+".max_delay", "must be at least initial_delay")
	}
	if p.Multiplier < 1 {
		errs.add(field+".multiplier", "must be at least 1")
	}
}

var validPriorities = map[guard.Priority]bool{
	guard.PriorityLow:      true,
	guard.PriorityNormal:   true,
	guard.PriorityHigh:     true,
	guard.PriorityCritical: true,
}

func validateGuard(cfg *GuardConfig, errs *fieldErrors) {
	if cfg.ThrottleThreshold < 0 || cfg.BlockThreshold < 0 {
		errs.add("guard", "thresholds must be non-negative")
	}
	if cfg.ThrottleThreshold > 0 && cfg.BlockThreshold > 0 && cfg.ThrottleThreshold >= cfg.BlockThreshold {
		errs.add("guard.throttle_threshold", "must be below block_threshold (%.1f)", cfg.BlockThreshold)
	}
	if cfg.EvaluationTimeout < 0 || cfg.StalenessThreshold < 0 || cfg.MaxThrottleDelay < 0 {
		errs.add("guard", "durations must be non-negative")
	}
	for i, p := range cfg.BypassPriorities {
		if !validPriorities[p] {
			errs.add(fmt.Sprintf("guard.bypass_priorities[%d]", i), "unknown priority %q", p)
		}
	}
	if len(cfg.DowngradeMap) > 0 {
		visited := make(map[string]bool)
		for model := range cfg.DowngradeMap {
			if err := checkCircularDowngrade(model, cfg.DowngradeMap, visited); err != nil {
				errs.add("guard.downgrade_map", "%v", err)
				break // one cycle is enough
			}
		}
	}
	for scope, limit := range cfg.Budgets {
		if scope == "" || scope == guard.GlobalScope {
			errs.add("guard.budgets", "invalid scope %q", scope)
		}
		if limit < 0 {
			errs.add("guard.budgets."+scope, "limit must be non-negative")
		}
	}
	for scope, rules := range cfg.Rules {
		if scope == "" {
			errs.add("guard.rules", "scope cannot be empty")
			continue
		}
		seen := make(map[string]bool, len(rules))
		for i, r := range rules {
			field := fmt.Sprintf("guard.rules.%s[%d]", scope, i)
			if err := r.Validate(); err != nil {
				errs.add(field, "%v", err)
				continue
			}
			if seen[r.ID] {
				errs.add(field, "duplicate rule id %q", r.ID)
			}
			seen[r.ID] = true
		}
	}
}

// validateFreshness checks that forecast and anomaly snapshots are refreshed
// more often than the guard treats them as stale. Otherwise rules reading
// them would block healthy scopes between refreshes.
func validateFreshness(cfg *Config, errs *fieldErrors) {
	if !readsSnapshots(cfg.Guard.Rules) {
		return
	}
	staleness := cfg.Guard.StalenessThreshold
	if staleness == 0 {
		staleness = guard.DefaultConfig().StalenessThreshold
	}
	every := cfg.Forecast.RecomputeInterval
	if every <= 0 {
		errs.add("forecast.recompute_interval", "must be positive when guard rules read forecast or anomaly data")
		return
	}
	if staleness <= every {
		errs.add("guard.staleness_threshold",
			"must exceed forecast.recompute_interval (%s) when guard rules read forecast or anomaly data", every)
	}
}

func readsSnapshots(book map[string][]guard.Rule) bool {
	for _, rules := range book {
		for _, r := range rules {
			for _, c := range r.Conditions {
				if c.Input() != "" {
					return true
				}
			}
		}
	}
	return false
}

// checkCircularDowngrade checks for circular references in model downgrades.
func checkCircularDowngrade(model string, downgrades map[string]string, visited map[string]bool) error {
	if visited[model] {
		return fmt.Errorf("circular downgrade detected for model %q", model)
	}

	visited[model] = true
	if next, ok := downgrades[model]; ok {
		if err := checkCircularDowngrade(next, downgrades, visited); err != nil {
			return err
		}
	}
	delete(visited, model)

	return nil
}

func validateBreaker(cfg *BreakerConfig, errs *fieldErrors) {
	switch cfg.CooldownPolicy {
	case "", "fixed", "exponential":
	default:
		errs.add("breaker.cooldown_policy", "invalid policy %q: must be 'fixed' or 'exponential'", cfg.CooldownPolicy)
	}
	if cfg.Factor != 0 && cfg.Factor < 1 {
		errs.add("breaker.factor", "must be at least 1")
	}
	if cfg.MaxCooldown > 0 && cfg.Cooldown > cfg.MaxCooldown {
		errs.add("breaker.max_cooldown", "must be at least cooldown")
	}
	if cfg.BlockThreshold < 0 || cfg.FailureThreshold < 0 || cfg.MinCostSamples < 0 {
		errs.add("breaker", "thresholds must be non-negative")
	}
	if cfg.HalfOpenSuccessThreshold < 0 || cfg.HalfOpenMaxAttempts < 0 {
		errs.add("breaker", "half-open limits must be non-negative")
	}
	if cfg.HalfOpenMaxAttempts > 0 && cfg.HalfOpenSuccessThreshold > cfg.HalfOpenMaxAttempts {
		errs.add("breaker.half_open_success_threshold", "exceeds half_open_max_attempts (%d)", cfg.HalfOpenMaxAttempts)
	}
}

func validateQueue(cfg *QueueConfig, errs *fieldErrors) {
	if cfg.Dir == "" {
		errs.add("queue.dir", "directory is required")
	}
	if cfg.MaxQueueSize <= 0 {
		errs.add("queue.max_queue_size", "must be positive")
	}
	if cfg.BatchSize < 0 || cfg.Workers < 0 {
		errs.add("queue", "batch size and workers must be non-negative")
	}
	if cfg.ProcessInterval < 0 {
		errs.add("queue.process_interval", "must be non-negative")
	}
	validateRetry("queue.retry", cfg.Retry, errs)
}

func validateScheduler(cfg *SchedulerConfig, errs *fieldErrors) {
	if cfg.MaxConcurrent < 0 || cfg.MaxRetries < 0 || cfg.HistorySize < 0 {
		errs.add("scheduler", "limits must be non-negative")
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			errs.add("scheduler.timezone", "unknown time zone %q", cfg.Timezone)
		}
	}
	seen := make(map[string]bool, len(cfg.Tasks))
	for i, t := range cfg.Tasks {
		field := fmt.Sprintf("scheduler.tasks[%d]", i)
		if err := t.Validate(); err != nil {
			errs.add(field, "%v", err)
			continue
		}
		if t.ID == "" {
			continue
		}
		if seen[t.ID] {
			errs.add(field, "duplicate task id %q", t.ID)
		}
		seen[t.ID] = true
	}
}

func validateActions(cfg *ActionsConfig, errs *fieldErrors) {
	if cfg.DefaultCooldown < 0 || cfg.DedupeTTL < 0 {
		errs.add("actions", "durations must be non-negative")
	}
	if cfg.DefaultMaxPerDay < 0 || cfg.HistorySize < 0 {
		errs.add("actions", "limits must be non-negative")
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		field := fmt.Sprintf("actions.rules[%d]", i)
		if err := r.Validate(); err != nil {
			errs.add(field, "%v", err)
			continue
		}
		if seen[r.ID] {
			errs.add(field, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
}

var validComplexities = map[routing.Complexity]bool{
	routing.Simple:    true,
	routing.Moderate:  true,
	routing.Complex:   true,
	routing.Reasoning: true,
}

func validateRouting(cfg *RoutingConfig, errs *fieldErrors) {
	if cfg.Strategy != "" && !routing.Strategy(cfg.Strategy).Valid() {
		errs.add("routing.strategy", "invalid strategy %q: must be 'cost_optimized', 'quality_optimized', or 'balanced'", cfg.Strategy)
	}
	for level, models := range cfg.Recommendations {
		if !validComplexities[routing.Complexity(level)] {
			errs.add("routing.recommendations", "unknown complexity %q", level)
		}
		if len(models) == 0 {
			errs.add("routing.recommendations."+level, "at least one model is required")
		}
	}
	if cfg.MaxAlternatives < 0 || cfg.CostCeiling < 0 || cfg.LatencyCeiling < 0 {
		errs.add("routing", "limits must be non-negative")
	}
	seen := make(map[string]bool, len(cfg.Rules))
	for i, r := range cfg.Rules {
		field := fmt.Sprintf("routing.rules[%d]", i)
		if err := r.Validate(); err != nil {
			errs.add(field, "%v", err)
			continue
		}
		if seen[r.ID] {
			errs.add(field, "duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
}
