package config

import (
	"maps"
	"slices"
	"time"

	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/analyzer"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/features"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/idempotency"
	"mercator-hq/costguard/pkg/patterns"
	"mercator-hq/costguard/pkg/queue"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/scheduler"
	"mercator-hq/costguard/pkg/storage"
	"mercator-hq/costguard/pkg/usage"
)

// Location returns the configured time zone, or UTC when it cannot be
// loaded. Validate rejects unknown zones.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PricingTable merges the configured prices over the built-in table.
func (c *Config) PricingTable() map[string]costs.Pricing {
	table := costs.DefaultPricing()
	maps.Copy(table, c.Pricing)
	return table
}

// Build returns the storage settings.
func (s StorageConfig) Build() storage.Config {
	return storage.Config{
		Path:               s.Path,
		CheckpointInterval: s.CheckpointInterval,
		BusyTimeout:        s.BusyTimeout,
		Retention:          s.Retention,
	}
}

// Build returns the Redis connection settings with prefix appended to the
// configured key prefix.
func (r RedisConfig) Build(prefix string) idempotency.RedisConfig {
	return idempotency.RedisConfig{
		Addr:     r.Addr,
		Password: r.Password,
		DB:       r.DB,
		Prefix:   r.Prefix + prefix,
	}
}

// Build returns the ingestion validator settings.
func (i IngestConfig) Build() usage.ValidatorConfig {
	return usage.ValidatorConfig{
		MaxBatchSize: i.MaxBatchSize,
		Providers:    slices.Clone(i.Providers),
		MaxClockSkew: i.MaxClockSkew,
	}
}

// Build returns the extractor settings.
func (f FeaturesConfig) Build(loc *time.Location) features.Config {
	return features.Config{
		Window:             f.Window,
		RetentionSlack:     f.RetentionSlack,
		BusinessHoursStart: f.BusinessHoursStart,
		BusinessHoursEnd:   f.BusinessHoursEnd,
		SeasonalHistory:    f.SeasonalHistory,
		Location:           loc,
	}
}

// Build returns the detector settings.
func (p PatternsConfig) Build() patterns.Config {
	return patterns.Config{
		Method:                patterns.Method(p.Method),
		BaselineWindows:       p.BaselineWindows,
		MinDataPoints:         p.MinDataPoints,
		MinConfidence:         p.MinConfidence,
		CostSpikeThreshold:    p.CostSpikeThreshold,
		CostDropThreshold:     p.CostDropThreshold,
		UsageSurgeThreshold:   p.UsageSurgeThreshold,
		UsageDropThreshold:    p.UsageDropThreshold,
		LatencySpikeThreshold: p.LatencySpikeThreshold,
		ErrorRateMultiplier:   p.ErrorRateMultiplier,
		ErrorRateFloor:        p.ErrorRateFloor,
		OffHoursMultiplier:    p.OffHoursMultiplier,
		DriftWindows:          p.DriftWindows,
		DriftThreshold:        p.DriftThreshold,
		PlateauCV:             p.PlateauCV,
		PlateauBreakRatio:     p.PlateauBreakRatio,
		TrendWindows:          p.TrendWindows,
		TrendHorizon:          p.TrendHorizon,
		RecentAnomalies:       p.RecentAnomalies,
	}
}

// Build returns the forecaster settings.
func (f ForecastConfig) Build(loc *time.Location) forecast.Config {
	return forecast.Config{
		DefaultHorizonDays: f.DefaultHorizonDays,
		MaxHorizonDays:     f.MaxHorizonDays,
		MinDataPoints:      f.MinDataPoints,
		BaselinePeriods:    f.BaselinePeriods,
		TrendWeight:        f.TrendWeight,
		SeasonalWeight:     f.SeasonalWeight,
		ConfidenceLevel:    f.ConfidenceLevel,
		DisableSeasonality: f.DisableSeasonality,
		Location:           loc,
	}
}

// Build returns the alert service settings.
func (a AlertsConfig) Build() alerts.Config {
	return alerts.Config{
		ExceedProbabilityThreshold: a.ExceedProbabilityThreshold,
		UtilizationWarning:         a.UtilizationWarning,
		AnomalyConfidenceThreshold: a.AnomalyConfidenceThreshold,
		TrendConfidenceThreshold:   a.TrendConfidenceThreshold,
		TrendMinMonthlyCost:        a.TrendMinMonthlyCost,
		PremiumModelShare:          a.PremiumModelShare,
		PremiumModels:              slices.Clone(a.PremiumModels),
		Expiration:                 a.Expiration,
		Cooldown:                   a.Cooldown,
		Retention:                  a.Retention,
		MaxActivePerScope:          a.MaxActivePerScope,
		MaxAlertsPerHour:           a.MaxAlertsPerHour,
		DefaultChannels:            slices.Clone(a.DefaultChannels),
		DisableBuiltins:            a.DisableBuiltins,
	}
}

// Build returns the guard settings. Unset fields keep the guard defaults.
func (g GuardConfig) Build() guard.Config {
	cfg := guard.DefaultConfig()
	if g.EvaluationTimeout > 0 {
		cfg.EvaluationTimeout = g.EvaluationTimeout
	}
	if g.StalenessThreshold > 0 {
		cfg.StalenessThreshold = g.StalenessThreshold
	}
	if g.ThrottleThreshold > 0 {
		cfg.ThrottleThreshold = g.ThrottleThreshold
	}
	if g.BlockThreshold > 0 {
		cfg.BlockThreshold = g.BlockThreshold
	}
	if g.MaxThrottleDelay > 0 {
		cfg.MaxThrottleDelay = g.MaxThrottleDelay
	}
	if g.DowngradeMap != nil {
		cfg.DowngradeMap = maps.Clone(g.DowngradeMap)
	}
	cfg.AllowPriorityBypass = !g.DisablePriorityBypass
	if len(g.BypassPriorities) > 0 {
		cfg.BypassPriorities = slices.Clone(g.BypassPriorities)
	}
	return cfg
}

// RuleBook returns a copy of the guard rule book.
func (g GuardConfig) RuleBook() map[string][]guard.Rule {
	book := make(map[string][]guard.Rule, len(g.Rules))
	for scope, rules := range g.Rules {
		book[scope] = slices.Clone(rules)
	}
	return book
}

// Build returns the breaker settings.
func (b BreakerConfig) Build() breaker.Config {
	return breaker.Config{
		Cooldown:                 b.Cooldown,
		Policy:                   breaker.CooldownPolicy(b.CooldownPolicy),
		Factor:                   b.Factor,
		MaxCooldown:              b.MaxCooldown,
		BlockThreshold:           b.BlockThreshold,
		BlockWindow:              b.BlockWindow,
		CostSpikeMultiplier:      b.CostSpikeMultiplier,
		CostWindow:               b.CostWindow,
		MinCostSamples:           b.MinCostSamples,
		FailureThreshold:         b.FailureThreshold,
		FailureWindow:            b.FailureWindow,
		HalfOpenSuccessThreshold: b.HalfOpenSuccessThreshold,
		HalfOpenMaxAttempts:      b.HalfOpenMaxAttempts,
	}
}

// Build returns the queue settings.
func (q QueueConfig) Build() queue.Config {
	return queue.Config{
		Dir:             q.Dir,
		MaxQueueSize:    q.MaxQueueSize,
		Retry:           q.Retry,
		ProcessInterval: q.ProcessInterval,
		BatchSize:       q.BatchSize,
		Workers:         q.Workers,
	}
}

// Build returns the scheduler settings. The scheduler falls back to tz when
// no timezone of its own is configured.
func (s SchedulerConfig) Build(tz string) scheduler.Config {
	cfg := s.Config
	if cfg.Timezone == "" {
		cfg.Timezone = tz
	}
	return cfg
}

// Build returns the actions manager settings.
func (a ActionsConfig) Build() actions.Config {
	cfg := a.Config
	cfg.DefaultChannels = slices.Clone(a.DefaultChannels)
	return cfg
}

// Build returns the router settings.
func (r RoutingConfig) Build() routing.Config {
	cfg := routing.Config{
		Strategy:        routing.Strategy(r.Strategy),
		MaxAlternatives: r.MaxAlternatives,
		CostCeiling:     r.CostCeiling,
		LatencyCeiling:  r.LatencyCeiling,
	}
	if len(r.Recommendations) > 0 {
		cfg.Recommendations = make(map[routing.Complexity][]string, len(r.Recommendations))
		for level, models := range r.Recommendations {
			cfg.Recommendations[routing.Complexity(level)] = slices.Clone(models)
		}
	}
	return cfg
}

// Build returns the analyzer settings.
func (a AnalyzerConfig) Build(loc *time.Location) analyzer.Config {
	return analyzer.Config{
		PremiumSharePercent:  a.PremiumSharePercent,
		LowUtilizationTokens: a.LowUtilizationTokens,
		BurstMultiplier:      a.BurstMultiplier,
		HighOutputRatio:      a.HighOutputRatio,
		ErrorRateThreshold:   a.ErrorRateThreshold,
		CostSpikeMultiplier:  a.CostSpikeMultiplier,
		Location:             loc,
	}
}
