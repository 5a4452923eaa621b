package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/scheduler"
)

const fullConfig = `
timezone: Europe/Berlin
server:
  listen_address: "0.0.0.0:9090"
  read_timeout: 60s
telemetry:
  logging:
    level: debug
    format: console
  tracing:
    enabled: true
    endpoint: "otel:4317"
    sample_ratio: 0.25
storage:
  path: /var/lib/costguard/state.db
  retention: 720h
redis:
  enabled: true
  addr: "redis:6379"
pricing:
  in-house-llm:
    input_per_1k: 0.001
    output_per_1k: 0.002
    provider: internal
    tier: budget
breaker:
  cooldown: 10m
  cooldown_policy: exponential
  factor: 2
  max_cooldown: 2h
guard:
  block_threshold: 110
  budgets:
    team-a: 1000
    team-b: 250
  rules:
    "*":
      - id: global-hard-stop
        priority: 100
        action: block
        conditions:
          - kind: percent_of_limit
            percent: 100
    team-a:
      - id: team-a-throttle
        priority: 10
        action: throttle
        throttle_delay: 2s
        conditions:
          - kind: percent_of_limit
            percent: 90
          - kind: priority_in
            priorities: [low, normal]
alerts:
  webhook:
    url: https://hooks.example.com/costguard
  rules:
    - id: critical-anomaly
      name: Critical anomaly
      type: anomaly_detected
      priority: critical
      channels: [webhook, log]
      conditions:
        - kind: anomaly_severity_at_least
          severity: critical
scheduler:
  check_interval: 30s
  tasks:
    - id: monthly-reset
      scope: "*"
      kind: reset_spend
      schedule:
        type: monthly
        day_of_month: 1
    - id: weekend-cap
      scope: team-b
      kind: set_limit
      schedule:
        type: cron
        cron: "0 0 * * 6"
      params:
        amount: 100
actions:
  default_cooldown: 15m
  rules:
    - id: notify-90
      trigger: threshold_reached
      priority: 90
      conditions:
        - field: utilization
          operator: gte
          value: 90
      actions:
        - type: notify
          channels: [slack]
        - type: trip_breaker
          reason: manual
routing:
  strategy: cost_optimized
  recommendations:
    simple: [gpt-4o-mini]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "costguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigFullDocument(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.ListenAddress)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.Server.WriteTimeout, "unset fields take defaults")
	assert.Equal(t, "debug", cfg.Telemetry.Logging.Level)
	assert.True(t, cfg.Telemetry.Metrics.Enabled, "metrics stay enabled when the key is absent")
	assert.Equal(t, 0.25, cfg.Telemetry.Tracing.SampleRatio)
	assert.Equal(t, 720*time.Hour, cfg.Storage.Retention)
	assert.Equal(t, DefaultRedisPrefix, cfg.Redis.Prefix)

	loc := cfg.Location()
	assert.Equal(t, "Europe/Berlin", loc.String())

	table := cfg.PricingTable()
	require.Contains(t, table, "in-house-llm")
	assert.Equal(t, 0.002, table["in-house-llm"].OutputPer1K)
	assert.Contains(t, table, "gpt-4o", "built-in prices are kept")

	g := cfg.Guard.Build()
	assert.Equal(t, 110.0, g.BlockThreshold)
	assert.Equal(t, guard.DefaultConfig().ThrottleThreshold, g.ThrottleThreshold)
	assert.True(t, g.AllowPriorityBypass)
	book := cfg.Guard.RuleBook()
	require.Len(t, book[guard.GlobalScope], 1)
	require.Len(t, book["team-a"], 1)
	assert.Equal(t, 2*time.Second, book["team-a"][0].ThrottleDelay)
	assert.Equal(t, []guard.Priority{guard.PriorityLow, guard.PriorityNormal}, book["team-a"][0].Conditions[1].Priorities)
	assert.Equal(t, 1000.0, cfg.Guard.Budgets["team-a"])

	b := cfg.Breaker.Build()
	assert.Equal(t, breaker.CooldownExponential, b.Policy)
	assert.Equal(t, 2*time.Hour, b.MaxCooldown)

	require.Len(t, cfg.Alerts.Rules, 1)
	assert.Equal(t, []alerts.Channel{alerts.ChannelWebhook, alerts.ChannelLog}, cfg.Alerts.Rules[0].Channels)
	assert.Equal(t, 3, cfg.Alerts.Webhook.Retry.MaxRetries, "retry policy defaults")

	sch := cfg.Scheduler.Build(cfg.Timezone)
	assert.Equal(t, 30*time.Second, sch.CheckInterval)
	assert.Equal(t, "Europe/Berlin", sch.Timezone)
	require.Len(t, cfg.Scheduler.Tasks, 2)
	assert.Equal(t, scheduler.Monthly, cfg.Scheduler.Tasks[0].Schedule.Type)
	assert.Equal(t, 100.0, cfg.Scheduler.Tasks[1].Params.Amount)

	act := cfg.Actions.Build()
	assert.Equal(t, 15*time.Minute, act.DefaultCooldown)
	require.Len(t, cfg.Actions.Rules, 1)
	assert.Equal(t, actions.ThresholdReached, cfg.Actions.Rules[0].Trigger)
	assert.Equal(t, actions.TripBreaker, cfg.Actions.Rules[0].Actions[1].Type)

	r := cfg.Routing.Build()
	assert.Equal(t, routing.CostOptimized, r.Strategy)
	assert.Equal(t, []string{"gpt-4o-mini"}, r.Recommendations[routing.Simple])

	assert.Equal(t, loc, cfg.Features.Build(loc).Location)
	assert.Equal(t, cfg.Queue.Dir, cfg.Queue.Build().Dir)
	assert.Equal(t, DefaultMaxQueueSize, cfg.Queue.Build().MaxQueueSize)
}

func TestLoadConfigEmptyFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
guard:
  rules:
    team-a:
      - id: r1
        action: block
        condition:
          - kind: percent_of_limit
            percent: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadConfigInvalidRuleIsValidationError(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
guard:
  rules:
    team-a:
      - id: r1
        action: explode
        conditions:
          - kind: percent_of_limit
            percent: 100
`))
	require.Error(t, err)

	var verr ValidationError
	require.True(t, errors.As(err, &verr), "got %T", err)
	require.Len(t, verr.Errors, 1)
	assert.Equal(t, "guard.rules.team-a[0]", verr.Errors[0].Field)
	assert.Contains(t, verr.Errors[0].Message, "explode")
}

func TestLoadConfigWithEnvOverrides(t *testing.T) {
	path := writeConfig(t, fullConfig)
	t.Setenv("COSTGUARD_SERVER_LISTEN_ADDRESS", "127.0.0.1:7000")
	t.Setenv("COSTGUARD_TELEMETRY_METRICS_ENABLED", "false")
	t.Setenv("COSTGUARD_REDIS_DB", "3")
	t.Setenv("COSTGUARD_STORAGE_RETENTION", "48h")
	t.Setenv("COSTGUARD_TELEMETRY_TRACING_SAMPLE_RATIO", "0.5")

	cfg, err := LoadConfigWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.ListenAddress)
	assert.False(t, cfg.Telemetry.Metrics.Enabled)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 48*time.Hour, cfg.Storage.Retention)
	assert.Equal(t, 0.5, cfg.Telemetry.Tracing.SampleRatio)
}

func TestEnvOverrideParseFailure(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("COSTGUARD_QUEUE_MAX_QUEUE_SIZE", "lots")

	_, err := LoadConfigWithEnvOverrides(path)
	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "COSTGUARD_QUEUE_MAX_QUEUE_SIZE", verr.Errors[0].Field)
}

func TestEnvOverrideFailingValidation(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv("COSTGUARD_TELEMETRY_LOGGING_LEVEL", "verbose")

	_, err := LoadConfigWithEnvOverrides(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after environment overrides")
}
