package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/scheduler"
)

func fields(t *testing.T, err error) []string {
	t.Helper()
	var verr ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
	out := make([]string, 0, len(verr.Errors))
	for _, fe := range verr.Errors {
		out = append(out, fe.Field)
	}
	return out
}

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, Validate(NewTestConfig().Build()))
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := NewTestConfig().WithListenAddress("no-port").WithLogLevel("loud").Build()
	cfg.Timezone = "Mars/Olympus"
	cfg.Queue.MaxQueueSize = -1
	cfg.Alerts.Slack.URL = "ftp://example.com"

	err := Validate(cfg)
	got := fields(t, err)
	assert.ElementsMatch(t, []string{
		"timezone",
		"server.listen_address",
		"telemetry.logging.level",
		"queue.max_queue_size",
		"alerts.slack.url",
	}, got)
	assert.Contains(t, err.Error(), "5 errors")
}

func TestValidateGuard(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*GuardConfig)
		field string
	}{
		{
			name:  "throttle above block",
			apply: func(g *GuardConfig) { g.ThrottleThreshold, g.BlockThreshold = 95, 90 },
			field: "guard.throttle_threshold",
		},
		{
			name:  "circular downgrade",
			apply: func(g *GuardConfig) { g.DowngradeMap = map[string]string{"a": "b", "b": "a"} },
			field: "guard.downgrade_map",
		},
		{
			name:  "negative budget",
			apply: func(g *GuardConfig) { g.Budgets = map[string]float64{"team-a": -1} },
			field: "guard.budgets.team-a",
		},
		{
			name:  "budget for global scope",
			apply: func(g *GuardConfig) { g.Budgets = map[string]float64{guard.GlobalScope: 10} },
			field: "guard.budgets",
		},
		{
			name:  "unknown bypass priority",
			apply: func(g *GuardConfig) { g.BypassPriorities = []guard.Priority{"urgent"} },
			field: "guard.bypass_priorities[0]",
		},
		{
			name: "duplicate rule id",
			apply: func(g *GuardConfig) {
				r := guard.Rule{ID: "r", Action: guard.ActionBlock, Conditions: []guard.Condition{{Kind: guard.PercentOfLimit, Percent: 100}}}
				g.Rules = map[string][]guard.Rule{"s": {r, r}}
			},
			field: "guard.rules.s[1]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig().Build()
			tt.apply(&cfg.Guard)
			assert.Equal(t, []string{tt.field}, fields(t, Validate(cfg)))
		})
	}
}

func TestValidateRuleBooks(t *testing.T) {
	cfg := NewTestConfig().
		WithTask(scheduler.Task{ID: "t", Scope: "s", Kind: scheduler.SetLimit, Schedule: scheduler.Schedule{Type: scheduler.Daily}}).
		WithActionRule(actions.Rule{ID: "a", Trigger: actions.Manual, Actions: []actions.Definition{{Type: actions.Escalate}}}).
		Build()
	cfg.Breaker.CooldownPolicy = "linear"
	cfg.Routing.Strategy = "cheapest"
	cfg.Routing.Recommendations = map[string][]string{"trivial": {"m"}}

	assert.ElementsMatch(t, []string{
		"scheduler.tasks[0]",
		"actions.rules[0]",
		"breaker.cooldown_policy",
		"routing.strategy",
		"routing.recommendations",
	}, fields(t, Validate(cfg)))
}

func TestValidateSnapshotFreshness(t *testing.T) {
	anomalyRule := guard.Rule{
		ID:         "anomaly-stop",
		Action:     guard.ActionBlock,
		Conditions: []guard.Condition{{Kind: guard.AnomalySeverityAtLeast, Severity: "critical"}},
	}
	spendRule := guard.Rule{
		ID:         "hard-cap",
		Action:     guard.ActionBlock,
		Conditions: []guard.Condition{{Kind: guard.PercentOfLimit, Percent: 100}},
	}

	cfg := NewTestConfig().Build()
	cfg.Guard.Rules = map[string][]guard.Rule{"*": {anomalyRule}}
	assert.NoError(t, Validate(cfg), "default staleness exceeds the default recompute interval")

	cfg.Guard.StalenessThreshold = 5 * time.Minute
	cfg.Forecast.RecomputeInterval = 10 * time.Minute
	assert.Equal(t, []string{"guard.staleness_threshold"}, fields(t, Validate(cfg)))

	cfg.Forecast.RecomputeInterval = 0
	assert.Equal(t, []string{"forecast.recompute_interval"}, fields(t, Validate(cfg)))

	// Rules that only read spend do not depend on refreshes.
	cfg.Guard.Rules = map[string][]guard.Rule{"*": {spendRule}}
	cfg.Forecast.RecomputeInterval = 10 * time.Minute
	assert.NoError(t, Validate(cfg))
}

func TestValidateRetryPolicy(t *testing.T) {
	cfg := NewTestConfig().Build()
	cfg.Queue.Retry.InitialDelay = 10 * time.Second
	cfg.Queue.Retry.MaxDelay = time.Second
	cfg.Queue.Retry.Multiplier = 0.5

	assert.ElementsMatch(t, []string{"queue.retry.max_delay", "queue.retry.multiplier"}, fields(t, Validate(cfg)))
}

func TestValidateSkipsDisabledSections(t *testing.T) {
	cfg := NewTestConfig().Build()
	cfg.Storage.Disabled = true
	cfg.Storage.Path = ""
	cfg.Redis.Addr = ""
	assert.NoError(t, Validate(cfg))

	cfg.Redis.Enabled = true
	assert.Equal(t, []string{"redis.addr"}, fields(t, Validate(cfg)))
}

func TestFieldErrorFormatting(t *testing.T) {
	single := ValidationError{Errors: []FieldError{{Field: "a.b", Message: "bad"}}}
	assert.Equal(t, "configuration validation failed: a.b: bad", single.Error())
	assert.Equal(t, "configuration validation failed", ValidationError{}.Error())
}
