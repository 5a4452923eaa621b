package config

import (
	"mercator-hq/costguard/pkg/actions"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/scheduler"
)

// ConfigBuilder provides a fluent API for building Config instances in tests.
// It starts with default values and allows selective overrides.
type ConfigBuilder struct {
	cfg *Config
}

// NewTestConfig creates a builder holding a valid default configuration.
func NewTestConfig() *ConfigBuilder {
	return &ConfigBuilder{cfg: Default()}
}

// Build returns the built Config instance.
func (b *ConfigBuilder) Build() *Config {
	return b.cfg
}

func (b *ConfigBuilder) WithListenAddress(addr string) *ConfigBuilder {
	b.cfg.Server.ListenAddress = addr
	return b
}

func (b *ConfigBuilder) WithBudget(scope string, limit float64) *ConfigBuilder {
	if b.cfg.Guard.Budgets == nil {
		b.cfg.Guard.Budgets = make(map[string]float64)
	}
	b.cfg.Guard.Budgets[scope] = limit
	return b
}

func (b *ConfigBuilder) WithGuardRule(scope string, r guard.Rule) *ConfigBuilder {
	if b.cfg.Guard.Rules == nil {
		b.cfg.Guard.Rules = make(map[string][]guard.Rule)
	}
	b.cfg.Guard.Rules[scope] = append(b.cfg.Guard.Rules[scope], r)
	return b
}

func (b *ConfigBuilder) WithTask(t scheduler.Task) *ConfigBuilder {
	b.cfg.Scheduler.Tasks = append(b.cfg.Scheduler.Tasks, t)
	return b
}

func (b *ConfigBuilder) WithActionRule(r actions.Rule) *ConfigBuilder {
	b.cfg.Actions.Rules = append(b.cfg.Actions.Rules, r)
	return b
}

func (b *ConfigBuilder) WithLogLevel(level string) *ConfigBuilder {
	b.cfg.Telemetry.Logging.Level = level
	return b
}
