package controlplane

import (
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/config"
	"mercator-hq/costguard/pkg/usage"
)

// Apply switches the control plane to cfg. Rules, scheduled tasks, pricing,
// ingest limits, notification channels, optimization settings and budget
// limits take effect at once. Sections that shape long-lived components are
// only logged when they change and apply after a restart. Every part is
// attempted; the returned error joins the failures.
func (cp *ControlPlane) Apply(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	prev := cp.config()

	var errs []error
	cp.validator.Store(usage.NewValidator(cfg.Ingest.Build()))
	cp.calc.UpdatePricing(cfg.PricingTable())
	cp.registerNotifiers(cfg)

	if err := cp.guard.ReplaceRules(cfg.Guard.RuleBook()); err != nil {
		errs = append(errs, fmt.Errorf("guard rules: %w", err))
	}
	if err := cp.alerts.SetRules(cfg.Alerts.Rules); err != nil {
		errs = append(errs, fmt.Errorf("alert rules: %w", err))
	}
	if err := cp.actions.SetRules(cfg.Actions.Rules); err != nil {
		errs = append(errs, fmt.Errorf("action rules: %w", err))
	}
	if err := cp.router.SetRules(cfg.Routing.Rules); err != nil {
		errs = append(errs, fmt.Errorf("routing rules: %w", err))
	}
	if err := cp.scheduler.Replace(cfg.Scheduler.Tasks); err != nil {
		errs = append(errs, fmt.Errorf("scheduled tasks: %w", err))
	}
	cp.optimizer.SetConfig(cfg.Optimization)
	cp.applyBudgets(prev.Guard.Budgets, cfg.Guard.Budgets)

	if sections := restartRequired(prev, cfg); len(sections) > 0 {
		cp.logger.Warn("configuration changes need a restart",
			zap.Strings("sections", sections))
	}

	cp.cfgMu.Lock()
	cp.cfg = cfg
	cp.cfgMu.Unlock()

	err := errors.Join(errs...)
	if err != nil {
		cp.logger.Error("configuration applied with errors", zap.Error(err))
	} else {
		cp.logger.Info("configuration applied")
	}
	return err
}

// applyBudgets sets the limits that changed between two budget maps.
// Removed budgets lose their limit.
func (cp *ControlPlane) applyBudgets(prev, next map[string]float64) {
	for name, limit := range next {
		if old, ok := prev[name]; !ok || old != limit {
			cp.guard.SetLimit(name, limit)
			cp.logger.Info("budget limit updated",
				zap.String("scope", name),
				zap.Float64("limit", limit))
		}
	}
	for name := range prev {
		if _, ok := next[name]; !ok {
			cp.guard.SetLimit(name, 0)
			cp.logger.Info("budget limit removed", zap.String("scope", name))
		}
	}
}

// restartRequired names the sections whose changes Apply cannot honour.
func restartRequired(prev, next *config.Config) []string {
	sections := []struct {
		name       string
		prev, next any
	}{
		{"timezone", prev.Timezone, next.Timezone},
		{"server", prev.Server, next.Server},
		{"telemetry", prev.Telemetry, next.Telemetry},
		{"storage", prev.Storage, next.Storage},
		{"redis", prev.Redis, next.Redis},
		{"queue", prev.Queue, next.Queue},
		{"features", prev.Features, next.Features},
		{"patterns", prev.Patterns, next.Patterns},
		{"forecast", prev.Forecast, next.Forecast},
		{"breaker", prev.Breaker.Build(), next.Breaker.Build()},
		{"guard", prev.Guard.Build(), next.Guard.Build()},
		{"alerts", prev.Alerts.Build(), next.Alerts.Build()},
		{"actions", prev.Actions.Build(), next.Actions.Build()},
		{"scheduler", prev.Scheduler.Build(prev.Timezone), next.Scheduler.Build(next.Timezone)},
		{"routing", prev.Routing.Build(), next.Routing.Build()},
		{"analyzer", prev.Analyzer, next.Analyzer},
	}
	var out []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.prev, s.next) {
			out = append(out, s.name)
		}
	}
	return out
}
