package controlplane

import (
	"context"
	"fmt"
	"slices"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/optimization"
	"mercator-hq/costguard/pkg/patterns"
	"mercator-hq/costguard/pkg/routing"
)

// Evaluate decides whether a request may run in scope. The estimate of an
// allowed request with a request id is held until its usage record arrives
// or ReservationTTL elapses.
func (cp *ControlPlane) Evaluate(ctx context.Context, scopeName string, req guard.RequestContext) (guard.Decision, error) {
	start := cp.now()
	d, err := cp.guard.Evaluate(ctx, scopeName, req)
	cp.metrics.ObserveEvaluation(cp.now().Sub(start))
	if err != nil {
		return d, err
	}
	if d.Allowed && req.EstimatedCost > 0 && req.RequestID != "" {
		cp.reservations.hold(req.RequestID, scopeName, req.EstimatedCost, d.EvaluatedAt)
	}
	return d, nil
}

// Release drops the reservation of a request that will not run.
func (cp *ControlPlane) Release(scopeName, requestID string) bool {
	est, ok := cp.reservations.take(requestID, scopeName)
	if ok {
		cp.guard.Release(scopeName, est)
	}
	return ok
}

// Circuit returns the breaker status of scope.
func (cp *ControlPlane) Circuit(scopeName string) breaker.Status {
	return cp.breaker.Status(scopeName)
}

// Circuits returns the status of every known circuit.
func (cp *ControlPlane) Circuits() []breaker.Status {
	return cp.breaker.All()
}

// ResetCircuit closes the circuit of scope.
func (cp *ControlPlane) ResetCircuit(scopeName, detail string) breaker.Status {
	if detail == "" {
		detail = "manual reset"
	}
	return cp.breaker.Reset(scopeName, detail)
}

// ForecastView is a fresh forecast of a scope with its budget projection.
type ForecastView struct {
	Forecast   forecast.Result     `json:"forecast"`
	Projection forecast.Projection `json:"projection"`
	Spend      guard.Spend         `json:"spend"`
}

// Forecast computes a forecast of scope over horizonDays (zero uses the
// configured default) in buckets of period (empty means daily).
func (cp *ControlPlane) Forecast(scopeName string, horizonDays int, period forecast.Period) (ForecastView, error) {
	if !cp.known(scopeName) {
		return ForecastView{}, fmt.Errorf("%w: %q", ErrUnknownScope, scopeName)
	}
	switch period {
	case "", forecast.PeriodHour, forecast.PeriodDay, forecast.PeriodWeek:
	default:
		return ForecastView{}, fmt.Errorf("%w %q", ErrUnsupportedPeriod, period)
	}

	var trend *patterns.Trend
	if f, ok := cp.detector.Last(scopeName); ok {
		trend = &f.CostTrend
	}
	res := cp.forecaster.Forecast(scopeName, cp.vectors(scopeName), trend, horizonDays, period)
	sp := cp.guard.Spend(scopeName)
	return ForecastView{
		Forecast:   res,
		Projection: cp.forecaster.Project(res, sp.Limit, sp.Current(), cp.now()),
		Spend:      sp,
	}, nil
}

// Alerts returns the active alerts of scope, newest first.
func (cp *ControlPlane) Alerts(scopeName string) []alerts.Alert {
	return cp.alerts.Active(scopeName)
}

// AcknowledgeAlert marks an alert handled.
func (cp *ControlPlane) AcknowledgeAlert(id, action string) bool {
	return cp.alerts.Acknowledge(id, action)
}

// AlertSummary aggregates the alerts of scope over the last days.
func (cp *ControlPlane) AlertSummary(scopeName string, days int) alerts.Summary {
	return cp.alerts.Summary(scopeName, days)
}

// Route picks a model for req.
func (cp *ControlPlane) Route(ctx context.Context, req routing.Request) (*routing.Decision, error) {
	return cp.optimizer.Route(ctx, req)
}

// Report builds the optimization report of scope.
func (cp *ControlPlane) Report(ctx context.Context, scopeName string, opts optimization.ReportOptions) (optimization.Report, error) {
	return cp.optimizer.Report(ctx, scopeName, opts)
}

// Spend returns the budget ledger of scope.
func (cp *ControlPlane) Spend(scopeName string) guard.Spend {
	return cp.guard.Spend(scopeName)
}

// Scopes returns every scope with a budget or usage history, sorted.
func (cp *ControlPlane) Scopes() []string {
	out := append(cp.guard.Scopes(), cp.history.Scopes()...)
	slices.Sort(out)
	return slices.Compact(out)
}

func (cp *ControlPlane) known(scopeName string) bool {
	if _, ok := cp.history.Lookup(scopeName); ok {
		return true
	}
	return slices.Contains(cp.guard.Scopes(), scopeName)
}
