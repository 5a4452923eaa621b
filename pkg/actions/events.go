package actions

import (
	"context"

	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/scheduler"
)

// FromDecision maps a rule-driven guard decision onto an event. Blocks raise
// threshold_exceeded; warn, throttle and downgrade raise threshold_reached.
// Other decisions raise nothing.
func FromDecision(d guard.Decision) (Event, bool) {
	if d.Reason != guard.ReasonThresholdRule || d.Action == guard.ActionAllow {
		return Event{}, false
	}
	trigger := ThresholdReached
	if d.Action == guard.ActionBlock {
		trigger = ThresholdExceeded
	}
	return Event{
		ID:           d.ID,
		Trigger:      trigger,
		Scope:        d.Scope,
		At:           d.EvaluatedAt,
		CurrentSpend: d.CurrentSpend,
		Limit:        d.Limit,
		Utilization:  d.Utilization,
		Reason:       d.RuleID,
		Detail:       d.Message,
	}, true
}

// FromCircuitEvent maps a breaker trip, or a reason upgrade of an open
// breaker, onto a circuit_tripped event.
func FromCircuitEvent(e breaker.Event) (Event, bool) {
	if e.Kind != breaker.EventTrip && e.Kind != breaker.EventUpgrade {
		return Event{}, false
	}
	return Event{
		ID:       e.ID,
		Trigger:  CircuitTripped,
		Scope:    e.Scope,
		At:       e.At,
		Severity: string(e.Reason),
		Reason:   string(e.Reason),
		Detail:   e.Detail,
	}, true
}

// FromAlert maps anomaly and forecast alerts onto events. The alert
// priority becomes the event severity.
func FromAlert(a alerts.Alert) (Event, bool) {
	var trigger Trigger
	switch a.Type {
	case alerts.TypeAnomalyDetected:
		trigger = AnomalyDetected
	case alerts.TypeBudgetForecastExceed, alerts.TypeBudgetExhaustion, alerts.TypeTrendWarning:
		trigger = ForecastWarning
	default:
		return Event{}, false
	}
	return Event{
		ID:       a.ID,
		Trigger:  trigger,
		Scope:    a.Scope,
		At:       a.CreatedAt,
		Severity: string(a.Priority),
		Reason:   string(a.Type),
		Detail:   a.Title,
	}, true
}

// FromTaskResult maps an applied scheduler run onto a scheduled event. The
// task kind becomes the event reason.
func FromTaskResult(r scheduler.Result) (Event, bool) {
	if !r.Success || r.Skipped {
		return Event{}, false
	}
	return Event{
		ID:      r.TaskID + "|" + r.Scope + "|" + r.Period,
		Trigger: Scheduled,
		Scope:   r.Scope,
		At:      r.ExecutedAt,
		Reason:  string(r.Kind),
		Detail:  r.Message,
	}, true
}

// OnDecision handles a guard decision. Register it with guard.Subscribe.
func (m *Manager) OnDecision(d guard.Decision) {
	if ev, ok := FromDecision(d); ok {
		m.handle(ev)
	}
}

// OnCircuitEvent handles a breaker event. Register it with
// breaker.OnStateChange. Breaker events can be published while the guard
// holds a scope lock, so the event is handled on another goroutine.
func (m *Manager) OnCircuitEvent(e breaker.Event) {
	ev, ok := FromCircuitEvent(e)
	if !ok {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.handle(m.withSpend(ev))
	}()
}

// OnAlert handles an emitted alert. Register it with alerts.Service.Subscribe.
func (m *Manager) OnAlert(a alerts.Alert) {
	if ev, ok := FromAlert(a); ok {
		m.handle(m.withSpend(ev))
	}
}

// OnTaskResult handles a scheduler result. Register it with
// scheduler.Subscribe.
func (m *Manager) OnTaskResult(r scheduler.Result) {
	if ev, ok := FromTaskResult(r); ok {
		m.handle(m.withSpend(ev))
	}
}

// Trigger raises a manual event for scope.
func (m *Manager) Trigger(ctx context.Context, scope, detail string) []Result {
	return m.Handle(ctx, m.withSpend(Event{Trigger: Manual, Scope: scope, Detail: detail}))
}

// Wait blocks until events handed off by OnCircuitEvent are handled.
func (m *Manager) Wait() {
	m.pending.Wait()
}

func (m *Manager) handle(ev Event) {
	for _, r := range m.Handle(context.Background(), ev) {
		if r.Status == StatusFailure {
			m.logger.Error("action rule failed",
				zap.String("rule_id", r.RuleID),
				zap.String("event_id", r.EventID),
				zap.String("error", r.Error))
		}
	}
}

// withSpend fills the spend fields of ev from the budgets when the source
// did not carry them.
func (m *Manager) withSpend(ev Event) Event {
	if m.budgets == nil || ev.Limit > 0 {
		return ev
	}
	sp := m.budgets.Spend(ev.Scope)
	ev.CurrentSpend = sp.Spent
	ev.Limit = sp.Limit
	if sp.Limit > 0 {
		ev.Utilization = sp.Spent / sp.Limit * 100
	}
	return ev
}
