package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"mercator-hq/costguard/pkg/alerts"
	"mercator-hq/costguard/pkg/breaker"
	"mercator-hq/costguard/pkg/costs"
	"mercator-hq/costguard/pkg/features"
	"mercator-hq/costguard/pkg/forecast"
	"mercator-hq/costguard/pkg/optimization"
	"mercator-hq/costguard/pkg/patterns"
	"mercator-hq/costguard/pkg/routing"
	"mercator-hq/costguard/pkg/scheduler"
	"mercator-hq/costguard/pkg/telemetry/tracing"
	"mercator-hq/costguard/pkg/usage"
)

// IngestResult summarises an accepted batch.
type IngestResult struct {
	// Accepted counts records stored for the first time.
	Accepted int `json:"accepted"`

	// Duplicates counts records whose id was already stored.
	Duplicates int `json:"duplicates,omitempty"`

	// Late counts records charged to their budget but too old for the
	// open feature window.
	Late int `json:"late,omitempty"`
}

// DecodeBatch reads a JSON usage batch with the current ingest settings.
func (cp *ControlPlane) DecodeBatch(r io.Reader) (usage.Batch, error) {
	return cp.validator.Load().Decode(r)
}

// Ingest validates batch and feeds its records through the pipeline. A
// batch with any invalid event is rejected whole with a
// *usage.ValidationError. Redelivered records are stored and charged once.
func (cp *ControlPlane) Ingest(ctx context.Context, batch usage.Batch) (IngestResult, error) {
	ctx, span := cp.tracer.Start(ctx, "controlplane.ingest")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", batch.Scope),
		attribute.Int("events", len(batch.Events)))

	records, err := cp.validator.Load().Validate(batch)
	if err != nil {
		cp.metrics.ObserveRejected(rejectReason(err), len(batch.Events))
		tracing.SetStatus(span, err)
		return IngestResult{}, err
	}
	for i := range records {
		cp.price(&records[i])
	}

	fresh, err := cp.persist(ctx, records)
	if err != nil {
		cp.metrics.ObserveRejected("storage", len(records))
		tracing.SetStatus(span, err)
		return IngestResult{}, fmt.Errorf("failed to store usage records: %w", err)
	}

	res := IngestResult{Accepted: len(fresh), Duplicates: len(records) - len(fresh)}
	for _, rec := range fresh {
		if !cp.apply(rec) {
			res.Late++
		}
	}
	span.SetAttributes(attribute.Int("accepted", res.Accepted))

	cp.logger.Debug("usage batch ingested",
		zap.String("scope", batch.Scope),
		zap.Int("accepted", res.Accepted),
		zap.Int("duplicates", res.Duplicates),
		zap.Int("late", res.Late))
	return res, nil
}

func rejectReason(err error) string {
	var verr *usage.ValidationError
	if errors.As(err, &verr) {
		return "validation"
	}
	return "invalid"
}

// price fills the cost of records that reported none from the price table.
func (cp *ControlPlane) price(rec *usage.Record) {
	if rec.Cost > 0 || rec.PromptTokens+rec.CompletionTokens == 0 {
		return
	}
	b := cp.calc.Calculate(rec.Model, rec.Provider, costs.Usage{
		InputTokens:  rec.PromptTokens,
		OutputTokens: rec.CompletionTokens,
	})
	rec.Cost = b.TotalCost
}

func (cp *ControlPlane) persist(ctx context.Context, records []usage.Record) ([]usage.Record, error) {
	if cp.store != nil {
		return cp.store.InsertRecords(ctx, records)
	}
	return cp.records.insert(records), nil
}

// apply charges rec to its scope and feeds the detectors. It returns false
// when the record was too late for feature extraction.
func (cp *ControlPlane) apply(rec usage.Record) bool {
	if est, ok := cp.reservations.take(rec.RequestID, rec.Scope); ok {
		cp.guard.Commit(rec.Scope, est, rec.Cost)
	} else {
		cp.guard.RecordSpend(rec.Scope, rec.Cost)
	}

	cp.breaker.RecordCost(rec.Scope, rec.Cost)
	if rec.Failed() {
		cp.breaker.RecordFailure(rec.Scope, rec.Error)
	}
	cp.router.Observe(routing.Observation{
		Model:   rec.Model,
		Latency: rec.Latency,
		Success: !rec.Failed(),
	})
	cp.metrics.ObserveIngested(rec)

	err := cp.extractor.Add(rec)
	if err == nil {
		return true
	}
	var stale *features.StaleRecordError
	if errors.As(err, &stale) {
		cp.logger.Debug("record too late for feature window",
			zap.String("scope", rec.Scope),
			zap.String("record_id", rec.ID),
			zap.Time("timestamp", rec.Timestamp),
			zap.Time("open_window", stale.OpenWindow))
	} else {
		cp.logger.Warn("feature extraction failed",
			zap.String("scope", rec.Scope),
			zap.String("record_id", rec.ID),
			zap.Error(err))
	}
	return false
}

// onWindow receives every closed feature window. History and detection are
// updated under the scope's history lock so that windows of one scope are
// observed in order.
func (cp *ControlPlane) onWindow(v features.Vector) {
	var finding patterns.Finding
	cp.history.Do(v.Scope, func(h *[]features.Vector) {
		*h = append(*h, v)
		if n := len(*h) - cp.maxHistory; n > 0 {
			*h = slices.Clone((*h)[n:])
		}
		finding = cp.detector.Observe(v)
	})

	sev := finding.MaxSeverity()
	cp.guard.UpdateAnomaly(v.Scope, sev, time.Time{})
	if sev == patterns.SeverityCritical && !cp.config().Breaker.DisableAnomalyTrip {
		detail := "critical anomaly"
		if finding.Primary != nil {
			detail = finding.Primary.Description
		}
		cp.breaker.Trip(v.Scope, breaker.ReasonAnomalyCritical, detail)
	}

	trend := finding.CostTrend
	if err := cp.refresh(context.Background(), v.Scope, finding.Anomalies, &trend); err != nil {
		cp.logger.Warn("scope refresh failed", zap.String("scope", v.Scope), zap.Error(err))
	}
}

func (cp *ControlPlane) vectors(scopeName string) []features.Vector {
	e, ok := cp.history.Lookup(scopeName)
	if !ok {
		return nil
	}
	var out []features.Vector
	e.Do(func(h *[]features.Vector) {
		out = slices.Clone(*h)
	})
	return out
}

// refresh recomputes the forecast and budget projection of scope, pushes
// the projection to the guard and runs the alert generators.
func (cp *ControlPlane) refresh(ctx context.Context, scopeName string, anomalies []patterns.Anomaly, trend *patterns.Trend) error {
	hist := cp.vectors(scopeName)
	if len(hist) == 0 {
		return nil
	}
	res := cp.forecaster.Forecast(scopeName, hist, trend, 0, "")
	sp := cp.guard.Spend(scopeName)
	proj := cp.forecaster.Project(res, sp.Limit, sp.Current(), cp.now())
	cp.guard.UpdateProjection(proj)
	cp.checkExhaustion(res, proj)

	_, err := cp.alerts.Process(ctx, alerts.Input{
		Scope:      scopeName,
		Projection: &proj,
		Forecast:   &res,
		Anomalies:  anomalies,
		Vectors:    hist[max(0, len(hist)-recentVectors):],
	})
	return err
}

// checkExhaustion opens the scope circuit when a trusted projection
// exhausts the budget inside the configured horizon.
func (cp *ControlPlane) checkExhaustion(res forecast.Result, proj forecast.Projection) {
	within := cp.config().Breaker.ExhaustionTripWithin
	if within <= 0 || proj.Limit <= 0 || !res.Sufficient {
		return
	}
	if !proj.ExhaustsWithin(within) {
		return
	}
	cp.breaker.Trip(proj.Scope, breaker.ReasonForecastExhaustion,
		fmt.Sprintf("budget of %.2f projected to run out at %s", proj.Limit, proj.ExhaustionAt.Format(time.RFC3339)))
}

func (cp *ControlPlane) refreshAll(ctx context.Context) {
	for _, name := range cp.history.Scopes() {
		if ctx.Err() != nil {
			return
		}
		if err := cp.refresh(ctx, name, nil, cp.confirmDetection(name)); err != nil {
			cp.logger.Warn("scope refresh failed", zap.String("scope", name), zap.Error(err))
		}
	}
}

func (cp *ControlPlane) flush(context.Context) {
	if n := cp.extractor.Flush(cp.now()); n > 0 {
		cp.logger.Debug("feature windows closed", zap.Int("windows", n))
	}
}

// reevaluate serves scheduled reevaluate tasks.
func (cp *ControlPlane) reevaluate(ctx context.Context, scopeName string) error {
	cp.extractor.Flush(cp.now())
	return cp.refresh(ctx, scopeName, nil, cp.confirmDetection(scopeName))
}

// confirmDetection restamps the anomaly snapshot of scope with the severity
// of its last closed window and returns that window's cost trend. The
// severity holds until the next window closes, so a scope whose window is
// still open is not reported stale to the guard.
func (cp *ControlPlane) confirmDetection(scopeName string) *patterns.Trend {
	f, ok := cp.detector.Last(scopeName)
	if !ok {
		return nil
	}
	cp.guard.UpdateAnomaly(scopeName, f.MaxSeverity(), time.Time{})
	return &f.CostTrend
}

// report serves scheduled report tasks.
func (cp *ControlPlane) report(ctx context.Context, scopeName string, t scheduler.Task) error {
	rep, err := cp.optimizer.Report(ctx, scopeName, optimization.ReportOptions{})
	if err != nil {
		return err
	}
	cp.logger.Info("optimization report",
		zap.String("task_id", t.ID),
		zap.String("scope", scopeName),
		zap.Float64("total_cost", rep.Summary.TotalCost),
		zap.Int("requests", rep.Summary.TotalRequests),
		zap.String("top_model", rep.Summary.TopModel),
		zap.Int("recommendations", len(rep.Recommendations)),
		zap.Float64("potential_savings", rep.PotentialSavings))
	return nil
}

func (cp *ControlPlane) expireReservations(context.Context) {
	for _, r := range cp.reservations.expire(cp.now().Add(-ReservationTTL)) {
		cp.guard.Release(r.scope, r.amount)
		cp.logger.Debug("reservation expired",
			zap.String("scope", r.scope),
			zap.String("request_id", r.id),
			zap.Float64("amount", r.amount))
	}
}
