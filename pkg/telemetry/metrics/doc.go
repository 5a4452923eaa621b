// Package metrics exports costguard's Prometheus metrics.
//
// A Collector registers every metric on its own registry and exposes them
// through Handler. Its Observe methods have the same shapes as the
// subscriber hooks of the guard, breaker, alerts, actions, scheduler and
// queue packages, so the control plane wires it in with one line each:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	guard.Subscribe(collector.ObserveDecision)
//	breakers.OnStateChange(collector.ObserveCircuitEvent)
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
//
// Scope and model labels are bounded by a CardinalityLimiter; values past
// the limit are reported as "other".
package metrics
