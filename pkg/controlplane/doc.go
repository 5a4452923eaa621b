// Package controlplane wires the costguard components into one running
// service.
//
// # Data flow
//
// Usage batches enter through Ingest. Each accepted record is priced,
// stored, charged to its scope budget and folded into the scope's open
// feature window:
//
//	usage batch ─▶ validate ─▶ price ─▶ storage
//	                              │
//	                              ├─▶ guard ledger (commit reservation or record spend)
//	                              ├─▶ breaker cost and failure feeds
//	                              ├─▶ router performance
//	                              └─▶ feature extractor
//	                                      │ closed window
//	                                      ▼
//	                              anomaly detector ─▶ forecaster ─▶ alerts
//	                                      │                │
//	                                      ▼                ▼
//	                              guard anomaly     guard projection
//
// Decisions, circuit events, alerts and scheduler results are fanned out
// to the actions manager, the metrics collector and the decision audit
// log. Notifications and side-effecting actions travel through the durable
// delivery queue.
//
// # Reservations
//
// Evaluate reserves the estimated cost of an allowed request. When a usage
// record later arrives with the same request id, the reservation is settled
// against the actual cost. Reservations that are never settled are
// released after ReservationTTL.
//
// # Lifecycle
//
//	cp, err := controlplane.New(ctx, cfg, controlplane.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := cp.Start(ctx); err != nil {
//		return err
//	}
//	defer cp.Shutdown(context.Background())
//
// Configuration reloads are applied with Apply. Rules, tasks, pricing and
// budgets take effect immediately; listener, storage, queue and telemetry
// settings need a restart.
package controlplane
