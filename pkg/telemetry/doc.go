// Package telemetry groups costguard's observability packages.
//
//   - logging: zap loggers with secret redaction and request-scoped fields
//   - metrics: Prometheus collectors for guard, breaker, queue, alerts,
//     scheduler, actions and ingestion
//   - tracing: OpenTelemetry provider exporting over OTLP gRPC
//   - health: liveness and readiness probes
//
// Each package is configured from the telemetry section of the
// configuration file.
package telemetry
