// Package tracing configures OpenTelemetry for costguard.
//
// New builds an SDK tracer provider exporting over OTLP gRPC with a
// parent-based ratio sampler, or a noop provider when tracing is disabled.
// Components take the provider through their WithTracerProvider options:
//
//	tr, err := tracing.New(ctx, &cfg.Telemetry.Tracing, tracing.WithGlobal())
//	if err != nil {
//		return err
//	}
//	defer tr.Shutdown(context.Background())
//
//	g := guard.New(cfg.Guard.Build(), breakers, guard.WithTracerProvider(tr.Provider()))
//
// The HTTP server wraps its router in Tracer.Middleware, which continues W3C
// trace context from incoming headers.
package tracing
