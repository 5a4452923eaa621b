// Package server exposes the control plane over HTTP.
//
// Routes are mounted on a chi router:
//
//	POST /v1/ingest                          usage batch, 202 {"accepted": n}
//	GET  /v1/scopes                          known scopes
//	GET  /v1/scopes/{scope}/budget           budget ledger
//	POST /v1/scopes/{scope}/evaluate         guard decision
//	POST /v1/scopes/{scope}/release          drop a reservation
//	GET  /v1/scopes/{scope}/circuit          breaker status
//	POST /v1/scopes/{scope}/circuit/reset    close the circuit
//	GET  /v1/scopes/{scope}/forecast         forecast and projection
//	GET  /v1/scopes/{scope}/alerts           active alerts
//	GET  /v1/scopes/{scope}/alerts/summary   alert counts
//	GET  /v1/scopes/{scope}/report           optimization report
//	POST /v1/alerts/{id}/ack                 acknowledge an alert
//	GET  /v1/circuits                        every circuit
//	POST /v1/route                           model selection
//	GET  /health, /ready, /version, /metrics
//
// Every request passes through request id, recovery, tracing and access
// logging middleware. Errors are JSON:
//
//	{
//	    "error": {
//	        "type": "invalid_request_error",
//	        "message": "invalid ingest batch: events[0].model: is required",
//	        "fields": [{"field": "events[0].model", "message": "is required"}]
//	    }
//	}
//
// Ingestion is rate limited per process with a token bucket; refused
// batches get 429 with a Retry-After header.
//
// # Lifecycle
//
//	srv := server.New(&cfg.Server, cp,
//	    server.WithLogger(logger),
//	    server.WithTracer(tracer),
//	    server.WithIngestLimit(cfg.Ingest.RateLimit, cfg.Ingest.Burst))
//	go srv.Start(ctx)
//	...
//	srv.Shutdown(context.Background())
package server
