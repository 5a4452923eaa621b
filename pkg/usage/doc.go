// Package usage defines the usage record that flows through the control plane
// and the ingestion boundary that turns telemetry batches into records.
//
// A batch is validated as a whole: a single malformed event rejects the entire
// batch with a ValidationError listing every offending field path, and nothing
// from that batch is accepted.
//
// # Wire Format
//
// Events follow the SDK telemetry schema:
//
//	{
//	  "timestamp": "2026-01-02T15:04:05Z",
//	  "provider": "openai",
//	  "model": "gpt-4o",
//	  "tokens": {"promptTokens": 120, "completionTokens": 80, "totalTokens": 200},
//	  "cost": 0.0011,
//	  "latency": 840,
//	  "status": "success"
//	}
package usage
