// Costguard watches LLM spend and enforces budgets.
//
// It ingests usage records, detects cost anomalies, forecasts budget
// exhaustion, raises predictive alerts and answers pre-request guard
// checks over an HTTP API:
//   - Budget guard with rule books, reservations and model downgrades
//   - Per-scope circuit breakers tripped by spikes, failures and forecasts
//   - Scheduled budget resets, limit changes and reports
//   - Alert delivery through a persistent retry queue
//
// Usage:
//
//	# Start the service
//	costguard run --config costguard.yaml
//
//	# Check a configuration file
//	costguard validate --config costguard.yaml
//
//	# Inspect and replay failed alert deliveries
//	costguard deadletter list
//	costguard deadletter requeue --all
//
//	# Show version information
//	costguard version
package main

func main() {
	Execute()
}
