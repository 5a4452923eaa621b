// Package queue provides the event queue under alert and action dispatch.
//
// Delivery is at least once. Every entry is persisted to failed-events.ndjson
// until a Deliverer accepts it; a failed attempt schedules the next one after
// base × multiplier^retries, capped. Entries that run out of retries, or fail
// with a permanent error, move to dead-events.ndjson and stay there until
// requeued by an operator.
package queue
