package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mercator-hq/costguard/pkg/retry"
)

const (
	// PendingFile holds entries awaiting delivery.
	PendingFile = "failed-events.ndjson"

	// DeadFile holds entries that exhausted their retries.
	DeadFile = "dead-events.ndjson"

	// StatsFile holds the persisted counters.
	StatsFile = "queue-stats.json"
)

const (
	DefaultMaxQueueSize    = 10000
	DefaultMaxRetries      = 5
	DefaultBaseDelay       = time.Minute
	DefaultMaxDelay        = time.Hour
	DefaultProcessInterval = 5 * time.Minute
	DefaultBatchSize       = 100
	DefaultWorkers         = 4
)

var (
	// ErrQueueFull is returned when the queue holds MaxQueueSize entries.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("queue closed")

	// ErrNoDeliverer is returned when no deliverer handles an entry kind.
	ErrNoDeliverer = errors.New("no deliverer for entry kind")
)

// Entry is one queued delivery. Its JSON form is one line of the NDJSON
// files.
type Entry struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	QueuedAt    time.Time       `json:"queuedAt"`
	RetryCount  int             `json:"retryCount"`
	LastError   string          `json:"lastError,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	Dead        bool            `json:"dead"`
}

// Ready reports whether the entry may be delivered at now.
func (e *Entry) Ready(now time.Time) bool {
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}

// Decode unmarshals the payload into v.
func (e *Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload of entry %s: %w", e.Kind, e.ID, err)
	}
	return nil
}

// Stats are the queue counters.
type Stats struct {
	QueuedCount    int        `json:"queuedCount"`
	ReadyCount     int        `json:"readyCount"`
	DeadCount      int        `json:"deadCount"`
	ProcessedCount int64      `json:"processedCount"`
	FailedCount    int64      `json:"failedCount"`
	LastFlushAt    *time.Time `json:"lastFlushAt"`
	LastErrorAt    *time.Time `json:"lastErrorAt"`
}

// Config configures a Queue.
type Config struct {
	// Dir is where the NDJSON files live. Empty keeps the queue in memory.
	Dir string

	MaxQueueSize int

	// Retry sets MaxRetries and the backoff between delivery attempts.
	Retry retry.Policy

	ProcessInterval time.Duration
	BatchSize       int
	Workers         int
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize: DefaultMaxQueueSize,
		Retry: retry.Policy{
			MaxRetries:   DefaultMaxRetries,
			InitialDelay: DefaultBaseDelay,
			MaxDelay:     DefaultMaxDelay,
			Multiplier:   2,
		},
		ProcessInterval: DefaultProcessInterval,
		BatchSize:       DefaultBatchSize,
		Workers:         DefaultWorkers,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = d.MaxQueueSize
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = d.Retry.MaxRetries
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = d.Retry.InitialDelay
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = d.Retry.MaxDelay
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = d.Retry.Multiplier
	}
	if c.ProcessInterval <= 0 {
		c.ProcessInterval = d.ProcessInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
}

// TransientDeliveryError is a delivery failure worth retrying.
type TransientDeliveryError struct {
	Kind string
	Err  error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("transient %s delivery failure: %v", e.Kind, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError is a delivery failure that retrying cannot fix.
// The entry goes straight to the dead-letter file.
type PermanentDeliveryError struct {
	Kind string
	Err  error
}

func (e *PermanentDeliveryError) Error() string {
	return fmt.Sprintf("permanent %s delivery failure: %v", e.Kind, e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// Permanent marks the error for retry.IsPermanent.
func (e *PermanentDeliveryError) Permanent() bool { return true }
