package usage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxBatchSize is the largest batch accepted by a single ingest call.
const DefaultMaxBatchSize = 1000

// ErrEmptyScope is returned when a batch is submitted without a scope.
var ErrEmptyScope = errors.New("usage: scope is required")

// Tokens is the token breakdown of an event on the wire.
type Tokens struct {
	PromptTokens     *int64 `json:"promptTokens"`
	CompletionTokens *int64 `json:"completionTokens"`
	TotalTokens      *int64 `json:"totalTokens"`
}

// Event is a single telemetry event as submitted by an SDK. Pointer fields
// distinguish absent values from zero values.
type Event struct {
	// ID is the caller's key for the event. Redelivered events with the
	// same id are stored and charged once. Empty gets a generated id.
	ID string `json:"id,omitempty"`

	Timestamp  *string  `json:"timestamp"`
	Provider   *string  `json:"provider"`
	Model      *string  `json:"model"`
	Tokens     *Tokens  `json:"tokens"`
	Cost       *float64 `json:"cost"`
	Latency    *int64   `json:"latency"`
	Status     *string  `json:"status"`
	Error      *string  `json:"error,omitempty"`
	AgentID    string   `json:"agentId,omitempty"`
	WorkflowID string   `json:"workflowId,omitempty"`

	// RequestID links the event to an earlier guard evaluation so that its
	// reservation is settled with the actual cost.
	RequestID string `json:"requestId,omitempty"`
}

// Batch is the ingest request body.
type Batch struct {
	Scope  string  `json:"scope"`
	Events []Event `json:"events"`
}

// FieldError is a single schema violation at a dotted field path
// (e.g. "events[3].tokens.totalTokens").
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError rejects a whole batch. It lists every violation found.
type ValidationError struct {
	Errors []FieldError `json:"errors"`
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid ingest batch"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid ingest batch: %s", e.Errors[0].Error())
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Error())
	}
	return fmt.Sprintf("invalid ingest batch with %d errors: %s", len(e.Errors), strings.Join(parts, "; "))
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// ValidatorConfig controls batch validation.
type ValidatorConfig struct {
	// MaxBatchSize is the upper bound on events per batch.
	MaxBatchSize int

	// Providers is the accepted provider set. Empty accepts any provider.
	Providers []string

	// MaxClockSkew rejects events timestamped further than this in the future.
	// Zero disables the check.
	MaxClockSkew time.Duration
}

// Validator turns raw batches into records. It is safe for concurrent use.
type Validator struct {
	maxBatch  int
	providers map[string]struct{}
	skew      time.Duration
	now       func() time.Time
}

// NewValidator creates a validator from cfg.
func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{
		maxBatch: cfg.MaxBatchSize,
		skew:     cfg.MaxClockSkew,
		now:      time.Now,
	}
	if v.maxBatch <= 0 {
		v.maxBatch = DefaultMaxBatchSize
	}
	if len(cfg.Providers) > 0 {
		v.providers = make(map[string]struct{}, len(cfg.Providers))
		for _, p := range cfg.Providers {
			v.providers[p] = struct{}{}
		}
	}
	return v
}

// Decode reads a JSON batch from r. Unknown fields are a schema violation.
func (v *Validator) Decode(r io.Reader) (Batch, error) {
	var b Batch
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return Batch{}, &ValidationError{Errors: []FieldError{{Field: "body", Message: err.Error()}}}
	}
	if dec.More() {
		return Batch{}, &ValidationError{Errors: []FieldError{{Field: "body", Message: "trailing data after batch"}}}
	}
	return b, nil
}

// DecodeBytes is Decode over a byte slice.
func (v *Validator) DecodeBytes(data []byte) (Batch, error) {
	return v.Decode(bytes.NewReader(data))
}

// Validate checks every event in b and converts the batch into records.
// Either all events are converted or a *ValidationError is returned.
func (v *Validator) Validate(b Batch) ([]Record, error) {
	if strings.TrimSpace(b.Scope) == "" {
		return nil, ErrEmptyScope
	}

	verr := &ValidationError{}
	switch {
	case len(b.Events) == 0:
		verr.add("events", "must contain at least 1 event")
	case len(b.Events) > v.maxBatch:
		verr.add("events", "must contain at most %d events, got %d", v.maxBatch, len(b.Events))
	}
	if len(verr.Errors) > 0 {
		return nil, verr
	}

	now := v.now()
	records := make([]Record, 0, len(b.Events))
	for i, ev := range b.Events {
		rec, ok := v.convert(fmt.Sprintf("events[%d]", i), ev, now, verr)
		if ok {
			rec.Scope = b.Scope
			records = append(records, rec)
		}
	}
	if len(verr.Errors) > 0 {
		return nil, verr
	}
	return records, nil
}

func (v *Validator) convert(path string, ev Event, now time.Time, verr *ValidationError) (Record, bool) {
	before := len(verr.Errors)
	rec := Record{
		ID:         ev.ID,
		AgentID:    ev.AgentID,
		WorkflowID: ev.WorkflowID,
		RequestID:  ev.RequestID,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if ev.Timestamp == nil {
		verr.add(path+".timestamp", "is required")
	} else if ts, err := time.Parse(time.RFC3339Nano, *ev.Timestamp); err != nil {
		verr.add(path+".timestamp", "must be an RFC3339 datetime")
	} else if v.skew > 0 && ts.After(now.Add(v.skew)) {
		verr.add(path+".timestamp", "is more than %s in the future", v.skew)
	} else {
		rec.Timestamp = ts.UTC()
	}

	if ev.Provider == nil || *ev.Provider == "" {
		verr.add(path+".provider", "is required")
	} else if _, ok := v.providers[*ev.Provider]; v.providers != nil && !ok {
		verr.add(path+".provider", "unsupported provider %q", *ev.Provider)
	} else {
		rec.Provider = *ev.Provider
	}

	if ev.Model == nil || *ev.Model == "" {
		verr.add(path+".model", "is required")
	} else {
		rec.Model = *ev.Model
	}

	if ev.Tokens == nil {
		verr.add(path+".tokens", "is required")
	} else {
		rec.PromptTokens = nonNegativeInt(verr, path+".tokens.promptTokens", ev.Tokens.PromptTokens)
		rec.CompletionTokens = nonNegativeInt(verr, path+".tokens.completionTokens", ev.Tokens.CompletionTokens)
		rec.TotalTokens = nonNegativeInt(verr, path+".tokens.totalTokens", ev.Tokens.TotalTokens)
		if ev.Tokens.PromptTokens != nil && ev.Tokens.CompletionTokens != nil && ev.Tokens.TotalTokens != nil &&
			rec.TotalTokens != rec.PromptTokens+rec.CompletionTokens {
			verr.add(path+".tokens.totalTokens", "must equal promptTokens + completionTokens")
		}
	}

	if ev.Cost == nil {
		verr.add(path+".cost", "is required")
	} else if *ev.Cost < 0 {
		verr.add(path+".cost", "must be non-negative")
	} else {
		rec.Cost = *ev.Cost
	}

	if ms := nonNegativeInt(verr, path+".latency", ev.Latency); ms >= 0 {
		rec.Latency = time.Duration(ms) * time.Millisecond
	}

	if ev.Status == nil {
		verr.add(path+".status", "is required")
	} else {
		switch Status(*ev.Status) {
		case StatusSuccess, StatusError:
			rec.Status = Status(*ev.Status)
		default:
			verr.add(path+".status", "must be one of success, error")
		}
	}
	if ev.Error != nil {
		rec.Error = *ev.Error
	}

	return rec, len(verr.Errors) == before
}

func nonNegativeInt(verr *ValidationError, field string, v *int64) int64 {
	if v == nil {
		verr.add(field, "is required")
		return 0
	}
	if *v < 0 {
		verr.add(field, "must be a non-negative integer")
		return 0
	}
	return *v
}
