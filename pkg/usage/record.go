package usage

import (
	"time"
)

// Status is the outcome of a metered API call.
type Status string

const (
	// StatusSuccess marks a call that completed normally.
	StatusSuccess Status = "success"

	// StatusError marks a call that failed at the provider.
	StatusError Status = "error"
)

// Record is one metered API call attributed to a budget scope.
type Record struct {
	// ID uniquely identifies the record. Assigned at ingestion when empty.
	ID string `json:"id"`

	// Scope is the budget scope the call is charged to (org, team, agent...).
	Scope string `json:"scope"`

	// Timestamp is when the call was made.
	Timestamp time.Time `json:"timestamp"`

	// Provider is the upstream API provider (e.g. "openai").
	Provider string `json:"provider"`

	// Model is the model identifier as reported by the caller.
	Model string `json:"model"`

	PromptTokens     int64 `json:"promptTokens"`
	CompletionTokens int64 `json:"completionTokens"`
	TotalTokens      int64 `json:"totalTokens"`

	// Cost is the call cost in USD. Zero means the cost was not reported and
	// is computed from the pricing table.
	Cost float64 `json:"cost"`

	// Latency is the end-to-end call duration.
	Latency time.Duration `json:"latency"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`

	AgentID    string `json:"agentId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// Failed reports whether the call ended in an error.
func (r Record) Failed() bool {
	return r.Status == StatusError
}
