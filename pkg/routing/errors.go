package routing

import (
	"errors"
	"fmt"
	"strings"
)

// Common routing errors that can be checked with errors.Is().
var (
	// ErrRequestRejected is returned when a reject rule matches.
	ErrRequestRejected = errors.New("request rejected by routing rule")

	// ErrNoCandidates is returned when no model satisfies the request
	// constraints.
	ErrNoCandidates = errors.New("no candidate models")

	// ErrEmptyPrompt is returned for requests without a prompt.
	ErrEmptyPrompt = errors.New("prompt is required")
)

// RejectedError is returned when a routing rule rejects the request.
type RejectedError struct {
	// RuleID is the rule that rejected the request.
	RuleID string

	// Reason is the configured rejection reason.
	Reason string
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("request rejected by routing rule %q", e.RuleID)
	}
	return fmt.Sprintf("request rejected by routing rule %q: %s", e.RuleID, e.Reason)
}

// Is implements error matching for errors.Is().
func (e *RejectedError) Is(target error) bool {
	return target == ErrRequestRejected
}

// NoCandidatesError is returned when provider and capability filters leave
// no model to choose from.
type NoCandidatesError struct {
	Provider     string
	Capabilities []string
}

// Error implements the error interface.
func (e *NoCandidatesError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, "provider "+e.Provider)
	}
	if len(e.Capabilities) > 0 {
		parts = append(parts, "capabilities "+strings.Join(e.Capabilities, ", "))
	}
	if len(parts) == 0 {
		return "no candidate models configured"
	}
	return "no candidate models for " + strings.Join(parts, " and ")
}

// Is implements error matching for errors.Is().
func (e *NoCandidatesError) Is(target error) bool {
	return target == ErrNoCandidates
}
