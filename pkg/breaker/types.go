package breaker

import (
	"fmt"
	"time"
)

// State is the position of a scope's breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Reason explains why a breaker tripped.
type Reason string

const (
	ReasonScheduled          Reason = "scheduled"
	ReasonRepeatedBlock      Reason = "repeated-block"
	ReasonErrorRate          Reason = "error-rate"
	ReasonForecastExhaustion Reason = "forecast-exhaustion"
	ReasonCostSpike          Reason = "cost-spike"
	ReasonAnomalyCritical    Reason = "anomaly-critical"
	ReasonManual             Reason = "manual"
)

var reasonRank = map[Reason]int{
	ReasonScheduled:          1,
	ReasonRepeatedBlock:      2,
	ReasonErrorRate:          3,
	ReasonForecastExhaustion: 4,
	ReasonCostSpike:          5,
	ReasonAnomalyCritical:    6,
	ReasonManual:             7,
}

// Severity orders reasons; a re-trip only replaces a less severe reason.
func (r Reason) Severity() int {
	return reasonRank[r]
}

// ParseReason validates a reason name.
func ParseReason(s string) (Reason, error) {
	r := Reason(s)
	if _, ok := reasonRank[r]; !ok {
		return "", fmt.Errorf("unknown trip reason %q", s)
	}
	return r, nil
}

// CooldownPolicy selects how the open period grows with repeated trips.
type CooldownPolicy string

const (
	CooldownFixed       CooldownPolicy = "fixed"
	CooldownExponential CooldownPolicy = "exponential"
)

// Status is the externally visible state of one scope's breaker.
type Status struct {
	Scope            string    `json:"scope"`
	State            State     `json:"state"`
	Reason           Reason    `json:"reason,omitempty"`
	Detail           string    `json:"detail,omitempty"`
	TrippedAt        time.Time `json:"trippedAt,omitempty"`
	CooldownUntil    time.Time `json:"cooldownUntil,omitempty"`
	ConsecutiveTrips int       `json:"consecutiveTrips"`

	RecentBlocks      int `json:"recentBlocks"`
	RecentFailures    int `json:"recentFailures"`
	HalfOpenAttempts  int `json:"halfOpenAttempts"`
	HalfOpenSuccesses int `json:"halfOpenSuccesses"`
}

// Open reports whether the breaker is blocking.
func (s Status) Open() bool {
	return s.State == StateOpen
}

// EventKind names a breaker transition.
type EventKind string

const (
	EventTrip     EventKind = "trip"
	EventUpgrade  EventKind = "upgrade"
	EventHalfOpen EventKind = "half_open"
	EventClose    EventKind = "close"
	EventReset    EventKind = "reset"
)

// Event is published on every transition, and on reason upgrades of an
// already open breaker.
type Event struct {
	ID     string    `json:"id"`
	Scope  string    `json:"scope"`
	Kind   EventKind `json:"kind"`
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason Reason    `json:"reason,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}
