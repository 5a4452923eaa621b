package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind is the operation a task performs on its scope.
type Kind string

const (
	ResetSpend    Kind = "reset_spend"
	Override      Kind = "override"
	Reevaluate    Kind = "reevaluate"
	SetLimit      Kind = "set_limit"
	IncreaseLimit Kind = "increase_limit"
	DecreaseLimit Kind = "decrease_limit"
	Pause         Kind = "pause"
	Resume        Kind = "resume"
	Report        Kind = "report"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case ResetSpend, Override, Reevaluate, SetLimit, IncreaseLimit, DecreaseLimit, Pause, Resume, Report:
		return true
	}
	return false
}

// ScheduleType selects how a task's run times are computed.
type ScheduleType string

const (
	Cron     ScheduleType = "cron"
	Interval ScheduleType = "interval"
	Once     ScheduleType = "once"
	Daily    ScheduleType = "daily"
	Weekly   ScheduleType = "weekly"
	Monthly  ScheduleType = "monthly"
)

// Schedule describes when a task runs. Which fields apply depends on Type:
// Cron uses Cron, Interval uses Every, Once uses At, and the calendar
// shortcuts use Hour, Minute and Weekday or DayOfMonth.
type Schedule struct {
	Type ScheduleType `json:"type" yaml:"type"`

	// Cron is a standard five-field cron spec. A CRON_TZ= prefix is honored.
	Cron string `json:"cron,omitempty" yaml:"cron"`

	Every time.Duration `json:"every,omitempty" yaml:"every"`
	At    time.Time     `json:"at,omitzero" yaml:"at"`

	Hour       int          `json:"hour,omitempty" yaml:"hour"`
	Minute     int          `json:"minute,omitempty" yaml:"minute"`
	Weekday    time.Weekday `json:"weekday,omitempty" yaml:"weekday"`
	DayOfMonth int          `json:"dayOfMonth,omitempty" yaml:"day_of_month"`

	// Timezone is an IANA name; empty uses the scheduler default.
	Timezone string `json:"timezone,omitempty" yaml:"timezone"`
}

// Validate checks the fields required by the schedule type.
func (s Schedule) Validate() error {
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", s.Timezone, err)
		}
	}
	switch s.Type {
	case Cron:
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", s.Cron, err)
		}
		return nil
	case Interval:
		if s.Every < time.Second {
			return fmt.Errorf("interval must be at least 1s, got %s", s.Every)
		}
		return nil
	case Once:
		if s.At.IsZero() {
			return fmt.Errorf("once schedule requires at")
		}
		return nil
	case Daily, Weekly, Monthly:
	default:
		return fmt.Errorf("unknown schedule type %q", s.Type)
	}

	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour must be between 0 and 23, got %d", s.Hour)
	}
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("minute must be between 0 and 59, got %d", s.Minute)
	}
	if s.Type == Weekly && (s.Weekday < time.Sunday || s.Weekday > time.Saturday) {
		return fmt.Errorf("weekday must be between 0 and 6, got %d", s.Weekday)
	}
	if s.Type == Monthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return fmt.Errorf("day of month must be between 1 and 31, got %d", s.DayOfMonth)
	}
	return nil
}

// Params carry the arguments of a task kind.
type Params struct {
	// Amount is the new limit for set_limit and override, or the absolute
	// change for increase_limit and decrease_limit.
	Amount float64 `json:"amount,omitempty" yaml:"amount"`

	// Percentage is a relative change for increase_limit and decrease_limit.
	// It takes precedence over Amount.
	Percentage float64 `json:"percentage,omitempty" yaml:"percentage"`

	// Duration is how long an override lasts.
	Duration time.Duration `json:"duration,omitempty" yaml:"duration"`

	Recipients []string `json:"recipients,omitempty" yaml:"recipients"`
}

// AllScopes targets every scope the budgets know about.
const AllScopes = "*"

// Task is a time-driven job against one scope, or all of them.
type Task struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name,omitempty" yaml:"name"`
	Scope    string   `json:"scope" yaml:"scope"`
	Kind     Kind     `json:"kind" yaml:"kind"`
	Schedule Schedule `json:"schedule" yaml:"schedule"`
	Params   Params   `json:"params,omitzero" yaml:"params"`

	// MaxRuns disables the task after that many successful runs. Zero is
	// unlimited.
	MaxRuns int `json:"maxRuns,omitempty" yaml:"max_runs"`

	Disabled bool `json:"disabled,omitempty" yaml:"disabled"`
}

// Validate checks the task definition. An empty ID is allowed and assigned
// when the task is added.
func (t Task) Validate() error {
	if t.Scope == "" {
		return fmt.Errorf("task %q: scope is required", t.ID)
	}
	if !t.Kind.Valid() {
		return fmt.Errorf("task %q: unknown kind %q", t.ID, t.Kind)
	}
	if err := t.Schedule.Validate(); err != nil {
		return fmt.Errorf("task %q: %w", t.ID, err)
	}
	if t.MaxRuns < 0 {
		return fmt.Errorf("task %q: max runs must be non-negative", t.ID)
	}
	p := t.Params
	switch t.Kind {
	case SetLimit:
		if p.Amount <= 0 {
			return fmt.Errorf("task %q: set_limit requires a positive amount", t.ID)
		}
	case IncreaseLimit, DecreaseLimit:
		if p.Amount <= 0 && p.Percentage <= 0 {
			return fmt.Errorf("task %q: %s requires a positive amount or percentage", t.ID, t.Kind)
		}
	case Override:
		if p.Amount <= 0 || p.Duration <= 0 {
			return fmt.Errorf("task %q: override requires a positive amount and duration", t.ID)
		}
	}
	return nil
}

// Result is the outcome of running a task against one scope.
type Result struct {
	TaskID string `json:"taskId"`
	Scope  string `json:"scope"`
	Kind   Kind   `json:"kind"`

	// Period identifies the billing period the run applied to.
	Period string `json:"period"`

	Success bool `json:"success"`

	// Skipped is set when the period was already applied.
	Skipped bool `json:"skipped,omitempty"`

	Message    string        `json:"message"`
	Previous   any           `json:"previous,omitempty"`
	New        any           `json:"new,omitempty"`
	ExecutedAt time.Time     `json:"executedAt"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskStatus is a task together with its run state.
type TaskStatus struct {
	Task     Task      `json:"task"`
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	NextRun  time.Time `json:"nextRun,omitzero"`
	LastRun  time.Time `json:"lastRun,omitzero"`
	Runs     int       `json:"runs"`
	Failures int       `json:"failures"`
	Last     []Result  `json:"lastResults,omitempty"`
}

// Summary describes the scheduler as a whole.
type Summary struct {
	Enabled      bool `json:"enabled"`
	Running      bool `json:"running"`
	Tasks        int  `json:"tasks"`
	RunningTasks int  `json:"runningTasks"`
	PendingTasks int  `json:"pendingTasks"`
}
