package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// once fires a single time at its instant.
type once struct {
	at time.Time
}

func (o once) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// compile turns s into a cron schedule evaluated in loc, or in the
// schedule's own timezone when it names one.
func (s Schedule) compile(def *time.Location) (cron.Schedule, *time.Location, error) {
	loc := def
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return nil, nil, err
		}
		loc = l
	}

	var spec string
	switch s.Type {
	case Once:
		return once{at: s.At}, loc, nil
	case Interval:
		return cron.Every(s.Every), loc, nil
	case Cron:
		spec = s.Cron
	case Daily:
		spec = fmt.Sprintf("%d %d * * *", s.Minute, s.Hour)
	case Weekly:
		spec = fmt.Sprintf("%d %d * * %d", s.Minute, s.Hour, s.Weekday)
	case Monthly:
		spec = fmt.Sprintf("%d %d %d * *", s.Minute, s.Hour, s.DayOfMonth)
	default:
		return nil, nil, fmt.Errorf("unknown schedule type %q", s.Type)
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid cron schedule %q: %w", spec, err)
	}
	return sched, loc, nil
}

// period names the billing period an occurrence at t belongs to. Two runs
// of a task with the same period key apply once.
func (s Schedule) period(t time.Time, loc *time.Location) string {
	t = t.In(loc)
	switch s.Type {
	case Once:
		return "once"
	case Daily:
		return t.Format("2006-01-02")
	case Weekly:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%d-W%02d", y, w)
	case Monthly:
		return t.Format("2006-01")
	case Interval:
		return t.Truncate(s.Every).UTC().Format(time.RFC3339)
	default:
		return t.Truncate(time.Minute).UTC().Format("2006-01-02T15:04Z")
	}
}

// DailyReset resets the spend of scope every day at hour.
func DailyReset(scope string, hour int) Task {
	return Task{
		Name:     "Daily budget reset",
		Scope:    scope,
		Kind:     ResetSpend,
		Schedule: Schedule{Type: Daily, Hour: hour},
	}
}

// WeeklyReset resets the spend of scope every week on day at hour.
func WeeklyReset(scope string, day time.Weekday, hour int) Task {
	return Task{
		Name:     "Weekly budget reset",
		Scope:    scope,
		Kind:     ResetSpend,
		Schedule: Schedule{Type: Weekly, Weekday: day, Hour: hour},
	}
}

// MonthlyReset resets the spend of scope every month on day at hour.
func MonthlyReset(scope string, day, hour int) Task {
	return Task{
		Name:     "Monthly budget reset",
		Scope:    scope,
		Kind:     ResetSpend,
		Schedule: Schedule{Type: Monthly, DayOfMonth: day, Hour: hour},
	}
}

// LimitIncrease raises the limit of scope by percentage on every run of s.
func LimitIncrease(scope string, s Schedule, percentage float64) Task {
	return Task{
		Name:     fmt.Sprintf("Auto-increase limit by %g%%", percentage),
		Scope:    scope,
		Kind:     IncreaseLimit,
		Schedule: s,
		Params:   Params{Percentage: percentage},
	}
}

// TemporaryOverride lifts the limit of scope to amount at the given time for
// the given duration.
func TemporaryOverride(scope string, at time.Time, amount float64, d time.Duration) Task {
	return Task{
		Name:     "Temporary limit override",
		Scope:    scope,
		Kind:     Override,
		Schedule: Schedule{Type: Once, At: at},
		Params:   Params{Amount: amount, Duration: d},
	}
}
