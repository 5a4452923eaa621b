package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mercator-hq/costguard/pkg/guard"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T, start time.Time, opts ...Option) (*Scheduler, *guard.Guard, *clock) {
	t.Helper()
	clk := &clock{t: start}
	g := guard.New(guard.DefaultConfig(), guard.WithClock(clk.Now))
	base := []Option{WithClock(clk.Now), WithLogger(zaptest.NewLogger(t))}
	s, err := New(DefaultConfig(), g, append(base, opts...)...)
	require.NoError(t, err)
	return s, g, clk
}

func TestIdempotentScheduledReset(t *testing.T) {
	ledger := NewMemoryLedger()
	s, g, clk := setup(t, time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC), WithLedger(ledger))

	task := DailyReset("team-a", 0)
	task.ID = "daily-reset"
	st, err := s.Add(task)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC), st.NextRun)

	g.RecordSpend("team-a", 50)
	clk.Set(time.Date(2026, 3, 10, 0, 0, 30, 0, time.UTC))
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Zero(t, g.Spend("team-a").Spent)

	g.RecordSpend("team-a", 20)
	results, err := s.RunNow(context.Background(), "daily-reset")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Skipped)
	assert.Equal(t, "2026-03-10", results[0].Period)
	assert.InDelta(t, 20.0, g.Spend("team-a").Spent, 1e-9, "second run in the same period is a no-op")

	// A restarted scheduler sharing the ledger does not reapply the period.
	restarted, err := New(DefaultConfig(), g, WithClock(clk.Now), WithLedger(ledger))
	require.NoError(t, err)
	_, err = restarted.Add(task)
	require.NoError(t, err)
	results, err = restarted.RunNow(context.Background(), "daily-reset")
	require.NoError(t, err)
	assert.True(t, results[0].Skipped)
	assert.InDelta(t, 20.0, g.Spend("team-a").Spent, 1e-9)

	clk.Set(time.Date(2026, 3, 11, 0, 0, 10, 0, time.UTC))
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.Zero(t, g.Spend("team-a").Spent)

	st, ok := s.Task("daily-reset")
	require.True(t, ok)
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC), st.NextRun)
	assert.Len(t, s.TaskHistory("daily-reset"), 3)
}

func TestOverrideIsLiftedAtExpiry(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	s, g, clk := setup(t, start)
	g.SetLimit("team-a", 100)

	task := TemporaryOverride("team-a", start.Add(time.Hour), 500, 2*time.Hour)
	task.ID = "launch-day"
	_, err := s.Add(task)
	require.NoError(t, err)

	assert.Zero(t, s.Tick(context.Background()))

	clk.Advance(time.Hour)
	assert.Equal(t, 1, s.Tick(context.Background()))
	assert.InDelta(t, 500.0, g.Spend("team-a").Limit, 1e-9)
	_, ok := s.Task("launch-day")
	assert.False(t, ok, "one-shot task is removed after success")

	clk.Advance(2 * time.Hour)
	assert.InDelta(t, 100.0, g.Spend("team-a").Limit, 1e-9)
}

func TestLimitAdjustments(t *testing.T) {
	s, g, _ := setup(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	g.SetLimit("team-a", 100)

	every := Schedule{Type: Interval, Every: time.Hour}
	tasks := []Task{
		{ID: "set", Scope: "team-a", Kind: SetLimit, Schedule: every, Params: Params{Amount: 200}},
		{ID: "up", Scope: "team-a", Kind: IncreaseLimit, Schedule: every, Params: Params{Percentage: 10}},
		{ID: "down", Scope: "team-a", Kind: DecreaseLimit, Schedule: every, Params: Params{Amount: 50}},
		{ID: "drain", Scope: "team-a", Kind: DecreaseLimit, Schedule: every, Params: Params{Amount: 1000}},
	}
	want := []float64{200, 220, 170, 0}
	for i, task := range tasks {
		_, err := s.Add(task)
		require.NoError(t, err)
		results, err := s.RunNow(context.Background(), task.ID)
		require.NoError(t, err)
		require.Len(t, results, 1)
		require.True(t, results[0].Success, results[0].Error)
		assert.InDelta(t, want[i], results[0].New, 1e-9, task.ID)
		assert.InDelta(t, want[i], g.Spend("team-a").Limit, 1e-9, task.ID)
	}
}

func TestPauseResume(t *testing.T) {
	s, g, _ := setup(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	every := Schedule{Type: Interval, Every: time.Hour}
	_, err := s.Add(Task{ID: "pause", Scope: "team-a", Kind: Pause, Schedule: every})
	require.NoError(t, err)
	_, err = s.Add(Task{ID: "resume", Scope: "team-a", Kind: Resume, Schedule: every})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), "pause")
	require.NoError(t, err)
	assert.True(t, g.Spend("team-a").Paused)

	_, err = s.RunNow(context.Background(), "resume")
	require.NoError(t, err)
	assert.False(t, g.Spend("team-a").Paused)
}

func TestMaxRuns(t *testing.T) {
	start := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	s, _, clk := setup(t, start)
	var reports []string
	s.report = func(_ context.Context, scope string, _ Task) error {
		reports = append(reports, scope)
		return nil
	}

	_, err := s.Add(Task{ID: "report", Scope: "team-a", Kind: Report, MaxRuns: 2, Schedule: Schedule{Type: Interval, Every: time.Minute}})
	require.NoError(t, err)

	for range 3 {
		clk.Advance(time.Minute)
		s.Tick(context.Background())
	}
	assert.Len(t, reports, 2)
	st, _ := s.Task("report")
	assert.False(t, st.Enabled)
	assert.Equal(t, 2, st.Runs)
}

func TestFailedRunIsRetriedForTheSamePeriod(t *testing.T) {
	s, _, clk := setup(t, time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC))
	calls := 0
	s.reevaluate = func(context.Context, string) error {
		calls++
		if calls < 3 {
			return errors.New("forecast unavailable")
		}
		return nil
	}
	_, err := s.Add(Task{ID: "reeval", Scope: "team-a", Kind: Reevaluate, Schedule: Schedule{Type: Cron, Cron: "0 * * * *"}})
	require.NoError(t, err)

	clk.Set(time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC))
	s.Tick(context.Background())
	st, _ := s.Task("reeval")
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, time.Date(2026, 3, 10, 11, 5, 0, 0, time.UTC), st.NextRun)

	clk.Advance(5 * time.Minute)
	s.Tick(context.Background())
	clk.Advance(5 * time.Minute)
	s.Tick(context.Background())

	st, _ = s.Task("reeval")
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, st.Runs)
	assert.Zero(t, st.Failures)
	assert.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), st.NextRun)
	require.Len(t, st.Last, 1)
	assert.Equal(t, "2026-03-10T11:00Z", st.Last[0].Period)
}

func TestRepeatedFailuresDisableTask(t *testing.T) {
	s, _, clk := setup(t, time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC))
	_, err := s.Add(Task{ID: "reeval", Scope: "team-a", Kind: Reevaluate, Schedule: Schedule{Type: Interval, Every: time.Hour}})
	require.NoError(t, err)

	var failures []Result
	unsubscribe := s.Subscribe(func(r Result) {
		if !r.Success {
			failures = append(failures, r)
		}
	})
	defer unsubscribe()

	for range 4 {
		clk.Advance(time.Hour)
		s.Tick(context.Background())
	}
	st, _ := s.Task("reeval")
	assert.False(t, st.Enabled)
	assert.Equal(t, 3, st.Failures)
	require.Len(t, failures, 3)
	assert.Contains(t, failures[0].Error, "no re-evaluator configured")
}

func TestAllScopes(t *testing.T) {
	s, g, _ := setup(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	g.RecordSpend("team-a", 10)
	g.RecordSpend("team-b", 20)

	task := MonthlyReset(AllScopes, 1, 0)
	task.ID = "monthly"
	_, err := s.Add(task)
	require.NoError(t, err)

	results, err := s.RunNow(context.Background(), "monthly")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, "2026-03", r.Period)
	}
	assert.Zero(t, g.Spend("team-a").Spent)
	assert.Zero(t, g.Spend("team-b").Spent)
}

func TestRemoveLetsRunFinish(t *testing.T) {
	s, _, _ := setup(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	started := make(chan struct{})
	release := make(chan struct{})
	s.reevaluate = func(context.Context, string) error {
		close(started)
		<-release
		return nil
	}
	_, err := s.Add(Task{ID: "reeval", Scope: "team-a", Kind: Reevaluate, Schedule: Schedule{Type: Interval, Every: time.Hour}})
	require.NoError(t, err)

	done := make(chan []Result)
	go func() {
		results, _ := s.RunNow(context.Background(), "reeval")
		done <- results
	}()
	<-started

	_, err = s.RunNow(context.Background(), "reeval")
	assert.ErrorIs(t, err, ErrTaskRunning)
	assert.True(t, s.Remove("reeval"))
	close(release)

	results := <-done
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	_, ok := s.Task("reeval")
	assert.False(t, ok)
	assert.False(t, s.Remove("reeval"))

	_, err = s.RunNow(context.Background(), "reeval")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestReplaceKeepsUnchangedState(t *testing.T) {
	s, _, _ := setup(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	every := Schedule{Type: Interval, Every: time.Hour}
	keep := Task{ID: "keep", Scope: "team-a", Kind: Report, Schedule: every}
	gone := Task{ID: "gone", Scope: "team-a", Kind: Report, Schedule: every}
	require.NoError(t, s.Replace([]Task{keep, gone}))

	_, err := s.RunNow(context.Background(), "keep")
	require.NoError(t, err)

	changed := Task{ID: "new", Scope: "team-b", Kind: Report, Schedule: every}
	require.NoError(t, s.Replace([]Task{keep, changed}))

	st, ok := s.Task("keep")
	require.True(t, ok)
	assert.Equal(t, 1, st.Runs)
	_, ok = s.Task("gone")
	assert.False(t, ok)
	assert.Len(t, s.Tasks("team-b"), 1)
	assert.Len(t, s.Tasks(""), 2)

	assert.Error(t, s.Replace([]Task{keep, keep}))
	assert.Error(t, s.Replace([]Task{{Scope: "team-a", Kind: Report, Schedule: every}}))
}

func TestTaskValidation(t *testing.T) {
	every := Schedule{Type: Interval, Every: time.Hour}
	tests := []struct {
		name string
		task Task
	}{
		{"missing scope", Task{Kind: Report, Schedule: every}},
		{"unknown kind", Task{Scope: "a", Kind: "explode", Schedule: every}},
		{"bad cron", Task{Scope: "a", Kind: Report, Schedule: Schedule{Type: Cron, Cron: "every day"}}},
		{"short interval", Task{Scope: "a", Kind: Report, Schedule: Schedule{Type: Interval, Every: time.Millisecond}}},
		{"once without time", Task{Scope: "a", Kind: Report, Schedule: Schedule{Type: Once}}},
		{"bad weekday", Task{Scope: "a", Kind: Report, Schedule: Schedule{Type: Weekly, Weekday: 7}}},
		{"bad day of month", Task{Scope: "a", Kind: Report, Schedule: Schedule{Type: Monthly}}},
		{"bad hour", Task{Scope: "a", Kind: Report, Schedule: Schedule{Type: Daily, Hour: 24}}},
		{"bad timezone", Task{Scope: "a", Kind: Report, Schedule: Schedule{Type: Daily, Timezone: "Mars/Olympus"}}},
		{"set limit without amount", Task{Scope: "a", Kind: SetLimit, Schedule: every}},
		{"increase without change", Task{Scope: "a", Kind: IncreaseLimit, Schedule: every}},
		{"override without duration", Task{Scope: "a", Kind: Override, Schedule: every, Params: Params{Amount: 5}}},
		{"negative max runs", Task{Scope: "a", Kind: Report, Schedule: every, MaxRuns: -1}},
	}
	s, _, _ := setup(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.task.Validate())
			_, err := s.Add(tt.task)
			assert.Error(t, err)
		})
	}

	st, err := s.Add(Task{Scope: "a", Kind: Report, Schedule: every})
	require.NoError(t, err)
	assert.NotEmpty(t, st.Task.ID)
	_, err = s.Add(st.Task)
	assert.Error(t, err, "duplicate id")
}

func TestPeriodKeys(t *testing.T) {
	at := time.Date(2026, 3, 10, 23, 30, 45, 0, time.UTC)
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	tests := []struct {
		sched Schedule
		loc   *time.Location
		want  string
	}{
		{Schedule{Type: Once}, time.UTC, "once"},
		{Schedule{Type: Daily}, time.UTC, "2026-03-10"},
		{Schedule{Type: Daily}, tokyo, "2026-03-11"},
		{Schedule{Type: Weekly}, time.UTC, "2026-W11"},
		{Schedule{Type: Monthly}, time.UTC, "2026-03"},
		{Schedule{Type: Interval, Every: time.Hour}, time.UTC, "2026-03-10T23:00:00Z"},
		{Schedule{Type: Cron, Cron: "*/5 * * * *"}, time.UTC, "2026-03-10T23:30Z"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.sched.period(at, tt.loc), string(tt.sched.Type))
	}
}

func TestCalendarSchedulesInTimezone(t *testing.T) {
	s, _, _ := setup(t, time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))

	weekly := WeeklyReset("team-a", time.Monday, 9)
	weekly.ID = "weekly"
	st, err := s.Add(weekly)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 16, 9, 0, 0, 0, time.UTC), st.NextRun.UTC())

	local := DailyReset("team-a", 9)
	local.ID = "tokyo"
	local.Schedule.Timezone = "Asia/Tokyo"
	st, err = s.Add(local)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC), st.NextRun.UTC())
}

func TestStartRunsDueTasks(t *testing.T) {
	s, g, err := func() (*Scheduler, *guard.Guard, error) {
		g := guard.New(guard.DefaultConfig())
		cfg := DefaultConfig()
		cfg.CheckInterval = time.Hour
		s, err := New(cfg, g, WithLogger(zaptest.NewLogger(t)))
		return s, g, err
	}()
	require.NoError(t, err)
	g.RecordSpend("team-a", 5)

	task := Task{ID: "now", Scope: "team-a", Kind: ResetSpend, Schedule: Schedule{Type: Once, At: time.Now().Add(-time.Minute)}}
	_, err = s.Add(task)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Summary().Running)

	require.Eventually(t, func() bool {
		_, ok := s.Task("now")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, g.Spend("team-a").Spent)

	s.Stop()
	assert.False(t, s.Summary().Running)
}
