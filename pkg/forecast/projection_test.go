package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A 30-day forecast of a steadily rising scope crosses its budget on day 22.
func TestProjectExhaustionOnDay22(t *testing.T) {
	f := NewForecaster(DefaultConfig())
	res := f.Forecast("team-a", daily(linear(28, 10, 3)...), nil, 30, PeriodDay)
	require.Len(t, res.Points, 30)
	assert.Greater(t, res.Points[29].PredictedCost, res.Points[0].PredictedCost)

	// Budget runs out halfway through the 22nd forecast day.
	const spent = 250.0
	limit := spent
	for _, p := range res.Points[:21] {
		limit += p.PredictedCost
	}
	limit += res.Points[21].PredictedCost / 2

	now := res.Start
	proj := f.Project(res, limit, spent, now)

	require.True(t, proj.Exhausts)
	day22 := now.AddDate(0, 0, 21)
	assert.False(t, proj.ExhaustionAt.Before(day22), "exhaustion %s before day 22", proj.ExhaustionAt)
	assert.True(t, proj.ExhaustionAt.Before(day22.Add(24*time.Hour)), "exhaustion %s after day 22", proj.ExhaustionAt)
	assert.InDelta(t, 21.5, proj.DaysUntilExhaustion, 1e-6)
	assert.Equal(t, LabelHigh, proj.Confidence)
	assert.Greater(t, proj.ProjectedOverage, 0.0)
	assert.True(t, proj.ExhaustsWithin(22*24*time.Hour))
	assert.False(t, proj.ExhaustsWithin(21*24*time.Hour))

	latest, ok := f.LatestProjection("team-a")
	require.True(t, ok)
	assert.Equal(t, proj.ExhaustionAt, latest.ExhaustionAt)
}

func TestProjectNoExhaustionWithinHorizon(t *testing.T) {
	f := NewForecaster(DefaultConfig())
	res := f.Forecast("team-a", daily(constant(30, 10)...), nil, 7, PeriodDay)

	proj := f.Project(res, 1000, 100, res.Start)
	assert.False(t, proj.Exhausts)
	assert.True(t, proj.ExhaustionAt.IsZero())
	assert.Zero(t, proj.DaysUntilExhaustion)
	assert.InDelta(t, 170.0, proj.ProjectedSpend, 1e-9)
	assert.InDelta(t, 0.17, proj.Utilization, 1e-9)
	assert.Zero(t, proj.ExceedProbability)
	assert.Contains(t, proj.Recommendation, "Budget on track")
}

func TestProjectInterpolatesInsideFlatCurve(t *testing.T) {
	f := NewForecaster(DefaultConfig())
	res := f.Forecast("team-a", daily(constant(30, 10)...), nil, 7, PeriodDay)

	proj := f.Project(res, 100, 35, res.Start)
	require.True(t, proj.Exhausts)
	assert.WithinDuration(t, res.Start.Add(156*time.Hour), proj.ExhaustionAt, time.Second)
	assert.Equal(t, 1.0, proj.ExceedProbability)
	assert.Contains(t, proj.Recommendation, "NOTICE")
}

func TestProjectSkipsElapsedPeriods(t *testing.T) {
	f := NewForecaster(DefaultConfig())
	res := f.Forecast("team-a", daily(constant(30, 10)...), nil, 7, PeriodDay)

	// Two and a half days of the curve are already behind us.
	now := res.Start.Add(60 * time.Hour)
	proj := f.Project(res, 1000, 0, now)
	assert.InDelta(t, 45.0, proj.ProjectedSpend, 1e-6)
}

func TestProjectAlreadyExhausted(t *testing.T) {
	f := NewForecaster(DefaultConfig())
	res := f.Forecast("team-a", daily(constant(30, 10)...), nil, 7, PeriodDay)

	now := res.Start.Add(time.Hour)
	proj := f.Project(res, 100, 150, now)
	require.True(t, proj.Exhausts)
	assert.Equal(t, now, proj.ExhaustionAt)
	assert.Zero(t, proj.DaysUntilExhaustion)
	assert.Contains(t, proj.Recommendation, "CRITICAL")
}

func TestProjectWithoutLimit(t *testing.T) {
	f := NewForecaster(DefaultConfig())
	res := f.Forecast("team-a", daily(constant(30, 10)...), nil, 7, PeriodDay)

	proj := f.Project(res, 0, 10, res.Start)
	assert.False(t, proj.Exhausts)
	assert.Equal(t, "No budget limit configured.", proj.Recommendation)
}

func TestProjectExceedProbabilityBounds(t *testing.T) {
	costs := []float64{10, 14, 9, 13, 11, 8, 15, 12, 10, 13, 9, 14, 11, 12, 10, 13, 9, 15, 11, 12, 10, 14, 9, 13, 12}
	f := NewForecaster(Config{DisableSeasonality: true})
	res := f.Forecast("team-a", daily(costs...), nil, 7, PeriodDay)

	low := f.Project(res, 10000, 0, res.Start)
	mid := f.Project(res, res.Summary.TotalPredictedCost, 0, res.Start)
	high := f.Project(res, 1, 0, res.Start)

	assert.Less(t, low.ExceedProbability, 0.01)
	assert.InDelta(t, 0.5, mid.ExceedProbability, 0.01)
	assert.Greater(t, high.ExceedProbability, 0.99)
}

func TestProjectionLabel(t *testing.T) {
	f := NewForecaster(DefaultConfig())

	res := f.Forecast("team-a", daily(5, 6, 7), nil, 7, PeriodDay)
	assert.Equal(t, LabelMedium, f.Project(res, 100, 0, res.Start).Confidence)

	empty := f.Forecast("team-b", nil, nil, 7, PeriodDay)
	assert.Equal(t, LabelLow, f.Project(empty, 100, 0, time.Now()).Confidence)
}
