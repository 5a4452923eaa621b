package features

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/costguard/pkg/usage"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC) // a Monday

func rec(scope string, at time.Time, cost float64) usage.Record {
	return usage.Record{
		Scope:            scope,
		Timestamp:        at,
		Model:            "gpt-4o",
		PromptTokens:     100,
		CompletionTokens: 50,
		TotalTokens:      150,
		Cost:             cost,
		Latency:          200 * time.Millisecond,
		Status:           usage.StatusSuccess,
	}
}

type collector struct {
	mu sync.Mutex
	vs []Vector
}

func (c *collector) sink(v Vector) {
	c.mu.Lock()
	c.vs = append(c.vs, v)
	c.mu.Unlock()
}

func TestExtractor_ClosesWindowOnNextRecord(t *testing.T) {
	var out collector
	ex := NewExtractor(Config{Window: 15 * time.Minute}, WithSink(out.sink))

	require.NoError(t, ex.Add(rec("a", base.Add(1*time.Minute), 1)))
	require.NoError(t, ex.Add(rec("a", base.Add(2*time.Minute), 3)))
	assert.Empty(t, out.vs)

	require.NoError(t, ex.Add(rec("a", base.Add(16*time.Minute), 2)))
	require.Len(t, out.vs, 1)

	v := out.vs[0]
	assert.Equal(t, base, v.Start)
	assert.Equal(t, base.Add(15*time.Minute), v.End)
	assert.Equal(t, 2, v.RequestCount)
	assert.InDelta(t, 4.0, v.TotalCost, 1e-9)
	assert.InDelta(t, 2.0, v.AvgCost, 1e-9)
	assert.InDelta(t, 1.0, v.CostVariance, 1e-9)
	assert.InDelta(t, 200.0, v.AvgLatencyMS, 1e-9)
	assert.Equal(t, "gpt-4o", v.TopModel)
	assert.Equal(t, 1.0, v.TopModelShare)
	assert.True(t, v.BusinessHours)
	assert.Equal(t, 1.0, v.SeasonalIndex)
}

func TestExtractor_EmitsEmptyWindowsForGaps(t *testing.T) {
	var out collector
	ex := NewExtractor(Config{Window: 5 * time.Minute}, WithSink(out.sink))

	require.NoError(t, ex.Add(rec("a", base, 1)))
	require.NoError(t, ex.Add(rec("a", base.Add(21*time.Minute), 1)))

	require.Len(t, out.vs, 4)
	assert.False(t, out.vs[0].Empty())
	for _, v := range out.vs[1:] {
		assert.True(t, v.Empty())
	}
	assertContiguous(t, out.vs)
	assert.InDelta(t, -1.0, out.vs[1].CostDelta, 1e-9)
}

func TestExtractor_LateRecordWithinSlack(t *testing.T) {
	var out collector
	ex := NewExtractor(Config{Window: 5 * time.Minute, RetentionSlack: 3 * time.Minute}, WithSink(out.sink))

	require.NoError(t, ex.Add(rec("a", base.Add(6*time.Minute), 1)))
	require.NoError(t, ex.Add(rec("a", base.Add(4*time.Minute), 1)), "1 minute before open window")

	ex.Flush(base.Add(10 * time.Minute))
	require.Len(t, out.vs, 1)
	assert.Equal(t, 2, out.vs[0].RequestCount)
	assert.Equal(t, 1, out.vs[0].LateRecords)
}

func TestExtractor_StaleRecord(t *testing.T) {
	ex := NewExtractor(Config{Window: 5 * time.Minute, RetentionSlack: time.Minute})

	require.NoError(t, ex.Add(rec("a", base.Add(10*time.Minute), 1)))
	err := ex.Add(rec("a", base, 1))

	var stale *StaleRecordError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "a", stale.Scope)
	assert.Equal(t, base.Add(10*time.Minute), stale.OpenWindow)
}

func TestExtractor_FlushClosesElapsedWindows(t *testing.T) {
	var out collector
	ex := NewExtractor(Config{Window: 15 * time.Minute}, WithSink(out.sink))

	require.NoError(t, ex.Add(rec("a", base, 1)))
	require.NoError(t, ex.Add(rec("b", base, 1)))

	assert.Zero(t, ex.Flush(base.Add(14*time.Minute)))
	assert.Equal(t, 2, ex.Flush(base.Add(15*time.Minute)))
	assert.Equal(t, 4, ex.Flush(base.Add(45*time.Minute)))

	last, ok := ex.Last("a")
	require.True(t, ok)
	assert.Equal(t, base.Add(45*time.Minute), last.End)

	_, ok = ex.Last("missing")
	assert.False(t, ok)
}

func TestExtractor_SeasonalIndex(t *testing.T) {
	var out collector
	ex := NewExtractor(Config{Window: 60 * time.Minute}, WithSink(out.sink))

	// Same weekday and hour on three consecutive weeks.
	require.NoError(t, ex.Add(rec("a", base, 2)))
	ex.Flush(base.Add(time.Hour))
	require.NoError(t, ex.Add(rec("a", base.Add(7*24*time.Hour), 2)))
	ex.Flush(base.Add(7*24*time.Hour + time.Hour))
	require.NoError(t, ex.Add(rec("a", base.Add(14*24*time.Hour), 8)))
	ex.Flush(base.Add(14*24*time.Hour + time.Hour))

	var hits []Vector
	for _, v := range out.vs {
		if v.Start.Hour() == 10 && v.Start.Weekday() == time.Monday {
			hits = append(hits, v)
		}
	}
	require.Len(t, hits, 3)
	assert.Equal(t, 1.0, hits[0].SeasonalIndex)
	assert.Equal(t, 1.0, hits[1].SeasonalIndex)
	assert.InDelta(t, 4.0, hits[2].SeasonalIndex, 1e-9)
}

func TestExtractor_ScopesAreIndependent(t *testing.T) {
	var out collector
	ex := NewExtractor(Config{Window: 5 * time.Minute}, WithSink(out.sink))

	require.NoError(t, ex.Add(rec("a", base, 1)))
	require.NoError(t, ex.Add(rec("b", base.Add(time.Hour), 1)))
	assert.Empty(t, out.vs, "b advancing must not close a's window")
}

func TestExtract_Batch(t *testing.T) {
	ex := NewExtractor(Config{Window: 10 * time.Minute})
	records := []usage.Record{
		rec("a", base.Add(25*time.Minute), 3),
		rec("a", base.Add(1*time.Minute), 1),
		rec("a", base.Add(2*time.Minute), 1),
	}
	records[2].Status = usage.StatusError
	records[2].AgentID = "agent-1"

	vs := ex.Extract("a", records)
	require.Len(t, vs, 3)
	assertContiguous(t, vs)
	assert.Equal(t, 0.5, vs[0].ErrorRate)
	assert.Equal(t, 1, vs[0].UniqueAgents)
	assert.True(t, vs[1].Empty())
	assert.InDelta(t, 3.0, vs[2].TotalCost, 1e-9)

	assert.Nil(t, ex.Extract("a", nil))
}

func assertContiguous(t *testing.T, vs []Vector) {
	t.Helper()
	for i := 0; i+1 < len(vs); i++ {
		assert.Equal(t, vs[i].End, vs[i+1].Start, "window %d", i)
	}
}
