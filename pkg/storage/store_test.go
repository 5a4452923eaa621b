package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mercator-hq/costguard/pkg/guard"
	"mercator-hq/costguard/pkg/scheduler"
	"mercator-hq/costguard/pkg/usage"
)

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(Config{Path: path}, WithLogger(zaptest.NewLogger(t)), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "costguard.db")
	return openStore(t, path), path
}

func record(id, scope string, at time.Time, cost float64) usage.Record {
	return usage.Record{
		ID: id, Scope: scope, Timestamp: at, Provider: "openai", Model: "gpt-4o",
		PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
		Cost: cost, Latency: 800 * time.Millisecond, Status: usage.StatusSuccess,
	}
}

func TestRecordsRoundTripAndRangeQuery(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	n, err := s.AppendRecords(ctx, []usage.Record{
		record("r1", "team-a", t0.Add(-48*time.Hour), 1),
		record("r2", "team-a", t0.Add(-time.Hour), 2),
		record("r3", "team-b", t0.Add(-time.Hour), 3),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.AppendRecords(ctx, []usage.Record{record("r2", "team-a", t0, 99)})
	require.NoError(t, err)
	assert.Equal(t, 0, n, "redelivered ids are ignored")

	got, err := s.Records(ctx, "team-a", t0.Add(-24*time.Hour), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ID)
	assert.Equal(t, 2.0, got[0].Cost)
	assert.Equal(t, 800*time.Millisecond, got[0].Latency)
	assert.True(t, got[0].Timestamp.Equal(t0.Add(-time.Hour)))
	assert.Equal(t, usage.StatusSuccess, got[0].Status)

	all, err := s.Records(ctx, "", t0.Add(-72*time.Hour), t0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scopes, err := s.RecordScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"team-a", "team-b"}, scopes)

	_, err = s.AppendRecords(ctx, []usage.Record{{ID: "x"}})
	assert.Error(t, err, "scope is required")
}

func TestInsertRecordsReturnsOnlyNewRecords(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	fresh, err := s.InsertRecords(ctx, []usage.Record{record("r1", "team-a", t0, 1)})
	require.NoError(t, err)
	require.Len(t, fresh, 1)

	fresh, err = s.InsertRecords(ctx, []usage.Record{
		record("r1", "team-a", t0, 1),
		record("r2", "team-a", t0, 2),
	})
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.Equal(t, "r2", fresh[0].ID)
}

func TestBudgetsSurviveRestart(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()

	clk := t0
	g := guard.New(guard.DefaultConfig(), guard.WithClock(func() time.Time { return clk }))
	g.SetLimit("team-a", 100)
	g.RecordSpend("team-a", 42)
	g.Override("team-a", 300, t0.Add(time.Hour))
	g.SetLimit("team-b", 50)
	g.Pause("team-b")
	g.Throttle("team-b", time.Second, t0.Add(-time.Minute))

	n, err := s.Snapshot(ctx, g)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.NoError(t, s.Close())

	reopened := openStore(t, path)
	restored := guard.New(guard.DefaultConfig(), guard.WithClock(func() time.Time { return clk }))
	n, err = reopened.Restore(ctx, restored)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	a := restored.Spend("team-a")
	assert.Equal(t, 300.0, a.Limit)
	assert.Equal(t, 100.0, a.BaseLimit)
	assert.Equal(t, 42.0, a.Spent)
	assert.True(t, a.OverrideUntil.Equal(t0.Add(time.Hour)))

	b := restored.Spend("team-b")
	assert.Equal(t, 50.0, b.Limit)
	assert.True(t, b.Paused)
	assert.Zero(t, b.ThrottleDelay, "expired throttles are dropped")

	require.NoError(t, reopened.DeleteBudget(ctx, "team-b"))
	budgets, err := reopened.Budgets(ctx)
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.Equal(t, "team-a", budgets[0].Scope)
}

func TestLedgerClaims(t *testing.T) {
	s, path := newStore(t)
	ctx := context.Background()
	var _ scheduler.Ledger = s

	ok, err := s.Claim(ctx, "reset|team-a|2026-05-04", t0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "reset|team-a|2026-05-04", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Close())
	reopened := openStore(t, path)
	ok, err = reopened.Claim(ctx, "reset|team-a|2026-05-04", t0)
	require.NoError(t, err)
	assert.False(t, ok, "claims persist across restarts")

	require.NoError(t, reopened.Release(ctx, "reset|team-a|2026-05-04"))
	ok, err = reopened.Claim(ctx, "reset|team-a|2026-05-04", t0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSchedulerUsesStoreAsLedger(t *testing.T) {
	s, _ := newStore(t)
	clk := t0
	g := guard.New(guard.DefaultConfig())
	sch, err := scheduler.New(scheduler.DefaultConfig(), g,
		scheduler.WithLedger(s), scheduler.WithClock(func() time.Time { return clk }))
	require.NoError(t, err)

	task := scheduler.DailyReset("team-a", 0)
	task.ID = "reset"
	_, err = sch.Add(task)
	require.NoError(t, err)

	g.RecordSpend("team-a", 10)
	res, err := sch.RunNow(context.Background(), "reset")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.False(t, res[0].Skipped)
	assert.Equal(t, 0.0, g.Spend("team-a").Spent)

	res, err = sch.RunNow(context.Background(), "reset")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.True(t, res[0].Skipped)
}

func TestDecisionAudit(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	g := guard.New(guard.DefaultConfig(), guard.WithClock(func() time.Time { return t0 }))
	defer g.Subscribe(s.AuditDecision)()
	g.SetLimit("s", 10)
	g.RecordSpend("s", 10)
	require.NoError(t, g.SetRules("s", []guard.Rule{{
		ID: "hard", Priority: 1, Action: guard.ActionBlock,
		Conditions: []guard.Condition{{Kind: guard.PercentOfLimit, Percent: 100}},
	}}))

	blocked, err := g.Evaluate(ctx, "s", guard.RequestContext{EstimatedCost: 1})
	require.NoError(t, err)
	require.False(t, blocked.Allowed)
	_, err = g.Evaluate(ctx, "other", guard.RequestContext{})
	require.NoError(t, err)

	got, err := s.Decisions(ctx, "s", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, blocked.ID, got[0].ID)
	assert.Equal(t, "hard", got[0].RuleID)
	assert.Equal(t, guard.ReasonThresholdRule, got[0].Reason)

	none, err := s.Decisions(ctx, "other", 0)
	require.NoError(t, err)
	assert.Empty(t, none, "allowed decisions are not audited")

	assert.Error(t, s.RecordDecision(ctx, guard.Decision{}))
}

func TestCleanupHonorsRetention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "costguard.db")
	s, err := Open(Config{Path: path, Retention: 24 * time.Hour}, WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	_, err = s.AppendRecords(ctx, []usage.Record{
		record("old", "s", t0.Add(-48*time.Hour), 1),
		record("new", "s", t0.Add(-time.Hour), 1),
	})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "old-claim", t0.Add(-72*time.Hour))
	require.NoError(t, err)

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Records(ctx, "s", t0.Add(-96*time.Hour), t0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
	require.NoError(t, s.Ping(ctx))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
