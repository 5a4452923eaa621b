package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type recorder struct {
	delays []time.Duration
}

func (r *recorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

// A dispatch that fails twice and then succeeds waits 1s then 2s.
func TestDoRecoversAfterTwoFailures(t *testing.T) {
	rec := &recorder{}
	r := New(Policy{MaxRetries: 5, InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2},
		WithSleeper(rec.sleep))

	calls := 0
	err := r.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("webhook unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{1000 * time.Millisecond, 2000 * time.Millisecond}, rec.delays)
}

func TestDoExhaustsRetries(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), Policy{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 2},
		func(context.Context) error {
			calls++
			return boom
		}, WithSleeper(rec.sleep))

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, rec.delays)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	rec := &recorder{}
	bad := errors.New("bad request")
	calls := 0
	err := New(DefaultPolicy(), WithSleeper(rec.sleep)).Do(context.Background(), func(context.Context) error {
		calls++
		return MarkPermanent(bad)
	})

	assert.ErrorIs(t, err, bad)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := New(DefaultPolicy(), WithSleeper(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	})).Do(ctx, func(context.Context) error {
		calls++
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestOnRetryHook(t *testing.T) {
	var attempts []int
	r := New(Policy{MaxRetries: 2, InitialDelay: time.Millisecond, Multiplier: 2},
		WithSleeper(func(context.Context, time.Duration) error { return nil }),
		OnRetry(func(attempt int, _ time.Duration, err error) {
			attempts = append(attempts, attempt)
			assert.Error(t, err)
		}))

	_ = r.Do(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestSleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestPolicyNormalization(t *testing.T) {
	p := Policy{MaxRetries: -1, Multiplier: 0.5}.normalized()
	assert.Equal(t, 0, p.MaxRetries)
	assert.Equal(t, time.Second, p.InitialDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.Equal(t, 1.0, p.Multiplier)
}

func TestDelayMonotoneAndCapped(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p := Policy{
			InitialDelay: time.Duration(rapid.Int64Range(1, int64(time.Minute)).Draw(rt, "initial")),
			MaxDelay:     time.Duration(rapid.Int64Range(1, int64(time.Hour)).Draw(rt, "max")),
			Multiplier:   rapid.Float64Range(1, 10).Draw(rt, "multiplier"),
		}
		eff := p.normalized()
		n := rapid.IntRange(0, 200).Draw(rt, "attempt")

		prev := p.Delay(0)
		if prev < eff.InitialDelay || prev > eff.MaxDelay {
			rt.Fatalf("first delay %s outside [%s, %s]", prev, eff.InitialDelay, eff.MaxDelay)
		}
		for i := 1; i <= n; i++ {
			d := p.Delay(i)
			if d < prev {
				rt.Fatalf("delay decreased at attempt %d: %s < %s", i, d, prev)
			}
			if d > eff.MaxDelay {
				rt.Fatalf("delay %s exceeds cap %s", d, eff.MaxDelay)
			}
			prev = d
		}
	})
}
