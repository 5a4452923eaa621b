package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestStoreSwapNotifiesInOrder(t *testing.T) {
	initial := NewTestConfig().Build()
	s := NewStore(initial)
	assert.Same(t, initial, s.Load())

	var seen []string
	s.Subscribe(func(c *Config) { seen = append(seen, "first:"+c.Server.ListenAddress) })
	cancel := s.Subscribe(func(c *Config) { seen = append(seen, "second:"+c.Server.ListenAddress) })

	next := NewTestConfig().WithListenAddress("127.0.0.1:9000").Build()
	require.NoError(t, s.Swap(next))
	assert.Same(t, next, s.Load())
	assert.Equal(t, []string{"first:127.0.0.1:9000", "second:127.0.0.1:9000"}, seen)

	cancel()
	seen = nil
	require.NoError(t, s.Swap(NewTestConfig().Build()))
	assert.Equal(t, []string{"first:" + DefaultListenAddress}, seen)
}

func TestStoreRejectsInvalidSnapshot(t *testing.T) {
	initial := NewTestConfig().Build()
	s := NewStore(initial)
	called := false
	s.Subscribe(func(*Config) { called = true })

	bad := NewTestConfig().WithLogLevel("chatty").Build()
	assert.Error(t, s.Swap(bad))
	assert.Error(t, s.Swap(nil))
	assert.Same(t, initial, s.Load())
	assert.False(t, called)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "guard:\n  budgets:\n    team-a: 100\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	s := NewStore(cfg)

	reloaded := make(chan *Config, 4)
	s.Subscribe(func(c *Config) { reloaded <- c })
	var failures atomic.Int32

	w, err := NewWatcher(path, s,
		WithWatcherLogger(zaptest.NewLogger(t)),
		WithDebounce(20*time.Millisecond),
		OnReloadError(func(error) { failures.Add(1) }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Stop()
	})

	// Give Run a moment to register the directory.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("guard:\n  budgets:\n    team-a: 250\n"), 0o644))
	select {
	case c := <-reloaded:
		assert.Equal(t, 250.0, c.Guard.Budgets["team-a"])
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}

	require.NoError(t, os.WriteFile(path, []byte("guard:\n  budgets:\n    team-a: -5\n"), 0o644))
	require.Eventually(t, func() bool { return failures.Load() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 250.0, s.Load().Guard.Budgets["team-a"], "invalid reload keeps the previous snapshot")
}

func TestDebouncerCoalesces(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	var calls atomic.Int32
	var last atomic.Int32
	for i := range 5 {
		d.Trigger(func() {
			calls.Add(1)
			last.Store(int32(i))
		})
	}
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(4), last.Load())

	d.Stop()
	d.Trigger(func() { calls.Add(1) })
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
