package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// waitForWaiters blocks until the fake clock has exactly n tickers/timers.
func waitForWaiters(t *testing.T, clock *clockwork.FakeClock, n int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, n), "waiting for %d clock waiters", n)
}

func TestEveryTicksUntilFuncStops(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	var calls atomic.Int32
	h := s.Every(context.Background(), "k", Options{Period: time.Second}, func(ctx context.Context) bool {
		return calls.Add(1) < 3
	})
	assert.True(t, s.Active("k"))

	for i := 1; i <= 3; i++ {
		waitForWaiters(t, clock, 1)
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return calls.Load() == int32(i) }, time.Second, time.Millisecond)
	}

	<-h.Done()
	assert.False(t, s.Active("k"))
	assert.Equal(t, int32(3), calls.Load())
}

func TestEverySameKeySupersedes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	var first, second atomic.Int32
	h1 := s.Every(context.Background(), "k", Options{Period: time.Second}, func(context.Context) bool {
		first.Add(1)
		return true
	})
	h2 := s.Every(context.Background(), "k", Options{Period: time.Second}, func(context.Context) bool {
		second.Add(1)
		return true
	})

	<-h1.Done()
	assert.False(t, s.Current(h1))
	assert.True(t, s.Current(h2))

	waitForWaiters(t, clock, 1)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), first.Load())

	s.Cancel("k")
	<-h2.Done()
	assert.False(t, s.Active("k"))
}

func TestEveryTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	timedOut := make(chan struct{})
	var calls atomic.Int32
	h := s.Every(context.Background(), "auth", Options{
		Period:    time.Second,
		Timeout:   4500 * time.Millisecond,
		OnTimeout: func() { close(timedOut) },
	}, func(context.Context) bool {
		calls.Add(1)
		return true
	})

	for i := 1; i <= 4; i++ {
		waitForWaiters(t, clock, 2)
		clock.Advance(time.Second)
		require.Eventually(t, func() bool { return calls.Load() == int32(i) }, time.Second, time.Millisecond)
	}
	waitForWaiters(t, clock, 2)
	clock.Advance(500 * time.Millisecond)

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTimeout not called")
	}
	<-h.Done()
	assert.False(t, s.Active("auth"))
	assert.Equal(t, int32(4), calls.Load())
}

func TestEveryDeadlineBeatsPendingTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	timedOut := make(chan struct{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	h := s.Every(context.Background(), "auth", Options{
		Period:    time.Second,
		Timeout:   3 * time.Second,
		OnTimeout: func() { close(timedOut) },
	}, func(context.Context) bool {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return true
	})

	waitForWaiters(t, clock, 2)
	clock.Advance(time.Second)
	<-entered
	// Deadline and the next tick are both ready once the slow call returns.
	clock.Advance(5 * time.Second)
	close(release)

	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTimeout not called")
	}
	<-h.Done()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStopCancelsContext(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := New(clock, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool
	h := s.Every(context.Background(), "k", Options{Period: time.Second}, func(ctx context.Context) bool {
		close(started)
		<-release
		sawCancel.Store(ctx.Err() != nil)
		return true
	})

	waitForWaiters(t, clock, 1)
	clock.Advance(time.Second)
	<-started
	h.Stop()
	close(release)
	<-h.Done()

	assert.True(t, sawCancel.Load(), "in-flight call should observe cancellation")
	assert.False(t, s.Active("k"))
}

func TestStopAll(t *testing.T) {
	s := New(clockwork.NewFakeClock(), nil)
	noop := func(context.Context) bool { return true }
	a := s.Every(context.Background(), "a", Options{Period: time.Second}, noop)
	b := s.Every(context.Background(), "b", Options{Period: time.Second}, noop)

	s.StopAll()
	<-a.Done()
	<-b.Done()
	assert.False(t, s.Active("a"))
	assert.False(t, s.Active("b"))
}
