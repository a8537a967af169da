package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"cloudidian/internal/model"
	"cloudidian/internal/schedule"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptedBackend answers GetJob from a fixed script, then repeats the last entry.
type scriptedBackend struct {
	mu     sync.Mutex
	script []result
	calls  int
}

type result struct {
	job model.Job
	err error
}

func (b *scriptedBackend) GetJob(_ context.Context, id string) (model.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.calls
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	b.calls++
	r := b.script[i]
	r.job.JobID = id
	return r.job, r.err
}

func (b *scriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recorder struct {
	mu      sync.Mutex
	updates []model.Job
	done    chan struct{}
	final   model.Job
	err     error
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{})} }

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnUpdate: func(j model.Job) {
			r.mu.Lock()
			r.updates = append(r.updates, j)
			r.mu.Unlock()
		},
		OnDone: func(j model.Job, err error) {
			r.final, r.err = j, err
			close(r.done)
		},
	}
}

func (r *recorder) Updates() []model.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Job(nil), r.updates...)
}

func tick(t *testing.T, clock *clockwork.FakeClock, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(d)
}

func TestPollerFollowsJobToCompletion(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &scriptedBackend{script: []result{
		{job: model.Job{Status: model.StatusRunning, TotalEmails: 100, ProcessedEmails: 40}},
		{job: model.Job{Status: model.StatusCompleted, TotalEmails: 100, ProcessedEmails: 100}},
	}}
	p := New(backend, schedule.New(clock, nil))
	rec := newRecorder()

	p.Start(context.Background(), "j1", rec.handlers())
	assert.True(t, p.Active())
	assert.Equal(t, "j1", p.JobID())
	done := p.Done()

	tick(t, clock, 2*time.Second)
	require.Eventually(t, func() bool { return len(rec.Updates()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 40, rec.Updates()[0].ProgressPercent())

	tick(t, clock, 2*time.Second)
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not finish")
	}
	<-done

	require.NoError(t, rec.err)
	assert.Equal(t, model.StatusCompleted, rec.final.Status)
	assert.False(t, p.Active())
	assert.Empty(t, p.JobID())

	// No further requests after the terminal status.
	clock.Advance(10 * time.Second)
	assert.Equal(t, 2, backend.Calls())
}

func TestPollerStopsOnError(t *testing.T) {
	clock := clockwork.NewFakeClock()
	boom := errors.New("connection refused")
	backend := &scriptedBackend{script: []result{{err: boom}}}
	p := New(backend, schedule.New(clock, nil))
	rec := newRecorder()

	p.Start(context.Background(), "j1", rec.handlers())
	done := p.Done()
	tick(t, clock, 2*time.Second)

	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop on error")
	}
	<-done
	assert.ErrorIs(t, rec.err, boom)
	assert.False(t, p.Active())
	assert.Empty(t, rec.Updates())
	assert.Equal(t, 1, backend.Calls(), "no retry after a failure")
}

func TestPollerStartReplacesLoop(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &scriptedBackend{script: []result{{job: model.Job{Status: model.StatusRunning, TotalEmails: 10, ProcessedEmails: 1}}}}
	p := New(backend, schedule.New(clock, nil))

	first := newRecorder()
	p.Start(context.Background(), "old", first.handlers())
	firstDone := p.Done()
	second := newRecorder()
	p.Start(context.Background(), "new", second.handlers())
	<-firstDone

	tick(t, clock, 2*time.Second)
	require.Eventually(t, func() bool { return len(second.Updates()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "new", second.Updates()[0].JobID)
	assert.Empty(t, first.Updates())
	assert.Equal(t, 1, backend.Calls())

	done := p.Done()
	p.Stop()
	<-done
	assert.False(t, p.Active())

	select {
	case <-second.done:
		t.Fatal("OnDone must not fire for an explicit Stop")
	default:
	}
}

type memCache struct {
	mu   sync.Mutex
	jobs map[string]model.Job
}

func (c *memCache) CacheJob(_ context.Context, j model.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs[j.JobID] = j
	return nil
}

func TestPollerCachesSnapshots(t *testing.T) {
	clock := clockwork.NewFakeClock()
	backend := &scriptedBackend{script: []result{{job: model.Job{Status: model.StatusFailed, TotalEmails: 5, ProcessedEmails: 2, ErrorCount: 3}}}}
	cache := &memCache{jobs: map[string]model.Job{}}
	p := New(backend, schedule.New(clock, nil), WithCache(cache), WithInterval(time.Second))
	rec := newRecorder()

	p.Start(context.Background(), "j9", rec.handlers())
	done := p.Done()
	tick(t, clock, time.Second)
	<-rec.done
	<-done

	cache.mu.Lock()
	defer cache.mu.Unlock()
	assert.Equal(t, model.StatusFailed, cache.jobs["j9"].Status)
	assert.Equal(t, 3, cache.jobs["j9"].ErrorCount)
}
