package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"cloudidian/internal/logging"
	"cloudidian/internal/metrics"
	"cloudidian/internal/model"
	"cloudidian/internal/schedule"
)

const (
	DefaultInterval = 2 * time.Second
	taskKey         = "job-poll"
)

// JobGetter fetches the backend's current view of a job.
type JobGetter interface {
	GetJob(ctx context.Context, jobID string) (model.Job, error)
}

// JobCache keeps the read-only local copy of polled jobs.
type JobCache interface {
	CacheJob(ctx context.Context, j model.Job) error
}

// Handlers receive poll results. Both run on the poller goroutine.
type Handlers struct {
	// OnUpdate is called with every job snapshot, including the terminal one.
	OnUpdate func(model.Job)
	// OnDone is called exactly once per loop that ends on its own: with the
	// terminal job, or with the error that stopped polling. It is not called
	// for loops ended by Stop or superseded by Start.
	OnDone func(model.Job, error)
}

// Poller follows one job at a time until it reaches a terminal status.
type Poller struct {
	client   JobGetter
	cache    JobCache
	sched    *schedule.Scheduler
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	gen   uint64
	jobID string
	live  *schedule.Handle
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithCache(c JobCache) Option { return func(p *Poller) { p.cache = c } }
func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

func New(client JobGetter, sched *schedule.Scheduler, opts ...Option) *Poller {
	p := &Poller{
		client:   client,
		sched:    sched,
		interval: DefaultInterval,
		logger:   logging.Discard(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start begins polling jobID, replacing any loop already running.
func (p *Poller) Start(ctx context.Context, jobID string, h Handlers) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.live != nil {
		p.logger.Debug("replacing job poll", logging.JobID(p.jobID))
		p.live.Stop()
	}
	p.gen++
	gen := p.gen
	p.jobID = jobID
	logger := p.logger.With(logging.JobID(jobID))
	logger.Info("polling job")

	p.live = p.sched.Every(ctx, taskKey, schedule.Options{Period: p.interval}, func(ctx context.Context) bool {
		job, err := p.client.GetJob(ctx, jobID)
		if ctx.Err() != nil {
			// Stopped while the request was in flight.
			return false
		}
		if err != nil {
			p.metrics.ObservePoll(metrics.OutcomeError)
			logger.Warn("job poll failed, stopping", logging.Err(err))
			p.finish(gen, h, model.Job{}, err)
			return false
		}
		if p.cache != nil {
			if err := p.cache.CacheJob(ctx, job); err != nil {
				logger.Debug("cache job failed", logging.Err(err))
			}
		}
		p.metrics.SetProgress(jobID, job.ProgressPercent())
		if h.OnUpdate != nil {
			h.OnUpdate(job)
		}
		if job.Status.Terminal() {
			p.metrics.ObservePoll(metrics.OutcomeTerminal)
			logger.Info("job finished", logging.Status(string(job.Status)))
			p.finish(gen, h, job, nil)
			return false
		}
		p.metrics.ObservePoll(metrics.OutcomeUpdate)
		return true
	})
}

func (p *Poller) finish(gen uint64, h Handlers, job model.Job, err error) {
	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		return
	}
	p.live = nil
	p.jobID = ""
	p.mu.Unlock()

	if h.OnDone != nil {
		h.OnDone(job, err)
	}
}

// Stop ends the current loop without calling OnDone.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live != nil {
		p.live.Stop()
		p.live = nil
	}
	p.gen++
	p.jobID = ""
}

// Active reports whether a loop is currently polling.
func (p *Poller) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live != nil
}

// JobID is the job being followed, or "" when idle.
func (p *Poller) JobID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobID
}

// Done is closed when the current loop exits; nil when idle.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live == nil {
		return nil
	}
	return p.live.Done()
}
