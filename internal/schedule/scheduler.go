package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"cloudidian/internal/logging"
)

// Options configure one repeating task.
type Options struct {
	Period time.Duration
	// Timeout stops the task after this long; zero means run until stopped.
	Timeout time.Duration
	// OnTimeout runs once, on the task goroutine, when Timeout expires.
	OnTimeout func()
}

// Func is invoked once per period. Returning false stops the task.
// ctx is cancelled as soon as the task is stopped or superseded, so any
// result obtained after that point must be discarded by the caller.
type Func func(ctx context.Context) bool

// Handle identifies a running task.
type Handle struct {
	key    string
	gen    uint64
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *Handle) Key() string { return h.key }

// Stop cancels the task. It does not wait for an in-flight Func to return.
func (h *Handle) Stop() { h.cancel() }

// Done is closed once the task goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Scheduler runs keyed repeating tasks. At most one task per key is alive:
// scheduling a key that is already running cancels the previous task first.
type Scheduler struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu    sync.Mutex
	gen   uint64
	tasks map[string]*Handle
}

func New(clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{clock: clock, logger: logger, tasks: make(map[string]*Handle)}
}

func (s *Scheduler) Clock() clockwork.Clock { return s.clock }

// Every starts fn on a ticker of opts.Period under key. The first call
// happens one period after scheduling.
func (s *Scheduler) Every(parent context.Context, key string, opts Options, fn Func) *Handle {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	if prev, ok := s.tasks[key]; ok {
		prev.cancel()
		s.logger.Debug("superseding scheduled task", "key", key)
	}
	s.gen++
	h := &Handle{key: key, gen: s.gen, cancel: cancel, done: make(chan struct{})}
	s.tasks[key] = h
	// Create the clock waiters before returning so tests can Advance right away.
	ticker := s.clock.NewTicker(opts.Period)
	var timer clockwork.Timer
	if opts.Timeout > 0 {
		timer = s.clock.NewTimer(opts.Timeout)
	}
	s.mu.Unlock()

	go s.run(ctx, h, ticker, timer, opts, fn)
	return h
}

func (s *Scheduler) run(ctx context.Context, h *Handle, ticker clockwork.Ticker, timer clockwork.Timer, opts Options, fn Func) {
	defer close(h.done)
	defer ticker.Stop()
	var deadline <-chan time.Time
	if timer != nil {
		defer timer.Stop()
		deadline = timer.Chan()
	}
	defer s.forget(h)
	defer h.cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			if ctx.Err() != nil {
				return
			}
			s.expire(h, opts)
			return
		case <-ticker.Chan():
			if ctx.Err() != nil {
				return
			}
			// A tick that races the deadline loses.
			select {
			case <-deadline:
				s.expire(h, opts)
				return
			default:
			}
			if !fn(ctx) {
				return
			}
		}
	}
}

func (s *Scheduler) expire(h *Handle, opts Options) {
	s.logger.Debug("scheduled task timed out", "key", h.Key(), "timeout", opts.Timeout)
	h.cancel()
	s.forget(h)
	if opts.OnTimeout != nil {
		opts.OnTimeout()
	}
}

// forget drops h from the registry unless a newer task took its key.
func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tasks[h.key]; ok && cur.gen == h.gen {
		delete(s.tasks, h.key)
	}
}

// Cancel stops the task registered under key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	h, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if ok {
		h.cancel()
	}
}

// Active reports whether a task is registered under key.
func (s *Scheduler) Active(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Current reports whether h is still the live task for its key.
func (s *Scheduler) Current(h *Handle) bool {
	if h == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[h.key]
	return ok && cur.gen == h.gen
}

// StopAll cancels every task. Used on shutdown.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*Handle)
	s.mu.Unlock()
	for _, h := range tasks {
		h.cancel()
	}
}
