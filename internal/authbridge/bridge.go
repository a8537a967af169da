package authbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"cloudidian/internal/logging"
	"cloudidian/internal/metrics"
	"cloudidian/internal/model"
	"cloudidian/internal/schedule"
)

const (
	taskKey        = "auth-detect"
	DefaultPeriod  = time.Second
	DefaultTimeout = 120 * time.Second
)

// DefaultCallbackPattern matches the backend's sign-in callback page and the
// loopback listener's path.
var DefaultCallbackPattern = regexp.MustCompile(`^https?://[^/?#]+(?:/auth/google)?/callback(?:[?#]|$)`)

// CredentialWriter persists a detected credential.
type CredentialWriter interface {
	SaveCredential(ctx context.Context, c model.Credential) error
}

// Bridge watches open sources for a finished sign-in and promotes the
// credential it finds into the store. Only one detection loop runs at a time.
type Bridge struct {
	sources SourceLister
	store   CredentialWriter
	sched   *schedule.Scheduler
	logger  *slog.Logger
	metrics *metrics.Metrics
	period  time.Duration
	timeout time.Duration
	pattern *regexp.Regexp

	// consume serializes read-persist-clear so a record is promoted once.
	consume sync.Mutex

	mu        sync.Mutex
	handle    *schedule.Handle
	subs      map[int]func(model.Credential)
	nextSub   int
	onTimeout []func()
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(b *Bridge) { b.metrics = m } }

// WithTiming overrides the check period and overall timeout.
func WithTiming(period, timeout time.Duration) Option {
	return func(b *Bridge) { b.period, b.timeout = period, timeout }
}

func WithCallbackPattern(re *regexp.Regexp) Option {
	return func(b *Bridge) { b.pattern = re }
}

func New(sources SourceLister, store CredentialWriter, sched *schedule.Scheduler, opts ...Option) *Bridge {
	b := &Bridge{
		sources: sources,
		store:   store,
		sched:   sched,
		logger:  logging.Discard(),
		period:  DefaultPeriod,
		timeout: DefaultTimeout,
		pattern: DefaultCallbackPattern,
		subs:    make(map[int]func(model.Credential)),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// IsCallbackURL reports whether url is a sign-in callback location.
func (b *Bridge) IsCallbackURL(url string) bool {
	return b.pattern.MatchString(url)
}

// Subscribe registers fn for every completed sign-in and returns a func
// that removes it.
func (b *Bridge) Subscribe(fn func(model.Credential)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// OnTimeout registers fn to run when a detection loop gives up.
func (b *Bridge) OnTimeout(fn func()) {
	b.mu.Lock()
	b.onTimeout = append(b.onTimeout, fn)
	b.mu.Unlock()
}

// Start begins detection, replacing any loop already running.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Info("auth detection started", "period", b.period, "timeout", b.timeout)
	b.handle = b.sched.Every(ctx, taskKey, schedule.Options{
		Period:    b.period,
		Timeout:   b.timeout,
		OnTimeout: b.timedOut,
	}, b.check)
}

// Notice starts detection when url is a callback location and no loop is
// running yet. It reports whether a loop was started.
func (b *Bridge) Notice(ctx context.Context, url string) bool {
	if !b.IsCallbackURL(url) || b.Running() {
		return false
	}
	b.logger.Debug("callback location seen", logging.Source(url))
	b.Start(ctx)
	return true
}

func (b *Bridge) Stop() {
	b.sched.Cancel(taskKey)
}

// stopCurrent ends the live loop so Running is false before subscribers run.
func (b *Bridge) stopCurrent() {
	b.mu.Lock()
	h := b.handle
	b.mu.Unlock()
	if b.sched.Current(h) {
		b.sched.Cancel(taskKey)
	}
}

func (b *Bridge) Running() bool {
	return b.sched.Active(taskKey)
}

// Done is closed when the most recently started loop exits.
func (b *Bridge) Done() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handle == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return b.handle.Done()
}

func (b *Bridge) timedOut() {
	b.logger.Warn("auth detection timed out", "timeout", b.timeout)
	b.metrics.ObserveAuth(metrics.AuthTimeout)
	b.mu.Lock()
	fns := append([]func(){}, b.onTimeout...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// check is one detection pass. It returns false once a credential has
// been promoted, which ends the loop.
func (b *Bridge) check(ctx context.Context) bool {
	srcs, err := b.sources.Sources(ctx)
	if err != nil {
		b.logger.Warn("list sources failed", logging.Err(err))
		return true
	}
	for _, src := range srcs {
		if ctx.Err() != nil {
			return false
		}
		if !b.IsCallbackURL(src.URL()) {
			continue
		}
		cred, ok, err := b.promote(ctx, src)
		if err != nil {
			if errors.Is(err, ErrStaleAuthData) {
				b.metrics.ObserveAuth(metrics.AuthStale)
				b.logger.Debug("ignoring stale hand-off record", logging.Source(src.URL()), logging.Err(err))
			} else {
				b.metrics.ObserveAuth(metrics.AuthInspectErr)
				b.logger.Warn("inspect source failed", logging.Source(src.URL()), logging.Err(err))
			}
			continue
		}
		if !ok {
			continue
		}
		b.stopCurrent()
		if err := src.Close(); err != nil {
			b.logger.Warn("close source failed", logging.Source(src.URL()), logging.Err(err))
		}
		b.metrics.ObserveAuth(metrics.AuthCompleted)
		b.logger.Info("sign-in completed", logging.UserHash(cred.User.Email))
		b.broadcast(cred)
		return false
	}
	return true
}

// promote reads src and, when a fresh record is there, persists it and
// removes it from src. The record is gone before promote returns, so a
// concurrent or later pass cannot promote it again.
func (b *Bridge) promote(ctx context.Context, src Source) (model.Credential, bool, error) {
	b.consume.Lock()
	defer b.consume.Unlock()

	rec, ok, err := src.ReadPending(ctx)
	if err != nil || !ok {
		return model.Credential{}, false, err
	}
	if err := checkFresh(rec, b.sched.Clock().Now()); err != nil {
		return model.Credential{}, false, err
	}
	cred := rec.Credential()
	if !cred.Complete() {
		return model.Credential{}, false, fmt.Errorf("hand-off record is missing token or user")
	}
	if ctx.Err() != nil {
		return model.Credential{}, false, ctx.Err()
	}
	if err := b.store.SaveCredential(context.WithoutCancel(ctx), cred); err != nil {
		return model.Credential{}, false, fmt.Errorf("save credential: %w", err)
	}
	if err := src.ClearPending(ctx); err != nil {
		b.logger.Warn("clear hand-off record failed", logging.Source(src.URL()), logging.Err(err))
	}
	return cred, true, nil
}

func (b *Bridge) broadcast(c model.Credential) {
	b.mu.Lock()
	fns := make([]func(model.Credential), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(c)
	}
}
