package authbridge

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

const callbackURL = "http://localhost:8000/auth/google/callback?token=x"

var alice = model.Credential{
	Token: "jwt-alice",
	User:  model.User{ID: "u1", Email: "alice@example.com", Name: "Alice"},
}

type memWriter struct {
	mu    sync.Mutex
	saved []model.Credential
}

func (w *memWriter) SaveCredential(_ context.Context, c model.Credential) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.saved = append(w.saved, c)
	return nil
}

func (w *memWriter) Saved() []model.Credential {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]model.Credential(nil), w.saved...)
}

// countingSource counts inspections so tests can wait for a pass.
type countingSource struct {
	*StoreSource
	mu     sync.Mutex
	reads  int
	closed int
	err    error
}

func newCountingSource(id, url string) *countingSource {
	return &countingSource{StoreSource: &StoreSource{SourceID: id, Location: url, Store: NewMemoryPendingStore()}}
}

func (s *countingSource) ReadPending(ctx context.Context) (model.PendingAuth, bool, error) {
	s.mu.Lock()
	s.reads++
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return model.PendingAuth{}, false, err
	}
	return s.StoreSource.ReadPending(ctx)
}

func (s *countingSource) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *countingSource) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *countingSource) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fixture struct {
	clock  *clockwork.FakeClock
	tabs   *Tabs
	writer *memWriter
	bridge *Bridge
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &fixture{clock: clock, tabs: NewTabs(), writer: &memWriter{}}
	f.bridge = New(f.tabs, f.writer, schedule.New(clock, nil))
	t.Cleanup(func() {
		f.bridge.Stop()
		<-f.bridge.Done()
	})
	return f
}

// advance waits for the loop's ticker and deadline timer, then moves time on.
func (f *fixture) advance(t *testing.T, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.clock.BlockUntilContext(ctx, 2))
	f.clock.Advance(d)
}

func waitDone(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("detection loop did not exit")
	}
}

func TestFreshRecordIsPromotedOnce(t *testing.T) {
	f := newFixture(t)
	src := newCountingSource("tab-1", callbackURL)
	require.NoError(t, WritePending(src.Store, alice, f.clock.Now()))
	f.tabs.Open(src)

	var got []model.Credential
	var mu sync.Mutex
	f.bridge.Subscribe(func(c model.Credential) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})

	f.bridge.Start(context.Background())
	assert.True(t, f.bridge.Running())
	f.advance(t, time.Second)
	waitDone(t, f.bridge.Done())

	assert.Equal(t, []model.Credential{alice}, f.writer.Saved())
	_, ok := src.Store.Get(KeyPending)
	assert.False(t, ok, "pending key must be deleted")
	_, ok = src.Store.Get(KeyTimestamp)
	assert.False(t, ok, "timestamp key must be deleted")
	assert.Equal(t, 1, src.Closed())
	assert.Equal(t, 0, f.tabs.Len())
	assert.False(t, f.bridge.Running())

	mu.Lock()
	assert.Equal(t, []model.Credential{alice}, got)
	mu.Unlock()
}

func TestPromotionWithoutSubscribers(t *testing.T) {
	f := newFixture(t)
	src := newCountingSource("tab-1", callbackURL)
	require.NoError(t, WritePending(src.Store, alice, f.clock.Now()))
	f.tabs.Open(src)

	f.bridge.Start(context.Background())
	f.advance(t, time.Second)
	waitDone(t, f.bridge.Done())
	assert.Len(t, f.writer.Saved(), 1)
}

func TestStaleRecordIsNeverPromoted(t *testing.T) {
	f := newFixture(t)
	src := newCountingSource("tab-1", callbackURL)
	require.NoError(t, WritePending(src.Store, alice, f.clock.Now().Add(-31*time.Second)))
	f.tabs.Open(src)

	f.bridge.Start(context.Background())
	f.advance(t, time.Second)
	require.Eventually(t, func() bool { return src.Reads() >= 1 }, time.Second, time.Millisecond)
	f.advance(t, time.Second)
	require.Eventually(t, func() bool { return src.Reads() >= 2 }, time.Second, time.Millisecond)

	assert.Empty(t, f.writer.Saved())
	_, ok := src.Store.Get(KeyPending)
	assert.True(t, ok, "stale record is left in place")
	assert.Equal(t, 0, src.Closed())
	assert.True(t, f.bridge.Running())
}

func TestNonCallbackSourcesAreIgnored(t *testing.T) {
	f := newFixture(t)
	src := newCountingSource("tab-1", "https://mail.google.com/mail/u/0/#inbox")
	require.NoError(t, WritePending(src.Store, alice, f.clock.Now()))
	probe := newCountingSource("tab-2", callbackURL)
	f.tabs.Open(src)
	f.tabs.Open(probe)

	f.bridge.Start(context.Background())
	f.advance(t, time.Second)
	require.Eventually(t, func() bool { return probe.Reads() >= 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, src.Reads())
	assert.Empty(t, f.writer.Saved())
}

func TestInspectionErrorsAreSkipped(t *testing.T) {
	f := newFixture(t)
	broken := newCountingSource("a-broken", callbackURL)
	broken.err = errors.New("cannot access contents of the page")
	good := newCountingSource("b-good", callbackURL)
	require.NoError(t, WritePending(good.Store, alice, f.clock.Now()))
	f.tabs.Open(broken)
	f.tabs.Open(good)

	f.bridge.Start(context.Background())
	f.advance(t, time.Second)
	waitDone(t, f.bridge.Done())

	assert.Equal(t, 1, broken.Reads())
	assert.Equal(t, 0, broken.Closed())
	assert.Equal(t, []model.Credential{alice}, f.writer.Saved())
	assert.Equal(t, 1, good.Closed())
}

func TestStartReplacesRunningLoop(t *testing.T) {
	f := newFixture(t)
	f.bridge.Start(context.Background())
	first := f.bridge.Done()
	f.bridge.Start(context.Background())
	waitDone(t, first)

	assert.True(t, f.bridge.Running())
	second := f.bridge.Done()
	f.bridge.Stop()
	waitDone(t, second)
	assert.False(t, f.bridge.Running())
}

func TestTimeoutWritesNothing(t *testing.T) {
	f := newFixture(t)
	timedOut := make(chan struct{})
	f.bridge.OnTimeout(func() { close(timedOut) })

	f.bridge.Start(context.Background())
	f.advance(t, DefaultTimeout)
	select {
	case <-timedOut:
	case <-time.After(2 * time.Second):
		t.Fatal("OnTimeout not called")
	}
	waitDone(t, f.bridge.Done())

	assert.False(t, f.bridge.Running())
	assert.Empty(t, f.writer.Saved())
}

func TestNoticeStartsDetectionForCallbackURLs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.False(t, f.bridge.Notice(ctx, "https://example.com/settings"))
	assert.False(t, f.bridge.Running())

	assert.True(t, f.bridge.Notice(ctx, "http://127.0.0.1:49152/callback?state=s"))
	assert.True(t, f.bridge.Running())
	assert.False(t, f.bridge.Notice(ctx, callbackURL), "already running")
}

func TestIsCallbackURL(t *testing.T) {
	b := New(NewTabs(), &memWriter{}, schedule.New(nil, nil))
	cases := map[string]bool{
		"http://localhost:8000/auth/google/callback":          true,
		"http://localhost:8000/auth/google/callback?code=abc": true,
		"https://api.cloudidian.app/auth/google/callback#x":   true,
		"http://127.0.0.1:5555/callback":                      true,
		"http://127.0.0.1:5555/callback?state=s&payload=p":    true,
		"http://localhost:8000/auth/google/callbacks":         false,
		"http://localhost:8000/auth/google/start":             false,
		"https://mail.google.com/mail/u/0/#inbox":             false,
		"":                                                    false,
	}
	for url, want := range cases {
		assert.Equal(t, want, b.IsCallbackURL(url), url)
	}
}

func TestPendingRoundTripAndFreshness(t *testing.T) {
	s := NewMemoryPendingStore()
	at := time.UnixMilli(1_700_000_000_000)
	require.NoError(t, WritePending(s, alice, at))

	raw, _ := s.Get(KeyTimestamp)
	assert.Equal(t, "1700000000000", raw)

	rec, ok, err := ReadPending(s)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, alice, rec.Credential())
	assert.True(t, rec.Timestamp.Equal(at))

	assert.NoError(t, checkFresh(rec, at.Add(29*time.Second)))
	assert.ErrorIs(t, checkFresh(rec, at.Add(30*time.Second)), ErrStaleAuthData)

	s.Delete(KeyTimestamp)
	_, _, err = ReadPending(s)
	assert.Error(t, err)

	ClearPending(s)
	_, ok, err = ReadPending(s)
	assert.NoError(t, err)
	assert.False(t, ok)
}
