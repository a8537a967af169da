package authbridge

import (
	"context"
	"sort"
	"sync"

	"cloudidian/internal/model"
)

// Source is one place a finished sign-in can surface, the way a browser
// tab does: it has a location, a transient store that can be inspected,
// and it can be closed once consumed.
type Source interface {
	ID() string
	URL() string
	ReadPending(ctx context.Context) (model.PendingAuth, bool, error)
	ClearPending(ctx context.Context) error
	Close() error
}

// SourceLister enumerates the sources open right now.
type SourceLister interface {
	Sources(ctx context.Context) ([]Source, error)
}

// Tabs is the registry of open sources. Closing a source through the
// registry also removes it.
type Tabs struct {
	mu   sync.Mutex
	open map[string]Source
}

func NewTabs() *Tabs {
	return &Tabs{open: make(map[string]Source)}
}

// Open registers src and returns the handle the bridge should use.
func (t *Tabs) Open(src Source) Source {
	tb := &tab{Source: src, tabs: t}
	t.mu.Lock()
	t.open[src.ID()] = tb
	t.mu.Unlock()
	return tb
}

// Sources returns the open sources ordered by id.
func (t *Tabs) Sources(context.Context) ([]Source, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Source, 0, len(t.open))
	for _, s := range t.open {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

func (t *Tabs) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// CloseAll closes every registered source, returning the first error.
func (t *Tabs) CloseAll() error {
	srcs, _ := t.Sources(context.Background())
	var first error
	for _, s := range srcs {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type tab struct {
	Source
	tabs *Tabs
	once sync.Once
	err  error
}

func (t *tab) Close() error {
	t.once.Do(func() {
		t.tabs.mu.Lock()
		if cur, ok := t.tabs.open[t.ID()]; ok && cur == Source(t) {
			delete(t.tabs.open, t.ID())
		}
		t.tabs.mu.Unlock()
		t.err = t.Source.Close()
	})
	return t.err
}

// StoreSource adapts a PendingStore at a fixed URL into a Source.
type StoreSource struct {
	SourceID string
	Location string
	Store    PendingStore
	OnClose  func() error
}

func (s *StoreSource) ID() string  { return s.SourceID }
func (s *StoreSource) URL() string { return s.Location }

func (s *StoreSource) ReadPending(context.Context) (model.PendingAuth, bool, error) {
	return ReadPending(s.Store)
}

func (s *StoreSource) ClearPending(context.Context) error {
	ClearPending(s.Store)
	return nil
}

func (s *StoreSource) Close() error {
	if s.OnClose != nil {
		return s.OnClose()
	}
	return nil
}
