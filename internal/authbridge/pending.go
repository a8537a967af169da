package authbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"cloudidian/internal/model"
)

// Keys written by the sign-in page into its transient store.
const (
	KeyPending   = "cloudidian_auth_pending"
	KeyTimestamp = "cloudidian_auth_timestamp"
)

// ErrStaleAuthData marks a hand-off record older than the freshness window.
// It is logged and the record is left alone; it never reaches the user.
var ErrStaleAuthData = errors.New("auth hand-off record is stale")

// PendingStore is a page-local string store, the shape of window.localStorage.
type PendingStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
}

// MemoryPendingStore is a PendingStore guarded by a mutex.
type MemoryPendingStore struct {
	mu   sync.Mutex
	vals map[string]string
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{vals: make(map[string]string)}
}

func (m *MemoryPendingStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok
}

func (m *MemoryPendingStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
}

func (m *MemoryPendingStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.vals, key)
}

type pendingPayload struct {
	Token string     `json:"token"`
	User  model.User `json:"user"`
}

// WritePending stores a hand-off record the way the sign-in page does.
func WritePending(s PendingStore, c model.Credential, at time.Time) error {
	b, err := json.Marshal(pendingPayload{Token: c.Token, User: c.User})
	if err != nil {
		return err
	}
	s.Set(KeyPending, string(b))
	s.Set(KeyTimestamp, strconv.FormatInt(at.UnixMilli(), 10))
	return nil
}

// ReadPending decodes the record, if any. A record with a missing or
// unparsable timestamp is reported as an error so the caller skips it.
func ReadPending(s PendingStore) (model.PendingAuth, bool, error) {
	raw, ok := s.Get(KeyPending)
	if !ok || raw == "" {
		return model.PendingAuth{}, false, nil
	}
	var p pendingPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.PendingAuth{}, false, fmt.Errorf("decode %s: %w", KeyPending, err)
	}
	tsRaw, ok := s.Get(KeyTimestamp)
	if !ok {
		return model.PendingAuth{}, false, fmt.Errorf("%s present without %s", KeyPending, KeyTimestamp)
	}
	ms, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return model.PendingAuth{}, false, fmt.Errorf("decode %s: %w", KeyTimestamp, err)
	}
	return model.PendingAuth{Token: p.Token, User: p.User, Timestamp: time.UnixMilli(ms)}, true, nil
}

// ClearPending removes both keys.
func ClearPending(s PendingStore) {
	s.Delete(KeyPending)
	s.Delete(KeyTimestamp)
}

func checkFresh(p model.PendingAuth, now time.Time) error {
	if !p.Fresh(now) {
		return fmt.Errorf("%w: age %s", ErrStaleAuthData, now.Sub(p.Timestamp).Truncate(time.Millisecond))
	}
	return nil
}
