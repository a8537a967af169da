package authbridge

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"cloudidian/internal/logging"
	"cloudidian/internal/model"
)

// CallbackPath is where the backend redirects the browser after sign-in.
const CallbackPath = "/callback"

// CallbackServer is a loopback listener that receives the credential from
// the backend's sign-in redirect. It replaces reading the sign-in page's
// content: the redirect carries the credential plus the per-login state
// nonce, and only a matching nonce is accepted.
//
// A delivery is written into the server's PendingStore under the standard
// keys; the Bridge consumes it from there like from any other Source.
type CallbackServer struct {
	state   string
	ln      net.Listener
	srv     *http.Server
	pending *MemoryPendingStore
	clock   clockwork.Clock
	logger  *slog.Logger

	mu        sync.Mutex
	onDeliver func(url string)
	closeOnce sync.Once
	closeErr  error
}

type CallbackOption func(*CallbackServer)

func WithCallbackClock(c clockwork.Clock) CallbackOption {
	return func(s *CallbackServer) { s.clock = c }
}

func WithCallbackLogger(l *slog.Logger) CallbackOption {
	return func(s *CallbackServer) { s.logger = l }
}

// NewCallbackServer listens on a random loopback port and starts serving.
func NewCallbackServer(state string, opts ...CallbackOption) (*CallbackServer, error) {
	if state == "" {
		return nil, errors.New("callback server: empty state")
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}
	s := &CallbackServer{
		state:   state,
		ln:      ln,
		pending: NewMemoryPendingStore(),
		clock:   clockwork.NewRealClock(),
		logger:  logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, s.handleCallback)
	s.srv = &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() { _ = s.srv.Serve(ln) }()
	return s, nil
}

// OnDeliver registers a hook run after each accepted delivery, with the
// absolute callback URL (never the query carrying the credential). The
// dashboard uses it to start detection automatically.
func (s *CallbackServer) OnDeliver(fn func(url string)) {
	s.mu.Lock()
	s.onDeliver = fn
	s.mu.Unlock()
}

// RedirectURL is the URL the backend should send the browser to.
func (s *CallbackServer) RedirectURL() string {
	port := s.ln.Addr().(*net.TCPAddr).Port
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, CallbackPath)
}

func (s *CallbackServer) State() string { return s.state }

func (s *CallbackServer) ID() string  { return "loopback:" + strconv.Itoa(s.ln.Addr().(*net.TCPAddr).Port) }
func (s *CallbackServer) URL() string { return s.RedirectURL() }

func (s *CallbackServer) ReadPending(context.Context) (model.PendingAuth, bool, error) {
	return ReadPending(s.pending)
}

func (s *CallbackServer) ClearPending(context.Context) error {
	ClearPending(s.pending)
	return nil
}

// Close stops the listener. Safe to call more than once.
func (s *CallbackServer) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.closeErr = s.srv.Shutdown(ctx)
	})
	return s.closeErr
}

// delivery is the POST form of a callback.
type delivery struct {
	State     string     `json:"state"`
	Token     string     `json:"token"`
	User      model.User `json:"user"`
	Timestamp int64      `json:"timestamp"`
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	var d delivery
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if e := q.Get("error"); e != "" {
			s.logger.Warn("sign-in failed at provider", "reason", e)
			http.Error(w, "Authentication failed: "+e, http.StatusBadRequest)
			return
		}
		d.State = q.Get("state")
		raw, err := base64.RawURLEncoding.DecodeString(q.Get("payload"))
		if err != nil {
			http.Error(w, "Malformed 'payload' parameter", http.StatusBadRequest)
			return
		}
		var p pendingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			http.Error(w, "Malformed 'payload' parameter", http.StatusBadRequest)
			return
		}
		d.Token, d.User = p.Token, p.User
		if ts := q.Get("ts"); ts != "" {
			if d.Timestamp, err = strconv.ParseInt(ts, 10, 64); err != nil {
				http.Error(w, "Malformed 'ts' parameter", http.StatusBadRequest)
				return
			}
		}
	case http.MethodPost:
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&d); err != nil {
			http.Error(w, "Malformed body", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if subtle.ConstantTimeCompare([]byte(d.State), []byte(s.state)) != 1 {
		s.logger.Warn("rejected callback with mismatched state")
		http.Error(w, "State mismatch", http.StatusForbidden)
		return
	}
	cred := model.Credential{Token: d.Token, User: d.User}
	if !cred.Complete() {
		http.Error(w, "Missing token or user", http.StatusBadRequest)
		return
	}
	at := s.clock.Now()
	if d.Timestamp > 0 {
		at = time.UnixMilli(d.Timestamp)
	}
	if err := WritePending(s.pending, cred, at); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("sign-in delivered to loopback", logging.UserHash(cred.User.Email))
	fmt.Fprintln(w, "Authentication complete. You can close this window.")

	s.mu.Lock()
	hook := s.onDeliver
	s.mu.Unlock()
	if hook != nil {
		hook(s.RedirectURL())
	}
}

// EncodePayload builds the `payload` query value for a GET callback.
func EncodePayload(c model.Credential) (string, error) {
	b, err := json.Marshal(pendingPayload{Token: c.Token, User: c.User})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
