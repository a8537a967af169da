package gmail

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"cloudidian/internal/logging"
)

// ErrNoClientSecret means client_secret.json is missing, so the inbox view
// cannot read labels.
var ErrNoClientSecret = errors.New("gmail client secret not found")

const tokenFile = "gmail_token.json"

// Options configure NewService.
type Options struct {
	// SecretPath is the OAuth client file downloaded from the Cloud console.
	SecretPath string
	// TokenDir holds the cached token.
	TokenDir string
	// Prompt receives the consent URL when interactive sign-in is needed.
	Prompt func(authURL string)
	// Paste, when set, is read for a pasted code or redirect URL if the
	// loopback redirect does not arrive within Wait.
	Paste  io.Reader
	Wait   time.Duration
	Logger *slog.Logger
}

// NewService returns a read-only Gmail service, reusing the cached token
// when it still works and running the loopback consent flow otherwise.
func NewService(ctx context.Context, opts Options) (*gmailv1.Service, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Wait <= 0 {
		opts.Wait = 120 * time.Second
	}
	b, err := os.ReadFile(opts.SecretPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNoClientSecret, opts.SecretPath)
		}
		return nil, fmt.Errorf("read client secret: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailv1.GmailReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth config: %w", err)
	}

	tokPath := filepath.Join(opts.TokenDir, tokenFile)
	if tok, err := readToken(tokPath); err == nil {
		svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
		if err == nil {
			_, err = svc.Users.GetProfile("me").Context(ctx).Do()
		}
		if err == nil {
			return svc, nil
		}
		opts.Logger.Info("cached gmail token rejected, signing in again", logging.Err(err))
		os.Remove(tokPath)
	}

	tok, err := tokenFromWeb(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := saveToken(tokPath, tok); err != nil {
		return nil, err
	}
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(cfg.Client(ctx, tok)))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return svc, nil
}

// HasClientSecret reports whether the inbox view can be offered at all.
func HasClientSecret(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		f.Close()
		return err
	}
	f.Close()
	return os.Rename(tmp, path)
}

// tokenFromWeb runs a loopback server to catch the consent redirect. If it
// does not arrive in time and a Paste reader is set, the user can paste the
// code or the full redirect URL instead.
func tokenFromWeb(ctx context.Context, cfg *oauth2.Config, opts Options) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen on loopback: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	c := *cfg
	c.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/", port)

	codeCh := make(chan string, 1)
	mux := http.NewServeMux()
	srv := &http.Server{
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "Missing 'code' parameter", http.StatusBadRequest)
			return
		}
		fmt.Fprintln(w, "Authentication complete. You can close this window.")
		select {
		case codeCh <- code:
		default:
		}
	})
	go func() { _ = srv.Serve(ln) }()
	defer srv.Shutdown(context.Background())

	authURL := c.AuthCodeURL("cloudidian-inbox", oauth2.AccessTypeOffline)
	if opts.Prompt != nil {
		opts.Prompt(authURL)
	}
	opts.Logger.Info("waiting for gmail consent", "redirect", c.RedirectURL)

	timer := time.NewTimer(opts.Wait)
	defer timer.Stop()

	var code string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case code = <-codeCh:
	case <-timer.C:
		if opts.Paste == nil {
			return nil, errors.New("timed out waiting for gmail consent")
		}
		code, err = readPastedCode(opts.Paste)
		if err != nil {
			return nil, err
		}
	}

	tok, err := c.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	return tok, nil
}

// readPastedCode accepts either the bare code or the whole redirect URL.
func readPastedCode(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("read auth code: %w", err)
		}
		return "", errors.New("empty authorization code")
	}
	return codeFromInput(sc.Text())
}

func codeFromInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.HasPrefix(input, "http://") && !strings.HasPrefix(input, "https://") {
		return input, nil
	}
	u, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	c := u.Query().Get("code")
	if c == "" {
		return "", errors.New("no 'code' parameter found in pasted URL")
	}
	return c, nil
}
