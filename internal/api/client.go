package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"cloudidian/internal/logging"
	"cloudidian/internal/model"
)

// CredentialStore is the slice of the credential store the client needs:
// reading the bearer token and dropping it when the backend rejects it.
type CredentialStore interface {
	Token(ctx context.Context) (string, error)
	ClearCredential(ctx context.Context) error
}

// Client talks to the classification backend. It keeps no session state of
// its own; the token is read from the store on every authenticated call.
type Client struct {
	baseURL string
	base    *http.Client
	store   CredentialStore
	logger  *slog.Logger
}

type Option func(*Client)

// WithHTTPClient sets the underlying client (timeouts, test transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.base = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func New(baseURL string, store CredentialStore, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		base:    &http.Client{Timeout: 30 * time.Second},
		store:   store,
		logger:  logging.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

type authStart struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state,omitempty"`
}

// AuthorizationURL asks the backend where to send the user to sign in.
// redirect and state are forwarded so the callback can hand the credential
// back to the local listener; both may be empty.
func (c *Client) AuthorizationURL(ctx context.Context, redirect, state string) (string, error) {
	q := url.Values{}
	if redirect != "" {
		q.Set("redirect_uri", redirect)
	}
	if state != "" {
		q.Set("state", state)
	}
	path := "/auth/google/start"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out authStart
	if err := c.do(ctx, "auth start", http.MethodGet, path, nil, &out, false); err != nil {
		return "", err
	}
	if out.AuthorizationURL == "" {
		return "", fmt.Errorf("auth start: backend returned no authorization_url")
	}
	return out.AuthorizationURL, nil
}

// Me verifies the stored token and returns the profile it belongs to.
func (c *Client) Me(ctx context.Context) (model.User, error) {
	var u model.User
	err := c.do(ctx, "get user", http.MethodGet, "/api/user/me", nil, &u, true)
	return u, err
}

type startRequest struct {
	Mode  model.Mode  `json:"mode"`
	Scope model.Scope `json:"scope"`
}

// StartJob submits a sorting run. Mode and scope are sent as given.
func (c *Client) StartJob(ctx context.Context, mode model.Mode, scope model.Scope) (model.Job, error) {
	var j model.Job
	err := c.do(ctx, "start job", http.MethodPost, "/api/jobs/start", startRequest{Mode: mode, Scope: scope}, &j, true)
	if err != nil {
		return model.Job{}, err
	}
	if j.Status == "" {
		j.Status = model.StatusPending
	}
	j.Mode, j.Scope = mode, scope
	c.logger.Info("job started", logging.JobID(j.JobID), "mode", mode, "scope", scope)
	return j, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (model.Job, error) {
	var j model.Job
	err := c.do(ctx, "get job", http.MethodGet, "/api/jobs/"+url.PathEscape(jobID), nil, &j, true)
	return j, err
}

type cancelResponse struct {
	JobID  string          `json:"job_id"`
	Status model.JobStatus `json:"status"`
}

// CancelJob asks the backend to stop a pending or running job.
func (c *Client) CancelJob(ctx context.Context, jobID string) (model.JobStatus, error) {
	var out cancelResponse
	err := c.do(ctx, "cancel job", http.MethodPost, "/api/jobs/"+url.PathEscape(jobID)+"/cancel", nil, &out, true)
	if err != nil {
		return "", err
	}
	c.logger.Info("job cancelled", logging.JobID(jobID), logging.Status(string(out.Status)))
	return out.Status, nil
}

// ListJobs returns the most recent jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]model.Job, error) {
	path := "/api/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var jobs []model.Job
	err := c.do(ctx, "list jobs", http.MethodGet, path, nil, &jobs, true)
	return jobs, err
}

func (c *Client) Stats(ctx context.Context) (model.Stats, error) {
	var s model.Stats
	err := c.do(ctx, "get stats", http.MethodGet, "/api/stats", nil, &s, true)
	return s, err
}

func (c *Client) Categories(ctx context.Context) ([]model.Category, error) {
	var cats []model.Category
	err := c.do(ctx, "get categories", http.MethodGet, "/api/categories", nil, &cats, true)
	return cats, err
}

// Health is the backend's unauthenticated liveness probe.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	err := c.do(ctx, "health", http.MethodGet, "/health", nil, &h, false)
	return h, err
}

type errorBody struct {
	Detail json.RawMessage `json:"detail"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any, auth bool) error {
	log := logging.WithOperation(c.logger, op)
	hc := c.base
	tok := ""
	if auth {
		var err error
		tok, err = c.store.Token(ctx)
		if err != nil {
			return fmt.Errorf("%s: read credential: %w", op, err)
		}
		if tok == "" {
			return fmt.Errorf("%s: %w", op, ErrUnauthenticated)
		}
		hc = bearerClient(c.base, tok)
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	log.Debug("backend request", "method", method, "path", path, "token", logging.SanitizeToken(tok))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized && auth {
		log.Warn("backend rejected token, clearing credential")
		if err := c.store.ClearCredential(context.WithoutCancel(ctx)); err != nil {
			log.Error("clear credential failed", logging.Err(err))
		}
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Op: op, StatusCode: resp.StatusCode, Detail: readDetail(resp.Body)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// bearerClient shares the base client's transport and timeout but signs
// every request with tok.
func bearerClient(base *http.Client, tok string) *http.Client {
	return &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}),
			Base:   base.Transport,
		},
	}
}

// readDetail pulls FastAPI's {"detail": ...}; detail may be a string or a
// validation error list.
func readDetail(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil || len(b) == 0 {
		return ""
	}
	var eb errorBody
	if err := json.Unmarshal(b, &eb); err != nil || len(eb.Detail) == 0 {
		return strings.TrimSpace(string(b))
	}
	var s string
	if err := json.Unmarshal(eb.Detail, &s); err == nil {
		return s
	}
	return string(eb.Detail)
}
