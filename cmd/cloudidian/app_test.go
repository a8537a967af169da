package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudidian/internal/api"
	"cloudidian/internal/config"
	"cloudidian/internal/logging"
	"cloudidian/internal/model"
	"cloudidian/internal/store"
)

func testApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return &app{cfg: config.Default(dir), store: st, logger: logging.Discard()}
}

func TestResolveAPIURL(t *testing.T) {
	ctx := context.Background()
	t.Setenv(config.EnvAPIURL, "")

	t.Run("default without remembered value", func(t *testing.T) {
		a := testApp(t)
		require.NoError(t, a.resolveAPIURL(ctx, ""))
		assert.Equal(t, config.DefaultAPIURL, a.cfg.APIURL)
	})

	t.Run("flag is remembered", func(t *testing.T) {
		a := testApp(t)
		require.NoError(t, a.resolveAPIURL(ctx, " https://sort.example.com/ "))
		assert.Equal(t, "https://sort.example.com", a.cfg.APIURL)

		stored, err := a.store.GetSetting(ctx, store.KeyAPIURL)
		require.NoError(t, err)
		assert.Equal(t, "https://sort.example.com", stored)

		a.cfg.APIURL = config.DefaultAPIURL
		require.NoError(t, a.resolveAPIURL(ctx, ""))
		assert.Equal(t, "https://sort.example.com", a.cfg.APIURL)
	})

	t.Run("config file beats remembered value", func(t *testing.T) {
		a := testApp(t)
		require.NoError(t, a.store.SetSetting(ctx, store.KeyAPIURL, "https://old.example.com"))
		a.cfg.APIURL = "https://configured.example.com"
		require.NoError(t, a.resolveAPIURL(ctx, ""))
		assert.Equal(t, "https://configured.example.com", a.cfg.APIURL)
	})

	t.Run("invalid flag", func(t *testing.T) {
		a := testApp(t)
		assert.Error(t, a.resolveAPIURL(ctx, "not a url"))
	})
}

func TestJobArg(t *testing.T) {
	ctx := context.Background()
	a := testApp(t)

	_, err := a.jobArg(ctx, nil)
	assert.Error(t, err)

	require.NoError(t, a.store.SetSetting(ctx, store.KeyCurrentJobID, "job-7"))
	id, err := a.jobArg(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "job-7", id)

	id, err = a.jobArg(ctx, []string{"job-9"})
	require.NoError(t, err)
	assert.Equal(t, "job-9", id)
}

func TestPrintJob(t *testing.T) {
	var buf bytes.Buffer
	printJob(&buf, model.Job{
		JobID:           "job-1",
		Status:          model.StatusCompleted,
		Mode:            model.ModeFast,
		TotalEmails:     10,
		ProcessedEmails: 4,
		CategoryCounts:  map[string]int{"Work": 3, "Finance": 1},
	})
	out := buf.String()
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "4/10 (40%)")
	assert.Less(t, strings.Index(out, "Finance"), strings.Index(out, "Work"))
	assert.NotContains(t, out, "Errors")
}

func TestUserLabel(t *testing.T) {
	assert.Equal(t, "Ada <ada@example.com>", userLabel(model.User{Name: "Ada", Email: "ada@example.com"}))
	assert.Equal(t, "ada@example.com", userLabel(model.User{Email: "ada@example.com"}))
	assert.Equal(t, "u1", userLabel(model.User{ID: "u1"}))
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"login"}, {"logout"}, {"whoami"}, {"stats"}, {"categories"}, {"inbox"}, {"version"},
		{"job", "start"}, {"job", "status"}, {"job", "cancel"}, {"job", "list"}, {"job", "watch"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, "cloudidian version dev\n", out.String())
}

func TestLookupJob(t *testing.T) {
	ctx := context.Background()
	alice := model.Credential{Token: "jwt", User: model.User{ID: "u1", Email: "alice@example.com"}}

	t.Run("unknown job stops being current", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"detail":"Job not found"}`))
		}))
		t.Cleanup(srv.Close)
		a := testApp(t)
		a.client = api.New(srv.URL, a.store)
		require.NoError(t, a.store.SaveCredential(ctx, alice))
		require.NoError(t, a.store.SetSetting(ctx, store.KeyCurrentJobID, "gone"))

		_, err := a.lookupJob(ctx, "gone")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
		cur, err := a.store.GetSetting(ctx, store.KeyCurrentJobID)
		require.NoError(t, err)
		assert.Empty(t, cur)
	})

	t.Run("unreachable backend shows cached copy", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		a := testApp(t)
		a.client = api.New(url, a.store)
		require.NoError(t, a.store.SaveCredential(ctx, alice))
		cached := model.Job{JobID: "j1", Status: model.StatusRunning, TotalEmails: 10, ProcessedEmails: 4}
		require.NoError(t, a.store.CacheJob(ctx, cached))

		j, err := a.lookupJob(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, model.StatusRunning, j.Status)
		assert.Equal(t, 4, j.ProcessedEmails)
	})
}
