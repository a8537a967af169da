package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	gmailv1 "google.golang.org/api/gmail/v1"

	"cloudidian/internal/api"
	"cloudidian/internal/config"
	"cloudidian/internal/gmail"
	"cloudidian/internal/highlight"
	"cloudidian/internal/logging"
	"cloudidian/internal/metrics"
	"cloudidian/internal/schedule"
	"cloudidian/internal/store"
)

const inboxSize = 50

// app is the wiring shared by every command.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *store.SQLiteStore
	client  *api.Client
	sched   *schedule.Scheduler
	metrics *metrics.Metrics
	closers []io.Closer
}

// openApp loads configuration and opens local state. The dashboard logs to
// a file so the alt screen stays clean; other commands log to stderr.
func openApp(ctx context.Context, g *globalFlags, logToFile bool) (*app, error) {
	dir := g.configDir
	if dir == "" {
		d, err := config.DefaultDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}

	a := &app{cfg: cfg}
	if logToFile {
		logger, closer, err := logging.OpenFile(cfg.LogPath(), cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		a.logger = logger
		a.closers = append(a.closers, closer)
	} else {
		a.logger = logging.New(os.Stderr, cfg.LogLevel)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st)

	if err := a.resolveAPIURL(ctx, g.apiURL); err != nil {
		a.Close()
		return nil, err
	}

	a.metrics = metrics.New()
	a.sched = schedule.New(nil, a.logger)
	a.client = api.New(a.cfg.APIURL, st, api.WithLogger(a.logger))
	a.logger.Debug("client ready", "api_url", a.cfg.APIURL, "config_dir", dir)
	return a, nil
}

// resolveAPIURL applies flag > env > config file > remembered > default.
// A flag value is remembered for later runs.
func (a *app) resolveAPIURL(ctx context.Context, flag string) error {
	switch {
	case flag != "":
		a.cfg.APIURL = strings.TrimRight(strings.TrimSpace(flag), "/")
		if err := a.cfg.Validate(); err != nil {
			return err
		}
		return a.store.SetSetting(ctx, store.KeyAPIURL, a.cfg.APIURL)
	case os.Getenv(config.EnvAPIURL) != "":
		return nil
	case a.cfg.APIURL == config.DefaultAPIURL:
		stored, err := a.store.GetSetting(ctx, store.KeyAPIURL)
		if err != nil {
			return err
		}
		if stored != "" {
			a.cfg.APIURL = stored
		}
	}
	return nil
}

func (a *app) Close() {
	if a.sched != nil {
		a.sched.StopAll()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

// inboxLoader signs in to Gmail on first use and reuses the service after.
func (a *app) inboxLoader(prompt func(string), paste io.Reader) func(ctx context.Context) ([]highlight.Row, error) {
	var mu sync.Mutex
	var svc *gmailv1.Service
	return func(ctx context.Context) ([]highlight.Row, error) {
		mu.Lock()
		defer mu.Unlock()
		if svc == nil {
			s, err := gmail.NewService(ctx, gmail.Options{
				SecretPath: a.cfg.GmailSecretPath(),
				TokenDir:   a.cfg.ConfigDir,
				Prompt:     prompt,
				Paste:      paste,
				Logger:     a.logger,
			})
			if err != nil {
				return nil, err
			}
			svc = s
		}
		return gmail.FetchRows(ctx, svc, inboxSize)
	}
}
