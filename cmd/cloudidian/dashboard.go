package main

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"cloudidian/internal/authbridge"
	"cloudidian/internal/gmail"
	"cloudidian/internal/logging"
	"cloudidian/internal/model"
	"cloudidian/internal/poller"
	"cloudidian/internal/tui"
)

func runDashboard(ctx context.Context, g *globalFlags) error {
	a, err := openApp(ctx, g, true)
	if err != nil {
		return err
	}
	defer a.Close()

	tabs := authbridge.NewTabs()
	defer tabs.CloseAll()

	bridge := authbridge.New(tabs, a.store, a.sched,
		authbridge.WithLogger(a.logger),
		authbridge.WithMetrics(a.metrics),
		authbridge.WithTiming(a.cfg.AuthPollInterval, a.cfg.AuthTimeout),
	)
	p := poller.New(a.client, a.sched,
		poller.WithInterval(a.cfg.JobPollInterval),
		poller.WithCache(a.store),
		poller.WithLogger(a.logger),
		poller.WithMetrics(a.metrics),
	)

	var inbox tui.InboxLoader
	if gmail.HasClientSecret(a.cfg.GmailSecretPath()) {
		prompt := func(u string) {
			if err := gmail.OpenBrowser(u); err != nil {
				a.logger.Warn("open gmail consent page", logging.Err(err))
			}
		}
		inbox = a.inboxLoader(prompt, nil)
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.MetricsAddr, a.logger); err != nil {
				a.logger.Warn("metrics server stopped", logging.Err(err))
			}
		}()
	}

	m := tui.NewAppModel(tui.Deps{
		Backend: a.client,
		Store:   a.store,
		Poller:  p,
		Bridge:  bridge,
		Tabs:    tabs,
		Mode:    model.Mode(a.cfg.DefaultMode),
		Inbox:   inbox,
		OpenURL: gmail.OpenBrowser,
		Logger:  a.logger,
		Metrics: a.metrics,
	})
	defer m.Close()

	prog := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	m.SetProgram(prog)
	a.logger.Info("dashboard started", "api_url", a.cfg.APIURL)
	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
