package tui

import (
	"context"
	"errors"

	tea "github.com/charmbracelet/bubbletea"

	"cloudidian/internal/api"
	"cloudidian/internal/authbridge"
	"cloudidian/internal/model"
)

// Commands

func (m *AppModel) verifyCmd() tea.Cmd {
	return func() tea.Msg {
		cred, ok, err := m.deps.Store.LoadCredential(m.ctx)
		if err != nil || !ok {
			return verifyResultMsg{err: err}
		}
		user, err := m.deps.Backend.Me(m.ctx)
		if err != nil {
			return verifyResultMsg{cred: cred, found: true, err: err}
		}
		cred.User = user
		return verifyResultMsg{cred: cred, found: true}
	}
}

func (m *AppModel) beginLoginCmd() tea.Cmd {
	return func() tea.Msg {
		login, err := authbridge.BeginLogin(m.ctx, m.deps.Backend, m.deps.Tabs)
		if err != nil {
			return loginStartedMsg{err: err}
		}
		m.logger.Info("opening sign-in page")
		return loginStartedMsg{login: login, openErr: m.deps.OpenURL(login.AuthURL)}
	}
}

func (m *AppModel) startJobCmd(mode model.Mode, scope model.Scope) tea.Cmd {
	return func() tea.Msg {
		job, err := m.deps.Backend.StartJob(m.ctx, mode, scope)
		return jobStartedMsg{job: job, err: err}
	}
}

func (m *AppModel) cancelJobCmd(jobID string) tea.Cmd {
	return func() tea.Msg {
		status, err := m.deps.Backend.CancelJob(m.ctx, jobID)
		return jobCancelledMsg{jobID: jobID, status: status, err: err}
	}
}

func (m *AppModel) loadStatsCmd() tea.Cmd {
	return func() tea.Msg {
		s, err := m.deps.Backend.Stats(m.ctx)
		return statsMsg{stats: s, err: err}
	}
}

// loadCategoriesCmd refreshes the cached category list, falling back to
// the cache only when the backend cannot be reached.
func (m *AppModel) loadCategoriesCmd() tea.Cmd {
	return func() tea.Msg {
		cats, err := m.deps.Backend.Categories(m.ctx)
		if err == nil {
			_ = m.deps.Store.CacheCategories(context.WithoutCancel(m.ctx), cats)
			return categoriesMsg{categories: cats}
		}
		var ne *api.NetworkError
		if !errors.As(err, &ne) {
			return categoriesMsg{err: err}
		}
		if cached, cerr := m.deps.Store.CachedCategories(m.ctx); cerr == nil && len(cached) > 0 {
			return categoriesMsg{categories: cached, cached: true}
		}
		return categoriesMsg{err: err}
	}
}

func (m *AppModel) loadInboxCmd() tea.Cmd {
	return func() tea.Msg {
		rows, err := m.deps.Inbox(m.ctx)
		return inboxLoadedMsg{rows: rows, err: err}
	}
}
