package tui

import (
	"cloudidian/internal/authbridge"
	"cloudidian/internal/highlight"
	"cloudidian/internal/model"
)

// Async message types for Bubble Tea commands.

type verifyResultMsg struct {
	cred  model.Credential
	found bool
	err   error
}

type loginStartedMsg struct {
	login   *authbridge.Login
	openErr error
	err     error
}

type authCompleteMsg struct {
	cred model.Credential
}

type authTimeoutMsg struct{}

type jobStartedMsg struct {
	job model.Job
	err error
}

type jobUpdateMsg struct {
	job model.Job
}

type jobDoneMsg struct {
	jobID string
	job   model.Job
	err   error
}

type jobCancelledMsg struct {
	jobID  string
	status model.JobStatus
	err    error
}

type statsMsg struct {
	stats model.Stats
	err   error
}

type categoriesMsg struct {
	categories []model.Category
	cached     bool
	err        error
}

type inboxLoadedMsg struct {
	rows []highlight.Row
	err  error
}

type clearNoticeMsg struct {
	id int
}
