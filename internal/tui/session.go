package tui

import (
	"cloudidian/internal/authbridge"
	"cloudidian/internal/model"
)

type authState int

const (
	stateVerifying authState = iota
	stateUnauthenticated
	stateAuthenticated
)

func (s authState) String() string {
	switch s {
	case stateVerifying:
		return "verifying"
	case stateUnauthenticated:
		return "unauthenticated"
	case stateAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// session is everything the dashboard knows about the signed-in user and
// the job it follows. At most one job is current at a time.
type session struct {
	state         authState
	cred          model.Credential
	jobInProgress bool
	currentJobID  string
	currentJob    model.Job
	login         *authbridge.Login
}

func (s *session) signIn(c model.Credential) {
	s.state = stateAuthenticated
	s.cred = c
}

// signOut drops the credential and forgets the job; callers stop the loops.
func (s *session) signOut() {
	s.state = stateUnauthenticated
	s.cred = model.Credential{}
	s.clearJob()
}

func (s *session) track(j model.Job) {
	s.jobInProgress = true
	s.currentJobID = j.JobID
	s.currentJob = j
}

func (s *session) clearJob() {
	s.jobInProgress = false
	s.currentJobID = ""
}

func (s *session) closeLogin() {
	if s.login != nil {
		_ = s.login.Close()
		s.login = nil
	}
}
