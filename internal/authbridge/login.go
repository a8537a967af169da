package authbridge

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Authorizer asks the backend for the provider sign-in URL.
type Authorizer interface {
	AuthorizationURL(ctx context.Context, redirect, state string) (string, error)
}

// Login is one sign-in attempt in flight.
type Login struct {
	AuthURL string
	State   string
	Server  *CallbackServer
	// Source is the registered handle; closing it also unregisters it.
	Source Source
}

// BeginLogin opens a loopback listener with a fresh state nonce, registers
// it in tabs, and asks the backend for the URL the user must visit.
func BeginLogin(ctx context.Context, az Authorizer, tabs *Tabs, opts ...CallbackOption) (*Login, error) {
	state := uuid.NewString()
	srv, err := NewCallbackServer(state, opts...)
	if err != nil {
		return nil, err
	}
	authURL, err := az.AuthorizationURL(ctx, srv.RedirectURL(), srv.State())
	if err != nil {
		_ = srv.Close()
		return nil, fmt.Errorf("begin login: %w", err)
	}
	return &Login{
		AuthURL: authURL,
		State:   srv.State(),
		Server:  srv,
		Source:  tabs.Open(srv),
	}, nil
}

// Close abandons the attempt.
func (l *Login) Close() error {
	return l.Source.Close()
}
