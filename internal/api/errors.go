package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthenticated means no credential is stored; no request was sent.
	ErrUnauthenticated = errors.New("not signed in")
	// ErrUnauthorized means the backend rejected the token. The stored
	// credential has already been cleared when this is returned.
	ErrUnauthorized = errors.New("session expired or revoked")
)

// NetworkError wraps a request that never produced an HTTP response.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("%s: network failure: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError is any non-2xx answer other than 401.
type HTTPError struct {
	Op         string
	StatusCode int
	Detail     string
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%d)", e.Op, e.Detail, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Op, http.StatusText(e.StatusCode))
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// IsAuthError reports whether err requires the user to sign in again.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrUnauthenticated) || errors.Is(err, ErrUnauthorized)
}
