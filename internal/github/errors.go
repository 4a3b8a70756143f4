package github

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means no owner token is stored; no request was made.
	ErrNotConfigured = errors.New("github: owner token not configured")
	// ErrCredentialRevoked means the subscriber token was rejected and has been cleared.
	ErrCredentialRevoked = errors.New("github: subscriber credential revoked")
	// ErrNoCredential means the subscriber has no usable token on file.
	ErrNoCredential = errors.New("github: subscriber has no credential")
)

// NetworkError wraps a transport failure. It is not retried.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("github: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a 5xx that persisted through the single retry.
type ServerError struct {
	Method string
	Path   string
	Status int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("github: %s %s: server error %d", e.Method, e.Path, e.Status)
}

// StatusError is an unexpected status returned to a typed helper.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("github: %s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// IsCredentialError reports whether err means the subscriber token is gone.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrCredentialRevoked) || errors.Is(err, ErrNoCredential)
}
