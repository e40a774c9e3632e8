package peerchat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by ChannelLink.Send when the link is not OPEN.
	ErrNotConnected = errors.New("peerchat: channel not connected")
	// ErrLinkClosed is returned when a closed ChannelLink is reopened.
	ErrLinkClosed = errors.New("peerchat: channel closed")
	// ErrAlreadyStarted is returned by Start for a second identity.
	ErrAlreadyStarted = errors.New("peerchat: session already started")
	// ErrNotStarted is returned by commands issued before Start or after Stop.
	ErrNotStarted = errors.New("peerchat: session not started")
	// ErrInvalidState rejects a command the session cannot carry out right
	// now (channel not OPEN, no peer selected, empty content). Callers fall
	// back to SendViaHTTP.
	ErrInvalidState = errors.New("peerchat: invalid state")
	// ErrInvalidIdentity rejects a non-positive identity.
	ErrInvalidIdentity = errors.New("peerchat: invalid identity")
)

// TransportError is a connect or send failure on the channel. It drives the
// reconnect loop and is never fatal to the session.
type TransportError struct {
	Op  string // "dial", "read", "write"
	Err error
}

func (e *TransportError) Error() string { return "peerchat: " + e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// AuthorizationError is returned by the REST API when the two users are not
// connected. It is shown to the user and never retried.
type AuthorizationError struct {
	Detail string
}

func (e *AuthorizationError) Error() string {
	if e.Detail == "" {
		return "peerchat: not connected to this user"
	}
	return "peerchat: " + e.Detail
}

// APIError is any other non-2xx REST response.
type APIError struct {
	Method string
	Path   string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %s %s: %d %s", e.Method, e.Path, e.Status, e.Detail)
}

// ServerError is an "error" frame pushed by the backend, typically in reply
// to a rejected send.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "peerchat: server: " + e.Message }

// invalidState wraps ErrInvalidState with a reason.
func invalidState(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, reason)
}
