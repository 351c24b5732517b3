package client

import (
	"errors"
	"fmt"

	"github.com/joncooperworks/authplugin/wire"
)

var (
	// ErrIncompatible is matched by handshake failures: a plugin that aborted
	// or does not speak protocol version 1.
	ErrIncompatible = errors.New("incompatible auth plugin")
	// ErrWrongPhase is returned, without contacting the plugin, for handshake
	// calls after authentication and signing calls before it.
	ErrWrongPhase = errors.New("operation not valid in the current session phase")
	// ErrClosed is returned by calls on a closed client.
	ErrClosed = errors.New("auth plugin session closed")
	// ErrVariableExpiry is returned when a plugin grants a delegation expiry
	// other than the one requested.
	ErrVariableExpiry = errors.New("variable expiry not supported")
)

// AbortError reports a plugin that greeted with an abort message.
type AbortError struct {
	Message string
}

func (e *AbortError) Error() string {
	return "auth plugin aborted: " + e.Message
}

// Is makes AbortError match ErrIncompatible.
func (e *AbortError) Is(target error) bool {
	return target == ErrIncompatible
}

// SessionError is a transport fault. The session that returned it is unusable.
type SessionError struct {
	// Action is the request in flight, empty during the handshake.
	Action wire.Action
	Err    error
}

func (e *SessionError) Error() string {
	if e.Action == "" {
		return fmt.Sprintf("auth plugin session failed during handshake: %v", e.Err)
	}
	return fmt.Sprintf("auth plugin session failed during %s: %v", e.Action, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// IsTransportFault reports whether err ended its session.
func IsTransportFault(err error) bool {
	var se *SessionError
	return errors.As(err, &se) || errors.Is(err, ErrIncompatible)
}
