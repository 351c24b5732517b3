package plugin

import (
	"errors"
	"fmt"

	"github.com/joncooperworks/authplugin/wire"
)

// ErrAborted is returned by Serve after it has sent an aborting greeting.
var ErrAborted = errors.New("plugin aborted")

// Phase is the plugin's position in the protocol.
type Phase int

const (
	PhasePreAuth Phase = iota
	PhaseAuthenticated
)

func (p Phase) String() string {
	if p == PhaseAuthenticated {
		return "authenticated"
	}
	return "pre-auth"
}

// ProtocolViolationError ends a session whose host broke the protocol.
type ProtocolViolationError struct {
	Phase Phase
	// Action is the offending request, when it decoded.
	Action wire.Action
	// Err is the decode failure, when it did not.
	Err error
}

func (e *ProtocolViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation in %s phase: %v", e.Phase, e.Err)
	}
	if e.Phase == PhaseAuthenticated && e.Action.Handshake() {
		return fmt.Sprintf("protocol violation: handshake message %s repeated after authentication", e.Action)
	}
	return fmt.Sprintf("protocol violation: %s not allowed in %s phase", e.Action, e.Phase)
}

func (e *ProtocolViolationError) Unwrap() error { return e.Err }
