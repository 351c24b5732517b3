package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrorKind tags an Error variant.
type ErrorKind string

const (
	KindUnsupported          ErrorKind = "unsupported"
	KindCustom               ErrorKind = "custom"
	KindInvalidKey           ErrorKind = "invalid-key"
	KindBadMode              ErrorKind = "bad-mode"
	KindBadAuthn             ErrorKind = "bad-authn"
	KindRequiresAuthn        ErrorKind = "requires-authn"
	KindRefused              ErrorKind = "refused"
	KindUnsupportedContent   ErrorKind = "unsupported-content"
	KindNeedsCanisterScoping ErrorKind = "needs-canister-scoping"
	KindUnsupportedCanister  ErrorKind = "unsupported-canister"
)

// allowedKinds is the closed set of error variants each action may answer with.
var allowedKinds = map[Action][]ErrorKind{
	ActionListSelectableKeys: {KindUnsupported, KindCustom},
	ActionKeySelect:          {KindUnsupported, KindInvalidKey, KindCustom},
	ActionDescribeAuthnMode:  {KindCustom},
	ActionAuthenticate:       {KindBadMode, KindBadAuthn, KindCustom},
	ActionGetPublicKey:       {KindRequiresAuthn, KindCustom},
	ActionSignEnvelopes:      {KindRefused, KindUnsupportedContent, KindCustom},
	ActionSignArbitraryData:  {KindUnsupported, KindRefused, KindCustom},
	ActionSignDelegation: {
		KindUnsupported, KindNeedsCanisterScoping, KindUnsupportedCanister, KindRefused, KindCustom,
	},
}

// Allows reports whether kind is a valid error variant for the action.
func (a Action) Allows(kind ErrorKind) bool {
	return slices.Contains(allowedKinds[a], kind)
}

// Error is an application-level failure reported by the plugin. It answers a
// single request and leaves the session usable.
type Error struct {
	// Action is the request the error answers. It is not transmitted.
	Action Action
	Kind   ErrorKind

	// Message is required for custom and bad-authn, optional for
	// invalid-key, unsupported-content and unsupported-canister.
	Message *string
	// Pos lists the rejected positions of an unsupported-content error.
	Pos []uint
	// Principals lists the rejected targets of an unsupported-canister error.
	Principals []Principal
}

func (e *Error) Error() string {
	var sb strings.Builder
	if e.Action != "" {
		sb.WriteString(string(e.Action))
		sb.WriteString(": ")
	}
	sb.WriteString(string(e.Kind))
	switch e.Kind {
	case KindUnsupportedContent:
		fmt.Fprintf(&sb, " at positions %v", e.Pos)
	case KindUnsupportedCanister:
		names := make([]string, len(e.Principals))
		for i, p := range e.Principals {
			names[i] = p.String()
		}
		fmt.Fprintf(&sb, " [%s]", strings.Join(names, ", "))
	}
	if e.Message != nil {
		sb.WriteString(": ")
		sb.WriteString(*e.Message)
	}
	return sb.String()
}

// Is matches another *Error of the same kind, so callers can write
// errors.Is(err, &wire.Error{Kind: wire.KindRefused}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Action == "" || t.Action == e.Action)
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var werr *Error
	return errors.As(err, &werr) && werr.Kind == kind
}

// MessageOr returns the message, or fallback when none was sent.
func (e *Error) MessageOr(fallback string) string {
	if e.Message == nil {
		return fallback
	}
	return *e.Message
}

func Unsupported() *Error   { return &Error{Kind: KindUnsupported} }
func Refused() *Error       { return &Error{Kind: KindRefused} }
func BadMode() *Error       { return &Error{Kind: KindBadMode} }
func RequiresAuthn() *Error { return &Error{Kind: KindRequiresAuthn} }

func NeedsCanisterScoping() *Error { return &Error{Kind: KindNeedsCanisterScoping} }

func Custom(message string) *Error {
	return &Error{Kind: KindCustom, Message: &message}
}

func BadAuthn(message string) *Error {
	return &Error{Kind: KindBadAuthn, Message: &message}
}

// InvalidKey reports an unknown key name; message may be empty.
func InvalidKey(message string) *Error {
	return &Error{Kind: KindInvalidKey, Message: optional(message)}
}

// UnsupportedContent reports every envelope position the plugin will not sign.
func UnsupportedContent(pos []uint, message string) *Error {
	return &Error{Kind: KindUnsupportedContent, Pos: pos, Message: optional(message)}
}

// UnsupportedCanister reports the delegation targets the plugin will not accept.
func UnsupportedCanister(principals []Principal, message string) *Error {
	return &Error{Kind: KindUnsupportedCanister, Principals: principals, Message: optional(message)}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type errorJSON struct {
	Kind       ErrorKind    `json:"kind"`
	Message    *string      `json:"message,omitempty"`
	Pos        *[]uint      `json:"pos,omitempty"`
	Principals *[]Principal `json:"principals,omitempty"`
}

// MarshalJSON emits only the fields that belong to the variant.
func (e *Error) MarshalJSON() ([]byte, error) {
	out := errorJSON{Kind: e.Kind}
	switch e.Kind {
	case KindCustom, KindBadAuthn:
		if e.Message == nil {
			return nil, fmt.Errorf("%s error requires a message", e.Kind)
		}
		out.Message = e.Message
	case KindInvalidKey:
		out.Message = e.Message
	case KindUnsupportedContent:
		pos := e.Pos
		if pos == nil {
			pos = []uint{}
		}
		out.Pos, out.Message = &pos, e.Message
	case KindUnsupportedCanister:
		ps := e.Principals
		if ps == nil {
			ps = []Principal{}
		}
		out.Principals, out.Message = &ps, e.Message
	case KindUnsupported, KindRefused, KindBadMode, KindRequiresAuthn, KindNeedsCanisterScoping:
	default:
		return nil, fmt.Errorf("unknown error kind %q", string(e.Kind))
	}
	return json.Marshal(out)
}

// UnmarshalJSON checks that the fields required by the variant are present.
// The Action field is left for the caller to fill in.
func (e *Error) UnmarshalJSON(data []byte) error {
	var in errorJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch in.Kind {
	case "":
		return fmt.Errorf("missing field \"kind\"")
	case KindCustom, KindBadAuthn:
		if in.Message == nil {
			return fmt.Errorf("%s error: missing field \"message\"", in.Kind)
		}
	case KindUnsupportedContent:
		if in.Pos == nil {
			return fmt.Errorf("%s error: missing field \"pos\"", in.Kind)
		}
	case KindUnsupportedCanister:
		if in.Principals == nil {
			return fmt.Errorf("%s error: missing field \"principals\"", in.Kind)
		}
	case KindInvalidKey, KindUnsupported, KindRefused, KindBadMode, KindRequiresAuthn, KindNeedsCanisterScoping:
	default:
		return fmt.Errorf("unknown error kind %q", string(in.Kind))
	}
	*e = Error{Kind: in.Kind, Message: in.Message}
	if in.Pos != nil {
		e.Pos = *in.Pos
	}
	if in.Principals != nil {
		e.Principals = *in.Principals
	}
	return nil
}
