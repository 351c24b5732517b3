package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Action is the tag that selects a request variant.
type Action string

const (
	ActionListSelectableKeys Action = "list-selectable-keys"
	ActionKeySelect          Action = "key-select"
	ActionDescribeAuthnMode  Action = "describe-authn-mode"
	ActionAuthenticate       Action = "authenticate"
	ActionGetPublicKey       Action = "get-public-key"
	ActionSignEnvelopes      Action = "sign-envelopes"
	ActionSignArbitraryData  Action = "sign-arbitrary-data"
	ActionSignDelegation     Action = "sign-delegation"
)

// Known reports whether a is one of the actions above.
func (a Action) Known() bool {
	_, ok := allowedKinds[a]
	return ok
}

// Handshake reports whether the action is only valid before authentication.
func (a Action) Handshake() bool {
	switch a {
	case ActionListSelectableKeys, ActionKeySelect, ActionDescribeAuthnMode, ActionAuthenticate:
		return true
	}
	return false
}

// Request is one of the request variants below. The set is closed: only
// types in this package implement it.
type Request interface {
	Action() Action
	version() uint32
}

// ErrUnsupportedVersion is returned when a request is pinned to a version
// other than ProtocolVersion.
var ErrUnsupportedVersion = errors.New("unsupported protocol version")

// ErrUnknownAction is returned for requests with an unrecognized action tag.
var ErrUnknownAction = errors.New("unknown action")

type ListSelectableKeysRequest struct {
	V uint32 `json:"v"`
}

type KeySelectRequest struct {
	V   uint32 `json:"v"`
	Key string `json:"key"`
}

type DescribeAuthnModeRequest struct {
	V uint32 `json:"v"`
}

// AuthenticateRequest carries at most one unlock attempt. Integrated names the
// mode the host is answering; Value is the secret or response for it.
type AuthenticateRequest struct {
	V          uint32     `json:"v"`
	Integrated *AuthnMode `json:"integrated"`
	Value      *string    `json:"value"`
}

type GetPublicKeyRequest struct {
	V uint32 `json:"v"`
}

type SignEnvelopesRequest struct {
	V        uint32            `json:"v"`
	Contents []EnvelopeContent `json:"contents"`
}

type SignArbitraryDataRequest struct {
	V    uint32 `json:"v"`
	Data Bytes  `json:"data"`
}

// SignDelegationRequest asks the plugin to bind PublicKeyDER to its identity
// until DesiredExpiry. A nil DesiredCanisters means unscoped.
type SignDelegationRequest struct {
	V                uint32       `json:"v"`
	PublicKeyDER     Bytes        `json:"public-key-der"`
	DesiredExpiry    Uint128      `json:"desired-expiry"`
	DesiredCanisters *[]Principal `json:"desired-canisters"`
}

func (*ListSelectableKeysRequest) Action() Action { return ActionListSelectableKeys }
func (*KeySelectRequest) Action() Action          { return ActionKeySelect }
func (*DescribeAuthnModeRequest) Action() Action  { return ActionDescribeAuthnMode }
func (*AuthenticateRequest) Action() Action       { return ActionAuthenticate }
func (*GetPublicKeyRequest) Action() Action       { return ActionGetPublicKey }
func (*SignEnvelopesRequest) Action() Action      { return ActionSignEnvelopes }
func (*SignArbitraryDataRequest) Action() Action  { return ActionSignArbitraryData }
func (*SignDelegationRequest) Action() Action     { return ActionSignDelegation }

func (r *ListSelectableKeysRequest) version() uint32 { return r.V }
func (r *KeySelectRequest) version() uint32          { return r.V }
func (r *DescribeAuthnModeRequest) version() uint32  { return r.V }
func (r *AuthenticateRequest) version() uint32       { return r.V }
func (r *GetPublicKeyRequest) version() uint32       { return r.V }
func (r *SignEnvelopesRequest) version() uint32      { return r.V }
func (r *SignArbitraryDataRequest) version() uint32  { return r.V }
func (r *SignDelegationRequest) version() uint32     { return r.V }

// EncodeRequest renders a request as a single JSON object with its action tag
// first. The returned slice carries no trailing newline.
func EncodeRequest(req Request) ([]byte, error) {
	if req.version() != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, req.version())
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", req.Action(), err)
	}
	out := make([]byte, 0, len(body)+len(req.Action())+16)
	out = append(out, `{"action":`...)
	out = strconv.AppendQuote(out, string(req.Action()))
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// DecodeRequest parses a request line. Unknown actions, missing or foreign
// versions and malformed payloads are all errors; the caller must treat them
// as fatal.
func DecodeRequest(line []byte) (Request, error) {
	var head struct {
		Action *Action  `json:"action"`
		V      *float64 `json:"v"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	if head.Action == nil {
		return nil, fmt.Errorf("decode request: missing field \"action\"")
	}
	if head.V == nil {
		return nil, fmt.Errorf("decode %s request: missing field \"v\"", *head.Action)
	}
	if *head.V != float64(ProtocolVersion) {
		return nil, fmt.Errorf("decode %s request: %w: %v", *head.Action, ErrUnsupportedVersion, *head.V)
	}

	var req Request
	switch *head.Action {
	case ActionListSelectableKeys:
		req = &ListSelectableKeysRequest{}
	case ActionKeySelect:
		req = &KeySelectRequest{}
	case ActionDescribeAuthnMode:
		req = &DescribeAuthnModeRequest{}
	case ActionAuthenticate:
		req = &AuthenticateRequest{}
	case ActionGetPublicKey:
		req = &GetPublicKeyRequest{}
	case ActionSignEnvelopes:
		req = &SignEnvelopesRequest{}
	case ActionSignArbitraryData:
		req = &SignArbitraryDataRequest{}
	case ActionSignDelegation:
		req = &SignDelegationRequest{}
	default:
		return nil, fmt.Errorf("decode request: %w %q", ErrUnknownAction, string(*head.Action))
	}
	if err := json.Unmarshal(line, req); err != nil {
		return nil, fmt.Errorf("decode %s request: %w", req.Action(), err)
	}
	if err := validateRequest(req); err != nil {
		return nil, fmt.Errorf("decode %s request: %w", req.Action(), err)
	}
	return req, nil
}

func validateRequest(req Request) error {
	switch r := req.(type) {
	case *SignEnvelopesRequest:
		if r.Contents == nil {
			return fmt.Errorf("missing field \"contents\"")
		}
	case *SignDelegationRequest:
		if r.PublicKeyDER == nil {
			return fmt.Errorf("missing field \"public-key-der\"")
		}
	case *SignArbitraryDataRequest:
		if r.Data == nil {
			return fmt.Errorf("missing field \"data\"")
		}
	}
	return nil
}
