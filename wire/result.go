package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

type ListSelectableKeysResponse struct {
	Keys       []string `json:"keys"`
	Exhaustive bool     `json:"exhaustive"`
}

type KeySelectResponse struct{}

type DescribeAuthnModeResponse struct {
	Mode  AuthnMode `json:"mode"`
	Value *string   `json:"value"`
}

type AuthenticateResponse struct{}

type GetPublicKeyResponse struct {
	PublicKeyDER Bytes `json:"public-key-der"`
}

type SignEnvelopesResponse struct {
	Signatures BytesList `json:"signatures"`
}

type SignArbitraryDataResponse struct {
	Signature Bytes `json:"signature"`
}

type SignDelegationResponse struct {
	Signature Bytes   `json:"signature"`
	Expiry    Uint128 `json:"expiry"`
}

// requiredFields lists the success fields that must be present per action.
var requiredFields = map[Action][]string{
	ActionListSelectableKeys: {"keys", "exhaustive"},
	ActionDescribeAuthnMode:  {"mode"},
	ActionGetPublicKey:       {"public-key-der"},
	ActionSignEnvelopes:      {"signatures"},
	ActionSignArbitraryData:  {"signature"},
	ActionSignDelegation:     {"signature", "expiry"},
}

// EncodeOk wraps a success payload as {"Ok": payload}.
func EncodeOk(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	if len(body) == 0 || body[0] != '{' {
		return nil, fmt.Errorf("encode result: payload must be a JSON object")
	}
	return wrapResult("Ok", body), nil
}

// EncodeErr wraps an error as {"Err": error}. The kind must be one the
// action is allowed to report.
func EncodeErr(action Action, e *Error) ([]byte, error) {
	if !action.Allows(e.Kind) {
		return nil, fmt.Errorf("encode result: %s cannot fail with %q", action, e.Kind)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return wrapResult("Err", body), nil
}

func wrapResult(tag string, body []byte) []byte {
	out := make([]byte, 0, len(body)+len(tag)+5)
	out = append(out, `{"`...)
	out = append(out, tag...)
	out = append(out, `":`...)
	out = append(out, body...)
	return append(out, '}')
}

// DecodeResult parses the answer to a request of the given action.
//
// A well-formed "Ok" fills the returned payload; a well-formed "Err" is
// returned as the *Error. Anything else, including an error kind the action
// may not report, is returned as the final error and must be treated as a
// transport fault.
func DecodeResult[T any](line []byte, action Action) (*T, *Error, error) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("decode %s result: %w", action, err)
	}
	if len(env) != 1 {
		return nil, nil, fmt.Errorf("decode %s result: expected exactly one of \"Ok\" or \"Err\"", action)
	}
	if raw, ok := env["Err"]; ok {
		var e Error
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, nil, fmt.Errorf("decode %s result: %w", action, err)
		}
		if !action.Allows(e.Kind) {
			return nil, nil, fmt.Errorf("decode %s result: unexpected error kind %q", action, e.Kind)
		}
		e.Action = action
		return nil, &e, nil
	}
	raw, ok := env["Ok"]
	if !ok {
		return nil, nil, fmt.Errorf("decode %s result: expected exactly one of \"Ok\" or \"Err\"", action)
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, nil, fmt.Errorf("decode %s result: \"Ok\" must be an object", action)
	}
	if fields := requiredFields[action]; len(fields) > 0 {
		var present map[string]json.RawMessage
		if err := json.Unmarshal(raw, &present); err != nil {
			return nil, nil, fmt.Errorf("decode %s result: %w", action, err)
		}
		for _, f := range fields {
			if v, ok := present[f]; !ok || bytes.Equal(v, []byte("null")) {
				return nil, nil, fmt.Errorf("decode %s result: missing field %q", action, f)
			}
		}
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil, fmt.Errorf("decode %s result: %w", action, err)
	}
	return &out, nil, nil
}
