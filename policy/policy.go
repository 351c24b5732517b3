// Package policy decides whether a plugin may perform a signing operation.
//
// A plugin consults its Policy after it has validated a request and before it
// touches the key. A denial is reported to the host as "refused".
package policy

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/joncooperworks/authplugin/wire"
)

// Request describes a signing operation awaiting approval. Only the fields
// relevant to Action are set.
type Request struct {
	Action wire.Action `json:"action"`
	// Key is the name of the selected key, if the holder supports selection.
	Key string `json:"key,omitempty"`

	// Contents holds the canonical form of each envelope to be signed.
	Contents []json.RawMessage `json:"contents,omitempty"`
	// Data is the payload of an arbitrary-data signature.
	Data wire.Bytes `json:"data,omitempty"`

	// PublicKeyDER, Expiry and Canisters describe a delegation. Canisters is
	// nil for an unscoped delegation.
	PublicKeyDER wire.Bytes        `json:"public-key-der,omitempty"`
	Expiry       *wire.Uint128     `json:"expiry,omitempty"`
	Canisters    *[]wire.Principal `json:"canisters,omitempty"`
}

// Decision is a policy verdict.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// Policy approves or denies signing operations. A non-nil error means the
// policy itself failed; it is not a denial.
type Policy interface {
	Approve(ctx context.Context, req *Request) (Decision, error)
}

// AllowAll approves everything.
type AllowAll struct{}

func (AllowAll) Approve(context.Context, *Request) (Decision, error) {
	return Decision{Allow: true}, nil
}

// Static denies a fixed set of actions and approves the rest.
type Static struct {
	Deny []wire.Action `toml:"deny"`
}

func (s *Static) Approve(_ context.Context, req *Request) (Decision, error) {
	if slices.Contains(s.Deny, req.Action) {
		return Decision{Reason: string(req.Action) + " is disabled by policy"}, nil
	}
	return Decision{Allow: true}, nil
}
