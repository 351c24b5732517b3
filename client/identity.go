package client

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/joncooperworks/authplugin/wire"
)

// Identity presents an authenticated session as a signer with a fixed
// public key. Each method blocks until its round trip completes.
type Identity struct {
	client *Client

	mu  sync.Mutex
	der []byte
}

// NewIdentity wraps c. Authenticate c before using the Identity.
func NewIdentity(c *Client) *Identity {
	return &Identity{client: c}
}

// PublicKey returns the DER-encoded public key, asking the plugin once.
func (id *Identity) PublicKey(ctx context.Context) ([]byte, error) {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.der == nil {
		der, err := id.client.PublicKey(ctx)
		if err != nil {
			return nil, err
		}
		id.der = der
	}
	return slices.Clone(id.der), nil
}

// Sender returns the self-authenticating principal of the public key.
func (id *Identity) Sender(ctx context.Context) (wire.Principal, error) {
	der, err := id.PublicKey(ctx)
	if err != nil {
		return nil, err
	}
	return wire.SelfAuthenticatingPrincipal(der), nil
}

// Sign signs one envelope content.
func (id *Identity) Sign(ctx context.Context, content wire.EnvelopeContent) ([]byte, error) {
	sigs, err := id.client.SignEnvelopes(ctx, []wire.EnvelopeContent{content})
	if err != nil {
		return nil, err
	}
	return sigs[0], nil
}

// SignEnvelopes signs a batch of contents in one request.
func (id *Identity) SignEnvelopes(ctx context.Context, contents []wire.EnvelopeContent) ([][]byte, error) {
	return id.client.SignEnvelopes(ctx, contents)
}

// SignArbitrary signs data as given.
func (id *Identity) SignArbitrary(ctx context.Context, data []byte) ([]byte, error) {
	return id.client.SignArbitrary(ctx, data)
}

// SignDelegation delegates to publicKeyDER until expiry. A plugin that grants
// any other expiry fails with ErrVariableExpiry and the signature is dropped.
func (id *Identity) SignDelegation(ctx context.Context, publicKeyDER []byte, expiry wire.Uint128, targets *[]wire.Principal) ([]byte, error) {
	sig, granted, err := id.client.SignDelegation(ctx, publicKeyDER, expiry, targets)
	if err != nil {
		return nil, err
	}
	if granted.Cmp(expiry) != 0 {
		return nil, fmt.Errorf("%w: requested expiry %s, plugin granted %s", ErrVariableExpiry, expiry, granted)
	}
	return sig, nil
}
