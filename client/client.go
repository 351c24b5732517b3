package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joncooperworks/authplugin/transport"
	"github.com/joncooperworks/authplugin/wire"
)

// State is a session's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateReady
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Client is one auth plugin session. It is safe for concurrent use; calls
// are served one at a time.
type Client struct {
	// mu spans each request from write to matching read.
	mu    sync.Mutex
	conn  *transport.Conn
	fault error

	state         atomic.Int32
	authenticated atomic.Bool
	selectMode    wire.SelectMode
	versions      []uint32

	logger  *slog.Logger
	metrics *Metrics

	// interrupt unblocks a pending read or write. It may run more than once.
	interrupt func()
	// release tears the session down.
	release func() error
	stderr  func() string

	closeOnce sync.Once
	closeErr  error
}

func newClient(r io.Reader, w io.Writer, o *options) *Client {
	c := &Client{
		conn:      transport.NewConn(r, w, o.maxLineSize),
		logger:    o.logger,
		metrics:   o.metrics,
		interrupt: func() {},
		release:   func() error { return nil },
		stderr:    func() string { return "" },
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// NewClient performs the handshake over r, the plugin's output, and w, its
// input. Streams implementing io.Closer are closed by Close, by a failed
// handshake, and when a request's context is cancelled.
func NewClient(ctx context.Context, r io.Reader, w io.Writer, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	c := newClient(r, w, o)
	closeStreams := func() error {
		var errs []error
		if wc, ok := w.(io.Closer); ok {
			errs = append(errs, wc.Close())
		}
		if rc, ok := r.(io.Closer); ok {
			errs = append(errs, rc.Close())
		}
		return errors.Join(errs...)
	}
	c.interrupt = func() { _ = closeStreams() }
	c.release = closeStreams

	err := c.handshake(ctx)
	o.metrics.sessionOpened(err)
	if err != nil {
		c.interrupt()
		return nil, err
	}
	return c, nil
}

// handshake reads the greeting. It never writes.
func (c *Client) handshake(ctx context.Context) error {
	c.state.Store(int32(StateHandshaking))
	if err := ctx.Err(); err != nil {
		return &SessionError{Err: err}
	}

	stop := context.AfterFunc(ctx, c.interrupt)
	line, err := c.conn.ReceiveLine()
	if !stop() {
		err = context.Cause(ctx)
	}
	if err != nil {
		return &SessionError{Err: err}
	}

	g, err := wire.DecodeGreeting(line)
	if err != nil {
		return &SessionError{Err: &transport.Error{Kind: transport.KindFormat, Op: "greeting", Err: err}}
	}
	if g.Abort != nil {
		return &AbortError{Message: *g.Abort}
	}
	if !g.Supports(wire.ProtocolVersion) {
		return fmt.Errorf("%w: plugin speaks protocol versions %v, need %d", ErrIncompatible, g.V, wire.ProtocolVersion)
	}
	if g.Select == nil {
		return fmt.Errorf("%w: greeting has no select mode", ErrIncompatible)
	}

	c.selectMode = *g.Select
	c.versions = g.V
	c.state.Store(int32(StateReady))
	c.logger.Debug("auth plugin greeted", "versions", g.V, "select", c.selectMode)
	return nil
}

// State returns the session's current state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// SelectMode returns the key selection capability from the greeting.
func (c *Client) SelectMode() wire.SelectMode {
	return c.selectMode
}

// Versions returns the protocol versions the plugin offered.
func (c *Client) Versions() []uint32 {
	return slices.Clone(c.versions)
}

// Authenticated reports whether Authenticate has succeeded.
func (c *Client) Authenticated() bool {
	return c.authenticated.Load()
}

// Stderr returns the most recent diagnostic output of a plugin started by
// Open and logged by the client. It is empty otherwise.
func (c *Client) Stderr() string {
	return c.stderr()
}

// Close ends the session. For a plugin started by Open it closes the
// plugin's stdin, waits up to the grace period for it to exit, then kills
// it. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		c.closeErr = c.release()
		c.logger.Debug("auth plugin session closed")
	})
	return c.closeErr
}

// check rejects a call locally. Callers hold mu.
func (c *Client) check(action wire.Action) error {
	switch c.State() {
	case StateClosed:
		return ErrClosed
	case StateFaulted:
		return c.fault
	case StateReady:
	default:
		return fmt.Errorf("%w: session is %s", ErrWrongPhase, c.State())
	}
	if action == wire.ActionGetPublicKey {
		return nil
	}
	authed := c.authenticated.Load()
	switch {
	case authed && action.Handshake():
		return fmt.Errorf("%w: %s after authentication", ErrWrongPhase, action)
	case !authed && !action.Handshake():
		return fmt.Errorf("%w: %s before authentication", ErrWrongPhase, action)
	}
	return nil
}

// failLocked faults the session. Callers hold mu.
func (c *Client) failLocked(action wire.Action, err error) error {
	se := &SessionError{Action: action, Err: err}
	if c.state.CompareAndSwap(int32(StateReady), int32(StateFaulted)) {
		c.fault = se
		c.logger.Warn("auth plugin session faulted", "action", action, "error", err)
		c.interrupt()
	}
	return se
}

// call performs one round trip. validate, if set, checks a success payload
// against the request; a failure faults the session.
func call[T any](ctx context.Context, c *Client, req wire.Request, validate func(*T) error) (*T, error) {
	action := req.Action()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.check(action); err != nil {
		return nil, err
	}
	line, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", action, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	stop := context.AfterFunc(ctx, c.interrupt)
	err = c.conn.SendLine(line)
	var resp []byte
	if err == nil {
		resp, err = c.conn.ReceiveLine()
	}
	if !stop() {
		err = context.Cause(ctx)
	}
	if err != nil {
		c.metrics.observeRequest(action, OutcomeTransportFault, time.Since(start))
		return nil, c.failLocked(action, err)
	}

	out, werr, err := wire.DecodeResult[T](resp, action)
	if err == nil && werr == nil && validate != nil {
		err = validate(out)
	}
	elapsed := time.Since(start)
	switch {
	case err != nil:
		c.metrics.observeRequest(action, OutcomeTransportFault, elapsed)
		return nil, c.failLocked(action, &transport.Error{Kind: transport.KindFormat, Op: "decode", Err: err})
	case werr != nil:
		c.metrics.observeRequest(action, OutcomeApplicationFault, elapsed)
		c.logger.Debug("auth plugin returned an error", "action", action, "kind", werr.Kind)
		return nil, werr
	}

	c.metrics.observeRequest(action, OutcomeOK, elapsed)
	if action == wire.ActionAuthenticate {
		c.authenticated.Store(true)
	}
	return out, nil
}

// KeyNames lists the keys the plugin offers and whether that list is
// complete. A plugin without key selection yields nil names and no error.
func (c *Client) KeyNames(ctx context.Context) ([]string, bool, error) {
	resp, err := call[wire.ListSelectableKeysResponse](ctx, c, &wire.ListSelectableKeysRequest{V: wire.ProtocolVersion}, nil)
	if wire.IsKind(err, wire.KindUnsupported) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return resp.Keys, resp.Exhaustive, nil
}

// SelectKey chooses the key later operations use.
func (c *Client) SelectKey(ctx context.Context, key string) error {
	_, err := call[wire.KeySelectResponse](ctx, c, &wire.KeySelectRequest{V: wire.ProtocolVersion, Key: key}, nil)
	return err
}

// AuthnMode returns how the plugin must be unlocked, with an optional value
// to show the user, such as a URL.
func (c *Client) AuthnMode(ctx context.Context) (wire.AuthnMode, *string, error) {
	resp, err := call[wire.DescribeAuthnModeResponse](ctx, c, &wire.DescribeAuthnModeRequest{V: wire.ProtocolVersion}, nil)
	if err != nil {
		return "", nil, err
	}
	return resp.Mode, resp.Value, nil
}

// Authenticate makes one unlock attempt. A *wire.Error of kind bad-authn or
// bad-mode leaves the session usable for another attempt. After success
// only signing operations and PublicKey are allowed.
func (c *Client) Authenticate(ctx context.Context, mode *wire.AuthnMode, value *string) error {
	_, err := call[wire.AuthenticateResponse](ctx, c, &wire.AuthenticateRequest{
		V:          wire.ProtocolVersion,
		Integrated: mode,
		Value:      value,
	}, nil)
	return err
}

// PublicKey returns the DER-encoded public key of the selected key.
func (c *Client) PublicKey(ctx context.Context) ([]byte, error) {
	resp, err := call[wire.GetPublicKeyResponse](ctx, c, &wire.GetPublicKeyRequest{V: wire.ProtocolVersion}, nil)
	if err != nil {
		return nil, err
	}
	return resp.PublicKeyDER, nil
}

// SignEnvelopes signs every content in one request and returns the
// signatures in input order. Either all are signed or none are.
func (c *Client) SignEnvelopes(ctx context.Context, contents []wire.EnvelopeContent) ([][]byte, error) {
	if contents == nil {
		contents = []wire.EnvelopeContent{}
	}
	resp, err := call[wire.SignEnvelopesResponse](ctx, c, &wire.SignEnvelopesRequest{V: wire.ProtocolVersion, Contents: contents},
		func(resp *wire.SignEnvelopesResponse) error {
			if len(resp.Signatures) != len(contents) {
				return fmt.Errorf("plugin returned %d signatures for %d contents", len(resp.Signatures), len(contents))
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	return resp.Signatures.Raw(), nil
}

// SignArbitrary signs data as given.
func (c *Client) SignArbitrary(ctx context.Context, data []byte) ([]byte, error) {
	if data == nil {
		data = []byte{}
	}
	resp, err := call[wire.SignArbitraryDataResponse](ctx, c, &wire.SignArbitraryDataRequest{V: wire.ProtocolVersion, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	return resp.Signature, nil
}

// SignDelegation asks the plugin to delegate to publicKeyDER until expiry,
// in nanoseconds since the epoch, optionally scoped to targets. It returns
// the signature and the expiry the plugin actually granted, which may differ
// from the one requested.
func (c *Client) SignDelegation(ctx context.Context, publicKeyDER []byte, expiry wire.Uint128, targets *[]wire.Principal) ([]byte, wire.Uint128, error) {
	resp, err := call[wire.SignDelegationResponse](ctx, c, &wire.SignDelegationRequest{
		V:                wire.ProtocolVersion,
		PublicKeyDER:     publicKeyDER,
		DesiredExpiry:    expiry,
		DesiredCanisters: targets,
	}, nil)
	if err != nil {
		return nil, wire.Uint128{}, err
	}
	return resp.Signature, resp.Expiry, nil
}
