package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/joncooperworks/authplugin/crypto"
	"github.com/joncooperworks/authplugin/crypto/keystore"
	"github.com/joncooperworks/authplugin/policy"
	"github.com/joncooperworks/authplugin/transport"
	"github.com/joncooperworks/authplugin/wire"
)

// Server answers one host over a pair of streams.
type Server struct {
	// Open returns the key holder. It is called once, before the greeting;
	// an error becomes an aborting greeting.
	Open func() (keystore.KeyHolder, error)
	// Policy approves signing operations. Nil approves everything.
	Policy policy.Policy
	Rules  Rules
	// Logger receives diagnostics. It must not write to the protocol stream.
	Logger *slog.Logger
	// Now is the clock used to clamp delegations. Nil means time.Now.
	Now func() time.Time
	// MaxLineSize bounds request lines; zero selects transport.DefaultMaxLineSize.
	MaxLineSize int
}

// Serve greets the host on w and answers requests read from r until the host
// closes r at a line boundary, which returns nil.
//
// If Open fails, Serve writes an aborting greeting and returns an error
// matching ErrAborted without reading r. A protocol violation returns a
// *ProtocolViolationError; stream failures return a *transport.Error.
//
// Serve checks ctx between requests; it cannot interrupt a blocked read.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn := transport.NewConn(r, w, s.MaxLineSize)

	if s.Open == nil {
		return s.abort(conn, logger, errors.New("no key holder configured"))
	}
	holder, err := s.Open()
	if err != nil {
		return s.abort(conn, logger, err)
	}
	if c, ok := holder.(io.Closer); ok {
		defer c.Close()
	}

	sess := &session{
		srv:    s,
		holder: holder,
		logger: logger,
		policy: s.Policy,
		now:    s.Now,
	}
	if sess.policy == nil {
		sess.policy = policy.AllowAll{}
	}
	if sess.now == nil {
		sess.now = time.Now
	}
	if au, ok := holder.(keystore.AutoUnlocker); ok {
		if err := au.AutoUnlock(); err == nil {
			sess.auto = true
			logger.Debug("key holder unlocked without credentials")
		} else {
			logger.Debug("automatic unlock unavailable", "error", err)
		}
	}

	if err := conn.Send(wire.NewGreeting(holder.SelectMode())); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := conn.ReceiveLine()
		if err != nil {
			if transport.IsEOF(err) && errors.Is(err, io.EOF) {
				logger.Debug("host closed the session")
				return nil
			}
			return err
		}
		req, err := wire.DecodeRequest(line)
		if err != nil {
			return &ProtocolViolationError{Phase: sess.phase, Err: err}
		}

		out, err := sess.handle(ctx, req)
		if err != nil {
			return err
		}
		if err := conn.SendLine(out); err != nil {
			return err
		}
	}
}

func (s *Server) abort(conn *transport.Conn, logger *slog.Logger, cause error) error {
	logger.Error("plugin unusable, aborting", "error", cause)
	if err := conn.Send(wire.NewAbortGreeting(cause.Error())); err != nil {
		return fmt.Errorf("%w: %w (greeting not sent: %v)", ErrAborted, cause, err)
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}

type session struct {
	srv    *Server
	holder keystore.KeyHolder
	logger *slog.Logger
	policy policy.Policy
	now    func() time.Time

	phase    Phase
	auto     bool
	selected string
}

// handle answers one request with an encoded result line. A non-nil error
// ends the session.
func (s *session) handle(ctx context.Context, req wire.Request) ([]byte, error) {
	action := req.Action()
	if err := s.checkPhase(action); err != nil {
		return nil, err
	}

	var (
		resp any
		werr *wire.Error
	)
	switch r := req.(type) {
	case *wire.ListSelectableKeysRequest:
		resp, werr = s.listSelectableKeys()
	case *wire.KeySelectRequest:
		resp, werr = s.keySelect(r)
	case *wire.DescribeAuthnModeRequest:
		resp, werr = s.describeAuthnMode()
	case *wire.AuthenticateRequest:
		resp, werr = s.authenticate(r)
	case *wire.GetPublicKeyRequest:
		resp, werr = s.getPublicKey()
	case *wire.SignEnvelopesRequest:
		resp, werr = s.signEnvelopes(ctx, r)
	case *wire.SignArbitraryDataRequest:
		resp, werr = s.signArbitraryData(ctx, r)
	case *wire.SignDelegationRequest:
		resp, werr = s.signDelegation(ctx, r)
	default:
		return nil, &ProtocolViolationError{Phase: s.phase, Action: action}
	}

	if werr != nil {
		s.logger.Info("request failed", "action", action, "error", werr)
		return wire.EncodeErr(action, werr)
	}
	s.logger.Debug("request served", "action", action)
	return wire.EncodeOk(resp)
}

func (s *session) checkPhase(action wire.Action) error {
	switch {
	case action == wire.ActionGetPublicKey:
		return nil
	case s.phase == PhasePreAuth && action.Handshake():
		return nil
	case s.phase == PhaseAuthenticated && !action.Handshake():
		return nil
	}
	return &ProtocolViolationError{Phase: s.phase, Action: action}
}

func (s *session) listSelectableKeys() (any, *wire.Error) {
	if s.holder.SelectMode() == wire.SelectUnsupported {
		return nil, wire.Unsupported()
	}
	names, exhaustive, err := s.holder.ListKeys()
	if errors.Is(err, keystore.ErrUnsupported) {
		return nil, wire.Unsupported()
	}
	if err != nil {
		return nil, wire.Custom(err.Error())
	}
	if names == nil {
		names = []string{}
	}
	return &wire.ListSelectableKeysResponse{Keys: names, Exhaustive: exhaustive}, nil
}

func (s *session) keySelect(r *wire.KeySelectRequest) (any, *wire.Error) {
	if s.holder.SelectMode() == wire.SelectUnsupported {
		return nil, wire.Unsupported()
	}
	err := s.holder.SelectKey(r.Key)
	switch {
	case errors.Is(err, keystore.ErrUnsupported):
		return nil, wire.Unsupported()
	case errors.Is(err, keystore.ErrKeyNotFound):
		return nil, wire.InvalidKey(err.Error())
	case err != nil:
		return nil, wire.Custom(err.Error())
	}
	s.selected = r.Key
	return &wire.KeySelectResponse{}, nil
}

func (s *session) mode() (wire.AuthnMode, *string) {
	if s.auto {
		return wire.AuthnAutomatic, nil
	}
	return s.holder.AuthnMode()
}

func (s *session) describeAuthnMode() (any, *wire.Error) {
	mode, value := s.mode()
	return &wire.DescribeAuthnModeResponse{Mode: mode, Value: value}, nil
}

func (s *session) authenticate(r *wire.AuthenticateRequest) (any, *wire.Error) {
	mode, _ := s.mode()
	if mode == wire.AuthnAutomatic {
		if !s.auto {
			// the holder claims automatic but did not unlock at greeting time
			if err := s.holder.Unlock(""); err != nil {
				return nil, wire.Custom(err.Error())
			}
		}
		return s.authenticated()
	}
	if r.Integrated == nil || *r.Integrated != mode {
		return nil, wire.BadMode()
	}

	var secret string
	if r.Value != nil {
		secret = *r.Value
	}
	err := s.holder.Unlock(secret)
	var authnErr *keystore.AuthnError
	switch {
	case errors.As(err, &authnErr):
		return nil, wire.BadAuthn(authnErr.Message)
	case err != nil:
		return nil, wire.Custom(err.Error())
	}
	return s.authenticated()
}

func (s *session) authenticated() (any, *wire.Error) {
	s.phase = PhaseAuthenticated
	s.logger.Info("authenticated", "key", s.selected)
	return &wire.AuthenticateResponse{}, nil
}

func (s *session) getPublicKey() (any, *wire.Error) {
	if s.phase != PhaseAuthenticated {
		return nil, wire.RequiresAuthn()
	}
	der, err := s.holder.PublicKeyDER()
	if err != nil {
		return nil, wire.Custom(err.Error())
	}
	return &wire.GetPublicKeyResponse{PublicKeyDER: der}, nil
}

func (s *session) signEnvelopes(ctx context.Context, r *wire.SignEnvelopesRequest) (any, *wire.Error) {
	msgs := make([][]byte, len(r.Contents))
	canonical := make([]json.RawMessage, len(r.Contents))
	var (
		bad      []uint
		firstErr error
	)
	for i, c := range r.Contents {
		c14n, err := crypto.CanonicalContent(c)
		if err != nil {
			bad = append(bad, uint(i))
			if firstErr == nil {
				firstErr = fmt.Errorf("content %d: %w", i, err)
			}
			continue
		}
		canonical[i] = c14n
		msgs[i] = crypto.CanonicalSigningBytes(c14n)
	}
	if len(bad) > 0 {
		return nil, wire.UnsupportedContent(bad, firstErr.Error())
	}

	if werr := s.approve(ctx, &policy.Request{Action: wire.ActionSignEnvelopes, Contents: canonical}); werr != nil {
		return nil, werr
	}

	sigs := make([][]byte, len(msgs))
	for i, msg := range msgs {
		sig, err := s.holder.Sign(msg)
		if err != nil {
			return nil, wire.Custom(fmt.Sprintf("signing content %d: %v", i, err))
		}
		sigs[i] = sig
	}
	return &wire.SignEnvelopesResponse{Signatures: wire.NewBytesList(sigs)}, nil
}

func (s *session) signArbitraryData(ctx context.Context, r *wire.SignArbitraryDataRequest) (any, *wire.Error) {
	if s.srv.Rules.DisableArbitraryData {
		return nil, wire.Unsupported()
	}
	if werr := s.approve(ctx, &policy.Request{Action: wire.ActionSignArbitraryData, Data: r.Data}); werr != nil {
		return nil, werr
	}
	sig, err := s.holder.Sign(r.Data)
	if err != nil {
		return nil, wire.Custom(err.Error())
	}
	return &wire.SignArbitraryDataResponse{Signature: sig}, nil
}

func (s *session) signDelegation(ctx context.Context, r *wire.SignDelegationRequest) (any, *wire.Error) {
	rules := &s.srv.Rules
	if rules.DisableDelegation {
		return nil, wire.Unsupported()
	}
	if r.DesiredCanisters == nil && rules.needsScoping() {
		return nil, wire.NeedsCanisterScoping()
	}
	if r.DesiredCanisters != nil {
		if outside := rules.disallowed(*r.DesiredCanisters); len(outside) > 0 {
			return nil, wire.UnsupportedCanister(outside, "")
		}
	}
	if len(r.PublicKeyDER) == 0 {
		return nil, wire.Custom("public-key-der is empty")
	}

	expiry := rules.clamp(r.DesiredExpiry, s.now())
	req := &policy.Request{
		Action:       wire.ActionSignDelegation,
		PublicKeyDER: r.PublicKeyDER,
		Expiry:       &expiry,
		Canisters:    r.DesiredCanisters,
	}
	if werr := s.approve(ctx, req); werr != nil {
		return nil, werr
	}

	msg := crypto.DelegationSigningBytes(r.PublicKeyDER, expiry, r.DesiredCanisters)
	sig, err := s.holder.Sign(msg)
	if err != nil {
		return nil, wire.Custom(err.Error())
	}
	if expiry != r.DesiredExpiry {
		s.logger.Info("delegation expiry clamped", "desired", r.DesiredExpiry.String(), "granted", expiry.String())
	}
	return &wire.SignDelegationResponse{Signature: sig, Expiry: expiry}, nil
}

// approve consults the policy. A denial is "refused"; a policy failure is
// reported as a custom error.
func (s *session) approve(ctx context.Context, req *policy.Request) *wire.Error {
	req.Key = s.selected
	d, err := s.policy.Approve(ctx, req)
	if err != nil {
		return wire.Custom(fmt.Sprintf("policy failed: %v", err))
	}
	if !d.Allow {
		s.logger.Info("policy refused request", "action", req.Action, "reason", d.Reason)
		return wire.Refused()
	}
	return nil
}
