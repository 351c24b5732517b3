package plugin

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/authplugin/crypto"
	"github.com/joncooperworks/authplugin/crypto/keystore"
	"github.com/joncooperworks/authplugin/policy"
	"github.com/joncooperworks/authplugin/transport"
	"github.com/joncooperworks/authplugin/wire"
)

// host plays the host side of a session against a Server running in a goroutine.
type host struct {
	t    *testing.T
	conn *transport.Conn
	reqW *io.PipeWriter
	done chan error
}

func startServer(t *testing.T, srv *Server) *host {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	done := make(chan error, 1)
	go func() {
		err := srv.Serve(context.Background(), reqR, respW)
		_ = respW.Close()
		_ = reqR.Close()
		done <- err
	}()
	h := &host{t: t, conn: transport.NewConn(respR, reqW, 0), reqW: reqW, done: done}
	t.Cleanup(func() { _ = reqW.Close() })
	return h
}

func (h *host) greeting() *wire.Greeting {
	h.t.Helper()
	line, err := h.conn.ReceiveLine()
	require.NoError(h.t, err)
	g, err := wire.DecodeGreeting(line)
	require.NoError(h.t, err)
	return g
}

func (h *host) send(req wire.Request) {
	h.t.Helper()
	line, err := wire.EncodeRequest(req)
	require.NoError(h.t, err)
	require.NoError(h.t, h.conn.SendLine(line))
}

func call[T any](h *host, req wire.Request) (*T, *wire.Error) {
	h.t.Helper()
	h.send(req)
	line, err := h.conn.ReceiveLine()
	require.NoError(h.t, err)
	resp, werr, err := wire.DecodeResult[T](line, req.Action())
	require.NoError(h.t, err)
	return resp, werr
}

// finish closes the request stream and returns Serve's result.
func (h *host) finish() error {
	_ = h.reqW.Close()
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		h.t.Fatal("Serve did not return")
		return nil
	}
}

// violation expects the server to end the session without answering.
func (h *host) violation() *ProtocolViolationError {
	h.t.Helper()
	_, err := h.conn.ReceiveLine()
	require.True(h.t, transport.IsEOF(err), "expected the plugin to hang up, got %v", err)
	var pv *ProtocolViolationError
	require.ErrorAs(h.t, h.finish(), &pv)
	return pv
}

func memoryServer(pin string) (*Server, *keystore.MemoryHolder) {
	holder := keystore.NewMemoryHolder(pin)
	if _, err := holder.GenerateKey("main"); err != nil {
		panic(err)
	}
	return &Server{Open: func() (keystore.KeyHolder, error) { return holder, nil }}, holder
}

func authenticate(h *host, pin string) {
	h.t.Helper()
	req := &wire.AuthenticateRequest{V: 1}
	if pin != "" {
		req.Integrated = wire.AuthnPassword.Ptr()
		req.Value = &pin
	}
	_, werr := call[wire.AuthenticateResponse](h, req)
	require.Nil(h.t, werr)
}

func TestServe_AutomaticUnlock(t *testing.T) {
	srv, holder := memoryServer("")
	holder.SetSelectMode(wire.SelectUnsupported)
	h := startServer(t, srv)

	g := h.greeting()
	require.True(t, g.Supports(1))
	require.Nil(t, g.Abort)
	require.Equal(t, wire.SelectUnsupported, *g.Select)

	h.send(&wire.DescribeAuthnModeRequest{V: 1})
	line, err := h.conn.ReceiveLine()
	require.NoError(t, err)
	require.JSONEq(t, `{"Ok":{"mode":"automatic","value":null}}`, string(line))

	_, werr := call[wire.AuthenticateResponse](h, &wire.AuthenticateRequest{V: 1})
	require.Nil(t, werr)

	pk, werr := call[wire.GetPublicKeyResponse](h, &wire.GetPublicKeyRequest{V: 1})
	require.Nil(t, werr)
	pub, err := crypto.ParsePublicKeyDER(pk.PublicKeyDER)
	require.NoError(t, err)

	sig, werr := call[wire.SignArbitraryDataResponse](h, &wire.SignArbitraryDataRequest{V: 1, Data: wire.Bytes("garbage!")})
	require.Nil(t, werr)
	require.True(t, ed25519.Verify(pub, []byte("garbage!"), sig.Signature))

	require.NoError(t, h.finish())
}

func TestServe_WrongPINThenRight(t *testing.T) {
	srv, _ := memoryServer("correct")
	h := startServer(t, srv)
	h.greeting()

	mode, werr := call[wire.DescribeAuthnModeResponse](h, &wire.DescribeAuthnModeRequest{V: 1})
	require.Nil(t, werr)
	require.Equal(t, wire.AuthnPassword, mode.Mode)

	wrong := "wrong"
	_, werr = call[wire.AuthenticateResponse](h, &wire.AuthenticateRequest{V: 1, Integrated: wire.AuthnPassword.Ptr(), Value: &wrong})
	require.NotNil(t, werr)
	require.Equal(t, wire.KindBadAuthn, werr.Kind)
	require.Equal(t, "Incorrect PIN", *werr.Message)

	// still pre-auth
	_, werr = call[wire.GetPublicKeyResponse](h, &wire.GetPublicKeyRequest{V: 1})
	require.Equal(t, wire.KindRequiresAuthn, werr.Kind)

	authenticate(h, "correct")

	_, werr = call[wire.GetPublicKeyResponse](h, &wire.GetPublicKeyRequest{V: 1})
	require.Nil(t, werr)
	require.NoError(t, h.finish())
}

func TestServe_BadMode(t *testing.T) {
	srv, _ := memoryServer("1234")
	h := startServer(t, srv)
	h.greeting()

	pin := "1234"
	for _, req := range []*wire.AuthenticateRequest{
		{V: 1},
		{V: 1, Integrated: wire.AuthnURL.Ptr(), Value: &pin},
		{V: 1, Integrated: wire.AuthnAutomatic.Ptr()},
	} {
		_, werr := call[wire.AuthenticateResponse](h, req)
		require.NotNil(t, werr)
		require.Equal(t, wire.KindBadMode, werr.Kind)
	}
	// bad-mode consumes no attempt and leaves the session usable
	authenticate(h, "1234")
	require.NoError(t, h.finish())
}

func TestServe_HandshakeAfterAuthenticationIsFatal(t *testing.T) {
	for _, req := range []wire.Request{
		&wire.AuthenticateRequest{V: 1},
		&wire.ListSelectableKeysRequest{V: 1},
		&wire.KeySelectRequest{V: 1, Key: "main"},
		&wire.DescribeAuthnModeRequest{V: 1},
	} {
		t.Run(string(req.Action()), func(t *testing.T) {
			srv, _ := memoryServer("")
			h := startServer(t, srv)
			h.greeting()
			authenticate(h, "")

			h.send(req)
			pv := h.violation()
			require.Equal(t, PhaseAuthenticated, pv.Phase)
			require.Equal(t, req.Action(), pv.Action)
			require.Contains(t, pv.Error(), "repeated")
		})
	}
}

func TestServe_SigningBeforeAuthenticationIsFatal(t *testing.T) {
	for _, req := range []wire.Request{
		&wire.SignEnvelopesRequest{V: 1, Contents: []wire.EnvelopeContent{}},
		&wire.SignArbitraryDataRequest{V: 1, Data: wire.Bytes{}},
		&wire.SignDelegationRequest{V: 1, PublicKeyDER: wire.Bytes{1}},
	} {
		t.Run(string(req.Action()), func(t *testing.T) {
			srv, _ := memoryServer("")
			h := startServer(t, srv)
			h.greeting()

			h.send(req)
			pv := h.violation()
			require.Equal(t, PhasePreAuth, pv.Phase)
		})
	}
}

func TestServe_MalformedInputIsFatal(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{name: "not json", line: "hello"},
		{name: "future version", line: `{"action":"describe-authn-mode","v":2}`, want: wire.ErrUnsupportedVersion},
		{name: "unknown action", line: `{"action":"format-disk","v":1}`, want: wire.ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := memoryServer("")
			h := startServer(t, srv)
			h.greeting()

			require.NoError(t, h.conn.SendLine([]byte(tt.line)))
			pv := h.violation()
			require.Error(t, pv.Err)
			if tt.want != nil {
				require.ErrorIs(t, pv, tt.want)
			}
		})
	}
}

type failOnRead struct{ t *testing.T }

func (f failOnRead) Read([]byte) (int, error) {
	f.t.Error("aborted plugin read its input")
	return 0, io.EOF
}

func TestServe_AbortGreeting(t *testing.T) {
	srv := &Server{Open: func() (keystore.KeyHolder, error) {
		return nil, errors.New("keyring-auth-plugin has not been configured")
	}}
	var out strings.Builder
	err := srv.Serve(context.Background(), failOnRead{t}, &out)
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, `{"v":[1],"select":null,"abort":"keyring-auth-plugin has not been configured"}`+"\n", out.String())
}

func TestServe_EndOfInput(t *testing.T) {
	srv, _ := memoryServer("")
	var out strings.Builder
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(""), &out))

	srv, _ = memoryServer("")
	err := srv.Serve(context.Background(), strings.NewReader(`{"action":"describe-authn-mode"`), &out)
	require.Equal(t, transport.KindEOF, transport.KindOf(err))
}

func TestServe_KeySelection(t *testing.T) {
	srv, holder := memoryServer("")
	_, err := holder.GenerateKey("backup")
	require.NoError(t, err)
	h := startServer(t, srv)
	require.Equal(t, wire.SelectSupported, *h.greeting().Select)

	keys, werr := call[wire.ListSelectableKeysResponse](h, &wire.ListSelectableKeysRequest{V: 1})
	require.Nil(t, werr)
	require.Equal(t, []string{"backup", "main"}, keys.Keys)
	require.True(t, keys.Exhaustive)

	_, werr = call[wire.KeySelectResponse](h, &wire.KeySelectRequest{V: 1, Key: "missing"})
	require.Equal(t, wire.KindInvalidKey, werr.Kind)

	_, werr = call[wire.KeySelectResponse](h, &wire.KeySelectRequest{V: 1, Key: "backup"})
	require.Nil(t, werr)
	require.NoError(t, h.finish())
}

func TestServe_SelectionUnsupported(t *testing.T) {
	srv, holder := memoryServer("")
	holder.SetSelectMode(wire.SelectUnsupported)
	h := startServer(t, srv)
	h.greeting()

	_, werr := call[wire.ListSelectableKeysResponse](h, &wire.ListSelectableKeysRequest{V: 1})
	require.Equal(t, wire.KindUnsupported, werr.Kind)
	_, werr = call[wire.KeySelectResponse](h, &wire.KeySelectRequest{V: 1, Key: "main"})
	require.Equal(t, wire.KindUnsupported, werr.Kind)
	require.NoError(t, h.finish())
}

func envelope(requestType string, n int) wire.EnvelopeContent {
	b, _ := json.Marshal(map[string]any{"request_type": requestType, "nonce": n})
	return b
}

func TestServe_SignEnvelopes(t *testing.T) {
	srv, _ := memoryServer("")
	h := startServer(t, srv)
	h.greeting()
	authenticate(h, "")
	pk, _ := call[wire.GetPublicKeyResponse](h, &wire.GetPublicKeyRequest{V: 1})

	contents := []wire.EnvelopeContent{envelope("call", 0), envelope("query", 1), envelope("read_state", 2)}
	resp, werr := call[wire.SignEnvelopesResponse](h, &wire.SignEnvelopesRequest{V: 1, Contents: contents})
	require.Nil(t, werr)
	require.Len(t, resp.Signatures, len(contents))
	for i, c := range contents {
		msg, err := crypto.EnvelopeSigningBytes(c)
		require.NoError(t, err)
		require.NoError(t, crypto.VerifyDER(pk.PublicKeyDER, msg, resp.Signatures[i]), "signature %d", i)
	}

	empty, werr := call[wire.SignEnvelopesResponse](h, &wire.SignEnvelopesRequest{V: 1, Contents: []wire.EnvelopeContent{}})
	require.Nil(t, werr)
	require.Empty(t, empty.Signatures)
	require.NoError(t, h.finish())
}

func TestServe_SignEnvelopesAllOrNothing(t *testing.T) {
	srv, _ := memoryServer("")
	h := startServer(t, srv)
	h.greeting()
	authenticate(h, "")

	contents := []wire.EnvelopeContent{
		envelope("call", 0),
		envelope("install_code", 1),
		envelope("query", 2),
		wire.EnvelopeContent(`["not","an","object"]`),
	}
	h.send(&wire.SignEnvelopesRequest{V: 1, Contents: contents})
	line, err := h.conn.ReceiveLine()
	require.NoError(t, err)
	require.NotContains(t, string(line), "signatures")

	_, werr, err := wire.DecodeResult[wire.SignEnvelopesResponse](line, wire.ActionSignEnvelopes)
	require.NoError(t, err)
	require.Equal(t, wire.KindUnsupportedContent, werr.Kind)
	require.Equal(t, []uint{1, 3}, werr.Pos)
	require.NoError(t, h.finish())
}

func TestServe_PolicyRefusal(t *testing.T) {
	srv, _ := memoryServer("")
	srv.Policy = &policy.Static{Deny: []wire.Action{wire.ActionSignEnvelopes, wire.ActionSignDelegation}}
	h := startServer(t, srv)
	h.greeting()
	authenticate(h, "")

	_, werr := call[wire.SignEnvelopesResponse](h, &wire.SignEnvelopesRequest{V: 1, Contents: []wire.EnvelopeContent{envelope("call", 0)}})
	require.Equal(t, wire.KindRefused, werr.Kind)

	_, werr = call[wire.SignDelegationResponse](h, &wire.SignDelegationRequest{V: 1, PublicKeyDER: wire.Bytes{1}, DesiredExpiry: wire.U128(1)})
	require.Equal(t, wire.KindRefused, werr.Kind)

	_, werr = call[wire.SignArbitraryDataResponse](h, &wire.SignArbitraryDataRequest{V: 1, Data: wire.Bytes("ok")})
	require.Nil(t, werr)
	require.NoError(t, h.finish())
}

type failingPolicy struct{}

func (failingPolicy) Approve(context.Context, *policy.Request) (policy.Decision, error) {
	return policy.Decision{}, errors.New("policy module crashed")
}

func TestServe_PolicyFailureIsCustom(t *testing.T) {
	srv, _ := memoryServer("")
	srv.Policy = failingPolicy{}
	h := startServer(t, srv)
	h.greeting()
	authenticate(h, "")

	_, werr := call[wire.SignArbitraryDataResponse](h, &wire.SignArbitraryDataRequest{V: 1, Data: wire.Bytes("x")})
	require.Equal(t, wire.KindCustom, werr.Kind)
	require.Contains(t, *werr.Message, "policy module crashed")
	require.NoError(t, h.finish())
}

func TestServe_ArbitraryDataDisabled(t *testing.T) {
	srv, _ := memoryServer("")
	srv.Rules.DisableArbitraryData = true
	h := startServer(t, srv)
	h.greeting()
	authenticate(h, "")

	_, werr := call[wire.SignArbitraryDataResponse](h, &wire.SignArbitraryDataRequest{V: 1, Data: wire.Bytes("x")})
	require.Equal(t, wire.KindUnsupported, werr.Kind)
	require.NoError(t, h.finish())
}

func TestServe_SignDelegation(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	session := wire.Bytes("session public key")
	allowed := wire.Principal{0x01}
	other := wire.Principal{0x02}
	far := wire.ExpiryFromTime(now.Add(48 * time.Hour))
	near := wire.ExpiryFromTime(now.Add(time.Hour))

	tests := []struct {
		name       string
		rules      Rules
		targets    *[]wire.Principal
		desired    wire.Uint128
		wantKind   wire.ErrorKind
		wantExpiry wire.Uint128
	}{
		{name: "granted as desired", desired: far, wantExpiry: far},
		{name: "clamped", rules: Rules{MaxTTL: 24 * time.Hour}, desired: far, wantExpiry: wire.ExpiryFromTime(now.Add(24 * time.Hour))},
		{name: "under the cap", rules: Rules{MaxTTL: 24 * time.Hour}, desired: near, wantExpiry: near},
		{name: "disabled", rules: Rules{DisableDelegation: true}, desired: near, wantKind: wire.KindUnsupported},
		{name: "scoping required", rules: Rules{RequireCanisterScoping: true}, desired: near, wantKind: wire.KindNeedsCanisterScoping},
		{name: "scoped when required", rules: Rules{RequireCanisterScoping: true}, targets: &[]wire.Principal{other}, desired: near, wantExpiry: near},
		{name: "allow-list implies scoping", rules: Rules{AllowedCanisters: []wire.Principal{allowed}}, desired: near, wantKind: wire.KindNeedsCanisterScoping},
		{name: "outside allow-list", rules: Rules{AllowedCanisters: []wire.Principal{allowed}}, targets: &[]wire.Principal{allowed, other}, desired: near, wantKind: wire.KindUnsupportedCanister},
		{name: "inside allow-list", rules: Rules{AllowedCanisters: []wire.Principal{allowed}}, targets: &[]wire.Principal{allowed}, desired: near, wantExpiry: near},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := memoryServer("")
			srv.Rules = tt.rules
			srv.Now = func() time.Time { return now }
			h := startServer(t, srv)
			h.greeting()
			authenticate(h, "")
			pk, _ := call[wire.GetPublicKeyResponse](h, &wire.GetPublicKeyRequest{V: 1})

			resp, werr := call[wire.SignDelegationResponse](h, &wire.SignDelegationRequest{
				V: 1, PublicKeyDER: session, DesiredExpiry: tt.desired, DesiredCanisters: tt.targets,
			})
			if tt.wantKind != "" {
				require.NotNil(t, werr)
				require.Equal(t, tt.wantKind, werr.Kind)
				if tt.wantKind == wire.KindUnsupportedCanister {
					require.Len(t, werr.Principals, 1)
					require.True(t, werr.Principals[0].Equal(other))
				}
			} else {
				require.Nil(t, werr)
				require.Equal(t, tt.wantExpiry, resp.Expiry)
				msg := crypto.DelegationSigningBytes(session, resp.Expiry, tt.targets)
				require.NoError(t, crypto.VerifyDER(pk.PublicKeyDER, msg, resp.Signature))
			}
			require.NoError(t, h.finish())
		})
	}
}
