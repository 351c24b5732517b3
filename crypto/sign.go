package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joncooperworks/authplugin/wire"
)

// Domain separators prefixed to every signed message. The first byte is the
// length of the tag that follows it.
var (
	envelopeDomain   = []byte("\x0Aic-request")
	delegationDomain = []byte("\x1Aic-request-auth-delegation")
)

// ErrUnsupportedContent is returned for envelope content a plugin will not sign.
var ErrUnsupportedContent = errors.New("unsupported envelope content")

// ErrInvalidSignature is returned by VerifyDER when a signature does not verify.
var ErrInvalidSignature = errors.New("signature verification failed")

// requestTypes are the envelope kinds that may be signed.
var requestTypes = map[string]bool{
	"call":       true,
	"query":      true,
	"read_state": true,
}

// CanonicalContent returns the canonical form of envelope content: a JSON
// object with keys sorted, no insignificant whitespace, and numbers kept
// exactly as written.
//
// Content must be a JSON object whose "request_type" is one of call, query or
// read_state; anything else is reported as ErrUnsupportedContent.
func CanonicalContent(content []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrUnsupportedContent, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after object", ErrUnsupportedContent)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: content is null", ErrUnsupportedContent)
	}
	rt, _ := obj["request_type"].(string)
	if !requestTypes[rt] {
		return nil, fmt.Errorf("%w: request_type %q", ErrUnsupportedContent, rt)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// map keys are emitted in sorted order
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("failed to encode canonical content: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// RequestID returns the SHA-256 of the canonical content.
func RequestID(content []byte) ([32]byte, error) {
	canonical, err := CanonicalContent(content)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(canonical), nil
}

// EnvelopeSigningBytes returns the message a key holder signs to approve an
// envelope: the request domain separator followed by the request ID.
func EnvelopeSigningBytes(content []byte) ([]byte, error) {
	canonical, err := CanonicalContent(content)
	if err != nil {
		return nil, err
	}
	return CanonicalSigningBytes(canonical), nil
}

// CanonicalSigningBytes is EnvelopeSigningBytes for content already in the
// form CanonicalContent returns.
func CanonicalSigningBytes(canonical []byte) []byte {
	id := sha256.Sum256(canonical)
	msg := make([]byte, 0, len(envelopeDomain)+len(id))
	msg = append(msg, envelopeDomain...)
	return append(msg, id[:]...)
}

// DelegationSigningBytes returns the message a key holder signs to delegate
// its identity to pubKeyDER until expiry.
//
// The delegation is hashed field by field:
//   - pubkey: the DER bytes
//   - expiration: unsigned LEB128 nanoseconds since the epoch
//   - targets: the principal bytes, present only when targets is non-nil
//
// Each field contributes sha256(name) || sha256(value); the pairs are sorted
// and hashed together, so the result does not depend on field order.
func DelegationSigningBytes(pubKeyDER []byte, expiry wire.Uint128, targets *[]wire.Principal) []byte {
	fields := [][]byte{
		hashField("pubkey", hashBlob(pubKeyDER)),
		hashField("expiration", hashBlob(leb128(expiry))),
	}
	if targets != nil {
		var concat []byte
		for _, p := range *targets {
			h := hashBlob(p)
			concat = append(concat, h[:]...)
		}
		fields = append(fields, hashField("targets", hashBlob(concat)))
	}
	sortBytes(fields)

	h := sha256.New()
	for _, f := range fields {
		h.Write(f)
	}
	msg := make([]byte, 0, len(delegationDomain)+sha256.Size)
	msg = append(msg, delegationDomain...)
	return h.Sum(msg)
}

// PublicKeyDER encodes an Ed25519 public key as DER SubjectPublicKeyInfo.
func PublicKeyDER(pub ed25519.PublicKey) ([]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid Ed25519 public key length: %d", len(pub))
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKeyDER decodes a DER SubjectPublicKeyInfo holding an Ed25519 key.
func ParsePublicKeyDER(der []byte) (ed25519.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not Ed25519", pub)
	}
	return edPub, nil
}

// VerifyDER checks an Ed25519 signature over msg against a DER public key.
func VerifyDER(pubKeyDER, msg, sig []byte) error {
	pub, err := ParsePublicKeyDER(pubKeyDER)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}
