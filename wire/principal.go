package wire

import (
	"crypto/sha256"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"
)

// MaxPrincipalLength is the largest principal, in bytes.
const MaxPrincipalLength = 29

const (
	selfAuthenticatingTag = 0x02
	anonymousTag          = 0x04
)

var principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ErrInvalidPrincipal is returned when a principal's text form does not parse.
var ErrInvalidPrincipal = errors.New("invalid principal")

// Principal is an opaque identifier used to scope delegations. On the wire it
// travels in its textual form, e.g. "aaaaa-aa".
type Principal []byte

// AnonymousPrincipal is the principal of unauthenticated callers.
func AnonymousPrincipal() Principal {
	return Principal{anonymousTag}
}

// SelfAuthenticatingPrincipal derives the principal owned by a DER public key.
func SelfAuthenticatingPrincipal(publicKeyDER []byte) Principal {
	sum := sha256.Sum224(publicKeyDER)
	p := make(Principal, 0, len(sum)+1)
	p = append(p, sum[:]...)
	return append(p, selfAuthenticatingTag)
}

// String returns the textual form: base32(crc32 || bytes) in lowercase, grouped
// by five characters with dashes.
func (p Principal) String() string {
	buf := make([]byte, 4, 4+len(p))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(p))
	buf = append(buf, p...)
	enc := strings.ToLower(principalEncoding.EncodeToString(buf))

	var sb strings.Builder
	for i := 0; i < len(enc); i += 5 {
		if i > 0 {
			sb.WriteByte('-')
		}
		sb.WriteString(enc[i:min(i+5, len(enc))])
	}
	return sb.String()
}

// ParsePrincipal parses the textual form of a principal and checks its checksum.
func ParsePrincipal(text string) (Principal, error) {
	raw := strings.ToUpper(strings.ReplaceAll(text, "-", ""))
	buf, err := principalEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidPrincipal, text, err)
	}
	if len(buf) < 4 || len(buf)-4 > MaxPrincipalLength {
		return nil, fmt.Errorf("%w %q: bad length", ErrInvalidPrincipal, text)
	}
	p := Principal(buf[4:])
	if binary.BigEndian.Uint32(buf[:4]) != crc32.ChecksumIEEE(p) {
		return nil, fmt.Errorf("%w %q: checksum mismatch", ErrInvalidPrincipal, text)
	}
	if p.String() != text {
		return nil, fmt.Errorf("%w %q: not in canonical form (%s)", ErrInvalidPrincipal, text, p.String())
	}
	return p, nil
}

// Equal reports whether two principals hold the same bytes.
func (p Principal) Equal(o Principal) bool {
	return string(p) == string(o)
}

// MarshalText implements encoding.TextMarshaler.
func (p Principal) MarshalText() ([]byte, error) {
	if len(p) > MaxPrincipalLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPrincipal, len(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Principal) UnmarshalText(text []byte) error {
	parsed, err := ParsePrincipal(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
