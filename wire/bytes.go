package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Bytes is a binary field carried as a standard base64 string.
//
// Unlike a plain []byte, a nil Bytes encodes as "" rather than null.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, base64.StdEncoding.EncodedLen(len(b))+2)
	out = append(out, '"')
	out = base64.StdEncoding.AppendEncode(out, b)
	out = append(out, '"')
	return out, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("expected a base64-encoded string: %w", err)
	}
	dec, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid base64 %q: %w", s, err)
	}
	*b = dec
	return nil
}

// BytesList is a list of binary fields, each element base64-encoded on its own.
// A nil list encodes as [].
type BytesList []Bytes

// MarshalJSON implements json.Marshaler.
func (l BytesList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Bytes(l))
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *BytesList) UnmarshalJSON(data []byte) error {
	var elems []Bytes
	if err := json.Unmarshal(data, &elems); err != nil {
		return fmt.Errorf("expected a list of base64-encoded strings: %w", err)
	}
	if elems == nil {
		return fmt.Errorf("expected a list of base64-encoded strings, got null")
	}
	*l = elems
	return nil
}

// Raw returns the list as plain byte slices.
func (l BytesList) Raw() [][]byte {
	out := make([][]byte, len(l))
	for i, b := range l {
		out[i] = b
	}
	return out
}

// NewBytesList copies raw byte slices into a BytesList.
func NewBytesList(raw [][]byte) BytesList {
	out := make(BytesList, len(raw))
	for i, b := range raw {
		out[i] = b
	}
	return out
}
