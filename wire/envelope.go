package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EnvelopeContent is a signable request payload defined outside this protocol.
// It is carried verbatim as a JSON object; the plugin signs its canonical form.
type EnvelopeContent json.RawMessage

// MarshalJSON implements json.Marshaler.
func (c EnvelopeContent) MarshalJSON() ([]byte, error) {
	if len(c) == 0 {
		return nil, fmt.Errorf("empty envelope content")
	}
	if !json.Valid(c) {
		return nil, fmt.Errorf("envelope content is not valid JSON")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *EnvelopeContent) UnmarshalJSON(data []byte) error {
	*c = append((*c)[:0], data...)
	return nil
}
