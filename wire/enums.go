package wire

import "fmt"

// SelectMode advertises whether a plugin needs, offers, or lacks key selection.
type SelectMode string

const (
	SelectRequired    SelectMode = "required"
	SelectSupported   SelectMode = "supported"
	SelectUnsupported SelectMode = "unsupported"
)

func (m SelectMode) valid() bool {
	switch m {
	case SelectRequired, SelectSupported, SelectUnsupported:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (m SelectMode) MarshalText() ([]byte, error) {
	if !m.valid() {
		return nil, fmt.Errorf("invalid select mode %q", string(m))
	}
	return []byte(m), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SelectMode) UnmarshalText(b []byte) error {
	v := SelectMode(b)
	if !v.valid() {
		return fmt.Errorf("unknown select mode %q", string(b))
	}
	*m = v
	return nil
}

// AuthnMode is the way a plugin needs to be unlocked.
type AuthnMode string

const (
	AuthnPassword  AuthnMode = "password"
	AuthnURL       AuthnMode = "url"
	AuthnMessage   AuthnMode = "message"
	AuthnWindow    AuthnMode = "window"
	AuthnAutomatic AuthnMode = "automatic"
)

func (m AuthnMode) valid() bool {
	switch m {
	case AuthnPassword, AuthnURL, AuthnMessage, AuthnWindow, AuthnAutomatic:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (m AuthnMode) MarshalText() ([]byte, error) {
	if !m.valid() {
		return nil, fmt.Errorf("invalid authn mode %q", string(m))
	}
	return []byte(m), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *AuthnMode) UnmarshalText(b []byte) error {
	v := AuthnMode(b)
	if !v.valid() {
		return fmt.Errorf("unknown authn mode %q", string(b))
	}
	*m = v
	return nil
}

// Ptr returns a pointer to m, for optional request fields.
func (m AuthnMode) Ptr() *AuthnMode {
	return &m
}
