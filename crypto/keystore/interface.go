package keystore

import (
	"errors"

	"github.com/joncooperworks/authplugin/wire"
)

// KeyHolder is the private-key capability behind an auth plugin. The plugin
// protocol drives it through key selection, unlocking and signing; key
// material never leaves it.
type KeyHolder interface {
	// SelectMode reports whether callers must, may, or cannot pick a key.
	SelectMode() wire.SelectMode
	// ListKeys returns the selectable key names and whether the list is complete.
	// Holders without selection return ErrUnsupported.
	ListKeys() (names []string, exhaustive bool, err error)
	// SelectKey picks the key later operations use. Unknown names return an
	// error wrapping ErrKeyNotFound.
	SelectKey(name string) error
	// AuthnMode describes how the holder is unlocked. value carries the
	// mode-specific detail, such as the URL to visit, when there is one.
	AuthnMode() (mode wire.AuthnMode, value *string)
	// Unlock makes one attempt with the given secret. A wrong secret returns
	// an *AuthnError; anything else is an internal failure.
	Unlock(secret string) error
	// PublicKeyDER returns the selected key's public half as DER
	// SubjectPublicKeyInfo. It requires a prior successful unlock.
	PublicKeyDER() ([]byte, error)
	// Sign signs msg with the selected key. It requires a prior successful unlock.
	Sign(msg []byte) ([]byte, error)
}

// AutoUnlocker is implemented by holders that may be usable without any
// credentials, such as an OS keystore unlocked by the user's login session.
type AutoUnlocker interface {
	// AutoUnlock tries to unlock without a secret. On success the holder
	// reports wire.AuthnAutomatic from then on.
	AutoUnlock() error
}

var (
	// ErrUnsupported is returned for operations the holder does not offer.
	ErrUnsupported = errors.New("operation not supported by key holder")
	// ErrKeyNotFound is returned when a named key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrLocked is returned by signing operations before a successful unlock.
	ErrLocked = errors.New("key holder is locked")
	// ErrNoKeySelected is returned when no key was selected and none is implied.
	ErrNoKeySelected = errors.New("no key selected")
)

// AuthnError reports a rejected unlock attempt. Message is shown to the user.
type AuthnError struct {
	Message string
}

func (e *AuthnError) Error() string {
	return e.Message
}

// ErrIncorrectPIN is the unlock failure for a wrong PIN.
var ErrIncorrectPIN = &AuthnError{Message: "Incorrect PIN"}
