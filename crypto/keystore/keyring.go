package keystore

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"slices"

	"github.com/99designs/keyring"

	"github.com/joncooperworks/authplugin/crypto"
	"github.com/joncooperworks/authplugin/wire"
)

// keyringBackends are the github.com/99designs/keyring backends a
// KeyringHolder can sit on.
var keyringBackends = []keyring.BackendType{
	keyring.FileBackend,
	keyring.SecretServiceBackend,
	keyring.KeychainBackend,
	keyring.WinCredBackend,
	keyring.KWalletBackend,
	keyring.PassBackend,
	keyring.KeyCtlBackend,
}

func init() {
	for _, b := range keyringBackends {
		RegisterBackend(string(b), func(cfg Config) (KeyHolder, error) {
			return NewKeyringHolder(cfg)
		})
	}
}

// KeyringHolder keeps Ed25519 keys as PKCS8 PEM items in a keyring.
//
// With the file backend the keyring is encrypted and the PIN is its
// passphrase: the holder asks for a password and each Unlock call reopens the
// keyring with the offered PIN. OS backends are unlocked by the user's
// session, so the holder can unlock itself; if that fails the OS shows its
// own prompt on Unlock.
//
// A KeyringHolder is not safe for concurrent use.
type KeyringHolder struct {
	cfg      Config
	ring     keyring.Keyring
	selected string
	unlocked bool
	key      ed25519.PrivateKey
}

// NewKeyringHolder opens the keyring named by cfg.Backend. No secret is read
// until Unlock or AutoUnlock.
func NewKeyringHolder(cfg Config) (*KeyringHolder, error) {
	if !slices.Contains(keyringBackends, keyring.BackendType(cfg.Backend)) {
		return nil, fmt.Errorf("unknown keyring backend: %q", cfg.Backend)
	}
	ring, err := keyring.Open(ringConfig(cfg, lockedPrompt))
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &KeyringHolder{cfg: cfg, ring: ring, selected: cfg.Key}, nil
}

func ringConfig(cfg Config, prompt keyring.PromptFunc) keyring.Config {
	service := cfg.Service
	if service == "" {
		service = DefaultService
	}
	return keyring.Config{
		AllowedBackends:          []keyring.BackendType{keyring.BackendType(cfg.Backend)},
		ServiceName:              service,
		KeychainTrustApplication: true,
		FileDir:                  cfg.FileDir,
		FilePasswordFunc:         prompt,
	}
}

// lockedPrompt refuses to supply a passphrase, so a locked file keyring can
// list its items but not decrypt them.
func lockedPrompt(string) (string, error) {
	return "", ErrLocked
}

func (h *KeyringHolder) usesPIN() bool {
	return h.cfg.Backend == string(keyring.FileBackend)
}

func (h *KeyringHolder) SelectMode() wire.SelectMode {
	return wire.SelectSupported
}

func (h *KeyringHolder) ListKeys() ([]string, bool, error) {
	keys, err := h.ring.Keys()
	if err != nil {
		return nil, false, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	slices.Sort(keys)
	return keys, true, nil
}

func (h *KeyringHolder) SelectKey(name string) error {
	keys, _, err := h.ListKeys()
	if err != nil {
		return err
	}
	if !slices.Contains(keys, name) {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if name != h.selected {
		h.selected = name
		h.dropKey()
	}
	return nil
}

// keyName returns the selected key, or the only key when exactly one exists.
func (h *KeyringHolder) keyName() (string, error) {
	if h.selected != "" {
		return h.selected, nil
	}
	keys, _, err := h.ListKeys()
	if err != nil {
		return "", err
	}
	if len(keys) != 1 {
		return "", fmt.Errorf("%w (%d keys available)", ErrNoKeySelected, len(keys))
	}
	return keys[0], nil
}

func (h *KeyringHolder) AuthnMode() (wire.AuthnMode, *string) {
	switch {
	case h.usesPIN():
		return wire.AuthnPassword, nil
	case h.unlocked:
		return wire.AuthnAutomatic, nil
	default:
		return wire.AuthnWindow, nil
	}
}

// AutoUnlock succeeds for OS backends whose keyring is readable without a
// prompt. The file backend always needs its PIN.
func (h *KeyringHolder) AutoUnlock() error {
	if h.usesPIN() {
		return ErrUnsupported
	}
	if _, err := h.ring.Keys(); err != nil {
		return fmt.Errorf("keyring is not accessible: %w", err)
	}
	h.unlocked = true
	return nil
}

func (h *KeyringHolder) Unlock(secret string) error {
	name, err := h.keyName()
	if err != nil {
		return err
	}
	ring := h.ring
	if h.usesPIN() {
		ring, err = keyring.Open(ringConfig(h.cfg, keyring.FixedStringPrompt(secret)))
		if err != nil {
			return fmt.Errorf("failed to open keyring: %w", err)
		}
	}

	key, err := loadKey(ring, name)
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return err
	case err != nil && h.usesPIN():
		// the file backend cannot tell a bad passphrase from a damaged item
		return ErrIncorrectPIN
	case err != nil:
		return err
	}

	h.ring = ring
	h.key = key
	h.unlocked = true
	return nil
}

func (h *KeyringHolder) PublicKeyDER() ([]byte, error) {
	key, err := h.ensureKey()
	if err != nil {
		return nil, err
	}
	return crypto.PublicKeyDER(key.Public().(ed25519.PublicKey))
}

func (h *KeyringHolder) Sign(msg []byte) ([]byte, error) {
	key, err := h.ensureKey()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, msg), nil
}

// Close wipes the cached private key.
func (h *KeyringHolder) Close() error {
	h.dropKey()
	h.unlocked = false
	return nil
}

func (h *KeyringHolder) ensureKey() (ed25519.PrivateKey, error) {
	if !h.unlocked {
		return nil, ErrLocked
	}
	if h.key != nil {
		return h.key, nil
	}
	name, err := h.keyName()
	if err != nil {
		return nil, err
	}
	key, err := loadKey(h.ring, name)
	if err != nil {
		return nil, err
	}
	h.key = key
	return key, nil
}

func (h *KeyringHolder) dropKey() {
	crypto.Zeroize(h.key)
	h.key = nil
}

func loadKey(ring keyring.Keyring, name string) (ed25519.PrivateKey, error) {
	item, err := ring.Get(name)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key from keyring: %w", err)
	}
	key, err := ParsePrivateKeyPEM(item.Data)
	crypto.Zeroize(item.Data)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", name, err)
	}
	return key, nil
}
