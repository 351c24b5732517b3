package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"slices"

	"github.com/99designs/keyring"

	"github.com/joncooperworks/authplugin/crypto"
)

// KeyManager provisions keys in a keyring: importing, generating and listing
// them. It is used by the plugin's command line, never by the protocol.
type KeyManager struct {
	ring keyring.Keyring
}

// NewKeyManager opens the keyring for cfg. prompt supplies the file backend's
// passphrase and may be nil for OS backends.
func NewKeyManager(cfg Config, prompt keyring.PromptFunc) (*KeyManager, error) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend()
	}
	if !slices.Contains(keyringBackends, keyring.BackendType(cfg.Backend)) {
		return nil, fmt.Errorf("backend %q does not store keys", cfg.Backend)
	}
	if prompt == nil {
		prompt = lockedPrompt
	}
	ring, err := keyring.Open(ringConfig(cfg, prompt))
	if err != nil {
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	return &KeyManager{ring: ring}, nil
}

// SetPrivateKey stores an Ed25519 private key under name, replacing any
// existing key of that name.
func (m *KeyManager) SetPrivateKey(name string, privateKey ed25519.PrivateKey) error {
	if name == "" {
		return fmt.Errorf("key name cannot be empty")
	}
	data, err := EncodePrivateKeyPEM(privateKey)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(data)

	err = m.ring.Set(keyring.Item{
		Key:   name,
		Data:  data,
		Label: DefaultService + ": " + name,
	})
	if err != nil {
		return fmt.Errorf("failed to store key in keyring: %w", err)
	}
	return nil
}

// Generate creates a fresh Ed25519 key, stores it under name and returns its
// public half.
func (m *KeyManager) Generate(name string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	defer crypto.Zeroize(priv)
	if err := m.SetPrivateKey(name, priv); err != nil {
		return nil, err
	}
	return pub, nil
}

// ListKeys returns the stored key names, sorted.
func (m *KeyManager) ListKeys() ([]string, error) {
	keys, err := m.ring.Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys from keyring: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

// Remove deletes the key stored under name.
func (m *KeyManager) Remove(name string) error {
	if err := m.ring.Remove(name); err != nil {
		return fmt.Errorf("failed to remove key %s: %w", name, err)
	}
	return nil
}
