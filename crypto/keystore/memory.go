package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"slices"
	"sync"

	"github.com/joncooperworks/authplugin/crypto"
	"github.com/joncooperworks/authplugin/wire"
)

func init() {
	RegisterBackend("memory", func(cfg Config) (KeyHolder, error) {
		name := cfg.Key
		if name == "" {
			name = "default"
		}
		h := NewMemoryHolder("")
		if _, err := h.GenerateKey(name); err != nil {
			return nil, err
		}
		return h, nil
	})
}

// MemoryHolder is an in-memory KeyHolder with an optional PIN. Its keys
// vanish with the process; it backs tests and the memory backend.
type MemoryHolder struct {
	mu       sync.Mutex
	keys     map[string]ed25519.PrivateKey
	pin      string
	mode     wire.SelectMode
	selected string
	unlocked bool
}

// NewMemoryHolder creates an empty holder. An empty pin makes the holder
// unlock automatically.
func NewMemoryHolder(pin string) *MemoryHolder {
	return &MemoryHolder{
		keys: make(map[string]ed25519.PrivateKey),
		pin:  pin,
		mode: wire.SelectSupported,
	}
}

// AddKey stores privateKey under name. The first key added is selected.
func (m *MemoryHolder) AddKey(name string, privateKey ed25519.PrivateKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[name] = privateKey
	if m.selected == "" {
		m.selected = name
	}
}

// GenerateKey adds a fresh key under name and returns its public half.
func (m *MemoryHolder) GenerateKey(name string) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	m.AddKey(name, priv)
	return pub, nil
}

// SetSelectMode changes the advertised selection mode. With
// wire.SelectUnsupported, ListKeys and SelectKey return ErrUnsupported.
func (m *MemoryHolder) SetSelectMode(mode wire.SelectMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

func (m *MemoryHolder) SelectMode() wire.SelectMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

func (m *MemoryHolder) ListKeys() ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == wire.SelectUnsupported {
		return nil, false, ErrUnsupported
	}
	names := make([]string, 0, len(m.keys))
	for name := range m.keys {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, true, nil
}

func (m *MemoryHolder) SelectKey(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == wire.SelectUnsupported {
		return ErrUnsupported
	}
	if _, ok := m.keys[name]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, name)
	}
	m.selected = name
	return nil
}

func (m *MemoryHolder) AuthnMode() (wire.AuthnMode, *string) {
	if m.pin == "" {
		return wire.AuthnAutomatic, nil
	}
	return wire.AuthnPassword, nil
}

func (m *MemoryHolder) AutoUnlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pin != "" {
		return ErrUnsupported
	}
	m.unlocked = true
	return nil
}

func (m *MemoryHolder) Unlock(secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subtle.ConstantTimeCompare([]byte(secret), []byte(m.pin)) != 1 {
		return ErrIncorrectPIN
	}
	m.unlocked = true
	return nil
}

func (m *MemoryHolder) PublicKeyDER() ([]byte, error) {
	key, err := m.key()
	if err != nil {
		return nil, err
	}
	return crypto.PublicKeyDER(key.Public().(ed25519.PublicKey))
}

func (m *MemoryHolder) Sign(msg []byte) ([]byte, error) {
	key, err := m.key()
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, msg), nil
}

// Close wipes all keys.
func (m *MemoryHolder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, key := range m.keys {
		crypto.Zeroize(key)
		delete(m.keys, name)
	}
	m.unlocked = false
	return nil
}

func (m *MemoryHolder) key() (ed25519.PrivateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return nil, ErrLocked
	}
	key, ok := m.keys[m.selected]
	if !ok {
		return nil, ErrNoKeySelected
	}
	return key, nil
}
