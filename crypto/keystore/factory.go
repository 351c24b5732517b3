package keystore

import (
	"fmt"

	"github.com/99designs/keyring"
)

// DefaultService is the keyring service name keys are stored under.
const DefaultService = "keyring-auth-plugin"

// Config selects and parameterizes a key holder backend.
type Config struct {
	// Backend names a registered backend: one of the keyring backends
	// (file, secret-service, keychain, wincred, kwallet, pass, keyctl) or memory.
	Backend string
	// Service is the keyring service or collection name.
	Service string
	// FileDir is the directory of the file backend.
	FileDir string
	// Key preselects a key by name.
	Key string
}

// NewHolder creates the key holder for cfg.Backend. An empty backend selects
// DefaultBackend.
func NewHolder(cfg Config) (KeyHolder, error) {
	if cfg.Backend == "" {
		cfg.Backend = DefaultBackend()
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	factory, err := GetHolderFactory(cfg.Backend)
	if err != nil {
		return nil, err
	}
	holder, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s key holder: %w", cfg.Backend, err)
	}
	return holder, nil
}

// DefaultBackend returns the first keyring backend available on this
// platform, falling back to the encrypted file backend.
func DefaultBackend() string {
	for _, b := range keyring.AvailableBackends() {
		if b != keyring.FileBackend {
			return string(b)
		}
	}
	return string(keyring.FileBackend)
}
