// Package config loads the keyring auth plugin's configuration file.
//
// The file is TOML. A fresh installation gets a commented default file, and
// the plugin refuses to start until the user has edited it.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/joncooperworks/authplugin/crypto/keystore"
	"github.com/joncooperworks/authplugin/policy"
	"github.com/joncooperworks/authplugin/wire"
)

// AppName names the configuration directory and the default keyring service.
const AppName = "keyring-auth-plugin"

// Environment variables read by Path and Load.
const (
	EnvConfigPath      = "AUTHPLUGIN_CONFIG"
	EnvKeystoreBackend = "AUTHPLUGIN_KEYSTORE_BACKEND"
	EnvKey             = "AUTHPLUGIN_KEY"
)

// Default is the configuration written on first use.
//
//go:embed default.toml
var Default string

// ErrNotConfigured is matched by the error Load returns while the
// configuration file is missing or unedited.
var ErrNotConfigured = errors.New("not configured")

// NotConfiguredError names the file the user has to edit.
type NotConfiguredError struct {
	Path string
}

func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("%s has not been configured, please edit %s", AppName, e.Path)
}

func (e *NotConfiguredError) Is(target error) bool {
	return target == ErrNotConfigured
}

type Config struct {
	Keystore   Keystore   `toml:"keystore"`
	Signing    Signing    `toml:"signing"`
	Delegation Delegation `toml:"delegation"`
	Policy     Policy     `toml:"policy"`

	// path is the file the configuration was read from.
	path string
}

type Keystore struct {
	Backend string `toml:"backend"`
	Service string `toml:"service"`
	FileDir string `toml:"file-dir"`
	Key     string `toml:"key"`
}

type Signing struct {
	ArbitraryData bool `toml:"arbitrary-data"`
}

type Delegation struct {
	Enabled                bool     `toml:"enabled"`
	MaxTTL                 Duration `toml:"max-ttl"`
	RequireCanisterScoping bool     `toml:"require-canister-scoping"`
	AllowedCanisters       []string `toml:"allowed-canisters"`
}

type Policy struct {
	Kind string `toml:"kind"`
	Path string `toml:"path"`
}

// Duration is a time.Duration written as a string such as "24h".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %s", b)
	}
	*d = Duration(v)
	return nil
}

// Path returns the configuration file location: $AUTHPLUGIN_CONFIG if set,
// otherwise config.toml in the user's configuration directory.
func Path() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, AppName, "config.toml"), nil
}

// Load reads the configuration at path. A missing file is created with the
// default contents; both a missing and an unedited file yield a
// *NotConfiguredError. Environment overrides are applied after parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeDefault(path); err != nil {
			return nil, err
		}
		return nil, &NotConfiguredError{Path: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if string(data) == Default {
		return nil, &NotConfiguredError{Path: path}
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.path = path
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes configuration text. Unknown keys are rejected. Unset
// fields keep their zero values.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, fmt.Errorf("invalid config at line %d, column %d: %w", row, col, err)
		}
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func writeDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(Default), 0o600); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvKeystoreBackend); v != "" {
		c.Keystore.Backend = v
	}
	if v := os.Getenv(EnvKey); v != "" {
		c.Keystore.Key = v
	}
}

// Validate checks names against the registered backends and policy kinds
// and parses the canister allow-list.
func (c *Config) Validate() error {
	if b := c.Keystore.Backend; b != "" && !slices.Contains(keystore.ListRegisteredBackends(), b) {
		return fmt.Errorf("unknown keystore backend %q", b)
	}
	if k := c.Policy.Kind; k != "" && !slices.Contains(policy.ListRegisteredKinds(), k) {
		return fmt.Errorf("unknown policy kind %q", k)
	}
	if _, err := c.AllowedCanisters(); err != nil {
		return err
	}
	return nil
}

// AllowedCanisters parses the delegation allow-list. A nil result means any
// canister may be targeted.
func (c *Config) AllowedCanisters() ([]wire.Principal, error) {
	if len(c.Delegation.AllowedCanisters) == 0 {
		return nil, nil
	}
	out := make([]wire.Principal, 0, len(c.Delegation.AllowedCanisters))
	for _, text := range c.Delegation.AllowedCanisters {
		p, err := wire.ParsePrincipal(text)
		if err != nil {
			return nil, fmt.Errorf("delegation.allowed-canisters: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// KeystoreConfig returns the key holder configuration. The file backend
// defaults to a "keys" directory beside the configuration file.
func (c *Config) KeystoreConfig() keystore.Config {
	kc := keystore.Config{
		Backend: c.Keystore.Backend,
		Service: c.Keystore.Service,
		FileDir: c.Keystore.FileDir,
		Key:     c.Keystore.Key,
	}
	if kc.Service == "" {
		kc.Service = AppName
	}
	if kc.FileDir == "" && c.path != "" {
		kc.FileDir = filepath.Join(filepath.Dir(c.path), "keys")
	}
	return kc
}

// LoadPolicy builds the configured signing policy with opts. A relative
// policy path is resolved against the configuration file's directory.
func (c *Config) LoadPolicy(opts ...policy.Option) (policy.Policy, error) {
	path := c.Policy.Path
	if path != "" && !filepath.IsAbs(path) && c.path != "" {
		path = filepath.Join(filepath.Dir(c.path), path)
	}
	return policy.LoadFile(c.Policy.Kind, path, opts...)
}
