package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/joncooperworks/authplugin/policy"
)

const edited = `
[keystore]
backend = "memory"
key = "work"

[signing]
arbitrary-data = true

[delegation]
enabled = true
max-ttl = "1h30m"
require-canister-scoping = true
allowed-canisters = ["aaaaa-aa", "2vxsx-fae"]

[policy]
kind = "static"
path = "policy.toml"
`

func TestLoad_MissingWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	_, err := Load(path)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("Load() error = %v, want ErrNotConfigured", err)
	}
	if !strings.Contains(err.Error(), "please edit "+path) {
		t.Errorf("Load() error = %q, want it to name %s", err, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if string(data) != Default {
		t.Error("written config differs from Default")
	}

	if _, err := Load(path); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Load() on unedited file error = %v, want ErrNotConfigured", err)
	}
}

func TestDefaultParses(t *testing.T) {
	cfg, err := Parse([]byte(Default))
	if err != nil {
		t.Fatalf("Parse(Default) error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	if cfg.Keystore.Backend != "file" || time.Duration(cfg.Delegation.MaxTTL) != 24*time.Hour {
		t.Errorf("Parse(Default) = %+v", cfg)
	}
}

func TestLoad_Edited(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Signing.ArbitraryData || !cfg.Delegation.RequireCanisterScoping {
		t.Errorf("Load() = %+v", cfg)
	}
	if got := time.Duration(cfg.Delegation.MaxTTL); got != 90*time.Minute {
		t.Errorf("MaxTTL = %v, want 1h30m", got)
	}
	canisters, err := cfg.AllowedCanisters()
	if err != nil || len(canisters) != 2 || canisters[1].String() != "2vxsx-fae" {
		t.Errorf("AllowedCanisters() = %v, %v", canisters, err)
	}

	kc := cfg.KeystoreConfig()
	if kc.Backend != "memory" || kc.Key != "work" || kc.Service != AppName {
		t.Errorf("KeystoreConfig() = %+v", kc)
	}
	if kc.FileDir != filepath.Join(dir, "keys") {
		t.Errorf("KeystoreConfig().FileDir = %q", kc.FileDir)
	}

	if err := os.WriteFile(filepath.Join(dir, "policy.toml"), []byte(`deny = ["sign-delegation"]`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.LoadPolicy(); err != nil {
		t.Errorf("LoadPolicy() error = %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(edited), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvKeystoreBackend, "file")
	t.Setenv(EnvKey, "other")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Keystore.Backend != "file" || cfg.Keystore.Key != "other" {
		t.Errorf("Keystore = %+v, want env overrides applied", cfg.Keystore)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "unknown key", data: "[keystore]\nbackend = \"file\"\ncolor = \"red\"\n"},
		{name: "unknown backend", data: "[keystore]\nbackend = \"tpm\"\n"},
		{name: "unknown policy", data: "[policy]\nkind = \"vibes\"\n"},
		{name: "bad duration", data: "[delegation]\nmax-ttl = \"soon\"\n"},
		{name: "bad principal", data: "[delegation]\nallowed-canisters = [\"nope\"]\n"},
		{name: "syntax", data: "[keystore\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.data), 0o600); err != nil {
				t.Fatal(err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() error = nil, want error")
			}
			if errors.Is(err, ErrNotConfigured) {
				t.Errorf("Load() error = %v, want a parse error", err)
			}
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/plugin.toml")
	if p, err := Path(); err != nil || p != "/etc/plugin.toml" {
		t.Errorf("Path() = %q, %v", p, err)
	}
	t.Setenv(EnvConfigPath, "")
	p, err := Path()
	if err == nil && !strings.HasSuffix(p, filepath.Join(AppName, "config.toml")) {
		t.Errorf("Path() = %q", p)
	}
}

func TestLoadPolicy_PassesOptions(t *testing.T) {
	var n int
	policy.RegisterLoader("counting", func(data []byte, opts ...policy.Option) (policy.Policy, error) {
		n = len(opts)
		return policy.AllowAll{}, nil
	})
	cfg, err := Parse([]byte("[policy]\nkind = \"counting\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := cfg.LoadPolicy(policy.WithLogger(logger), policy.WithClock(time.Now)); err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if n != 2 {
		t.Errorf("loader got %d options, want 2", n)
	}
}
