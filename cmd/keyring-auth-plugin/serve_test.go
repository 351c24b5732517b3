package main

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joncooperworks/authplugin/plugin"
	"github.com/joncooperworks/authplugin/wire"
)

const memoryConfig = `
[keystore]
backend = "memory"
key = "main"

[delegation]
enabled = false
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func markerArgs(path string) []string {
	return []string{wire.MarkerFlag, "--config", path}
}

func TestProtocolConfigPath(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"marker only", []string{wire.MarkerFlag}, "", false},
		{"separate value", []string{wire.MarkerFlag, "--config", "/etc/p.toml"}, "/etc/p.toml", false},
		{"joined value", []string{"--config=/etc/p.toml", wire.MarkerFlag}, "/etc/p.toml", false},
		{"unknown flags ignored", []string{wire.MarkerFlag, "--verbose", "--config", "a.toml"}, "a.toml", false},
		{"missing value", []string{wire.MarkerFlag, "--config"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocolConfigPath(tt.args)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestServePlugin_BadArguments(t *testing.T) {
	var stdout, stderr bytes.Buffer

	code := servePlugin(context.Background(), []string{wire.MarkerFlag, "--config"}, strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), "invalid plugin arguments")
}

func TestServePlugin_Unconfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	var stdout, stderr bytes.Buffer

	code := servePlugin(context.Background(), markerArgs(path), strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)

	g, err := wire.DecodeGreeting(bytes.TrimRight(stdout.Bytes(), "\n"))
	require.NoError(t, err)
	require.NotNil(t, g.Abort)
	require.Contains(t, *g.Abort, "has not been configured")
	require.Contains(t, *g.Abort, path)
	require.FileExists(t, path)
}

func TestServePlugin_BadConfig(t *testing.T) {
	path := writeConfig(t, "[keystore]\nbackend = \"carrier-pigeon\"\n")
	var stdout, stderr bytes.Buffer

	code := servePlugin(context.Background(), markerArgs(path), strings.NewReader(""), &stdout, &stderr)
	require.Equal(t, 1, code)
	require.Contains(t, stdout.String(), `"abort":`)
	require.Contains(t, stdout.String(), "carrier-pigeon")
}

func TestServePlugin_Session(t *testing.T) {
	path := writeConfig(t, memoryConfig)

	var in bytes.Buffer
	for _, req := range []wire.Request{
		&wire.ListSelectableKeysRequest{V: wire.ProtocolVersion},
		&wire.DescribeAuthnModeRequest{V: wire.ProtocolVersion},
		&wire.AuthenticateRequest{V: wire.ProtocolVersion},
	} {
		line, err := wire.EncodeRequest(req)
		require.NoError(t, err)
		in.Write(line)
		in.WriteByte('\n')
	}
	var stdout, stderr bytes.Buffer

	code := servePlugin(context.Background(), markerArgs(path), &in, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	sc := bufio.NewScanner(&stdout)
	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.Len(t, lines, 4)
	require.Equal(t, `{"v":[1],"select":"supported","abort":null}`, lines[0])
	require.Contains(t, lines[1], `"main"`)
	require.Equal(t, `{"Ok":{"mode":"automatic","value":null}}`, lines[2])
	require.Contains(t, lines[3], `"Ok"`)
}

func TestServePlugin_DelegationDisabled(t *testing.T) {
	path := writeConfig(t, memoryConfig)

	var in bytes.Buffer
	for _, req := range []wire.Request{
		&wire.AuthenticateRequest{V: wire.ProtocolVersion},
		&wire.SignDelegationRequest{
			V:             wire.ProtocolVersion,
			PublicKeyDER:  []byte{1, 2, 3},
			DesiredExpiry: wire.U128(1),
		},
	} {
		line, err := wire.EncodeRequest(req)
		require.NoError(t, err)
		in.Write(line)
		in.WriteByte('\n')
	}
	var stdout, stderr bytes.Buffer

	code := servePlugin(context.Background(), markerArgs(path), &in, &stdout, &stderr)
	require.Equal(t, 0, code, "stderr: %s", stderr.String())

	lines := strings.Split(strings.TrimRight(stdout.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[2], `"Err"`)
	require.Contains(t, lines[2], `"unsupported"`)
}

func TestConfigureServer(t *testing.T) {
	cfgPath := writeConfig(t, `
[keystore]
backend = "memory"

[signing]
arbitrary-data = true

[delegation]
enabled = true
max-ttl = "2h"
require-canister-scoping = true
allowed-canisters = ["aaaaa-aa"]
`)
	cfg, err := loadConfig(cfgPath)
	require.NoError(t, err)

	srv := &plugin.Server{}
	require.NoError(t, configureServer(srv, cfg))
	require.False(t, srv.Rules.DisableArbitraryData)
	require.False(t, srv.Rules.DisableDelegation)
	require.True(t, srv.Rules.RequireCanisterScoping)
	require.Len(t, srv.Rules.AllowedCanisters, 1)
	require.Equal(t, "2h0m0s", srv.Rules.MaxTTL.String())
	require.NotNil(t, srv.Open)
}

func TestPrintConfigPath(t *testing.T) {
	path := writeConfig(t, memoryConfig)
	t.Cleanup(func() { configPath = "" })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "--print", "config-path"})
	require.NoError(t, root.Execute())
	require.Equal(t, path+"\n", out.String())

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"--config", path, "--print", "active-backend"})
	require.NoError(t, root.Execute())
	require.Equal(t, "memory\n", out.String())

	root = newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--print", "nonsense"})
	require.Error(t, root.Execute())
}

func TestBackendsCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"backends"})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "memory\n")
	require.Contains(t, out.String(), "(default)")
}
