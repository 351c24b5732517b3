package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/joncooperworks/authplugin/config"
	"github.com/joncooperworks/authplugin/crypto/keystore"
	"github.com/joncooperworks/authplugin/plugin"
	"github.com/joncooperworks/authplugin/policy"
	"github.com/joncooperworks/authplugin/wire"
)

// envLogLevel sets the stderr log level in protocol mode.
const envLogLevel = "AUTHPLUGIN_LOG_LEVEL"

// servePlugin runs one protocol session and returns the exit status. args
// are the command line arguments, which include the marker flag and may name
// a configuration file with --config. Configuration problems are reported to
// the host in an aborting greeting.
func servePlugin(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	level := slog.LevelInfo
	if v := os.Getenv(envLogLevel); v != "" {
		_ = level.UnmarshalText([]byte(v))
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	srv := &plugin.Server{Logger: logger}
	var cfg *config.Config
	path, err := protocolConfigPath(args)
	if err == nil {
		cfg, err = loadConfig(path)
	}
	if err == nil {
		err = configureServer(srv, cfg)
	}
	if err != nil {
		cause := err
		srv.Open = func() (keystore.KeyHolder, error) { return nil, cause }
	}
	if c, ok := srv.Policy.(io.Closer); ok {
		defer c.Close()
	}

	err = srv.Serve(ctx, stdin, stdout)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, plugin.ErrAborted):
		return 1
	default:
		logger.Error("session ended", "error", err)
		return 1
	}
}

func configureServer(srv *plugin.Server, cfg *config.Config) error {
	allowed, err := cfg.AllowedCanisters()
	if err != nil {
		return err
	}
	now := srv.Now
	if now == nil {
		now = time.Now
	}
	pol, err := cfg.LoadPolicy(policy.WithLogger(srv.Logger), policy.WithClock(now))
	if err != nil {
		return err
	}
	kc := cfg.KeystoreConfig()

	srv.Open = func() (keystore.KeyHolder, error) { return keystore.NewHolder(kc) }
	srv.Policy = pol
	srv.Rules = plugin.Rules{
		DisableArbitraryData:   !cfg.Signing.ArbitraryData,
		DisableDelegation:      !cfg.Delegation.Enabled,
		RequireCanisterScoping: cfg.Delegation.RequireCanisterScoping,
		AllowedCanisters:       allowed,
		MaxTTL:                 time.Duration(cfg.Delegation.MaxTTL),
	}
	return nil
}

// protocolConfigPath returns the --config value among the protocol mode
// arguments. Other flags a host passes are ignored.
func protocolConfigPath(args []string) (string, error) {
	fs := pflag.NewFlagSet("protocol", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	fs.Bool(strings.TrimPrefix(wire.MarkerFlag, "--"), false, "")
	path := fs.String("config", "", "")
	if err := fs.Parse(args); err != nil {
		return "", fmt.Errorf("invalid plugin arguments: %w", err)
	}
	return *path, nil
}

// loadConfig loads the configuration at path, or at config.Path() when path
// is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		var err error
		if path, err = config.Path(); err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}
