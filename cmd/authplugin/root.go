package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/joncooperworks/authplugin/client"
	"github.com/joncooperworks/authplugin/wire"
)

var (
	pluginPath  string
	pluginArgs  []string
	keyName     string
	timeout     time.Duration
	verbose     bool
	dumpMetrics bool
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "authplugin",
		Short: "Talk to an auth plugin",
		Long: "authplugin starts an auth plugin, unlocks it and asks it for its\n" +
			"public key or for signatures. The plugin only ever sees what the\n" +
			"command sends it; private keys never leave the plugin.",
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&pluginPath, "plugin", "p", "", "path to the auth plugin executable (required)")
	pf.StringSliceVar(&pluginArgs, "plugin-arg", nil, "extra argument passed to the plugin (repeatable)")
	pf.StringVarP(&keyName, "key", "k", "", "key to select before unlocking")
	pf.DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline, including time spent unlocking")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log session activity to stderr")
	pf.BoolVar(&dumpMetrics, "metrics", false, "print session metrics to stderr on exit")
	_ = root.MarkPersistentFlagRequired("plugin")

	root.AddCommand(keysCmd(), pubkeyCmd(), signDataCmd(), signCmd(), delegateCmd())
	return root
}

// session is an open plugin connection for one command.
type session struct {
	client   *client.Client
	identity *client.Identity
	registry *prometheus.Registry
	errOut   io.Writer
}

// withSession opens the plugin, runs fn and closes it again. When authn is
// set the session is authenticated before fn runs.
func withSession(cmd *cobra.Command, authn bool, fn func(ctx context.Context, s *session) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	errOut := cmd.ErrOrStderr()
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	s := &session{registry: prometheus.NewRegistry(), errOut: errOut}
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithMetrics(client.NewMetrics(s.registry)),
		client.WithArgs(pluginArgs...),
	}
	c, err := client.Open(ctx, pluginPath, opts...)
	if err != nil {
		return explain(err)
	}
	s.client = c
	s.identity = client.NewIdentity(c)
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("closing plugin", "error", err)
		}
		if dumpMetrics {
			writeMetrics(errOut, s.registry)
		}
	}()

	if authn {
		if err := s.prepare(ctx, cmd); err != nil {
			return explain(err)
		}
	}
	return explain(fn(ctx, s))
}

// prepare selects the requested key and authenticates.
func (s *session) prepare(ctx context.Context, cmd *cobra.Command) error {
	switch {
	case keyName != "":
		if s.client.SelectMode() == wire.SelectUnsupported {
			return fmt.Errorf("plugin does not support key selection, drop --key")
		}
		if err := s.client.SelectKey(ctx, keyName); err != nil {
			return err
		}
	case s.client.SelectMode() == wire.SelectRequired:
		names, _, err := s.client.KeyNames(ctx)
		if err != nil {
			return err
		}
		return fmt.Errorf("plugin requires a key to be selected with --key; it offers %v", names)
	}
	return unlock(ctx, s.client, newPrompter(cmd.InOrStdin(), s.errOut))
}

func writeMetrics(w io.Writer, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		fmt.Fprintf(w, "gathering metrics: %v\n", err)
		return
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			fmt.Fprintf(w, "encoding metrics: %v\n", err)
			return
		}
	}
}
