// Command keyring-auth-plugin is an auth plugin that signs with Ed25519 keys
// kept in the operating system keyring or an encrypted key file.
//
// Started with --ic-auth-plugin it speaks the plugin protocol on stdin and
// stdout and logs JSON to stderr. A --config argument next to the marker
// overrides the configuration file location. Otherwise it is a small CLI for finding
// its configuration and provisioning keys.
package main

import (
	"context"
	"os"
	"slices"

	"github.com/joncooperworks/authplugin/wire"
)

func main() {
	if slices.Contains(os.Args[1:], wire.MarkerFlag) {
		os.Exit(servePlugin(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
