package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joncooperworks/authplugin/client"
	"github.com/joncooperworks/authplugin/crypto"
	"github.com/joncooperworks/authplugin/wire"
)

func keysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List the keys the plugin offers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, false, func(ctx context.Context, s *session) error {
				out := cmd.OutOrStdout()
				names, exhaustive, err := s.client.KeyNames(ctx)
				if err != nil {
					return err
				}
				if names == nil {
					fmt.Fprintln(out, "Plugin does not support key selection")
					return nil
				}
				fmt.Fprintf(out, "Keys offered by plugin (%d):\n", len(names))
				for _, name := range names {
					fmt.Fprintf(out, "  - %s\n", name)
				}
				if !exhaustive {
					fmt.Fprintln(out, "  (the plugin may accept other names)")
				}
				return nil
			})
		},
	}
}

func pubkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pubkey",
		Short: "Print the selected key's public key and principal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				der, err := s.identity.PublicKey(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Public key (DER, base64): %s\n", base64.StdEncoding.EncodeToString(der))
				fmt.Fprintf(out, "Principal: %s\n", wire.SelfAuthenticatingPrincipal(der))
				return nil
			})
		},
	}
}

func signDataCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign-data <file>",
		Short: "Sign a file's bytes as arbitrary data",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", args[0], err)
			}
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				sig, err := s.identity.SignArbitrary(ctx, data)
				if err != nil {
					return err
				}
				der, err := s.identity.PublicKey(ctx)
				if err != nil {
					return err
				}
				if err := crypto.VerifyDER(der, data, sig); err != nil {
					return fmt.Errorf("plugin returned a bad signature: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sig))
				return nil
			})
		},
	}
}

func signCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <content.json>...",
		Short: "Sign request envelope contents",
		Long: "sign sends every content file to the plugin in one request and\n" +
			"prints one base64 signature per file, in order. Either every\n" +
			"content is signed or none is.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			contents := make([]wire.EnvelopeContent, len(args))
			for i, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				if _, err := crypto.CanonicalContent(data); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				contents[i] = wire.EnvelopeContent(data)
			}
			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				sigs, err := s.identity.SignEnvelopes(ctx, contents)
				if err != nil {
					return err
				}
				der, err := s.identity.PublicKey(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for i, sig := range sigs {
					msg, err := crypto.EnvelopeSigningBytes([]byte(contents[i]))
					if err != nil {
						return err
					}
					if err := crypto.VerifyDER(der, msg, sig); err != nil {
						return fmt.Errorf("plugin returned a bad signature for %s: %w", args[i], err)
					}
					fmt.Fprintf(out, "%s  %s\n", base64.StdEncoding.EncodeToString(sig), args[i])
				}
				return nil
			})
		},
	}
}

func delegateCmd() *cobra.Command {
	var (
		ttl       time.Duration
		canisters []string
		exact     bool
	)
	cmd := &cobra.Command{
		Use:   "delegate <session-public-key-der-base64>",
		Short: "Delegate the plugin's identity to a session key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionKey, err := base64.StdEncoding.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("session key is not base64: %w", err)
			}
			if _, err := crypto.ParsePublicKeyDER(sessionKey); err != nil {
				return err
			}
			var targets *[]wire.Principal
			if len(canisters) > 0 {
				ps := make([]wire.Principal, len(canisters))
				for i, text := range canisters {
					if ps[i], err = wire.ParsePrincipal(text); err != nil {
						return fmt.Errorf("--canister %s: %w", text, err)
					}
				}
				targets = &ps
			}

			return withSession(cmd, true, func(ctx context.Context, s *session) error {
				expiry := wire.ExpiryFromTime(time.Now().Add(ttl))
				var (
					sig     []byte
					granted wire.Uint128
					err     error
				)
				if exact {
					sig, err = s.identity.SignDelegation(ctx, sessionKey, expiry, targets)
					granted = expiry
				} else {
					sig, granted, err = s.client.SignDelegation(ctx, sessionKey, expiry, targets)
				}
				if err != nil {
					return err
				}
				der, err := s.identity.PublicKey(ctx)
				if err != nil {
					return err
				}
				if err := crypto.VerifyDER(der, crypto.DelegationSigningBytes(sessionKey, granted, targets), sig); err != nil {
					return fmt.Errorf("plugin returned a bad delegation signature: %w", err)
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Signature: %s\n", base64.StdEncoding.EncodeToString(sig))
				fmt.Fprintf(out, "Expiry: %s (%s)\n", granted, expiryTime(granted).UTC().Format(time.RFC3339))
				if granted.Cmp(expiry) != 0 {
					fmt.Fprintf(cmd.ErrOrStderr(), "note: plugin shortened the delegation from the requested %s\n", ttl)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "requested delegation lifetime")
	cmd.Flags().StringSliceVar(&canisters, "canister", nil, "limit the delegation to this canister (repeatable)")
	cmd.Flags().BoolVar(&exact, "exact", false, "fail with "+client.ErrVariableExpiry.Error()+" if the plugin changes the expiry")
	return cmd
}

func expiryTime(u wire.Uint128) time.Time {
	ns, ok := u.Uint64()
	if !ok || ns > 1<<63-1 {
		return time.Unix(0, 1<<63-1)
	}
	return time.Unix(0, int64(ns))
}
