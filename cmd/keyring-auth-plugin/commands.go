package main

import (
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/joncooperworks/authplugin/config"
	"github.com/joncooperworks/authplugin/crypto"
	"github.com/joncooperworks/authplugin/crypto/keystore"
	"github.com/joncooperworks/authplugin/wire"
)

var configPath string

func newRootCmd() *cobra.Command {
	var printWhat string
	root := &cobra.Command{
		Use:   "keyring-auth-plugin",
		Short: "Auth plugin backed by the OS keyring",
		Long: "keyring-auth-plugin holds Ed25519 keys for an auth plugin host.\n\n" +
			"Hosts start it with " + wire.MarkerFlag + ". Run without that flag it\n" +
			"prints configuration details and manages the stored keys.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch printWhat {
			case "":
				return cmd.Help()
			case "config-path":
				path := configPath
				if path == "" {
					var err error
					if path, err = config.Path(); err != nil {
						return err
					}
				}
				fmt.Fprintln(out, path)
				return nil
			case "active-backend":
				cfg, err := loadConfig(configPath)
				if err != nil {
					return err
				}
				backend := cfg.KeystoreConfig().Backend
				if backend == "" {
					backend = keystore.DefaultBackend()
				}
				fmt.Fprintln(out, backend)
				return nil
			}
			return fmt.Errorf("unknown --print value %q: want config-path or active-backend", printWhat)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (default $"+config.EnvConfigPath+" or the user config directory)")
	root.Flags().StringVar(&printWhat, "print", "", "print config-path or active-backend and exit")

	root.AddCommand(generateCmd(), importCmd(), listCmd(), removeCmd(), backendsCmd())
	return root
}

// openManager opens the configured keyring for provisioning.
func openManager() (*keystore.KeyManager, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return keystore.NewKeyManager(cfg.KeystoreConfig(), promptPIN)
}

func generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <name>",
		Short: "Generate an Ed25519 key and store it in the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			pub, err := m.Generate(args[0])
			if err != nil {
				return err
			}
			der, err := crypto.PublicKeyDER(pub)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Key generated successfully:\n")
			fmt.Fprintf(out, "  Name: %s\n", args[0])
			fmt.Fprintf(out, "  Public key (DER, base64): %s\n", base64.StdEncoding.EncodeToString(der))
			fmt.Fprintf(out, "  Principal: %s\n", wire.SelfAuthenticatingPrincipal(der))
			return nil
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <name> <private-key.pem>",
		Short: "Import a PKCS#8 Ed25519 private key into the keyring",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("failed to read private key file: %w", err)
			}
			defer crypto.Zeroize(data)
			key, err := keystore.ParsePrivateKeyPEM(data)
			if err != nil {
				return err
			}
			defer crypto.Zeroize(key)

			m, err := openManager()
			if err != nil {
				return err
			}
			if err := m.SetPrivateKey(args[0], key); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Private key imported successfully:\n")
			fmt.Fprintf(out, "  Source: %s\n", args[1])
			fmt.Fprintf(out, "  Name: %s\n", args[0])
			fmt.Fprintf(out, "  Note: You can now delete the PEM file\n")
			return nil
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the keys in the keyring",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			keys, err := m.ListKeys()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(keys) == 0 {
				fmt.Fprintln(out, "No keys found in keyring")
				return nil
			}
			fmt.Fprintf(out, "Keys in keyring (%d):\n", len(keys))
			for _, name := range keys {
				fmt.Fprintf(out, "  - %s\n", name)
			}
			return nil
		},
	}
}

func removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Delete a key from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openManager()
			if err != nil {
				return err
			}
			return m.Remove(args[0])
		},
	}
}

func backendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the key holder backends this build supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			def := keystore.DefaultBackend()
			for _, name := range keystore.ListRegisteredBackends() {
				marker := ""
				if name == def {
					marker = " (default)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s%s\n", name, marker)
			}
			return nil
		},
	}
}
