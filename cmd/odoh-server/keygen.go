package main

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/samber/do"
	"github.com/spf13/cobra"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/odoh"
)

func newKeygenCommand(i *do.Injector) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a key pair and print its public configuration",
		Long: "Generate a key pair with the configured suite and print the serialized " +
			"ObliviousDoHConfigs and key identifier. The private key is discarded; this is " +
			"for inspecting what the target publishes and for testing clients.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := do.Invoke[config.Config](i)
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}
			suite, err := cfg.ODoH.Suite()
			if err != nil {
				return err
			}
			key, err := odoh.Generate(suite)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}

			if output != "" {
				if err := os.WriteFile(output, key.Config(), 0o644); err != nil {
					return fmt.Errorf("failed to write config: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "suite:   %s\n", suite)
			fmt.Fprintf(out, "key id:  %s\n", hex.EncodeToString(key.KeyID()))
			fmt.Fprintf(out, "configs: %s\n", base64.StdEncoding.EncodeToString(key.Config()))
			return nil
		},
	}
	cmd.Flags().String("aead", "", "HPKE AEAD: aes128gcm, aes256gcm or chacha20poly1305.")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Also write the raw configs to this file.")
	return cmd
}
