package main

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/do"
	"github.com/spf13/cobra"

	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/logging"
	"github.com/AliRezaBeigy/odoh-target/internal/server"
)

const serviceName = "odoh-server"

var (
	configPath string
	logger     zerolog.Logger
)

func newRootCmd(i *do.Injector) *cobra.Command {
	return &cobra.Command{
		Use:   "odoh-server",
		Short: "Oblivious DNS-over-HTTPS target",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			// Source order determines precedence. The last source loaded will
			// override any previous values.
			var sources []*config.Source
			if configPath != "" {
				sources = append(sources, config.NewJsonFileSource(configPath))
			}
			sources = append(sources,
				config.NewEnvVarSource(),
				config.NewPFlagSource(cmd.Flags()),
			)

			cfg, err := config.LoadSources(sources...)
			if err != nil {
				return fmt.Errorf("failed to load configs: %w", err)
			}

			config.Provide(i, cfg)
			logging.Provide(i)
			server.Provide(i)

			logger, err = do.Invoke[zerolog.Logger](i)
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}

			return nil
		},
	}
}

// addServerFlags registers the flags that override server settings. Flag names map to
// config keys through config.FlagKeys.
func addServerFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("listen-addr", "", "Address to serve HTTP on, e.g. ':8443'.")
	flags.String("tls-cert", "", "Path to the TLS certificate. Plain HTTP is served without one.")
	flags.String("tls-key", "", "Path to the TLS private key.")
	flags.Bool("http3", false, "Also serve HTTP/3. Requires TLS.")
	flags.Duration("rotation-interval", 0, "How often the HPKE key pair is replaced, e.g. '24h'.")
	flags.String("aead", "", "HPKE AEAD: aes128gcm, aes256gcm or chacha20poly1305.")
	flags.String("upstream", "", "Upstream resolver: 9.9.9.9:53, tcp://9.9.9.9, dns.quad9.net:853 or https://dns.quad9.net/dns-query.")
}

func Execute() {
	i := do.New()
	rootCmd := newRootCmd(i)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config-path", "c", "", "Path to the config.json file for this service.")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "The logging level, e.g. 'debug', 'info', 'error', etc.")
	rootCmd.PersistentFlags().BoolP("log-pretty", "p", false, "Use pretty logging instead of JSON logging.")

	rootCmd.AddCommand(
		newRunCommand(i),
		newKeygenCommand(i),
		newVersionCommand(),
		newInstallCommand(),
		newUninstallCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		if logger.GetLevel() == zerolog.NoLevel {
			// NoLevel indicates that the logger is uninitialized. In this case
			// we'll use our fallback logger.
			logging.Fatal(err, "command failed")
		} else {
			logger.Fatal().
				Err(err).
				Msg("command failed")
		}
	}
}
