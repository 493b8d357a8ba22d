package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/AliRezaBeigy/odoh-target/pkg/service"
)

func newInstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the target as a system service",
		Long: "Install the target as a system service. Flags given here are passed to " +
			"'run' when the service starts.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			runArgs, err := serviceArgs(cmd.Flags())
			if err != nil {
				return err
			}
			err = service.Install(service.Config{
				Name:        serviceName,
				DisplayName: "ODoH Target",
				Description: "Oblivious DNS-over-HTTPS target",
				Args:        runArgs,
			})
			if err != nil {
				return fmt.Errorf("failed to install service: %w", err)
			}

			logger.Info().Str("service", serviceName).Msg("service installed")
			return nil
		},
	}
	addServerFlags(cmd)
	return cmd
}

func newUninstallCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			if err := service.Uninstall(serviceName); err != nil {
				return fmt.Errorf("failed to uninstall service: %w", err)
			}

			logger.Info().Str("service", serviceName).Msg("service uninstalled")
			return nil
		},
	}
}

// serviceArgs rebuilds the 'run' command line from the flags the user set. The config
// path is made absolute because services start in a different working directory.
func serviceArgs(flags *pflag.FlagSet) ([]string, error) {
	args := []string{"run"}
	var err error
	flags.Visit(func(f *pflag.Flag) {
		value := f.Value.String()
		if f.Name == "config-path" {
			abs, absErr := filepath.Abs(value)
			if absErr != nil {
				err = fmt.Errorf("failed to resolve config path: %w", absErr)
				return
			}
			value = abs
		}
		args = append(args, "--"+f.Name+"="+value)
	})
	return args, err
}
