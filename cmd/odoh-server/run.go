package main

import (
	"context"
	"fmt"

	"github.com/samber/do"
	"github.com/spf13/cobra"

	"github.com/AliRezaBeigy/odoh-target/internal/server"
	"github.com/AliRezaBeigy/odoh-target/pkg/service"
)

func newRunCommand(i *do.Injector) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			a, err := server.NewApp(i)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			return service.Run(serviceName, func(ctx context.Context) error {
				return a.Run(ctx)
			})
		},
	}
	addServerFlags(cmd)
	return cmd
}
