// Command odoh-client sends oblivious DNS queries to an ODoH target.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/AliRezaBeigy/odoh-target/internal/client"
	"github.com/AliRezaBeigy/odoh-target/internal/config"
	"github.com/AliRezaBeigy/odoh-target/internal/logging"
)

type queryOptions struct {
	qtype   string
	target  string
	proxy   string
	path    string
	padding int
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "odoh-client",
		Short: "Oblivious DNS-over-HTTPS client",
	}
	root.AddCommand(newQueryCommand())
	return root
}

func newQueryCommand() *cobra.Command {
	opts := queryOptions{}
	defaults := client.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "query <name>",
		Short: "Resolve a name through an ODoH target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			level := "warn"
			if opts.verbose {
				level = "debug"
			}
			logger, err := logging.NewLogger(config.Logging{Level: level, Pretty: true}, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			qtype, ok := dns.StringToType[strings.ToUpper(opts.qtype)]
			if !ok {
				return fmt.Errorf("unknown query type %q", opts.qtype)
			}

			c, err := client.New(client.Config{
				Target:    opts.target,
				QueryPath: opts.path,
				Proxy:     opts.proxy,
				Timeout:   opts.timeout,
				Padding:   opts.padding,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			return runQuery(ctx, c, args[0], qtype, cmd, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.qtype, "type", "t", "A", "Query type, e.g. A, AAAA, MX.")
	flags.StringVar(&opts.target, "target", "", "Base URL of the ODoH target.")
	flags.StringVar(&opts.proxy, "proxy", "", "Oblivious proxy URL. Queries go to the target directly when empty.")
	flags.StringVar(&opts.path, "path", defaults.QueryPath, "Query path on the target.")
	flags.IntVar(&opts.padding, "padding", defaults.Padding, "Pad queries to a multiple of this many bytes.")
	flags.DurationVar(&opts.timeout, "timeout", defaults.Timeout, "Request timeout.")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Log exchange details.")
	_ = cmd.MarkFlagRequired("target")

	return cmd
}

func runQuery(ctx context.Context, c *client.Client, name string, qtype uint16, cmd *cobra.Command, logger zerolog.Logger) error {
	start := time.Now()
	answer, err := c.Lookup(ctx, name, qtype)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	stats := c.Stats()
	logger.Debug().
		Dur("duration", time.Since(start)).
		Uint64("refetches", stats.Refetches).
		Str("rcode", dns.RcodeToString[answer.Rcode]).
		Msg("query answered")

	fmt.Fprintln(cmd.OutOrStdout(), answer.String())
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		logging.Fatal(err, "command failed")
	}
}
