// Command mcp-http-bridge lets a stdio-only MCP client talk to a gateway that
// serves streamable HTTP. It reads one JSON-RPC message per line on stdin
// and writes one reply per request line on stdout.
//
//	mcp-http-bridge [gateway-url]
//
// The URL defaults to MCP_GATEWAY_URL, then http://localhost:3000.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treyanderson/mcp-server-gateway/pkg/bridge"
	"github.com/treyanderson/mcp-server-gateway/pkg/logging"
)

const defaultURL = "http://localhost:3000"

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MCP_GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "mcp-http-bridge [gateway-url]",
		Short:         "Relay a stdio MCP client to an HTTP gateway",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(v.GetString("log-level"))
			if err != nil {
				return err
			}
			logger := logging.New(logging.Config{Level: level})

			base := v.GetString("url")
			if len(args) > 0 {
				base = args[0]
			}
			endpoint, err := bridge.Endpoint(base)
			if err != nil {
				return err
			}
			logger.Info("bridge relaying stdio", "endpoint", endpoint)

			b := bridge.New(endpoint, &bridge.Options{Logger: logger})
			return b.Run(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("url", defaultURL, "Gateway base URL (env MCP_GATEWAY_URL)")
	cmd.Flags().String("log-level", "warn", "Log level written to stderr")
	for _, name := range []string{"url", "log-level"} {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && ctx.Err() == nil {
		slog.Error("mcp-http-bridge failed", "error", err)
		os.Exit(1)
	}
}
