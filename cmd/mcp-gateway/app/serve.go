package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	mcpgateway "github.com/treyanderson/mcp-server-gateway/pkg/mcp-gateway"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Start the gateway",
		Long: `Start the gateway with the given configuration file.

The gateway serves over stdio unless gateway.http.enabled is set, in which
case it listens for streamable HTTP clients. Downstream servers are
connected once at startup; servers that fail to connect are skipped.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, args)
		},
	}
	cmd.Flags().Bool("log-jsonrpc", false, "Log every downstream JSON-RPC message at debug level")
	if err := v.BindPFlag("log-jsonrpc", cmd.Flags().Lookup("log-jsonrpc")); err != nil {
		panic(fmt.Sprintf("bind flag log-jsonrpc: %v", err))
	}
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, args []string) error {
	logger, err := newLogger(v)
	if err != nil {
		return err
	}
	cfg, path, err := loadConfig(v, args, logger)
	if err != nil {
		logger.Error("failed to load configuration", "path", path, "error", err)
		return err
	}
	logger.Info("configuration loaded",
		"path", path,
		"servers", len(cfg.Servers),
		"skipped", len(cfg.Skipped),
		"http", cfg.HTTPEnabled())

	gateway, err := mcpgateway.New(cfg, &mcpgateway.Options{
		LogJSONRPC: v.GetBool("log-jsonrpc"),
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build gateway", "error", err)
		return err
	}
	defer func() {
		if err := gateway.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("gateway shutdown reported errors", "error", err)
		}
	}()

	if err := gateway.Initialize(ctx); err != nil {
		logger.Error("failed to initialize gateway", "error", err)
		return err
	}
	if err := gateway.Run(ctx); err != nil {
		logger.Error("gateway stopped", "error", err)
		return err
	}
	return nil
}
