// Package app holds the mcp-gateway command tree.
package app

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treyanderson/mcp-server-gateway/pkg/config"
	"github.com/treyanderson/mcp-server-gateway/pkg/logging"
)

// Version is set at build time with -ldflags "-X .../app.Version=...".
var Version = "dev"

// EnvPrefix prefixes every environment variable read by the CLI, for
// example MCP_GATEWAY_CONFIG or MCP_GATEWAY_LOG_LEVEL.
const EnvPrefix = "MCP_GATEWAY"

// NewRootCmd creates the mcp-gateway command with its subcommands. Each call
// uses its own viper instance so flags and environment are resolved per
// command tree.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "mcp-gateway",
		Short: "Aggregate several MCP servers behind one endpoint",
		Long: `mcp-gateway connects to every configured MCP server and republishes their
tools, resources, and prompts as one merged surface, over stdio or over
streamable HTTP with one session per client. A tool_search tool lets
clients find tools without listing the whole catalog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", config.DefaultPath, "Path to the gateway configuration file (JSON or YAML)")
	flags.String("env-file", ".env", "Dotenv file loaded before the configuration")
	flags.String("log-level", "info", "Log level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.Bool("debug", false, "Shorthand for --log-level=debug")
	for _, name := range []string{"config", "env-file", "log-level", "log-format", "debug"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newValidateCmd(v))
	root.AddCommand(newVersionCmd())
	return root
}

// newLogger builds the process logger from flags and environment. Logs always
// go to stderr so stdout stays free for the stdio transport.
func newLogger(v *viper.Viper) (*slog.Logger, error) {
	level, err := logging.ParseLevel(v.GetString("log-level"))
	if err != nil {
		return nil, err
	}
	if v.GetBool("debug") {
		level = slog.LevelDebug
	}
	format, err := logging.ParseFormat(v.GetString("log-format"))
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Config{Level: level, Format: format}), nil
}

// configPath prefers a positional argument over --config and
// MCP_GATEWAY_CONFIG.
func configPath(v *viper.Viper, args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	return v.GetString("config")
}

// loadConfig loads the dotenv file and then the configuration.
func loadConfig(v *viper.Viper, args []string, logger *slog.Logger) (*config.Config, string, error) {
	envFile := v.GetString("env-file")
	loaded, err := config.LoadEnv(envFile)
	if err != nil {
		return nil, "", fmt.Errorf("load %s: %w", envFile, err)
	}
	if loaded {
		logger.Debug("environment file loaded", "path", envFile)
	}
	path := configPath(v, args)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mcp-gateway %s\n", Version)
		},
	}
}
