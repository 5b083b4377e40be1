package app

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/treyanderson/mcp-server-gateway/pkg/config"
)

func newValidateCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Validate a configuration file",
		Long: `Load and validate a configuration file without connecting to any server.

Environment references are expanded, disabled servers are dropped, and
every validation problem is reported at once.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(v)
			if err != nil {
				return err
			}
			cfg, path, err := loadConfig(v, args, logger)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			printSummary(cmd.OutOrStdout(), path, cfg)
			return nil
		},
	}
}

func printSummary(w io.Writer, path string, cfg *config.Config) {
	g := cfg.Gateway
	fmt.Fprintf(w, "Configuration %s is valid\n", path)
	fmt.Fprintf(w, "  Name:        %s %s\n", g.Name, g.Version)
	if cfg.HTTPEnabled() {
		scheme := "http"
		if g.HTTP.TLS != nil {
			scheme = "https"
		}
		fmt.Fprintf(w, "  Transport:   %s://%s:%d%s\n", scheme, g.HTTP.Host, g.HTTP.Port, g.HTTP.Path)
	} else {
		fmt.Fprintf(w, "  Transport:   stdio\n")
	}
	fmt.Fprintf(w, "  Collisions:  %s\n", g.Collisions)
	if g.ToolSearch.IsEnabled() {
		fmt.Fprintf(w, "  Tool search: enabled (max %d results)\n", g.ToolSearch.MaxResults)
	} else {
		fmt.Fprintf(w, "  Tool search: disabled\n")
	}
	fmt.Fprintf(w, "  Servers:     %d\n", len(cfg.Servers))
	for _, s := range cfg.Servers {
		target := s.URL
		if target == "" {
			target = strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
		}
		fmt.Fprintf(w, "    - %s: %s\n", s.ID, target)
	}
	if len(cfg.Skipped) > 0 {
		fmt.Fprintf(w, "  Disabled:    %s\n", strings.Join(cfg.Skipped, ", "))
	}
}
