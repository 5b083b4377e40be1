package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/treyanderson/mcp-server-gateway/pkg/httpmux"
	"github.com/treyanderson/mcp-server-gateway/pkg/metrics"
	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
)

// Options configure a Gateway beyond what the configuration file holds.
type Options struct {
	// Dialer opens downstream channels. Defaults to registry.SDKDialer.
	Dialer registry.Dialer
	// LogJSONRPC logs every downstream JSON-RPC message at debug level.
	LogJSONRPC bool
	// Stdio is the inbound transport in stdio mode. Defaults to
	// mcp.StdioTransport.
	Stdio mcp.Transport
	// NewChannel overrides the per-session channel factory in HTTP mode.
	NewChannel httpmux.ChannelFactory
	// Metrics is created when nil. Set DisableMetrics to run without it.
	Metrics        *metrics.Metrics
	DisableMetrics bool
	// ShutdownTimeout bounds Shutdown when the caller's context has no
	// deadline. Defaults to 10s.
	ShutdownTimeout time.Duration
	// Logger receives structured diagnostics.
	Logger *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil && !opts.DisableMetrics {
		opts.Metrics = metrics.New()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
