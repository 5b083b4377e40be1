package mcpgateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/treyanderson/mcp-server-gateway/pkg/config"
	"github.com/treyanderson/mcp-server-gateway/pkg/dispatch"
	"github.com/treyanderson/mcp-server-gateway/pkg/httpmux"
	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
	"github.com/treyanderson/mcp-server-gateway/pkg/toolsearch"
)

// Mode is the front end the gateway serves.
type Mode string

const (
	ModeStdio Mode = "stdio"
	ModeHTTP  Mode = "http"
)

// ErrNotInitialized is returned by Run before Initialize has succeeded.
var ErrNotInitialized = errors.New("mcpgateway: not initialized")

// Gateway owns the registry, the search index, and the front end selected by
// the configuration.
type Gateway struct {
	cfg  *config.Config
	opts Options
	impl *mcp.Implementation

	registry *registry.Registry
	index    *toolsearch.Index
	relay    *dispatch.ProgressRelay
	mux      *httpmux.Multiplexer

	// initMu serializes Initialize; mu guards the fields below.
	initMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	shutdown    bool
	stdio       *dispatch.Dispatcher
}

// New builds a gateway from a validated configuration. In HTTP mode the TLS
// key pair is loaded here so a bad certificate fails before any server is
// started.
func New(cfg *config.Config, opts *Options) (*Gateway, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mcpgateway: config is required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		cfg:   cfg,
		opts:  options,
		impl:  &mcp.Implementation{Name: cfg.Gateway.Name, Version: cfg.Gateway.Version},
		relay: dispatch.NewProgressRelay(options.Logger),
	}

	policy, err := registry.ParseCollisionPolicy(cfg.Gateway.Collisions)
	if err != nil {
		return nil, err
	}
	dialer := options.Dialer
	if dialer == nil {
		dialer = &registry.SDKDialer{Client: g.impl, LogJSONRPC: options.LogJSONRPC, Logger: options.Logger}
	}
	g.registry = registry.New(&registry.Options{
		Client:         g.impl,
		Dialer:         dialer,
		ConnectTimeout: time.Duration(cfg.Gateway.ConnectTimeout),
		CallTimeout:    time.Duration(cfg.Gateway.CallTimeout),
		ConnectRetries: cfg.Gateway.ConnectRetries,
		Collisions:     policy,
		OnProgress:     g.relay.Deliver,
		Logger:         options.Logger,
	})

	if cfg.Gateway.ToolSearch.IsEnabled() {
		indexCfg := cfg.Gateway.ToolSearch.IndexConfig()
		indexCfg.Logger = options.Logger
		g.index = toolsearch.New(indexCfg)
	}
	g.registry.OnCatalogChanged(g.catalogChanged)

	if cfg.HTTPEnabled() {
		h := cfg.Gateway.HTTP
		muxOpts := &httpmux.Options{
			NewDispatcher:  g.NewDispatcher,
			Implementation: g.impl,
			NewChannel:     options.NewChannel,
			Host:           h.Host,
			Port:           h.Port,
			Path:           h.Path,
			HealthPath:     h.HealthPath,
			MetricsPath:    h.MetricsPath,
			CORSOrigins:    h.CORSOrigins,
			Metrics:        options.Metrics,
			Logger:         options.Logger,
		}
		if h.TLS != nil {
			muxOpts.TLSCert = h.TLS.Cert
			muxOpts.TLSKey = h.TLS.Key
		}
		if g.mux, err = httpmux.New(muxOpts); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Mode reports which front end Run serves.
func (g *Gateway) Mode() Mode {
	if g.mux != nil {
		return ModeHTTP
	}
	return ModeStdio
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Index exposes the search index, or nil when tool_search is disabled.
func (g *Gateway) Index() *toolsearch.Index { return g.index }

// Multiplexer exposes the HTTP front end, or nil in stdio mode.
func (g *Gateway) Multiplexer() *httpmux.Multiplexer { return g.mux }

// Initialize connects every configured server and builds the search index.
// Servers that fail to connect are skipped. Under the reject collision
// policy a duplicate name disconnects everything and fails.
func (g *Gateway) Initialize(ctx context.Context) error {
	g.initMu.Lock()
	defer g.initMu.Unlock()

	g.mu.Lock()
	if g.initialized {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	specs := g.cfg.ServerSpecs()
	g.opts.Logger.Info("initializing gateway", "name", g.impl.Name, "servers", len(specs), "mode", string(g.Mode()))
	connected := g.registry.ConnectAll(ctx, specs)

	if err := g.registry.CheckCollisions(); err != nil {
		_ = g.registry.DisconnectAll(context.Background())
		return err
	}

	g.mu.Lock()
	g.initialized = true
	g.mu.Unlock()

	cat := g.registry.Catalog()
	g.opts.Logger.Info("gateway initialized",
		"connected", len(connected),
		"configured", len(specs),
		"tools", len(cat.Tools),
		"resources", len(cat.Resources),
		"prompts", len(cat.Prompts),
		"tool_search", g.index != nil,
	)
	return nil
}

// catalogChanged rebuilds the index wholesale and refreshes the catalog
// gauges.
func (g *Gateway) catalogChanged(cat registry.Catalog) {
	if g.index != nil {
		tools := make([]toolsearch.Tool, 0, len(cat.Tools))
		for _, t := range cat.Tools {
			tools = append(tools, toolsearch.Tool{ServerID: t.ServerID, Tool: t.Tool})
		}
		g.index.UpdateIndex(tools)
	}
	g.opts.Metrics.CatalogChanged(g.registry.ConnectedCount(), cat)
}

// NewDispatcher builds a dispatcher bound to the shared registry and index.
func (g *Gateway) NewDispatcher() *dispatch.Dispatcher {
	opts := &dispatch.Options{
		SearchEnabled: g.index != nil,
		Progress:      g.relay,
		Logger:        g.opts.Logger,
	}
	if g.opts.Metrics != nil {
		opts.Recorder = g.opts.Metrics
	}
	return dispatch.New(g.registry, g.index, opts)
}

// Run serves the configured front end until ctx is cancelled or, in stdio
// mode, the client disconnects.
func (g *Gateway) Run(ctx context.Context) error {
	g.mu.Lock()
	if !g.initialized {
		g.mu.Unlock()
		return ErrNotInitialized
	}
	if g.shutdown {
		g.mu.Unlock()
		return fmt.Errorf("mcpgateway: gateway is shut down")
	}
	g.mu.Unlock()

	if g.mux != nil {
		return g.mux.ListenAndServe(ctx)
	}
	return g.runStdio(ctx)
}

func (g *Gateway) runStdio(ctx context.Context) error {
	d := g.NewDispatcher()
	g.mu.Lock()
	g.stdio = d
	g.mu.Unlock()

	transport := g.opts.Stdio
	if transport == nil {
		transport = &mcp.StdioTransport{}
	}
	g.opts.Logger.Info("serving on stdio")
	err := d.Server(g.impl).Run(ctx, transport)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Shutdown stops the front end and then every downstream connection. It
// returns the joined teardown errors and is safe to call more than once.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.shutdown {
		g.mu.Unlock()
		return nil
	}
	g.shutdown = true
	stdio := g.stdio
	g.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.ShutdownTimeout)
		defer cancel()
	}
	g.opts.Logger.Info("shutting down gateway")

	var errs []error
	if g.mux != nil {
		if err := g.mux.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if stdio != nil {
		_ = stdio.Close()
	}
	if err := g.registry.DisconnectAll(ctx); err != nil {
		errs = append(errs, err)
	}
	err := errors.Join(errs...)
	if err != nil {
		g.opts.Logger.Warn("gateway shutdown incomplete", "error", err)
	} else {
		g.opts.Logger.Info("gateway stopped")
	}
	return err
}
