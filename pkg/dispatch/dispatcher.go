package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
	"github.com/treyanderson/mcp-server-gateway/pkg/toolsearch"
)

// Registry is the read side of the connection registry that dispatch needs.
type Registry interface {
	Catalog() registry.Catalog
	FindOwner(category registry.Category, name string) (registry.Owner, bool)
	Connection(id string) (registry.Connection, bool)
}

// Recorder observes dispatch outcomes. pkg/metrics provides one.
type Recorder interface {
	ForwardedCall(category registry.Category, serverID string, elapsed time.Duration, err error)
	ToolSearch(mode string, results int)
}

// Options configure a Dispatcher.
type Options struct {
	// SearchEnabled advertises and serves the tool_search tool.
	SearchEnabled bool
	// Progress relays downstream progress for calls that carry a token.
	Progress *ProgressRelay
	Recorder Recorder
	Logger   *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// Dispatcher answers one front-end connection. Dispatch reads registry and
// index state and forwards at most one call, so a Dispatcher may be used
// concurrently.
type Dispatcher struct {
	registry Registry
	index    *toolsearch.Index
	opts     Options
	closed   atomic.Bool
}

// New binds a dispatcher to a registry and search index. index may be nil
// when search is disabled.
func New(reg Registry, index *toolsearch.Index, opts *Options) *Dispatcher {
	options := opts.withDefaults()
	if index == nil {
		options.SearchEnabled = false
	}
	return &Dispatcher{registry: reg, index: index, opts: options}
}

// SearchEnabled reports whether tool_search is served.
func (d *Dispatcher) SearchEnabled() bool { return d.opts.SearchEnabled }

// ListTools returns the catalog tools, led by tool_search when enabled.
func (d *Dispatcher) ListTools(context.Context) ([]*mcp.Tool, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	tools := d.registry.Catalog().MCPTools()
	if d.opts.SearchEnabled {
		tools = append([]*mcp.Tool{toolsearch.Definition()}, tools...)
	}
	return tools, nil
}

// CallTool serves tool_search locally and forwards every other name to its
// owning server. Downstream faults are wrapped as ErrToolCallFailed.
func (d *Dispatcher) CallTool(ctx context.Context, params *mcp.CallToolParamsRaw) (*mcp.CallToolResult, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	if params == nil {
		return nil, toolNotFound("")
	}
	if params.Name == toolsearch.ToolName && d.opts.SearchEnabled {
		return d.search(params.Arguments), nil
	}

	owner, conn, derr := d.resolve(registry.CategoryTools, params.Name)
	if derr != nil {
		return nil, derr
	}

	forward := &mcp.CallToolParams{Name: owner.NativeName}
	if len(params.Arguments) > 0 {
		forward.Arguments = params.Arguments
	}
	if token := params.GetProgressToken(); token != nil && d.opts.Progress != nil {
		if sink := sinkFromContext(ctx); sink != nil {
			relayToken, release := d.opts.Progress.Track(owner.ServerID, sink, token)
			defer release()
			if relayToken != nil {
				// SetProgressToken is a no-op on nil metadata.
				forward.Meta = mcp.Meta{}
				forward.SetProgressToken(relayToken)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, conn.CallTimeout)
	defer cancel()
	start := time.Now()
	res, err := conn.Channel.CallTool(ctx, forward)
	d.record(registry.CategoryTools, owner.ServerID, start, err)
	if err != nil {
		d.opts.Logger.Warn("forwarded call failed", "method", "tools/call", "server", owner.ServerID, "tool", params.Name, "error", err)
		return nil, toolCallFailed(owner.ServerID, params.Name, err)
	}
	return res, nil
}

func (d *Dispatcher) search(raw json.RawMessage) *mcp.CallToolResult {
	args, err := toolsearch.ParseArgs(raw)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}
	}
	results := d.index.Search(args.Mode, args.Query)
	d.opts.Logger.Info("tool search", "mode", string(args.Mode), "query", args.Query, "results", len(results))
	if d.opts.Recorder != nil {
		d.opts.Recorder.ToolSearch(string(args.Mode), len(results))
	}

	res := &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: toolsearch.FormatText(results)}},
	}
	if len(results) > 0 {
		res.StructuredContent = map[string]any{"tool_references": toolsearch.References(results)}
	}
	return res
}

// ListResources returns the catalog resources.
func (d *Dispatcher) ListResources(context.Context) ([]*mcp.Resource, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	return d.registry.Catalog().MCPResources(), nil
}

// ReadResource forwards a read to the server owning the URI.
func (d *Dispatcher) ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	if params == nil {
		params = &mcp.ReadResourceParams{}
	}
	owner, conn, derr := d.resolve(registry.CategoryResources, params.URI)
	if derr != nil {
		return nil, derr
	}
	forward := &mcp.ReadResourceParams{Meta: params.Meta, URI: owner.NativeName}

	ctx, cancel := context.WithTimeout(ctx, conn.CallTimeout)
	defer cancel()
	start := time.Now()
	res, err := conn.Channel.ReadResource(ctx, forward)
	d.record(registry.CategoryResources, owner.ServerID, start, err)
	if err != nil {
		d.opts.Logger.Warn("forwarded call failed", "method", "resources/read", "server", owner.ServerID, "uri", params.URI, "error", err)
		return nil, operationFailed("Resource read", owner.ServerID, params.URI, err)
	}
	return res, nil
}

// ListPrompts returns the catalog prompts.
func (d *Dispatcher) ListPrompts(context.Context) ([]*mcp.Prompt, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	return d.registry.Catalog().MCPPrompts(), nil
}

// GetPrompt forwards a prompt request to the owning server.
func (d *Dispatcher) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	if d.closed.Load() {
		return nil, ErrDispatcherClosed
	}
	if params == nil {
		params = &mcp.GetPromptParams{}
	}
	owner, conn, derr := d.resolve(registry.CategoryPrompts, params.Name)
	if derr != nil {
		return nil, derr
	}
	forward := &mcp.GetPromptParams{Meta: params.Meta, Name: owner.NativeName, Arguments: params.Arguments}

	ctx, cancel := context.WithTimeout(ctx, conn.CallTimeout)
	defer cancel()
	start := time.Now()
	res, err := conn.Channel.GetPrompt(ctx, forward)
	d.record(registry.CategoryPrompts, owner.ServerID, start, err)
	if err != nil {
		d.opts.Logger.Warn("forwarded call failed", "method", "prompts/get", "server", owner.ServerID, "prompt", params.Name, "error", err)
		return nil, operationFailed("Prompt get", owner.ServerID, params.Name, err)
	}
	return res, nil
}

// Close marks the dispatcher closed. Later calls fail with
// ErrDispatcherClosed. The shared registry is left untouched.
func (d *Dispatcher) Close() error {
	d.closed.Store(true)
	return nil
}

// resolve finds the owner of name and checks that its connection is usable.
func (d *Dispatcher) resolve(category registry.Category, name string) (registry.Owner, registry.Connection, *Error) {
	owner, ok := d.registry.FindOwner(category, name)
	if !ok {
		return registry.Owner{}, registry.Connection{}, notFound(category, name)
	}
	conn, ok := d.registry.Connection(owner.ServerID)
	if !ok || !conn.Connected || conn.Channel == nil {
		return registry.Owner{}, registry.Connection{}, unavailable(owner.ServerID, name)
	}
	return owner, conn, nil
}

func notFound(category registry.Category, name string) *Error {
	switch category {
	case registry.CategoryResources:
		return &Error{Code: CodeResourceNotFound, Kind: ErrResourceNotFound, Name: name}
	case registry.CategoryPrompts:
		return &Error{Code: CodePromptNotFound, Kind: ErrPromptNotFound, Name: name}
	default:
		return toolNotFound(name)
	}
}

func (d *Dispatcher) record(category registry.Category, serverID string, start time.Time, err error) {
	if d.opts.Recorder == nil {
		return
	}
	d.opts.Recorder.ForwardedCall(category, serverID, time.Since(start), err)
}

// AsError returns the dispatch error carried by err, if any.
func AsError(err error) (*Error, bool) {
	var derr *Error
	if errors.As(err, &derr) {
		return derr, true
	}
	return nil, false
}
