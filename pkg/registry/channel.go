package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Category names one of the three capability kinds.
type Category string

const (
	CategoryTools     Category = "tools"
	CategoryResources Category = "resources"
	CategoryPrompts   Category = "prompts"
)

// Channel is an established connection to one downstream server. List
// methods return the full list across pages.
type Channel interface {
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	ListResources(ctx context.Context) ([]*mcp.Resource, error)
	ListPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
	Close() error
	// Done is closed once the channel is no longer usable.
	Done() <-chan struct{}
}

// Hooks carry downstream notifications back to the registry. Hooks may be
// invoked on the channel's read loop and must not block on the channel.
type Hooks struct {
	ListChanged func(Category)
	Progress    func(*mcp.ProgressNotificationParams)
}

func (h Hooks) listChanged(c Category) {
	if h.ListChanged != nil {
		h.ListChanged(c)
	}
}

// Dialer opens a Channel for a spec.
type Dialer interface {
	Dial(ctx context.Context, spec ServerSpec, hooks Hooks) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, spec ServerSpec, hooks Hooks) (Channel, error)

func (f DialerFunc) Dial(ctx context.Context, spec ServerSpec, hooks Hooks) (Channel, error) {
	return f(ctx, spec, hooks)
}

// SDKDialer opens channels with go-sdk client sessions. Stdio specs launch a
// child process; HTTP specs try the streamable transport first and fall back
// to SSE.
type SDKDialer struct {
	Client     *mcp.Implementation
	HTTPClient *http.Client
	// LogJSONRPC traces every message at debug level.
	LogJSONRPC bool
	Logger     *slog.Logger
	// TransportFor overrides transport construction.
	TransportFor func(ServerSpec) (mcp.Transport, error)
}

func (d *SDKDialer) Dial(ctx context.Context, spec ServerSpec, hooks Hooks) (Channel, error) {
	impl := d.Client
	if impl == nil {
		impl = &mcp.Implementation{Name: "mcp-server-gateway", Version: "1.0.0"}
	}
	opts := &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			hooks.listChanged(CategoryTools)
		},
		PromptListChangedHandler: func(context.Context, *mcp.PromptListChangedRequest) {
			hooks.listChanged(CategoryPrompts)
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			hooks.listChanged(CategoryResources)
		},
		ProgressNotificationHandler: func(_ context.Context, req *mcp.ProgressNotificationClientRequest) {
			if hooks.Progress != nil && req != nil && req.Params != nil {
				hooks.Progress(req.Params)
			}
		},
	}

	attempt := func(ctx context.Context, transport mcp.Transport) (*mcp.ClientSession, error) {
		client := mcp.NewClient(impl, opts)
		wrapped := transport
		if d.LogJSONRPC && d.Logger != nil {
			wrapped = &loggingTransport{serverID: spec.ID, delegate: transport, logger: d.Logger}
		}
		return client.Connect(ctx, wrapped, nil)
	}

	if d.TransportFor != nil {
		transport, err := d.TransportFor(spec)
		if err != nil {
			return nil, err
		}
		session, err := attempt(ctx, transport)
		if err != nil {
			return nil, err
		}
		return newSessionChannel(session), nil
	}

	switch spec.Transport() {
	case TransportStdio:
		session, err := attempt(ctx, buildStdioTransport(spec))
		if err != nil {
			return nil, err
		}
		return newSessionChannel(session), nil
	case TransportHTTP:
		return d.dialHTTP(ctx, spec, attempt)
	default:
		return nil, fmt.Errorf("registry: server %q needs a command or url", spec.ID)
	}
}

func (d *SDKDialer) dialHTTP(
	ctx context.Context,
	spec ServerSpec,
	attempt func(context.Context, mcp.Transport) (*mcp.ClientSession, error),
) (Channel, error) {
	headers := make(http.Header, len(spec.Headers))
	for k, v := range spec.Headers {
		headers.Set(k, v)
	}
	httpClient := decorateHTTPClient(d.HTTPClient, headers)

	var streamErr error
	if !strings.HasSuffix(strings.TrimSpace(spec.URL), "/sse") {
		session, err := attempt(ctx, &mcp.StreamableClientTransport{Endpoint: spec.URL, HTTPClient: httpClient})
		if err == nil {
			return newSessionChannel(session), nil
		}
		streamErr = err
	}
	session, err := attempt(ctx, &mcp.SSEClientTransport{Endpoint: spec.URL, HTTPClient: httpClient})
	if err != nil {
		if streamErr != nil {
			return nil, fmt.Errorf("streamable error: %v; sse error: %w", streamErr, err)
		}
		return nil, err
	}
	return newSessionChannel(session), nil
}

func buildStdioTransport(spec ServerSpec) mcp.Transport {
	cmd := exec.Command(spec.Command, spec.Args...)
	if len(spec.Env) > 0 {
		env := os.Environ()
		for k, v := range spec.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		cmd.Env = env
	}
	// The child's stderr is passed through so its diagnostics stay visible.
	cmd.Stderr = os.Stderr
	return &mcp.CommandTransport{Command: cmd}
}

// sessionChannel adapts a client session to Channel.
type sessionChannel struct {
	session *mcp.ClientSession
	done    chan struct{}
}

func newSessionChannel(session *mcp.ClientSession) *sessionChannel {
	c := &sessionChannel{session: session, done: make(chan struct{})}
	go func() {
		_ = session.Wait()
		close(c.done)
	}()
	return c
}

func (c *sessionChannel) capabilities() *mcp.ServerCapabilities {
	if res := c.session.InitializeResult(); res != nil && res.Capabilities != nil {
		return res.Capabilities
	}
	return &mcp.ServerCapabilities{}
}

func (c *sessionChannel) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	if c.capabilities().Tools == nil {
		return nil, nil
	}
	var tools []*mcp.Tool
	for tool, err := range c.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

func (c *sessionChannel) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	if c.capabilities().Resources == nil {
		return nil, nil
	}
	var resources []*mcp.Resource
	for res, err := range c.session.Resources(ctx, nil) {
		if err != nil {
			return nil, err
		}
		resources = append(resources, res)
	}
	return resources, nil
}

func (c *sessionChannel) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	if c.capabilities().Prompts == nil {
		return nil, nil
	}
	var prompts []*mcp.Prompt
	for prompt, err := range c.session.Prompts(ctx, nil) {
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, prompt)
	}
	return prompts, nil
}

func (c *sessionChannel) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	return c.session.CallTool(ctx, params)
}

func (c *sessionChannel) ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	return c.session.ReadResource(ctx, params)
}

func (c *sessionChannel) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return c.session.GetPrompt(ctx, params)
}

// Close closes the session. For stdio servers this also terminates the
// child process.
func (c *sessionChannel) Close() error { return c.session.Close() }

func (c *sessionChannel) Done() <-chan struct{} { return c.done }

type loggingTransport struct {
	serverID string
	delegate mcp.Transport
	logger   *slog.Logger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{serverID: t.serverID, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	serverID string
	delegate mcp.Connection
	logger   *slog.Logger
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit("receive", msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction string, msg jsonrpc.Message) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger.Debug("jsonrpc", "server", c.serverID, "direction", direction, "message", string(encoded))
}

// decorateHTTPClient returns a copy of base that sets headers on every
// request. The session id header is managed by the transport.
func decorateHTTPClient(base *http.Client, headers http.Header) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	clone := *base
	next := base.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	clone.Transport = &headerDecorator{next: next, headers: headers}
	return &clone
}

type headerDecorator struct {
	next    http.RoundTripper
	headers http.Header
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return d.next.RoundTrip(req)
}
