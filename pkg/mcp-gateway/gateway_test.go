package mcpgateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treyanderson/mcp-server-gateway/pkg/config"
	"github.com/treyanderson/mcp-server-gateway/pkg/logging"
	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
	"github.com/treyanderson/mcp-server-gateway/pkg/toolsearch"
)

// downstreams serves named in-memory MCP servers to the registry.
type downstreams struct {
	t       *testing.T
	mu      sync.Mutex
	servers map[string]*mcp.Server
	dials   map[string]int
}

func newDownstreams(t *testing.T) *downstreams {
	return &downstreams{t: t, servers: make(map[string]*mcp.Server), dials: make(map[string]int)}
}

func (d *downstreams) dialCount(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[id]
}

// add registers a server whose tools answer "<id>:<tool>".
func (d *downstreams) add(id string, tools ...string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: id, Version: "0.0.1"}, nil)
	for _, name := range tools {
		addTool(server, id, name)
	}
	d.mu.Lock()
	d.servers[id] = server
	d.mu.Unlock()
	return server
}

func addTool(server *mcp.Server, id, name string) {
	server.AddTool(&mcp.Tool{
		Name:        name,
		Description: fmt.Sprintf("The %s tool of %s", strings.ReplaceAll(name, "_", " "), id),
		InputSchema: map[string]any{"type": "object"},
	}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: id + ":" + name}}}, nil
	})
}

func (d *downstreams) dialer() registry.Dialer {
	return &registry.SDKDialer{
		Logger: logging.Nop(),
		TransportFor: func(spec registry.ServerSpec) (mcp.Transport, error) {
			d.mu.Lock()
			server, ok := d.servers[spec.ID]
			d.dials[spec.ID]++
			d.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("no downstream named %q", spec.ID)
			}
			clientTransport, serverTransport := mcp.NewInMemoryTransports()
			ss, err := server.Connect(context.Background(), serverTransport, nil)
			if err != nil {
				return nil, err
			}
			d.t.Cleanup(func() { _ = ss.Close() })
			return clientTransport, nil
		},
	}
}

func loadConfig(t *testing.T, doc string) *config.Config {
	t.Helper()
	cfg, err := config.ParseJSON([]byte(doc))
	require.NoError(t, err)
	return cfg
}

const twoServers = `{
	"gateway": {"name": "test-gateway", "version": "9.9.9"},
	"servers": {
		"weather": {"command": "weather-server"},
		"broken":  {"command": "missing-server"},
		"files":   {"command": "files-server"}
	}
}`

func startStdio(t *testing.T, g *Gateway, transport mcp.Transport) *mcp.ClientSession {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
	})

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.0.1"}, nil)
	connectCtx, connectCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer connectCancel()
	cs, err := client.Connect(connectCtx, transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

// newStdioGateway returns the gateway and the client end of its stdio pipe.
func newStdioGateway(t *testing.T, doc string, ds *downstreams) (*Gateway, mcp.Transport) {
	t.Helper()
	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	g, err := New(loadConfig(t, doc), &Options{
		Dialer: ds.dialer(),
		Stdio:  serverTransport,
		Logger: logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g, clientTransport
}

func toolNames(tools []*mcp.Tool) []string {
	out := make([]string, 0, len(tools))
	for _, tool := range tools {
		out = append(out, tool.Name)
	}
	return out
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestConcurrentInitializeConnectsOnce(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "get_forecast")
	ds.add("files", "read_file")

	g, _ := newStdioGateway(t, twoServers, ds)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = g.Initialize(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, ds.dialCount("weather"))
	assert.Equal(t, 1, ds.dialCount("files"))
	assert.Equal(t, 2, g.Registry().ConnectedCount())
	assert.Equal(t, 2, g.Index().Count())
}

func TestStdioGatewayAggregatesServers(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "get_forecast", "status")
	ds.add("files", "read_file", "status")

	g, pipe := newStdioGateway(t, twoServers, ds)
	require.Equal(t, ModeStdio, g.Mode())
	require.NoError(t, g.Initialize(context.Background()))
	assert.Equal(t, 2, g.Registry().ConnectedCount(), "broken server is skipped")
	assert.Equal(t, 3, g.Index().Count(), "shadowed names are indexed once")
	indexed, ok := g.Index().Tool("status")
	require.True(t, ok)
	assert.Equal(t, "weather", indexed.ServerID)

	cs := startStdio(t, g, pipe)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	assert.Equal(t, "test-gateway", cs.InitializeResult().ServerInfo.Name)

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{toolsearch.ToolName, "get_forecast", "status", "read_file"}, toolNames(tools.Tools))

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "status"})
	require.NoError(t, err)
	assert.Equal(t, "weather:status", textOf(t, res), "first connected server owns shared names")

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "read_file"})
	require.NoError(t, err)
	assert.Equal(t, "files:read_file", textOf(t, res))

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      toolsearch.ToolName,
		Arguments: map[string]any{"query": "forecast"},
	})
	require.NoError(t, err)
	assert.Contains(t, textOf(t, res), "get_forecast")

	_, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "missing_tool"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Tool not found: missing_tool")
}

func TestSearchDisabledHidesTool(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "get_forecast")

	g, pipe := newStdioGateway(t, `{
		"gateway": {"name": "gw", "toolSearch": {"enabled": false}},
		"servers": {"weather": {"command": "weather-server"}}
	}`, ds)
	require.NoError(t, g.Initialize(context.Background()))
	assert.Nil(t, g.Index())

	cs := startStdio(t, g, pipe)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"get_forecast"}, toolNames(tools.Tools))
}

func TestRejectPolicyFailsInitialize(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "status")
	ds.add("files", "status")

	g, _ := newStdioGateway(t, `{
		"gateway": {"name": "gw", "collisions": "reject"},
		"servers": {"weather": {"command": "a"}, "files": {"command": "b"}}
	}`, ds)
	err := g.Initialize(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNameCollision)
	assert.Empty(t, g.Registry().Connections())
	assert.ErrorIs(t, g.Run(context.Background()), ErrNotInitialized)
}

func TestPrefixPolicyExposesBothTools(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "status")
	ds.add("files", "status")

	g, pipe := newStdioGateway(t, `{
		"gateway": {"name": "gw", "collisions": "prefix", "toolSearch": {"enabled": false}},
		"servers": {"weather": {"command": "a"}, "files": {"command": "b"}}
	}`, ds)
	require.NoError(t, g.Initialize(context.Background()))

	cs := startStdio(t, g, pipe)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"weather__status", "files__status"}, toolNames(tools.Tools))

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "files__status"})
	require.NoError(t, err)
	assert.Equal(t, "files:status", textOf(t, res))
}

func TestCatalogChangeRebuildsIndex(t *testing.T) {
	ds := newDownstreams(t)
	server := ds.add("weather", "get_forecast")

	g, _ := newStdioGateway(t, `{"gateway": {"name": "gw"}, "servers": {"weather": {"command": "a"}}}`, ds)
	require.NoError(t, g.Initialize(context.Background()))
	require.Equal(t, 1, g.Index().Count())

	addTool(server, "weather", "get_alerts")
	require.Eventually(t, func() bool {
		_, ok := g.Index().Tool("get_alerts")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestHTTPGatewayServesSessions(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "get_forecast")

	g, err := New(loadConfig(t, `{
		"gateway": {"name": "gw", "http": {"enabled": true, "port": 8123}},
		"servers": {"weather": {"command": "a"}}
	}`), &Options{Dialer: ds.dialer(), Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	require.Equal(t, ModeHTTP, g.Mode())
	require.NoError(t, g.Initialize(context.Background()))

	srv := httptest.NewServer(g.Multiplexer())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.0.1"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL + "/mcp", MaxRetries: -1}, nil)
	require.NoError(t, err)
	defer cs.Close()

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "get_forecast"})
	require.NoError(t, err)
	assert.Equal(t, "weather:get_forecast", textOf(t, res))
	assert.Equal(t, 1, g.Multiplexer().SessionCount())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "mcp_gateway_servers_connected 1")
	assert.Contains(t, string(body), `mcp_gateway_forwarded_calls_total{category="tools",outcome="ok",server="weather"} 1`)

	require.NoError(t, g.Shutdown(context.Background()))
	assert.Equal(t, 0, g.Multiplexer().SessionCount())
	assert.Empty(t, g.Registry().Connections())
}

func TestNewRejectsUnreadableTLS(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "cert.pem")
	require.NoError(t, os.WriteFile(cert, []byte("junk"), 0o600))
	cfg := loadConfig(t, fmt.Sprintf(`{
		"gateway": {"name": "gw", "http": {"enabled": true, "tls": {"cert": %q, "key": %q}}},
		"servers": {}
	}`, cert, filepath.Join(dir, "missing.pem")))

	_, err := New(cfg, &Options{Logger: logging.Nop(), DisableMetrics: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TLS")
}

func TestShutdownIsIdempotent(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "get_forecast")
	recorder, logger := logging.NewRecorder()

	g, err := New(loadConfig(t, `{"gateway": {"name": "gw"}, "servers": {"weather": {"command": "a"}}}`),
		&Options{Dialer: ds.dialer(), Logger: logger})
	require.NoError(t, err)
	require.NoError(t, g.Initialize(context.Background()))
	require.NoError(t, g.Initialize(context.Background()))
	assert.Len(t, recorder.Find("gateway initialized"), 1)

	require.NoError(t, g.Shutdown(context.Background()))
	require.NoError(t, g.Shutdown(context.Background()))
	assert.Len(t, recorder.Find("gateway stopped"), 1)
	assert.Empty(t, g.Registry().Connections())
	assert.Error(t, g.Run(context.Background()))
}

func TestStdioCallsFailAfterShutdown(t *testing.T) {
	ds := newDownstreams(t)
	ds.add("weather", "get_forecast")
	g, pipe := newStdioGateway(t, `{"gateway": {"name": "gw"}, "servers": {"weather": {"command": "a"}}}`, ds)
	require.NoError(t, g.Initialize(context.Background()))
	cs := startStdio(t, g, pipe)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, g.Shutdown(context.Background()))
	_, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: "get_forecast"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatcher closed")
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)
}
