package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type fakeChannel struct {
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt

	toolsErr     error
	resourcesErr error
	promptsErr   error
	closeErr     error

	mu       sync.Mutex
	done     chan struct{}
	doneOnce sync.Once
	closes   atomic.Int32
	calls    []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (f *fakeChannel) withTools(names ...string) *fakeChannel {
	for _, n := range names {
		f.tools = append(f.tools, &mcp.Tool{Name: n, InputSchema: map[string]any{"type": "object"}})
	}
	return f
}

func (f *fakeChannel) withPrompts(names ...string) *fakeChannel {
	for _, n := range names {
		f.prompts = append(f.prompts, &mcp.Prompt{Name: n})
	}
	return f
}

func (f *fakeChannel) withResources(uris ...string) *fakeChannel {
	for _, u := range uris {
		f.resources = append(f.resources, &mcp.Resource{URI: u, Name: u})
	}
	return f
}

func (f *fakeChannel) ListTools(context.Context) ([]*mcp.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tools, f.toolsErr
}

func (f *fakeChannel) ListResources(context.Context) ([]*mcp.Resource, error) {
	return f.resources, f.resourcesErr
}

func (f *fakeChannel) ListPrompts(context.Context) ([]*mcp.Prompt, error) {
	return f.prompts, f.promptsErr
}

func (f *fakeChannel) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params.Name)
	f.mu.Unlock()
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: params.Name}}}, nil
}

func (f *fakeChannel) ReadResource(_ context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: params.URI, Text: "body"}}}, nil
}

func (f *fakeChannel) GetPrompt(_ context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	return &mcp.GetPromptResult{Description: params.Name}, nil
}

func (f *fakeChannel) Close() error {
	f.closes.Add(1)
	f.lose()
	return f.closeErr
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }

// lose simulates the downstream going away.
func (f *fakeChannel) lose() {
	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeChannel) setTools(names ...string) {
	tools := make([]*mcp.Tool, 0, len(names))
	for _, n := range names {
		tools = append(tools, &mcp.Tool{Name: n, InputSchema: map[string]any{"type": "object"}})
	}
	f.mu.Lock()
	f.tools = tools
	f.mu.Unlock()
}

// fakeDialer serves preconfigured channels by server id.
type fakeDialer struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	errs     map[string]error
	delays   map[string]time.Duration
	// failures makes the first N dials of an id fail.
	failures map[string]int
	attempts map[string]int
	hooks    map[string]Hooks
	// ctxs holds the context each id was last dialed with.
	ctxs     map[string]context.Context
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		channels: make(map[string]*fakeChannel),
		errs:     make(map[string]error),
		delays:   make(map[string]time.Duration),
		failures: make(map[string]int),
		attempts: make(map[string]int),
		hooks:    make(map[string]Hooks),
		ctxs:     make(map[string]context.Context),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, spec ServerSpec, hooks Hooks) (Channel, error) {
	d.mu.Lock()
	delay := d.delays[spec.ID]
	d.attempts[spec.ID]++
	attempt := d.attempts[spec.ID]
	failures := d.failures[spec.ID]
	err := d.errs[spec.ID]
	ch := d.channels[spec.ID]
	d.hooks[spec.ID] = hooks
	d.ctxs[spec.ID] = ctx
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if attempt <= failures {
		return nil, errors.New("transient dial failure")
	}
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, errors.New("no such server")
	}
	return ch, nil
}

func (d *fakeDialer) hooksFor(id string) Hooks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hooks[id]
}

func (d *fakeDialer) ctxFor(id string) context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctxs[id]
}

func spec(id string) ServerSpec {
	return ServerSpec{ID: id, Command: "fake-" + id}
}
