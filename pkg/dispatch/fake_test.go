package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
)

// fakeRegistry holds connections in order and applies first-wins lookup.
type fakeRegistry struct {
	mu    sync.Mutex
	order []string
	conns map[string]registry.Connection
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{conns: make(map[string]registry.Connection)}
}

func (r *fakeRegistry) add(id string, ch *fakeChannel, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, id)
	r.conns[id] = registry.Connection{
		ID:          id,
		Channel:     ch,
		Snapshot:    registry.Snapshot{Tools: ch.tools, Resources: ch.resources, Prompts: ch.prompts},
		Connected:   connected,
		CallTimeout: time.Second,
	}
}

func (r *fakeRegistry) Catalog() registry.Catalog {
	r.mu.Lock()
	defer r.mu.Unlock()
	var cat registry.Catalog
	seen := map[string]bool{}
	for _, id := range r.order {
		conn := r.conns[id]
		if !conn.Connected {
			continue
		}
		for _, t := range conn.Snapshot.Tools {
			if seen["t:"+t.Name] {
				continue
			}
			seen["t:"+t.Name] = true
			cat.Tools = append(cat.Tools, registry.ToolDescriptor{ServerID: id, NativeName: t.Name, Tool: t})
		}
		for _, res := range conn.Snapshot.Resources {
			if seen["r:"+res.URI] {
				continue
			}
			seen["r:"+res.URI] = true
			cat.Resources = append(cat.Resources, registry.ResourceDescriptor{ServerID: id, Resource: res})
		}
		for _, p := range conn.Snapshot.Prompts {
			if seen["p:"+p.Name] {
				continue
			}
			seen["p:"+p.Name] = true
			cat.Prompts = append(cat.Prompts, registry.PromptDescriptor{ServerID: id, NativeName: p.Name, Prompt: p})
		}
	}
	return cat
}

func (r *fakeRegistry) FindOwner(category registry.Category, name string) (registry.Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		snap := r.conns[id].Snapshot
		switch category {
		case registry.CategoryTools:
			for _, t := range snap.Tools {
				if t.Name == name {
					return registry.Owner{ServerID: id, NativeName: name}, true
				}
			}
		case registry.CategoryResources:
			for _, res := range snap.Resources {
				if res.URI == name {
					return registry.Owner{ServerID: id, NativeName: name}, true
				}
			}
		case registry.CategoryPrompts:
			for _, p := range snap.Prompts {
				if p.Name == name {
					return registry.Owner{ServerID: id, NativeName: name}, true
				}
			}
		}
	}
	return registry.Owner{}, false
}

func (r *fakeRegistry) Connection(id string) (registry.Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	return conn, ok
}

type fakeChannel struct {
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt

	callErr error
	// block makes calls wait for ctx to end.
	block bool
	// onCall runs inside CallTool with the forwarded params.
	onCall func(context.Context, *mcp.CallToolParams)

	mu    sync.Mutex
	calls []*mcp.CallToolParams
}

func (f *fakeChannel) withTools(names ...string) *fakeChannel {
	for _, n := range names {
		f.tools = append(f.tools, &mcp.Tool{Name: n, Description: "does " + n, InputSchema: map[string]any{"type": "object"}})
	}
	return f
}

func (f *fakeChannel) ListTools(context.Context) ([]*mcp.Tool, error)         { return f.tools, nil }
func (f *fakeChannel) ListResources(context.Context) ([]*mcp.Resource, error) { return f.resources, nil }
func (f *fakeChannel) ListPrompts(context.Context) ([]*mcp.Prompt, error)     { return f.prompts, nil }

func (f *fakeChannel) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall(ctx, params)
	}
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "called " + params.Name}}}, nil
}

func (f *fakeChannel) ReadResource(_ context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.ReadResourceResult{Contents: []*mcp.ResourceContents{{URI: params.URI, Text: "contents"}}}, nil
}

func (f *fakeChannel) GetPrompt(_ context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	if f.callErr != nil {
		return nil, f.callErr
	}
	return &mcp.GetPromptResult{Description: params.Name + ":" + params.Arguments["topic"]}, nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) Done() <-chan struct{} { return make(chan struct{}) }

func (f *fakeChannel) lastCall() *mcp.CallToolParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeSink struct {
	mu   sync.Mutex
	got  []*mcp.ProgressNotificationParams
	fail bool
}

func (s *fakeSink) NotifyProgress(_ context.Context, p *mcp.ProgressNotificationParams) error {
	if s.fail {
		return errors.New("session gone")
	}
	s.mu.Lock()
	s.got = append(s.got, p)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) received() []*mcp.ProgressNotificationParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*mcp.ProgressNotificationParams(nil), s.got...)
}

type recordedCall struct {
	category registry.Category
	serverID string
	err      error
}

type fakeRecorder struct {
	mu       sync.Mutex
	calls    []recordedCall
	searches []string
}

func (r *fakeRecorder) ForwardedCall(category registry.Category, serverID string, _ time.Duration, err error) {
	r.mu.Lock()
	r.calls = append(r.calls, recordedCall{category, serverID, err})
	r.mu.Unlock()
}

func (r *fakeRecorder) ToolSearch(mode string, _ int) {
	r.mu.Lock()
	r.searches = append(r.searches, mode)
	r.mu.Unlock()
}
