package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrNameCollision reports duplicate names under the Reject policy.
var ErrNameCollision = errors.New("registry: name collision")

// ToolDescriptor is a catalog tool. Tool carries the exposed name; NativeName
// is the name the owning server knows it by.
type ToolDescriptor struct {
	ServerID   string
	NativeName string
	Tool       *mcp.Tool
}

// ResourceDescriptor is a catalog resource.
type ResourceDescriptor struct {
	ServerID string
	Resource *mcp.Resource
}

// PromptDescriptor is a catalog prompt. Prompt carries the exposed name.
type PromptDescriptor struct {
	ServerID   string
	NativeName string
	Prompt     *mcp.Prompt
}

// Catalog is the aggregated surface of all connected servers, in connection
// order. Every exposed name or URI appears at most once.
type Catalog struct {
	Tools     []ToolDescriptor
	Resources []ResourceDescriptor
	Prompts   []PromptDescriptor
}

// MCPTools returns the exposed tool descriptors.
func (c Catalog) MCPTools() []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(c.Tools))
	for _, t := range c.Tools {
		out = append(out, t.Tool)
	}
	return out
}

// MCPResources returns the exposed resource descriptors.
func (c Catalog) MCPResources() []*mcp.Resource {
	out := make([]*mcp.Resource, 0, len(c.Resources))
	for _, res := range c.Resources {
		out = append(out, res.Resource)
	}
	return out
}

// MCPPrompts returns the exposed prompt descriptors.
func (c Catalog) MCPPrompts() []*mcp.Prompt {
	out := make([]*mcp.Prompt, 0, len(c.Prompts))
	for _, p := range c.Prompts {
		out = append(out, p.Prompt)
	}
	return out
}

// Owner identifies the connection that serves a name.
type Owner struct {
	ServerID string
	// NativeName is the tool or prompt name, or resource URI, to forward.
	NativeName string
}

// Catalog computes the aggregated catalog from the connected servers.
// Duplicates are dropped after the first occurrence.
func (r *Registry) Catalog() Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cat Catalog
	seenTools := make(map[string]struct{})
	seenResources := make(map[string]struct{})
	seenPrompts := make(map[string]struct{})
	for _, id := range r.order {
		conn := r.conns[id]
		if !conn.connected {
			continue
		}
		for _, tool := range conn.snapshot.Tools {
			if tool == nil {
				continue
			}
			name := r.exposedName(id, tool.Name)
			if _, dup := seenTools[name]; dup {
				r.opts.Logger.Debug("tool shadowed", "tool", name, "server", id)
				continue
			}
			seenTools[name] = struct{}{}
			cat.Tools = append(cat.Tools, ToolDescriptor{ServerID: id, NativeName: tool.Name, Tool: exposeTool(tool, name)})
		}
		for _, res := range conn.snapshot.Resources {
			if res == nil {
				continue
			}
			if _, dup := seenResources[res.URI]; dup {
				r.opts.Logger.Debug("resource shadowed", "uri", res.URI, "server", id)
				continue
			}
			seenResources[res.URI] = struct{}{}
			cat.Resources = append(cat.Resources, ResourceDescriptor{ServerID: id, Resource: res})
		}
		for _, prompt := range conn.snapshot.Prompts {
			if prompt == nil {
				continue
			}
			name := r.exposedName(id, prompt.Name)
			if _, dup := seenPrompts[name]; dup {
				r.opts.Logger.Debug("prompt shadowed", "prompt", name, "server", id)
				continue
			}
			seenPrompts[name] = struct{}{}
			cat.Prompts = append(cat.Prompts, PromptDescriptor{ServerID: id, NativeName: prompt.Name, Prompt: exposePrompt(prompt, name)})
		}
	}
	return cat
}

// FindOwner scans connections in insertion order and returns the first one
// whose snapshot declares name in category. Lost connections are included so
// callers can tell "unknown" apart from "unavailable".
func (r *Registry) FindOwner(category Category, name string) (Owner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		snap := r.conns[id].snapshot
		switch category {
		case CategoryTools:
			for _, tool := range snap.Tools {
				if tool != nil && r.exposedName(id, tool.Name) == name {
					return Owner{ServerID: id, NativeName: tool.Name}, true
				}
			}
		case CategoryResources:
			for _, res := range snap.Resources {
				if res != nil && res.URI == name {
					return Owner{ServerID: id, NativeName: res.URI}, true
				}
			}
		case CategoryPrompts:
			for _, prompt := range snap.Prompts {
				if prompt != nil && r.exposedName(id, prompt.Name) == name {
					return Owner{ServerID: id, NativeName: prompt.Name}, true
				}
			}
		}
	}
	return Owner{}, false
}

// CheckCollisions returns an ErrNameCollision error listing every name that
// more than one connected server declares. It only reports under the Reject
// policy.
func (r *Registry) CheckCollisions() error {
	if r.opts.Collisions != Reject {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	owners := map[Category]map[string]string{
		CategoryTools:     {},
		CategoryResources: {},
		CategoryPrompts:   {},
	}
	var dups []string
	record := func(category Category, name, id string) {
		if first, ok := owners[category][name]; ok && first != id {
			dups = append(dups, fmt.Sprintf("%s %q (%s, %s)", strings.TrimSuffix(string(category), "s"), name, first, id))
			return
		}
		owners[category][name] = id
	}
	for _, id := range r.order {
		conn := r.conns[id]
		if !conn.connected {
			continue
		}
		for _, tool := range conn.snapshot.Tools {
			if tool != nil {
				record(CategoryTools, tool.Name, id)
			}
		}
		for _, res := range conn.snapshot.Resources {
			if res != nil {
				record(CategoryResources, res.URI, id)
			}
		}
		for _, prompt := range conn.snapshot.Prompts {
			if prompt != nil {
				record(CategoryPrompts, prompt.Name, id)
			}
		}
	}
	if len(dups) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNameCollision, strings.Join(dups, "; "))
}

func (r *Registry) exposedName(serverID, name string) string {
	if r.opts.Collisions != Prefix {
		return name
	}
	return serverID + r.opts.Separator + name
}

func exposeTool(tool *mcp.Tool, name string) *mcp.Tool {
	if tool.Name == name {
		return tool
	}
	clone := *tool
	clone.Name = name
	return &clone
}

func exposePrompt(prompt *mcp.Prompt, name string) *mcp.Prompt {
	if prompt.Name == name {
		return prompt
	}
	clone := *prompt
	clone.Name = name
	return &clone
}
