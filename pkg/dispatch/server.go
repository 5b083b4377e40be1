package dispatch

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server returns an MCP server whose tools, resources, and prompts methods
// are answered by d. The server holds no capabilities of its own; catalog
// changes are visible on the next list call.
func (d *Dispatcher) Server(impl *mcp.Implementation) *mcp.Server {
	if impl == nil {
		impl = &mcp.Implementation{Name: "mcp-server-gateway", Version: "1.0.0"}
	}
	server := mcp.NewServer(impl, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
		HasPrompts:   true,
	})
	server.AddReceivingMiddleware(d.middleware)
	return server
}

func (d *Dispatcher) middleware(next mcp.MethodHandler) mcp.MethodHandler {
	return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
		switch method {
		case "tools/list":
			tools, err := d.ListTools(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListToolsResult{Tools: tools}, nil
		case "tools/call":
			call, ok := req.(*mcp.CallToolRequest)
			if !ok {
				return next(ctx, method, req)
			}
			if call.Session != nil {
				ctx = bindSink(ctx, call.Session)
			}
			return result(d.CallTool(ctx, call.Params))
		case "resources/list":
			resources, err := d.ListResources(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListResourcesResult{Resources: resources}, nil
		case "resources/read":
			read, ok := req.(*mcp.ReadResourceRequest)
			if !ok {
				return next(ctx, method, req)
			}
			return result(d.ReadResource(ctx, read.Params))
		case "prompts/list":
			prompts, err := d.ListPrompts(ctx)
			if err != nil {
				return nil, err
			}
			return &mcp.ListPromptsResult{Prompts: prompts}, nil
		case "prompts/get":
			get, ok := req.(*mcp.GetPromptRequest)
			if !ok {
				return next(ctx, method, req)
			}
			return result(d.GetPrompt(ctx, get.Params))
		default:
			return next(ctx, method, req)
		}
	}
}

// result keeps a failed call from surfacing as a typed nil Result.
func result[R mcp.Result](res R, err error) (mcp.Result, error) {
	if err != nil {
		return nil, err
	}
	return res, nil
}

type sinkContextKey struct{}

func bindSink(ctx context.Context, sink ProgressSink) context.Context {
	if sink == nil {
		return ctx
	}
	return context.WithValue(ctx, sinkContextKey{}, sink)
}

func sinkFromContext(ctx context.Context) ProgressSink {
	if ctx == nil {
		return nil
	}
	if sink, ok := ctx.Value(sinkContextKey{}).(ProgressSink); ok {
		return sink
	}
	return nil
}
