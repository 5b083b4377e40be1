// Command mcp-gateway aggregates several MCP servers behind one endpoint.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/treyanderson/mcp-server-gateway/cmd/mcp-gateway/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("mcp-gateway failed", "error", err)
		os.Exit(1)
	}
}
