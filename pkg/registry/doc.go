// Package registry owns the gateway's downstream Model Context Protocol (MCP)
// connections. It launches or dials every configured server, fetches each
// server's tools, resources, and prompts, and answers the routing question
// "which connection owns this name" for the dispatcher.
//
// # Core entry points
//
//   - Registry is the long-lived owner of connections. Build it with New, call
//     ConnectAll once at startup, and DisconnectAll on shutdown.
//   - ServerSpec declares how a server is launched (Command/Args/Env) or
//     reached over HTTP (URL/Headers).
//   - Channel and Dialer abstract the transport so the registry can be driven
//     by fakes in tests. SDKDialer is the production implementation backed by
//     modelcontextprotocol/go-sdk client sessions.
//
// Catalog returns the aggregated, de-duplicated view of every connected
// server in connection order. FindOwner resolves a name using the configured
// CollisionPolicy; with the default first-wins policy the earliest connection
// that declares a name owns it.
//
// Connections are fixed once ConnectAll returns, but a connection whose
// channel is lost is marked disconnected, and Refresh re-reads a server's
// capabilities after it announces a list change. Both paths notify
// OnCatalogChanged listeners so derived state such as the search index can be
// rebuilt.
package registry
