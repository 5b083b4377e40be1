// Package mcpgateway aggregates the tools, resources, and prompts of several
// downstream MCP servers behind one MCP endpoint. A Gateway connects every
// configured server once at startup, keeps a search index of the aggregated
// tool catalog, and serves clients either over stdio or over streamable HTTP
// with one dispatcher per client session.
package mcpgateway
