package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
	"github.com/treyanderson/mcp-server-gateway/pkg/toolsearch"
)

// Validate reports every problem at once. The returned error wraps
// ErrInvalidConfig.
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	g := c.Gateway
	if strings.TrimSpace(g.Name) == "" {
		add("gateway.name is required")
	}
	if _, err := registry.ParseCollisionPolicy(g.Collisions); err != nil {
		add("gateway.collisions: unknown policy %q", g.Collisions)
	}
	if g.ConnectTimeout < 0 || g.CallTimeout < 0 {
		add("gateway timeouts must not be negative")
	}
	if g.ConnectRetries < 0 {
		add("gateway.connectRetries must not be negative")
	}

	ts := g.ToolSearch
	if ts.MaxResults < 1 {
		add("gateway.toolSearch.maxResults must be at least 1")
	}
	if ts.MinScore != nil && (*ts.MinScore < 0 || *ts.MinScore > 1) {
		add("gateway.toolSearch.minScore must be between 0 and 1")
	}
	for _, f := range ts.SearchFields {
		switch toolsearch.Field(f) {
		case toolsearch.FieldName, toolsearch.FieldDescription, toolsearch.FieldArgs:
		default:
			add("gateway.toolSearch.searchFields: unknown field %q", f)
		}
	}

	if h := g.HTTP; h != nil {
		if h.Port < 1 || h.Port > 65535 {
			add("gateway.http.port %d is out of range", h.Port)
		}
		if !strings.HasPrefix(h.Path, "/") {
			add("gateway.http.path must start with /")
		}
		if h.TLS != nil && (h.TLS.Cert == "") != (h.TLS.Key == "") {
			add("gateway.http.tls needs both cert and key")
		}
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.ID == "" {
			add("servers: empty server id")
			continue
		}
		if seen[s.ID] {
			add("servers.%s: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if s.Disabled {
			continue
		}
		if s.Command == "" && s.URL == "" {
			add("servers.%s: command or url is required", s.ID)
		}
		if s.Command != "" && s.URL != "" {
			add("servers.%s: set either command or url, not both", s.ID)
		}
		if s.Timeout < 0 {
			add("servers.%s: timeout must not be negative", s.ID)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(problems...))
}
