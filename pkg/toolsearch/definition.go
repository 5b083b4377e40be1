package toolsearch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolName is the reserved name of the synthetic search tool.
const ToolName = "tool_search"

// NoMatchesText is returned when a search yields nothing.
const NoMatchesText = "No matching tools found. Try a different search query."

// Definition returns the descriptor advertised for the search tool.
func Definition() *mcp.Tool {
	return &mcp.Tool{
		Name: ToolName,
		Description: "Search for available tools across all connected MCP servers. " +
			"Use this to discover tools when you need specific functionality. " +
			"Returns tool names that can then be called directly. " +
			"Supports both regex patterns and natural language queries.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query - can be a regex pattern or natural language description of needed functionality",
				},
				"mode": map[string]any{
					"type":        "string",
					"enum":        []any{string(ModeRegex), string(ModeNatural)},
					"default":     string(ModeNatural),
					"description": `Search mode: "regex" for pattern matching, "natural" for natural language (default: natural)`,
				},
			},
			"required": []any{"query"},
		},
	}
}

// Args is the decoded input of a tool_search call.
type Args struct {
	Query string `json:"query"`
	Mode  Mode   `json:"mode,omitempty"`
}

// ParseArgs decodes raw call arguments. A missing mode means natural.
func ParseArgs(raw json.RawMessage) (Args, error) {
	var args Args
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &args); err != nil {
			return Args{}, fmt.Errorf("toolsearch: invalid arguments: %w", err)
		}
	}
	if args.Mode == "" {
		args.Mode = ModeNatural
	}
	return args, nil
}

// FormatText renders results as one line per match.
func FormatText(results []Result) string {
	if len(results) == 0 {
		return NoMatchesText
	}
	var b strings.Builder
	b.WriteString("Found matching tools:")
	for _, r := range results {
		fmt.Fprintf(&b, "\n- %s (from: %s)", r.ToolName, r.ServerID)
	}
	return b.String()
}

// Reference is a structured pointer to a matched tool by name only.
type Reference struct {
	Type     string `json:"type"`
	ToolName string `json:"tool_name"`
}

// References converts results to tool references in rank order.
func References(results []Result) []Reference {
	refs := make([]Reference, 0, len(results))
	for _, r := range results {
		refs = append(refs, Reference{Type: "tool_reference", ToolName: r.ToolName})
	}
	return refs
}
