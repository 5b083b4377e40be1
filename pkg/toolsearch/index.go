// Package toolsearch indexes the aggregated tool catalog so clients can find
// tools by pattern or by a plain-language description instead of listing the
// whole catalog. The index is a flat snapshot that is replaced wholesale every
// time the catalog changes.
package toolsearch

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Field names a part of a tool descriptor that participates in scoring.
type Field string

const (
	FieldName        Field = "name"
	FieldDescription Field = "description"
	FieldArgs        Field = "args"
)

// Mode selects the scoring algorithm.
type Mode string

const (
	ModeRegex   Mode = "regex"
	ModeNatural Mode = "natural"
)

const (
	DefaultMaxResults = 5
	DefaultMinScore   = 0.1
	// MaxPatternLength bounds regex patterns, measured in characters.
	MaxPatternLength = 200
)

// Field weights used by regex mode.
const (
	nameWeight        = 0.5
	descriptionWeight = 0.3
	argsWeight        = 0.2
)

// DefaultFields lists every searchable field.
var DefaultFields = []Field{FieldName, FieldDescription, FieldArgs}

// Config tunes result filtering. Zero values fall back to the defaults.
type Config struct {
	MaxResults int
	// MinScore is the inclusive score threshold. A negative value disables it.
	MinScore float64
	Fields     []Field
	Logger     *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.MaxResults <= 0 {
		c.MaxResults = DefaultMaxResults
	}
	switch {
	case c.MinScore == 0:
		c.MinScore = DefaultMinScore
	case c.MinScore < 0:
		c.MinScore = 0
	}
	if len(c.Fields) == 0 {
		c.Fields = DefaultFields
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Tool is a catalog tool tagged with the server that owns it.
type Tool struct {
	ServerID string
	Tool     *mcp.Tool
}

// Name returns the tool's exposed name.
func (t Tool) Name() string {
	if t.Tool == nil {
		return ""
	}
	return t.Tool.Name
}

// Result is a single scored match.
type Result struct {
	ToolName string
	ServerID string
	Score    float64
}

type entry struct {
	tool        Tool
	name        string
	description string
	// argText is argument names followed by non-empty argument descriptions.
	argText string
	hasArgs bool
	// natural is the lower-cased searchable text for natural mode.
	natural string
}

// Index is safe for concurrent use. Searches run against the snapshot that was
// current when they started.
type Index struct {
	cfg    Config
	fields map[Field]bool

	mu      sync.RWMutex
	entries []entry
	byName  map[string]int
}

// New builds an empty index.
func New(cfg Config) *Index {
	cfg = cfg.withDefaults()
	fields := make(map[Field]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[f] = true
	}
	return &Index{
		cfg:    cfg,
		fields: fields,
		byName: make(map[string]int),
	}
}

// UpdateIndex replaces the indexed snapshot with tools.
func (idx *Index) UpdateIndex(tools []Tool) {
	entries := make([]entry, 0, len(tools))
	byName := make(map[string]int, len(tools))
	for _, t := range tools {
		if t.Tool == nil {
			continue
		}
		if _, dup := byName[t.Tool.Name]; !dup {
			byName[t.Tool.Name] = len(entries)
		}
		entries = append(entries, idx.buildEntry(t))
	}
	idx.mu.Lock()
	idx.entries = entries
	idx.byName = byName
	idx.mu.Unlock()
	idx.cfg.Logger.Debug("tool index updated", "tools", len(entries))
}

// Search dispatches to the algorithm selected by mode. Unknown modes use
// natural-language scoring.
func (idx *Index) Search(mode Mode, query string) []Result {
	if mode == ModeRegex {
		return idx.SearchRegex(query)
	}
	return idx.SearchNatural(query)
}

// SearchRegex matches pattern case-insensitively against the enabled fields.
// Empty, oversized, and malformed patterns yield no results.
func (idx *Index) SearchRegex(pattern string) []Result {
	if pattern == "" || utf8.RuneCountInString(pattern) > MaxPatternLength {
		idx.cfg.Logger.Warn("search pattern rejected", "pattern", truncate(pattern, 50), "reason", "empty or too long")
		return nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		idx.cfg.Logger.Warn("search pattern rejected", "pattern", truncate(pattern, 50), "error", err)
		return nil
	}

	idx.mu.RLock()
	entries := idx.entries
	idx.mu.RUnlock()

	var results []Result
	for _, e := range entries {
		matched := false
		score := 0.0
		if idx.fields[FieldName] && re.MatchString(e.name) {
			matched = true
			score += nameWeight
		}
		if idx.fields[FieldDescription] && e.description != "" && re.MatchString(e.description) {
			matched = true
			score += descriptionWeight
		}
		if idx.fields[FieldArgs] && e.hasArgs && re.MatchString(e.argText) {
			matched = true
			score += argsWeight
		}
		if matched && score >= idx.cfg.MinScore {
			results = append(results, Result{ToolName: e.name, ServerID: e.tool.ServerID, Score: score})
		}
	}
	return idx.rank(results)
}

// SearchNatural scores each tool by the fraction of distinct query terms that
// appear in its searchable text. With the threshold disabled, tools matching
// no term are returned at score zero.
func (idx *Index) SearchNatural(query string) []Result {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil
	}

	idx.mu.RLock()
	entries := idx.entries
	idx.mu.RUnlock()

	var results []Result
	for _, e := range entries {
		hits := 0
		for _, term := range terms {
			if strings.Contains(e.natural, term) {
				hits++
			}
		}
		score := float64(hits) / float64(len(terms))
		if score >= idx.cfg.MinScore {
			results = append(results, Result{ToolName: e.name, ServerID: e.tool.ServerID, Score: score})
		}
	}
	return idx.rank(results)
}

// Tool looks up an indexed tool by exposed name.
func (idx *Index) Tool(name string) (Tool, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	i, ok := idx.byName[name]
	if !ok {
		return Tool{}, false
	}
	return idx.entries[i].tool, true
}

// Tools returns every indexed tool in catalog order.
func (idx *Index) Tools() []Tool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Tool, len(idx.entries))
	for i, e := range idx.entries {
		out[i] = e.tool
	}
	return out
}

// Count reports the number of indexed tools.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

func (idx *Index) rank(results []Result) []Result {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > idx.cfg.MaxResults {
		results = results[:idx.cfg.MaxResults]
	}
	return results
}

var camelBoundary = regexp.MustCompile(`([a-z])([A-Z])`)

func (idx *Index) buildEntry(t Tool) entry {
	e := entry{
		tool:        t,
		name:        t.Tool.Name,
		description: t.Tool.Description,
	}
	props := schemaProperties(t.Tool.InputSchema)
	e.hasArgs = props != nil
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	descs := make([]string, 0, len(names))
	for _, name := range names {
		if d := propertyDescription(props[name]); d != "" {
			descs = append(descs, d)
		}
	}
	e.argText = strings.Join(append(append([]string{}, names...), descs...), " ")

	var parts []string
	if idx.fields[FieldName] {
		split := camelBoundary.ReplaceAllString(e.name, "$1 $2")
		parts = append(parts, strings.ReplaceAll(split, "_", " "))
	}
	if idx.fields[FieldDescription] && e.description != "" {
		parts = append(parts, e.description)
	}
	if idx.fields[FieldArgs] {
		for _, name := range names {
			parts = append(parts, strings.ReplaceAll(name, "_", " "))
			if d := propertyDescription(props[name]); d != "" {
				parts = append(parts, d)
			}
		}
	}
	e.natural = strings.ToLower(strings.Join(parts, " "))
	return e
}

// queryTerms lower-cases query, splits it on whitespace, drops single
// character terms and removes duplicates while keeping first-seen order.
func queryTerms(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	terms := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if utf8.RuneCountInString(f) <= 1 {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

// schemaProperties extracts the "properties" object from an input schema.
// Schemas decoded off the wire are maps; anything else is normalized through
// JSON.
func schemaProperties(schema any) map[string]any {
	if schema == nil {
		return nil
	}
	m, ok := schema.(map[string]any)
	if !ok {
		raw, err := json.Marshal(schema)
		if err != nil {
			return nil
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil
		}
	}
	props, _ := m["properties"].(map[string]any)
	return props
}

func propertyDescription(prop any) string {
	m, ok := prop.(map[string]any)
	if !ok {
		return ""
	}
	d, _ := m["description"].(string)
	return d
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
