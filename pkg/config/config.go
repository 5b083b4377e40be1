// Package config loads the gateway configuration file.
//
// Files are JSON or YAML, chosen by extension. The servers map keeps the
// file's key order, which decides tool ownership when names collide. Every
// string value may reference environment variables as ${NAME}; unset
// variables expand to the empty string. Disabled servers are dropped at load
// time.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
	"github.com/treyanderson/mcp-server-gateway/pkg/toolsearch"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no configuration path is given.
const DefaultPath = "./config.json"

var (
	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("config: invalid configuration")
	// ErrFileNotFound is returned when the configuration file does not exist.
	ErrFileNotFound = errors.New("config: file not found")
)

// Config is the whole configuration file.
type Config struct {
	Gateway Gateway    `json:"gateway" yaml:"gateway"`
	Servers ServerList `json:"servers" yaml:"servers"`

	// Skipped lists the ids of disabled servers dropped at load time.
	Skipped []string `json:"-" yaml:"-"`
}

// Gateway holds the gateway-wide settings.
type Gateway struct {
	Name       string     `json:"name" yaml:"name"`
	Version    string     `json:"version" yaml:"version"`
	ToolSearch ToolSearch `json:"toolSearch" yaml:"toolSearch"`
	// HTTP selects HTTP mode when present and enabled; otherwise stdio.
	HTTP *HTTP `json:"http,omitempty" yaml:"http,omitempty"`

	Collisions     string   `json:"collisions,omitempty" yaml:"collisions,omitempty"`
	ConnectTimeout Duration `json:"connectTimeout,omitempty" yaml:"connectTimeout,omitempty"`
	CallTimeout    Duration `json:"callTimeout,omitempty" yaml:"callTimeout,omitempty"`
	ConnectRetries int      `json:"connectRetries,omitempty" yaml:"connectRetries,omitempty"`
}

// ToolSearch configures the tool_search tool.
type ToolSearch struct {
	// Enabled defaults to true.
	Enabled      *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxResults   int      `json:"maxResults,omitempty" yaml:"maxResults,omitempty"`
	MinScore     *float64 `json:"minScore,omitempty" yaml:"minScore,omitempty"`
	SearchFields []string `json:"searchFields,omitempty" yaml:"searchFields,omitempty"`
}

// IsEnabled reports whether tool_search is exposed.
func (t ToolSearch) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// HTTP configures HTTP mode.
type HTTP struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Port        int      `json:"port,omitempty" yaml:"port,omitempty"`
	Host        string   `json:"host,omitempty" yaml:"host,omitempty"`
	CORSOrigins []string `json:"corsOrigins,omitempty" yaml:"corsOrigins,omitempty"`
	TLS         *TLS     `json:"tls,omitempty" yaml:"tls,omitempty"`
	Path        string   `json:"path,omitempty" yaml:"path,omitempty"`
	HealthPath  string   `json:"healthPath,omitempty" yaml:"healthPath,omitempty"`
	MetricsPath string   `json:"metricsPath,omitempty" yaml:"metricsPath,omitempty"`
}

// TLS names the certificate and key files for HTTPS.
type TLS struct {
	Cert string `json:"cert" yaml:"cert"`
	Key  string `json:"key" yaml:"key"`
}

// Server is one downstream server entry. ID comes from its key in the file.
type Server struct {
	ID       string            `json:"-" yaml:"-"`
	Command  string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args     []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	URL      string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Timeout  Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// HTTPEnabled reports whether the gateway should serve HTTP instead of stdio.
func (c *Config) HTTPEnabled() bool {
	return c.Gateway.HTTP != nil && c.Gateway.HTTP.Enabled
}

// Load reads, expands, filters, defaults, and validates the file at path.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	var cfg *Config
	if ext == ".yaml" || ext == ".yml" {
		cfg, err = ParseYAML(data)
	} else {
		cfg, err = ParseJSON(data)
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ParseJSON decodes a JSON document and prepares it like Load does.
func ParseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return prepare(&cfg)
}

// ParseYAML decodes a YAML document and prepares it like Load does.
func ParseYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return prepare(&cfg)
}

func prepare(cfg *Config) (*Config, error) {
	cfg.expand()
	cfg.dropDisabled()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) dropDisabled() {
	enabled := c.Servers[:0]
	for _, s := range c.Servers {
		if s.Disabled {
			c.Skipped = append(c.Skipped, s.ID)
			continue
		}
		enabled = append(enabled, s)
	}
	c.Servers = enabled
}

func (c *Config) applyDefaults() {
	g := &c.Gateway
	if g.Version == "" {
		g.Version = "1.0.0"
	}
	if g.ToolSearch.MaxResults == 0 {
		g.ToolSearch.MaxResults = toolsearch.DefaultMaxResults
	}
	if g.ToolSearch.MinScore == nil {
		score := toolsearch.DefaultMinScore
		g.ToolSearch.MinScore = &score
	}
	if len(g.ToolSearch.SearchFields) == 0 {
		for _, f := range toolsearch.DefaultFields {
			g.ToolSearch.SearchFields = append(g.ToolSearch.SearchFields, string(f))
		}
	}
	if g.Collisions == "" {
		g.Collisions = string(registry.FirstWins)
	}
	if g.HTTP != nil {
		if g.HTTP.Port == 0 {
			g.HTTP.Port = 3000
		}
		if g.HTTP.Host == "" {
			g.HTTP.Host = "0.0.0.0"
		}
		if g.HTTP.Path == "" {
			g.HTTP.Path = "/mcp"
		}
		if g.HTTP.HealthPath == "" {
			g.HTTP.HealthPath = "/health"
		}
		if g.HTTP.MetricsPath == "" {
			g.HTTP.MetricsPath = "/metrics"
		}
		if len(g.HTTP.CORSOrigins) == 0 {
			g.HTTP.CORSOrigins = []string{"*"}
		}
	}
}

// ServerSpecs converts the enabled servers to registry specs in file order.
func (c *Config) ServerSpecs() []registry.ServerSpec {
	specs := make([]registry.ServerSpec, 0, len(c.Servers))
	for _, s := range c.Servers {
		specs = append(specs, registry.ServerSpec{
			ID:       s.ID,
			Command:  s.Command,
			Args:     append([]string(nil), s.Args...),
			Env:      s.Env,
			Disabled: s.Disabled,
			URL:      s.URL,
			Headers:  s.Headers,
			Timeout:  time.Duration(s.Timeout),
		})
	}
	return specs
}

// IndexConfig converts the tool_search settings for the search index.
func (t ToolSearch) IndexConfig() toolsearch.Config {
	cfg := toolsearch.Config{MaxResults: t.MaxResults}
	if t.MinScore != nil {
		cfg.MinScore = *t.MinScore
		if cfg.MinScore == 0 {
			// Zero selects the default in toolsearch; an explicit zero disables the threshold.
			cfg.MinScore = -1
		}
	}
	for _, f := range t.SearchFields {
		cfg.Fields = append(cfg.Fields, toolsearch.Field(f))
	}
	return cfg
}
