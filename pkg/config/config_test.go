package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/treyanderson/mcp-server-gateway/pkg/registry"
	"github.com/treyanderson/mcp-server-gateway/pkg/toolsearch"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func serverIDs(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestLoadJSONKeepsServerOrder(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"gateway": {"name": "gw", "version": "2.0.0"},
		"servers": {
			"zeta":  {"command": "zeta-server", "args": ["--stdio"]},
			"Alpha": {"command": "alpha-server"},
			"mid":   {"url": "https://mcp.example/mcp", "headers": {"X-Team": "core"}, "timeout": "5s"}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"zeta", "Alpha", "mid"}, serverIDs(cfg))
	assert.Equal(t, "2.0.0", cfg.Gateway.Version)
	assert.Equal(t, []string{"--stdio"}, cfg.Servers[0].Args)
	assert.Equal(t, 5*time.Second, time.Duration(cfg.Servers[2].Timeout))
	assert.False(t, cfg.HTTPEnabled())
}

func TestLoadYAMLKeepsServerOrder(t *testing.T) {
	path := writeFile(t, "config.yaml", `
gateway:
  name: gw
  toolSearch:
    enabled: false
    maxResults: 3
  http:
    enabled: true
    port: 8080
    corsOrigins: ["*"]
servers:
  second:
    command: second-server
  first:
    command: first-server
    env:
      MODE: test
  Third:
    url: http://localhost:9000/mcp
    timeout: 1500
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first", "Third"}, serverIDs(cfg))
	assert.Equal(t, map[string]string{"MODE": "test"}, cfg.Servers[1].Env)
	assert.Equal(t, 1500*time.Millisecond, time.Duration(cfg.Servers[2].Timeout))
	assert.False(t, cfg.Gateway.ToolSearch.IsEnabled())
	assert.Equal(t, 3, cfg.Gateway.ToolSearch.MaxResults)

	require.True(t, cfg.HTTPEnabled())
	assert.Equal(t, 8080, cfg.Gateway.HTTP.Port)
	assert.Equal(t, "0.0.0.0", cfg.Gateway.HTTP.Host)
	assert.Equal(t, "/mcp", cfg.Gateway.HTTP.Path)
	assert.Equal(t, "/health", cfg.Gateway.HTTP.HealthPath)
	assert.Equal(t, []string{"*"}, cfg.Gateway.HTTP.CORSOrigins)
}

func TestDefaults(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{"gateway": {"name": "gw", "http": {"enabled": false}}, "servers": {}}`))
	require.NoError(t, err)

	ts := cfg.Gateway.ToolSearch
	assert.True(t, ts.IsEnabled())
	assert.Equal(t, toolsearch.DefaultMaxResults, ts.MaxResults)
	require.NotNil(t, ts.MinScore)
	assert.Equal(t, toolsearch.DefaultMinScore, *ts.MinScore)
	assert.Equal(t, []string{"name", "description", "args"}, ts.SearchFields)
	assert.Equal(t, string(registry.FirstWins), cfg.Gateway.Collisions)
	assert.Equal(t, 3000, cfg.Gateway.HTTP.Port)
	assert.False(t, cfg.HTTPEnabled())
	assert.Empty(t, cfg.Servers)
}

func TestHTTPDefaultsAllowAnyOrigin(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{"gateway": {"name": "g", "http": {"enabled": true}}}`))
	require.NoError(t, err)
	h := cfg.Gateway.HTTP
	assert.Equal(t, []string{"*"}, h.CORSOrigins)
	assert.Equal(t, "/mcp", h.Path)
	assert.Equal(t, "/health", h.HealthPath)

	cfg, err = ParseJSON([]byte(`{"gateway": {"name": "g", "http": {"enabled": true, "corsOrigins": ["https://app.example"]}}}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example"}, cfg.Gateway.HTTP.CORSOrigins)
}

func TestEnvSubstitution(t *testing.T) {
	t.Setenv("GW_TOKEN", "secret")
	t.Setenv("GW_BIN", "/usr/local/bin/tool")
	cfg, err := ParseJSON([]byte(`{
		"gateway": {"name": "gw-${GW_TOKEN}"},
		"servers": {
			"${GW_TOKEN}": {
				"command": "${GW_BIN}",
				"args": ["--token=${GW_TOKEN}", "${GW_UNSET_VARIABLE}"],
				"env": {"API_KEY": "${GW_TOKEN}"}
			}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "gw-secret", cfg.Gateway.Name)
	s := cfg.Servers[0]
	assert.Equal(t, "${GW_TOKEN}", s.ID, "keys are not substituted")
	assert.Equal(t, "/usr/local/bin/tool", s.Command)
	assert.Equal(t, []string{"--token=secret", ""}, s.Args)
	assert.Equal(t, "secret", s.Env["API_KEY"])
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("GW_A", "1")
	assert.Equal(t, "x1y1", ExpandEnv("x${GW_A}y${GW_A}"))
	assert.Equal(t, "", ExpandEnv("${GW_DEFINITELY_UNSET}"))
	assert.Equal(t, "$GW_A", ExpandEnv("$GW_A"))
}

func TestDisabledServersAreDropped(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{
		"gateway": {"name": "gw"},
		"servers": {
			"on":  {"command": "a"},
			"off": {"disabled": true},
			"on2": {"command": "b", "disabled": false}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, []string{"on", "on2"}, serverIDs(cfg))
	assert.Equal(t, []string{"off"}, cfg.Skipped)
}

func TestValidation(t *testing.T) {
	cases := map[string]string{
		"missing name":   `{"gateway": {}, "servers": {}}`,
		"no transport":   `{"gateway": {"name": "gw"}, "servers": {"a": {"args": ["x"]}}}`,
		"both transport": `{"gateway": {"name": "gw"}, "servers": {"a": {"command": "x", "url": "http://h"}}}`,
		"bad port":       `{"gateway": {"name": "gw", "http": {"enabled": true, "port": 70000}}, "servers": {}}`,
		"bad min score":  `{"gateway": {"name": "gw", "toolSearch": {"minScore": 1.5}}, "servers": {}}`,
		"bad max":        `{"gateway": {"name": "gw", "toolSearch": {"maxResults": -2}}, "servers": {}}`,
		"bad field":      `{"gateway": {"name": "gw", "toolSearch": {"searchFields": ["body"]}}, "servers": {}}`,
		"bad policy":     `{"gateway": {"name": "gw", "collisions": "merge"}, "servers": {}}`,
		"half tls":       `{"gateway": {"name": "gw", "http": {"enabled": true, "tls": {"cert": "c.pem"}}}, "servers": {}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseJSON([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestValidationReportsEveryProblem(t *testing.T) {
	_, err := ParseJSON([]byte(`{"gateway": {"collisions": "nope"}, "servers": {"a": {}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.name is required")
	assert.Contains(t, err.Error(), "unknown policy")
	assert.Contains(t, err.Error(), "servers.a: command or url is required")
}

func TestParseErrors(t *testing.T) {
	_, err := ParseJSON([]byte(`{"gateway": {"name": "gw"}, "servers": {"a": {"command": "x"}, "a": {"command": "y"}}}`))
	assert.ErrorContains(t, err, "duplicate server id")

	_, err = ParseJSON([]byte(`{"gateway": {"name": "gw"}, "servers": ["a"]}`))
	assert.Error(t, err)

	_, err = ParseYAML([]byte("gateway:\n  name: gw\nservers:\n  - a\n"))
	assert.Error(t, err)

	_, err = ParseJSON([]byte(`{"gateway": {"name": "gw", "callTimeout": "soon"}, "servers": {}}`))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestServerSpecs(t *testing.T) {
	cfg, err := ParseJSON([]byte(`{
		"gateway": {"name": "gw"},
		"servers": {
			"b": {"command": "b-server", "args": ["-v"], "timeout": 2000},
			"a": {"url": "http://localhost/mcp", "headers": {"Authorization": "Bearer t"}}
		}
	}`))
	require.NoError(t, err)

	specs := cfg.ServerSpecs()
	require.Len(t, specs, 2)
	assert.Equal(t, "b", specs[0].ID)
	assert.Equal(t, registry.TransportStdio, specs[0].Transport())
	assert.Equal(t, 2*time.Second, specs[0].Timeout)
	assert.Equal(t, registry.TransportHTTP, specs[1].Transport())
	assert.Equal(t, "Bearer t", specs[1].Headers["Authorization"])
}

func TestIndexConfig(t *testing.T) {
	zero := 0.0
	cfg := ToolSearch{MaxResults: 7, MinScore: &zero, SearchFields: []string{"name"}}.IndexConfig()
	assert.Equal(t, 7, cfg.MaxResults)
	assert.Equal(t, -1.0, cfg.MinScore)
	assert.Equal(t, []toolsearch.Field{toolsearch.FieldName}, cfg.Fields)
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	t.Setenv("GW_PRESET", "kept")
	path := writeFile(t, ".env", "GW_PRESET=replaced\nGW_FROM_FILE=loaded\n")
	t.Cleanup(func() { _ = os.Unsetenv("GW_FROM_FILE") })

	loaded, err := LoadEnv(path)
	require.NoError(t, err)
	assert.True(t, loaded)
	assert.Equal(t, "kept", os.Getenv("GW_PRESET"))
	assert.Equal(t, "loaded", os.Getenv("GW_FROM_FILE"))

	loaded, err = LoadEnv(filepath.Join(t.TempDir(), ".env"))
	require.NoError(t, err)
	assert.False(t, loaded)
}

func TestDurationJSONRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, time.Duration(d))
	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}
