package config

import (
	"errors"
	"io/fs"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv replaces every ${NAME} in s with the value of NAME, or with the
// empty string when NAME is unset.
func ExpandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// LoadEnv loads variables from a dotenv file without overriding variables
// already set. A missing file is not an error; loaded reports whether the
// file was read.
func LoadEnv(path string) (loaded bool, err error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// expand substitutes environment references in every string value. Keys,
// including server ids, are left alone.
func (c *Config) expand() {
	g := &c.Gateway
	g.Name = ExpandEnv(g.Name)
	g.Version = ExpandEnv(g.Version)
	g.Collisions = ExpandEnv(g.Collisions)
	expandSlice(g.ToolSearch.SearchFields)
	if h := g.HTTP; h != nil {
		h.Host = ExpandEnv(h.Host)
		h.Path = ExpandEnv(h.Path)
		h.HealthPath = ExpandEnv(h.HealthPath)
		h.MetricsPath = ExpandEnv(h.MetricsPath)
		expandSlice(h.CORSOrigins)
		if h.TLS != nil {
			h.TLS.Cert = ExpandEnv(h.TLS.Cert)
			h.TLS.Key = ExpandEnv(h.TLS.Key)
		}
	}
	for i := range c.Servers {
		s := &c.Servers[i]
		s.Command = ExpandEnv(s.Command)
		s.URL = ExpandEnv(s.URL)
		expandSlice(s.Args)
		expandMap(s.Env)
		expandMap(s.Headers)
	}
}

func expandSlice(values []string) {
	for i, v := range values {
		values[i] = ExpandEnv(v)
	}
}

func expandMap(values map[string]string) {
	for k, v := range values {
		values[k] = ExpandEnv(v)
	}
}
