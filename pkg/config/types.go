package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerList is the servers map decoded in document order.
type ServerList []Server

// UnmarshalJSON walks the object token by token so key order survives.
func (l *ServerList) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*l = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("servers must be an object keyed by server id")
	}
	var out ServerList
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		id, _ := tok.(string)
		var s Server
		if err := dec.Decode(&s); err != nil {
			return fmt.Errorf("server %q: %w", id, err)
		}
		if seen[id] {
			return fmt.Errorf("duplicate server id %q", id)
		}
		seen[id] = true
		s.ID = id
		out = append(out, s)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*l = out
	return nil
}

// MarshalJSON writes the list back as an object in list order.
func (l ServerList) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range l {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(s.ID)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalYAML reads the mapping node pairwise so key order survives.
func (l *ServerList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*l = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: servers must be a mapping keyed by server id", node.Line)
	}
	var out ServerList
	seen := make(map[string]bool)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		id := key.Value
		var s Server
		if err := value.Decode(&s); err != nil {
			return fmt.Errorf("server %q: %w", id, err)
		}
		if seen[id] {
			return fmt.Errorf("line %d: duplicate server id %q", key.Line, id)
		}
		seen[id] = true
		s.ID = id
		out = append(out, s)
	}
	*l = out
	return nil
}

// Duration accepts either a Go duration string ("30s", "1m30s") or a number
// of milliseconds.
type Duration time.Duration

// String formats the duration like time.Duration.
func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalJSON(data []byte) error {
	text := strings.TrimSpace(string(data))
	if text == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		return d.parse(unquoted)
	}
	return d.parse(text)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	return d.parse(node.Value)
}

func (d *Duration) parse(text string) error {
	if text == "" {
		*d = 0
		return nil
	}
	if ms, err := strconv.ParseFloat(text, 64); err == nil {
		*d = Duration(time.Duration(ms * float64(time.Millisecond)))
		return nil
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("invalid duration %q", text)
	}
	*d = Duration(parsed)
	return nil
}
