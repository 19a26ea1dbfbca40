package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Condition pairs a dotted path into event_data with the expected value.
type Condition struct {
	Path  string
	Value any
}

// Conditions is an ordered mapping of dotted path to expected value.
// It encodes as a JSON/YAML object and keeps the authored key order.
type Conditions []Condition

func (c Conditions) Empty() bool { return len(c) == 0 }

// Map returns the conditions as a plain map (order lost).
func (c Conditions) Map() map[string]any {
	m := make(map[string]any, len(c))
	for _, cond := range c {
		m[cond.Path] = cond.Value
	}
	return m
}

// Set replaces the value at path, appending when the path is new.
func (c Conditions) Set(path string, value any) Conditions {
	for i := range c {
		if c[i].Path == path {
			c[i].Value = value
			return c
		}
	}
	return append(c, Condition{Path: path, Value: value})
}

func (c Conditions) Validate() error {
	seen := make(map[string]struct{}, len(c))
	for i, cond := range c {
		path := strings.TrimSpace(cond.Path)
		if path == "" {
			return invalid("match_conditions", fmt.Sprintf("condition[%d] has an empty path", i))
		}
		if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") || strings.Contains(path, "..") {
			return &ValidationError{Field: "match_conditions", Message: fmt.Sprintf("malformed path %q", path), Code: CodeInvalidFormat}
		}
		if _, dup := seen[path]; dup {
			return invalid("match_conditions", fmt.Sprintf("duplicate path %q", path))
		}
		seen[path] = struct{}{}
	}
	return nil
}

func (c Conditions) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cond := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cond.Path)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(cond.Value)
		if err != nil {
			return nil, fmt.Errorf("encode condition %s: %w", cond.Path, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (c *Conditions) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*c = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("match_conditions must be an object")
	}

	out := Conditions{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("match_conditions key must be a string")
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("decode condition %s: %w", key, err)
		}
		out = append(out, Condition{Path: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*c = out
	return nil
}

func (c *Conditions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*c = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("match_conditions must be a mapping (line %d)", node.Line)
	}
	out := make(Conditions, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var value any
		if err := node.Content[i+1].Decode(&value); err != nil {
			return fmt.Errorf("decode condition %s: %w", node.Content[i].Value, err)
		}
		out = append(out, Condition{Path: node.Content[i].Value, Value: value})
	}
	*c = out
	return nil
}

func (c Conditions) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, cond := range c {
		value := &yaml.Node{}
		if err := value.Encode(cond.Value); err != nil {
			return nil, fmt.Errorf("encode condition %s: %w", cond.Path, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: cond.Path},
			value,
		)
	}
	return node, nil
}
