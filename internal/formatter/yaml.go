package formatter

import (
	"bytes"
	"encoding/json"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/karakuri/internal/domain"
)

// YAMLFormatter goes through the JSON encoding so field names and condition
// order match the JSON output exactly.
type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) Listeners(v []*domain.EventListener) (string, error) { return f.Value(list(v)) }
func (f *YAMLFormatter) Listener(v *domain.EventListener) (string, error)    { return f.Value(v) }
func (f *YAMLFormatter) Automations(v []*domain.ScheduleAutomation) (string, error) {
	return f.Value(list(v))
}
func (f *YAMLFormatter) Automation(v *domain.ScheduleAutomation) (string, error) { return f.Value(v) }
func (f *YAMLFormatter) Events(v []*domain.Event) (string, error)                { return f.Value(list(v)) }
func (f *YAMLFormatter) Event(v *domain.Event) (string, error)                   { return f.Value(v) }
func (f *YAMLFormatter) Tasks(v []*domain.Task) (string, error)                  { return f.Value(list(v)) }
func (f *YAMLFormatter) Task(v *domain.Task) (string, error)                     { return f.Value(v) }

func (f *YAMLFormatter) Value(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return "", err
	}
	blockStyle(&node)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return "", err
	}
	if err := enc.Close(); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

// blockStyle drops the flow and quoting styles the JSON parse leaves on
// every node.
func blockStyle(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Style = 0
	} else {
		n.Style &^= yaml.FlowStyle
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}
