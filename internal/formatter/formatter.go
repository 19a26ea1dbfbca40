// Package formatter renders engine records for the CLI as styled tables,
// JSON or YAML.
package formatter

import (
	"fmt"
	"strings"

	"github.com/harunnryd/karakuri/internal/domain"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// Formatter renders one kind of output. Value renders anything else the CLI
// prints (dry-run reports, previews, counts).
type Formatter interface {
	Listeners([]*domain.EventListener) (string, error)
	Listener(*domain.EventListener) (string, error)
	Automations([]*domain.ScheduleAutomation) (string, error)
	Automation(*domain.ScheduleAutomation) (string, error)
	Events([]*domain.Event) (string, error)
	Event(*domain.Event) (string, error)
	Tasks([]*domain.Task) (string, error)
	Task(*domain.Task) (string, error)
	Value(any) (string, error)
}

func New(format OutputFormat) (Formatter, error) {
	switch format {
	case OutputFormatTable:
		return NewTableFormatter(), nil
	case OutputFormatJSON:
		return NewJSONFormatter(), nil
	case OutputFormatYAML:
		return NewYAMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", format)
	}
}

func ParseOutputFormat(s string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(strings.TrimSpace(s)))
	if format == "" {
		return OutputFormatTable, nil
	}
	switch format {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (supported: table, json, yaml)", s)
	}
}
