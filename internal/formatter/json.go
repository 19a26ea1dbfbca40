package formatter

import (
	"encoding/json"

	"github.com/harunnryd/karakuri/internal/domain"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) Listeners(v []*domain.EventListener) (string, error) { return f.Value(list(v)) }
func (f *JSONFormatter) Listener(v *domain.EventListener) (string, error)    { return f.Value(v) }
func (f *JSONFormatter) Automations(v []*domain.ScheduleAutomation) (string, error) {
	return f.Value(list(v))
}
func (f *JSONFormatter) Automation(v *domain.ScheduleAutomation) (string, error) { return f.Value(v) }
func (f *JSONFormatter) Events(v []*domain.Event) (string, error)                { return f.Value(list(v)) }
func (f *JSONFormatter) Event(v *domain.Event) (string, error)                   { return f.Value(v) }
func (f *JSONFormatter) Tasks(v []*domain.Task) (string, error)                  { return f.Value(list(v)) }
func (f *JSONFormatter) Task(v *domain.Task) (string, error)                     { return f.Value(v) }

func (f *JSONFormatter) Value(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// list keeps an empty result encoded as [] rather than null.
func list[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
