package domain

import (
	"strings"
	"time"
)

// ScheduleAutomation fires an action on every occurrence of RecurrenceRule.
// NextScheduledAt is nil once the rule is exhausted.
type ScheduleAutomation struct {
	ID              string       `json:"id" yaml:"id,omitempty"`
	Name            string       `json:"name" yaml:"name"`
	Description     string       `json:"description,omitempty" yaml:"description,omitempty"`
	RecurrenceRule  string       `json:"recurrence_rule" yaml:"recurrence_rule"`
	StartAt         time.Time    `json:"start_at" yaml:"start_at,omitempty"`
	ActionType      ActionType   `json:"action_type" yaml:"action_type"`
	ActionConfig    ActionConfig `json:"action_config" yaml:"action_config"`
	Enabled         bool         `json:"enabled" yaml:"enabled"`
	NextScheduledAt *time.Time   `json:"next_scheduled_at,omitempty" yaml:"-"`
	ExecutionCount  int          `json:"execution_count" yaml:"-"`
	LastExecutionAt *time.Time   `json:"last_execution_at,omitempty" yaml:"-"`
	ConversationID  string       `json:"conversation_id" yaml:"conversation_id,omitempty"`
	InterfaceType   string       `json:"interface_type,omitempty" yaml:"interface_type,omitempty"`
	CreatedAt       time.Time    `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time    `json:"updated_at" yaml:"-"`
}

// Exhausted reports the terminal "enabled but inert" state.
func (a *ScheduleAutomation) Exhausted() bool {
	return a.NextScheduledAt == nil
}

// Validate checks fields only; the rule itself is parsed by the registry.
func (a *ScheduleAutomation) Validate() error {
	if err := validateName(a.Name); err != nil {
		return err
	}
	if err := validateDescription(a.Description); err != nil {
		return err
	}
	if strings.TrimSpace(a.RecurrenceRule) == "" {
		return missing("recurrence_rule")
	}
	if strings.TrimSpace(a.ConversationID) == "" {
		return missing("conversation_id")
	}
	return ValidateAction(a.ActionType, a.ActionConfig)
}
