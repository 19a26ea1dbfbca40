package domain

import (
	"strings"
	"time"
)

// EventListener fires an action when an event from SourceID satisfies its
// conditions. ConditionScript takes precedence over MatchConditions.
type EventListener struct {
	ID              string       `json:"id" yaml:"id,omitempty"`
	Name            string       `json:"name" yaml:"name"`
	Description     string       `json:"description,omitempty" yaml:"description,omitempty"`
	SourceID        string       `json:"source_id" yaml:"source_id"`
	MatchConditions Conditions   `json:"match_conditions" yaml:"match_conditions,omitempty"`
	ConditionScript string       `json:"condition_script,omitempty" yaml:"condition_script,omitempty"`
	ActionType      ActionType   `json:"action_type" yaml:"action_type"`
	ActionConfig    ActionConfig `json:"action_config" yaml:"action_config"`
	Enabled         bool         `json:"enabled" yaml:"enabled"`
	OneTime         bool         `json:"one_time" yaml:"one_time"`
	// DailyLimit overrides the configured default when positive.
	DailyLimit      int        `json:"daily_limit,omitempty" yaml:"daily_limit,omitempty"`
	DailyExecutions int        `json:"daily_executions" yaml:"-"`
	LastResetDate   string     `json:"last_reset_date,omitempty" yaml:"-"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty" yaml:"-"`
	ConversationID  string     `json:"conversation_id" yaml:"conversation_id,omitempty"`
	InterfaceType   string     `json:"interface_type,omitempty" yaml:"interface_type,omitempty"`
	CreatedAt       time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"-"`
}

// UsesScript reports whether the condition script decides matching.
func (l *EventListener) UsesScript() bool {
	return strings.TrimSpace(l.ConditionScript) != ""
}

// EffectiveDailyLimit resolves the per-listener cap against the global default.
func (l *EventListener) EffectiveDailyLimit(defaultLimit int) int {
	if l.DailyLimit > 0 {
		return l.DailyLimit
	}
	return defaultLimit
}

// ExecutionsOn returns the trigger count for the given window date; a stale
// counter from an earlier window counts as zero.
func (l *EventListener) ExecutionsOn(day string) int {
	if l.LastResetDate != day {
		return 0
	}
	return l.DailyExecutions
}

func (l *EventListener) Validate() error {
	if err := validateName(l.Name); err != nil {
		return err
	}
	if err := validateDescription(l.Description); err != nil {
		return err
	}
	if strings.TrimSpace(l.SourceID) == "" {
		return missing("source_id")
	}
	if strings.TrimSpace(l.ConversationID) == "" {
		return missing("conversation_id")
	}
	if l.DailyLimit < 0 {
		return invalid("daily_limit", "must not be negative")
	}
	if err := l.MatchConditions.Validate(); err != nil {
		return err
	}
	return ValidateAction(l.ActionType, l.ActionConfig)
}
