package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/internal/action"
	"github.com/harunnryd/karakuri/internal/condition"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/script"
	"github.com/harunnryd/karakuri/internal/store"
)

const (
	DefaultTestHours = 24
	MaxTestHours     = 24 * 30
	// maxTestScan bounds how much history one condition test replays.
	maxTestScan = 10000
)

// ValidateScript parses code without running it.
func (e *Engine) ValidateScript(code string) script.Validation {
	return e.runner.Validate(code)
}

// ConditionTest replays recent events of one source against a condition.
// Script takes precedence over Conditions, as it does on a listener.
type ConditionTest struct {
	SourceID   string            `json:"source_id"`
	Hours      int               `json:"hours"`
	Conditions domain.Conditions `json:"match_conditions,omitempty"`
	Script     string            `json:"condition_script,omitempty"`
}

type ConditionReport struct {
	MatchedCount  int             `json:"matched_count"`
	TotalTested   int             `json:"total_tested"`
	MatchedEvents []*domain.Event `json:"matched_events"`
	// ScriptErrors counts events on which the script failed or yielded a
	// non-boolean. Those count as no match.
	ScriptErrors int    `json:"script_errors,omitempty"`
	FirstError   string `json:"first_error,omitempty"`
}

// TestCondition evaluates the condition over the source's events from the
// last Hours hours. Nothing is enqueued and no listener state changes.
// MatchedEvents holds at most events.test_max_results newest matches.
func (e *Engine) TestCondition(ctx context.Context, t ConditionTest) (*ConditionReport, error) {
	source := strings.TrimSpace(t.SourceID)
	if source == "" {
		return nil, kerrors.InvalidInput("source_id is required")
	}
	hours := t.Hours
	if hours == 0 {
		hours = DefaultTestHours
	}
	if hours < 0 || hours > MaxTestHours {
		return nil, kerrors.InvalidInput(fmt.Sprintf("hours must be between 1 and %d", MaxTestHours))
	}

	spec := condition.Spec{MatchConditions: t.Conditions, ConditionScript: t.Script}
	if spec.Mode() == condition.ModeScript {
		if v := e.runner.Validate(t.Script); !v.Success {
			return nil, kerrors.InvalidInput(fmt.Sprintf("condition_script: line %d: %s", v.Line, v.Error))
		}
	}

	since := e.clock.Now().Add(-time.Duration(hours) * time.Hour)
	events, err := e.store.ListEvents(ctx, store.EventFilter{SourceID: source, Since: &since, Limit: maxTestScan})
	if err != nil {
		return nil, err
	}

	report := &ConditionReport{MatchedEvents: []*domain.Event{}}
	for _, evt := range events {
		if err := ctx.Err(); err != nil {
			return nil, kerrors.WrapWithCategory(err, "condition test", kerrors.ErrTimeout)
		}
		report.TotalTested++
		out := e.evaluator.Evaluate(ctx, evt.Data, spec)
		if out.Err != nil {
			report.ScriptErrors++
			if report.FirstError == "" {
				report.FirstError = out.Err.Error()
			}
			continue
		}
		if !out.Matched {
			continue
		}
		report.MatchedCount++
		if len(report.MatchedEvents) < e.testMaxResults {
			report.MatchedEvents = append(report.MatchedEvents, evt)
		}
	}

	slog.Debug("Condition tested", "source", source, "mode", spec.Mode(), "tested", report.TotalTested, "matched", report.MatchedCount)
	return report, nil
}

// ScriptTest runs code once against a sample event, bound as "event".
type ScriptTest struct {
	Code        string         `json:"code"`
	SampleEvent map[string]any `json:"sample_event,omitempty"`
	Globals     map[string]any `json:"globals,omitempty"`
	Timeout     time.Duration  `json:"timeout,omitempty"`
}

// TestScript executes the script with the action sandbox limits. A timeout
// above sandbox.action_timeout is clamped to it.
func (e *Engine) TestScript(ctx context.Context, t ScriptTest) script.Result {
	timeout := t.Timeout
	if timeout <= 0 || timeout > e.actionTimeout {
		timeout = e.actionTimeout
	}

	globals := make(map[string]any, len(t.Globals)+1)
	for k, v := range t.Globals {
		globals[k] = v
	}
	sample := t.SampleEvent
	if sample == nil {
		sample = map[string]any{}
	}
	globals[action.GlobalEvent] = sample

	return e.runner.Run(ctx, script.Request{
		Code:     t.Code,
		Globals:  globals,
		Timeout:  timeout,
		Filename: "test.star",
	})
}
