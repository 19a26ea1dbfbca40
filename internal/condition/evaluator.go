// Package condition decides whether an event satisfies a listener's trigger:
// a structural match over dotted paths, or a sandboxed condition script.
// Evaluation never fails outward; problems resolve to "no match".
package condition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	"github.com/harunnryd/karakuri/internal/script"
)

type Mode string

const (
	ModeCatchAll   Mode = "catch_all"
	ModeStructural Mode = "structural"
	ModeScript     Mode = "script"
)

// EventVariable is the single binding visible to condition scripts.
const EventVariable = "event"

type Spec struct {
	MatchConditions domain.Conditions `json:"match_conditions,omitempty"`
	ConditionScript string            `json:"condition_script,omitempty"`
}

func SpecOf(l *domain.EventListener) Spec {
	return Spec{MatchConditions: l.MatchConditions, ConditionScript: l.ConditionScript}
}

func (s Spec) Mode() Mode {
	switch {
	case strings.TrimSpace(s.ConditionScript) != "":
		return ModeScript
	case s.MatchConditions.Empty():
		return ModeCatchAll
	default:
		return ModeStructural
	}
}

type Outcome struct {
	Matched bool
	Mode    Mode
	// Err explains a script that failed or yielded a non-boolean; Matched is
	// always false when Err is set.
	Err error
}

type ScriptRunner interface {
	Run(ctx context.Context, req script.Request) script.Result
}

type Evaluator struct {
	runner   ScriptRunner
	timeout  time.Duration
	maxSteps uint64
}

func NewEvaluator(runner ScriptRunner, timeout time.Duration, maxSteps uint64) *Evaluator {
	return &Evaluator{runner: runner, timeout: timeout, maxSteps: maxSteps}
}

func (e *Evaluator) Evaluate(ctx context.Context, data map[string]any, spec Spec) Outcome {
	mode := spec.Mode()
	switch mode {
	case ModeCatchAll:
		return Outcome{Matched: true, Mode: mode}
	case ModeStructural:
		return Outcome{Matched: MatchStructural(data, spec.MatchConditions), Mode: mode}
	}

	if e.runner == nil {
		return Outcome{Mode: mode, Err: fmt.Errorf("no script runner configured")}
	}
	if data == nil {
		data = map[string]any{}
	}
	res := e.runner.Run(ctx, script.Request{
		Code:     spec.ConditionScript,
		Globals:  map[string]any{EventVariable: data},
		Timeout:  e.timeout,
		MaxSteps: e.maxSteps,
		Filename: "condition.star",
	})
	if !res.Success {
		return Outcome{Mode: mode, Err: res.Err()}
	}
	matched, ok := res.Value.(bool)
	if !ok {
		return Outcome{Mode: mode, Err: fmt.Errorf("condition script yielded %T, want bool", res.Value)}
	}
	slog.Debug("Condition script evaluated", "matched", matched, "duration", res.Duration)
	return Outcome{Matched: matched, Mode: mode}
}
