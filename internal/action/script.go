package action

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/script"
)

// Script globals bound besides the user-supplied ones.
const (
	GlobalTrigger = "trigger"
	GlobalEvent   = "event"
)

type ScriptRunner interface {
	Run(ctx context.Context, req script.Request) script.Result
}

// Script runs action_config.script_code in the sandbox. The result is the
// JSON encoding of the value and captured output. A per-action timeout never
// exceeds the sandbox limit, which the task lease is configured to outlast.
type Script struct {
	runner   ScriptRunner
	timeout  time.Duration
	maxSteps uint64
}

func NewScript(runner ScriptRunner, timeout time.Duration, maxSteps uint64) *Script {
	return &Script{runner: runner, timeout: timeout, maxSteps: maxSteps}
}

func (a *Script) Type() domain.ActionType { return domain.ActionScript }

type scriptResult struct {
	Result any      `json:"result"`
	Output []string `json:"output,omitempty"`
}

func (a *Script) Execute(ctx context.Context, task *domain.Task) (string, error) {
	cfg := task.Payload.ActionConfig

	timeout, err := cfg.Timeout()
	if err != nil {
		return "", err
	}
	switch {
	case timeout <= 0:
		timeout = a.timeout
	case a.timeout > 0 && timeout > a.timeout:
		slog.Warn("Script timeout above sandbox limit, clamped", "task_id", task.ID, "timeout", timeout, "limit", a.timeout)
		timeout = a.timeout
	}

	globals := make(map[string]any, len(cfg.Map(domain.ConfigGlobals))+2)
	for k, v := range cfg.Map(domain.ConfigGlobals) {
		globals[k] = v
	}
	globals[GlobalTrigger] = Trigger(task)
	if task.Payload.EventData != nil {
		globals[GlobalEvent] = task.Payload.EventData
	}

	res := a.runner.Run(ctx, script.Request{
		Code:     cfg.String(domain.ConfigScriptCode),
		Globals:  globals,
		Timeout:  timeout,
		MaxSteps: a.maxSteps,
		Filename: "action.star",
	})
	if !res.Success {
		return "", res.Err()
	}

	out, err := json.Marshal(scriptResult{Result: res.Value, Output: res.Output})
	if err != nil {
		return "", kerrors.Execution(fmt.Sprintf("script result is not encodable: %v", err))
	}
	return string(out), nil
}
