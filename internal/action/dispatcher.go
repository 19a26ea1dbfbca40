package action

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/logger"
)

// Outcome is the normalized result of one dispatch.
type Outcome struct {
	Result   string
	Err      error
	Duration time.Duration
}

func (o Outcome) Success() bool { return o.Err == nil }

// Dispatcher routes a task to the action registered for its action type.
type Dispatcher struct {
	actions map[domain.ActionType]Action
}

func NewDispatcher(actions ...Action) *Dispatcher {
	d := &Dispatcher{actions: make(map[domain.ActionType]Action, len(actions))}
	for _, a := range actions {
		d.actions[a.Type()] = a
	}
	return d
}

// Dispatch never panics. A panic inside an action becomes an internal error
// carrying the panic text.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task) (out Outcome) {
	start := time.Now()
	traceID := logger.GetTraceID(ctx)
	actionType := task.Payload.ActionType

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Action panicked", "task_id", task.ID, "action", actionType, "panic", r, "stack", string(debug.Stack()), "trace_id", traceID)
			out = Outcome{Err: kerrors.Internal(fmt.Sprintf("action panicked: %v", r))}
		}
		out.Duration = time.Since(start)
	}()

	a, ok := d.actions[actionType]
	if !ok {
		return Outcome{Err: kerrors.InvalidInput(fmt.Sprintf("unsupported action type %q", actionType))}
	}

	slog.Info("Executing action", "task_id", task.ID, "action", actionType, "attempt", task.RetryCount+1, "trace_id", traceID)
	result, err := a.Execute(ctx, task)
	if err != nil {
		return Outcome{Result: result, Err: err}
	}
	return Outcome{Result: result}
}
