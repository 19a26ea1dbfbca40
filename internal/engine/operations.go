package engine

import (
	"context"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/ingress"
	"github.com/harunnryd/karakuri/internal/listener"
	"github.com/harunnryd/karakuri/internal/scheduler"
	"github.com/harunnryd/karakuri/internal/store"
)

// DefaultListLimit applies to event and task listings without a limit.
const DefaultListLimit = 100

func (e *Engine) CreateListener(ctx context.Context, l *domain.EventListener) (*domain.EventListener, error) {
	return e.listeners.Create(ctx, l)
}

func (e *Engine) GetListener(ctx context.Context, id, scope string) (*domain.EventListener, error) {
	return e.listeners.Get(ctx, id, scope)
}

func (e *Engine) ListListeners(ctx context.Context, f store.ListenerFilter) ([]*domain.EventListener, error) {
	return e.listeners.List(ctx, f)
}

func (e *Engine) UpdateListener(ctx context.Context, id, scope string, p listener.Patch) (*domain.EventListener, error) {
	return e.listeners.Update(ctx, id, scope, p)
}

func (e *Engine) SetListenerEnabled(ctx context.Context, id, scope string, enabled bool) (*domain.EventListener, error) {
	return e.listeners.SetEnabled(ctx, id, scope, enabled)
}

func (e *Engine) ToggleListener(ctx context.Context, id, scope string) (*domain.EventListener, error) {
	return e.listeners.Toggle(ctx, id, scope)
}

// DeleteListener removes the listener and its in-memory counters. Queued
// tasks keep their payload and still run.
func (e *Engine) DeleteListener(ctx context.Context, id, scope string) error {
	if err := e.listeners.Delete(ctx, id, scope); err != nil {
		return err
	}
	e.matcher.Stats().Forget(id)
	return nil
}

func (e *Engine) CreateAutomation(ctx context.Context, a *domain.ScheduleAutomation) (*domain.ScheduleAutomation, error) {
	return e.automations.Create(ctx, a)
}

func (e *Engine) GetAutomation(ctx context.Context, id, scope string) (*domain.ScheduleAutomation, error) {
	return e.automations.Get(ctx, id, scope)
}

func (e *Engine) ListAutomations(ctx context.Context, f store.AutomationFilter) ([]*domain.ScheduleAutomation, error) {
	return e.automations.List(ctx, f)
}

func (e *Engine) UpdateAutomation(ctx context.Context, id, scope string, p scheduler.Patch) (*domain.ScheduleAutomation, error) {
	return e.automations.Update(ctx, id, scope, p)
}

func (e *Engine) SetAutomationEnabled(ctx context.Context, id, scope string, enabled bool) (*domain.ScheduleAutomation, error) {
	return e.automations.SetEnabled(ctx, id, scope, enabled)
}

func (e *Engine) ToggleAutomation(ctx context.Context, id, scope string) (*domain.ScheduleAutomation, error) {
	return e.automations.Toggle(ctx, id, scope)
}

func (e *Engine) DeleteAutomation(ctx context.Context, id, scope string) error {
	return e.automations.Delete(ctx, id, scope)
}

// PreviewAutomation lists the stored next occurrence followed by the ones
// after it.
func (e *Engine) PreviewAutomation(ctx context.Context, id, scope string, n int) ([]time.Time, error) {
	return e.automations.Preview(ctx, id, scope, n)
}

// PreviewRule lists the first n occurrences of a rule that is not stored.
func (e *Engine) PreviewRule(rule string, start time.Time, n int) ([]time.Time, error) {
	return e.automations.PreviewRule(rule, start, n)
}

func (e *Engine) SubmitEvent(ctx context.Context, sub ingress.Submission) (*ingress.Receipt, error) {
	return e.ingress.SubmitDetailed(ctx, sub)
}

func (e *Engine) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	return e.store.GetEvent(ctx, id)
}

func (e *Engine) ListEvents(ctx context.Context, f store.EventFilter) ([]*domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	return e.store.ListEvents(ctx, f)
}

func (e *Engine) PruneEvents(ctx context.Context) (ingress.PruneResult, error) {
	return e.ingress.Prune(ctx)
}

// TaskQuery is the inspection filter for tasks. Dates bound created_at.
type TaskQuery struct {
	Statuses []domain.TaskStatus
	Type     domain.TaskType
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

func (e *Engine) ListTasks(ctx context.Context, q TaskQuery) ([]*domain.Task, error) {
	if q.From != nil && q.To != nil && q.To.Before(*q.From) {
		return nil, kerrors.InvalidInput("to must not be before from")
	}
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	return e.queue.List(ctx, store.TaskFilter{
		Statuses: q.Statuses,
		Type:     q.Type,
		From:     q.From,
		To:       q.To,
		Limit:    q.Limit,
		Offset:   q.Offset,
	})
}

func (e *Engine) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	return e.queue.Get(ctx, id)
}

// RetryTask moves a failed task back to pending. Manual retries ignore
// max_retries.
func (e *Engine) RetryTask(ctx context.Context, id string) (*domain.Task, error) {
	return e.queue.Retry(ctx, id)
}

// CancelTask withdraws a pending task. Any other status is ErrConflict.
func (e *Engine) CancelTask(ctx context.Context, id string) (*domain.Task, error) {
	return e.queue.Cancel(ctx, id)
}

func (e *Engine) TaskCounts(ctx context.Context) (map[domain.TaskStatus]int, error) {
	return e.queue.Counts(ctx)
}
