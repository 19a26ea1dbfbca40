// Package queue owns the task lifecycle: enqueue, inspection, manual retry
// and cancel, and the worker pool that claims and executes pending tasks.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/domain"
	"github.com/harunnryd/karakuri/internal/metrics"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/oklog/ulid/v2"
)

type Queue struct {
	store      *store.Store
	clock      clock.Clock
	metrics    metrics.Sink
	maxRetries int
	wake       chan struct{}
}

func New(st *store.Store, clk clock.Clock, sink metrics.Sink, maxRetries int) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Queue{
		store:      st,
		clock:      clk,
		metrics:    sink,
		maxRetries: maxRetries,
		wake:       make(chan struct{}, 1),
	}
}

// NewTask builds a pending task due at scheduledAt. Callers that insert it
// as part of a larger transaction call Notify afterwards.
func (q *Queue) NewTask(taskType domain.TaskType, payload domain.TaskPayload, scheduledAt time.Time) *domain.Task {
	now := q.clock.Now()
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	return &domain.Task{
		ID:          ulid.Make().String(),
		Type:        taskType,
		Payload:     payload,
		Status:      domain.TaskPending,
		MaxRetries:  q.maxRetries,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Enqueue inserts t and wakes the executor. A repeated dedupKey fails with
// ErrConflict.
func (q *Queue) Enqueue(ctx context.Context, t *domain.Task, dedupKey string) error {
	if err := q.store.InsertTask(ctx, t, dedupKey); err != nil {
		return err
	}
	q.Enqueued(t)
	return nil
}

// Enqueued records a task inserted elsewhere and wakes the executor.
func (q *Queue) Enqueued(t *domain.Task) {
	q.metrics.TaskEnqueued(string(t.Type))
	slog.Debug("Task enqueued", "task_id", t.ID, "type", t.Type, "scheduled_at", t.ScheduledAt)
	q.Notify()
}

// Notify wakes an idle executor without blocking.
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.Task, error) {
	return q.store.GetTask(ctx, id)
}

func (q *Queue) List(ctx context.Context, f store.TaskFilter) ([]*domain.Task, error) {
	return q.store.ListTasks(ctx, f)
}

// Retry moves a failed task back to pending regardless of max_retries.
func (q *Queue) Retry(ctx context.Context, id string) (*domain.Task, error) {
	if err := q.store.RetryTask(ctx, id, q.clock.Now()); err != nil {
		return nil, err
	}
	q.metrics.TaskRetried(true)
	slog.Info("Task manually retried", "task_id", id)
	q.Notify()
	return q.store.GetTask(ctx, id)
}

// Cancel withdraws a pending task. Tasks already claimed run to completion.
func (q *Queue) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	if err := q.store.CancelTask(ctx, id, q.clock.Now()); err != nil {
		return nil, err
	}
	slog.Info("Task cancelled", "task_id", id)
	return q.store.GetTask(ctx, id)
}

func (q *Queue) Counts(ctx context.Context) (map[domain.TaskStatus]int, error) {
	counts, err := q.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, n := range counts {
		q.metrics.QueueDepth(string(status), n)
	}
	return counts, nil
}
