// Package scheduler fires schedule automations. The walker selects enabled
// automations whose next occurrence is due, enqueues a task per occurrence
// and advances next_scheduled_at in the same store transaction.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/analytics"
	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/metrics"
	"github.com/harunnryd/karakuri/internal/queue"
	"github.com/harunnryd/karakuri/internal/recurrence"
	"github.com/harunnryd/karakuri/internal/store"
)

// maxScan bounds how many past occurrences one pass walks for a single
// automation before skipping them wholesale.
const maxScan = 1000

// OutcomeSkipped is the analytics outcome for occurrences beyond the
// catch-up bound.
const OutcomeSkipped = "skipped"

type Options struct {
	TickInterval    time.Duration
	BatchSize       int
	MaxCatchupRuns  int
	Location        *time.Location
	ShutdownTimeout time.Duration
}

func OptionsFrom(cfg config.SchedulerConfig) (Options, error) {
	tick, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return Options{}, fmt.Errorf("parse scheduler tick interval: %w", err)
	}
	shutdown, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultSchedulerShutdownTimeout)
	if err != nil {
		return Options{}, fmt.Errorf("parse scheduler shutdown timeout: %w", err)
	}
	loc, err := config.LocationOrUTC(cfg.Timezone)
	if err != nil {
		return Options{}, fmt.Errorf("load scheduler timezone: %w", err)
	}
	return Options{
		TickInterval:    tick,
		BatchSize:       cfg.BatchSize,
		MaxCatchupRuns:  cfg.MaxCatchupRuns,
		Location:        loc,
		ShutdownTimeout: shutdown,
	}, nil
}

type Scheduler struct {
	store     *store.Store
	queue     *queue.Queue
	clock     clock.Clock
	metrics   metrics.Sink
	analytics analytics.Sink
	opts      Options

	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	ticking  sync.Mutex
	loopDone chan struct{}
	lastTick time.Time
}

func New(st *store.Store, q *queue.Queue, clk clock.Clock, sink metrics.Sink, an analytics.Sink, opts Options) *Scheduler {
	if clk == nil {
		clk = clock.Real()
	}
	if sink == nil {
		sink = metrics.NewNoopSink()
	}
	if an == nil {
		an = analytics.NoopSink{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultSchedulerBatchSize
	}
	if opts.MaxCatchupRuns <= 0 {
		opts.MaxCatchupRuns = config.DefaultSchedulerMaxCatchupRuns
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	return &Scheduler{
		store:     st,
		queue:     q,
		clock:     clk,
		metrics:   sink,
		analytics: an,
		opts:      opts,
	}
}

func (s *Scheduler) Init(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	slog.Info("Scheduler initialized", "tick", s.opts.TickInterval, "max_catchup_runs", s.opts.MaxCatchupRuns)
	return nil
}

// Start runs one pass immediately to catch up after downtime, then walks
// on every tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
	s.running = true
	s.loopDone = make(chan struct{})
	s.mu.Unlock()

	if _, err := s.Tick(s.ctx); err != nil {
		slog.Error("Scheduler catch-up pass failed", "error", err)
	}
	go s.run()

	slog.Info("Scheduler started")
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	done := s.loopDone
	s.mu.Unlock()

	s.cancel()

	select {
	case <-done:
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-time.After(s.opts.ShutdownTimeout):
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return kerrors.Internal("shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if s.ctx == nil {
		return kerrors.Internal("scheduler not initialized")
	}
	if !s.IsRunning() {
		return kerrors.Internal("scheduler not running")
	}
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("scheduler store: %w", err)
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) LastTick() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

func (s *Scheduler) run() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Tick(s.ctx); err != nil && s.ctx.Err() == nil {
				slog.Error("Scheduler tick failed", "error", err)
			}
		case <-s.ctx.Done():
			slog.Info("Scheduler run loop stopped")
			return
		}
	}
}

// Tick processes every due automation, batch by batch, and returns how
// many tasks were enqueued. Concurrent calls are serialized.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	s.ticking.Lock()
	defer s.ticking.Unlock()

	started := time.Now()
	now := s.clock.Now()
	fired := 0
	var tickErr error

	seen := make(map[string]struct{})
	for ctx.Err() == nil {
		due, err := s.store.ListDueAutomations(ctx, now, s.opts.BatchSize)
		if err != nil {
			tickErr = err
			break
		}
		progressed := false
		for _, a := range due {
			if _, ok := seen[a.ID]; ok {
				continue
			}
			seen[a.ID] = struct{}{}
			progressed = true

			n, err := s.process(ctx, a, now)
			fired += n
			if err != nil {
				slog.Error("Failed to fire automation", "automation_id", a.ID, "error", err)
				tickErr = err
			}
		}
		if !progressed || len(due) < s.opts.BatchSize {
			break
		}
	}

	s.mu.Lock()
	s.lastTick = now
	s.mu.Unlock()

	s.metrics.TickCompleted(time.Since(started), fired, tickErr)
	if fired > 0 {
		slog.Info("Scheduler tick fired automations", "fired", fired)
	}
	return fired, tickErr
}

// process fires the due occurrences of one automation. At most
// MaxCatchupRuns of them run, the most recent ones; earlier ones are
// skipped without a task.
func (s *Scheduler) process(ctx context.Context, a *domain.ScheduleAutomation, now time.Time) (int, error) {
	rule, err := recurrence.Parse(a.RecurrenceRule, a.StartAt, s.opts.Location)
	if err != nil {
		slog.Error("Stored recurrence rule no longer parses, parking automation", "automation_id", a.ID, "error", err)
		_, _, ferr := s.store.FireAutomation(ctx, store.FireParams{
			AutomationID: a.ID, Occurrence: *a.NextScheduledAt, Next: nil, Now: now,
		})
		return 0, ferr
	}

	occ := *a.NextScheduledAt
	for {
		due, after := dueOccurrences(rule, occ, now)

		if after != nil && !after.After(now) {
			ok, err := s.skip(ctx, a, occ, after, len(due), now)
			if err != nil || !ok {
				return 0, err
			}
			occ = *after
			continue
		}

		if extra := len(due) - s.opts.MaxCatchupRuns; extra > 0 {
			resume := due[extra]
			ok, err := s.skip(ctx, a, occ, &resume, extra, now)
			if err != nil || !ok {
				return 0, err
			}
			due = due[extra:]
		}

		fired := 0
		for i, o := range due {
			next := after
			if i+1 < len(due) {
				next = &due[i+1]
			}
			advanced, enqueued, err := s.fire(ctx, a, rule, o, next, now)
			if err != nil {
				return fired, err
			}
			if !advanced {
				slog.Debug("Automation advanced elsewhere", "automation_id", a.ID, "occurrence", o)
				return fired, nil
			}
			if enqueued {
				fired++
			}
		}
		return fired, nil
	}
}

func (s *Scheduler) fire(ctx context.Context, a *domain.ScheduleAutomation, rule recurrence.Rule, occ time.Time, next *time.Time, now time.Time) (advanced, enqueued bool, err error) {
	fireTime := occ
	task := s.queue.NewTask(domain.TaskTypeSchedule, domain.TaskPayload{
		ActionType:     a.ActionType,
		ActionConfig:   a.ActionConfig,
		AutomationID:   a.ID,
		Name:           a.Name,
		FireTime:       &fireTime,
		ConversationID: a.ConversationID,
		InterfaceType:  a.InterfaceType,
	}, now)
	task.RecurrenceRule = rule.String()

	advanced, enqueued, err = s.store.FireAutomation(ctx, store.FireParams{
		AutomationID: a.ID,
		Occurrence:   occ,
		Next:         next,
		Now:          now,
		Task:         task,
		DedupKey:     a.ID + "@" + strconv.FormatInt(occ.UnixMilli(), 10),
	})
	if err != nil || !advanced {
		return advanced, false, err
	}
	if !enqueued {
		slog.Warn("Automation occurrence already had a task, moved past it", "automation_id", a.ID, "occurrence", occ)
		return true, false, nil
	}

	s.queue.Enqueued(task)
	if err := s.analytics.RecordTrigger(ctx, analytics.Trigger{
		Kind:           analytics.KindAutomation,
		ID:             a.ID,
		ConversationID: a.ConversationID,
		Outcome:        "fired",
		At:             now,
	}); err != nil {
		slog.Debug("Failed to record trigger analytics", "automation_id", a.ID, "error", err)
	}
	if next == nil {
		slog.Info("Automation fired its last occurrence", "automation_id", a.ID, "occurrence", occ, "task_id", task.ID)
	} else {
		slog.Info("Automation fired", "automation_id", a.ID, "occurrence", occ, "next", *next, "task_id", task.ID)
	}
	return true, true, nil
}

func (s *Scheduler) skip(ctx context.Context, a *domain.ScheduleAutomation, from time.Time, to *time.Time, n int, now time.Time) (bool, error) {
	ok, _, err := s.store.FireAutomation(ctx, store.FireParams{
		AutomationID: a.ID,
		Occurrence:   from,
		Next:         to,
		Now:          now,
	})
	if err != nil || !ok {
		return ok, err
	}

	s.metrics.OccurrencesSkipped(n)
	if err := s.analytics.RecordRejection(ctx, analytics.Trigger{
		Kind:           analytics.KindAutomation,
		ID:             a.ID,
		ConversationID: a.ConversationID,
		Outcome:        OutcomeSkipped,
		At:             now,
	}); err != nil {
		slog.Debug("Failed to record skip analytics", "automation_id", a.ID, "error", err)
	}
	slog.Warn("Skipped missed automation occurrences", "automation_id", a.ID, "skipped", n, "max_catchup_runs", s.opts.MaxCatchupRuns)
	return true, nil
}

// dueOccurrences returns first and the following occurrences at or before
// now, up to maxScan of them, plus the occurrence after the last one
// returned (nil when the rule is exhausted).
func dueOccurrences(rule recurrence.Rule, first, now time.Time) ([]time.Time, *time.Time) {
	due := []time.Time{first}
	cur := first
	for len(due) < maxScan {
		next, ok := rule.Next(cur)
		if !ok {
			return due, nil
		}
		if next.After(now) {
			return due, &next
		}
		due = append(due, next)
		cur = next
	}
	next, ok := rule.Next(cur)
	if !ok {
		return due, nil
	}
	return due, &next
}
