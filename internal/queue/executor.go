package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/karakuri/internal/action"
	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/concurrency"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/logger"
	"github.com/harunnryd/karakuri/internal/metrics"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/oklog/ulid/v2"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, task *domain.Task) action.Outcome
}

type ExecutorOptions struct {
	Workers         int
	PollInterval    time.Duration
	ClaimBatch      int
	LeaseDuration   time.Duration
	RecoverInterval time.Duration
	ShutdownTimeout time.Duration
	WorkerID        string
}

func ExecutorOptionsFrom(cfg config.QueueConfig) (ExecutorOptions, error) {
	poll, err := config.DurationOrDefault(cfg.PollInterval, config.DefaultQueuePollInterval)
	if err != nil {
		return ExecutorOptions{}, fmt.Errorf("parse queue poll interval: %w", err)
	}
	lease, err := config.DurationOrDefault(cfg.LeaseDuration, config.DefaultQueueLeaseDuration)
	if err != nil {
		return ExecutorOptions{}, fmt.Errorf("parse queue lease duration: %w", err)
	}
	recoverEvery, err := config.DurationOrDefault(cfg.RecoverInterval, config.DefaultQueueRecoverInterval)
	if err != nil {
		return ExecutorOptions{}, fmt.Errorf("parse queue recover interval: %w", err)
	}
	shutdown, err := config.DurationOrDefault(cfg.ShutdownTimeout, config.DefaultQueueShutdownTimeout)
	if err != nil {
		return ExecutorOptions{}, fmt.Errorf("parse queue shutdown timeout: %w", err)
	}
	return ExecutorOptions{
		Workers:         cfg.Workers,
		PollInterval:    poll,
		ClaimBatch:      cfg.ClaimBatch,
		LeaseDuration:   lease,
		RecoverInterval: recoverEvery,
		ShutdownTimeout: shutdown,
	}, nil
}

// Executor claims due tasks and runs them on a bounded pool. A claim is a
// conditional pending -> processing update, so any number of executors,
// in-process or not, can share one database.
type Executor struct {
	queue      *Queue
	store      *store.Store
	dispatcher Dispatcher
	backoff    Backoff
	clock      clock.Clock
	metrics    metrics.Sink
	opts       ExecutorOptions

	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	slots    chan struct{}
	inFlight sync.WaitGroup
	loopDone chan struct{}
}

func NewExecutor(q *Queue, d Dispatcher, b Backoff, opts ExecutorOptions) *Executor {
	if opts.Workers <= 0 {
		opts.Workers = config.DefaultQueueWorkers
	}
	if opts.ClaimBatch <= 0 {
		opts.ClaimBatch = config.DefaultQueueClaimBatch
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = 15 * time.Minute
	}
	if opts.RecoverInterval <= 0 {
		opts.RecoverInterval = time.Minute
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 30 * time.Second
	}
	if opts.WorkerID == "" {
		host, _ := os.Hostname()
		opts.WorkerID = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	return &Executor{
		queue:      q,
		store:      q.store,
		dispatcher: d,
		backoff:    b,
		clock:      q.clock,
		metrics:    q.metrics,
		opts:       opts,
		slots:      make(chan struct{}, opts.Workers),
	}
}

func (e *Executor) Init(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	slog.Info("Executor initialized", "workers", e.opts.Workers, "worker_id", e.opts.WorkerID)
	return nil
}

func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	if e.ctx == nil {
		e.ctx, e.cancel = context.WithCancel(ctx)
	}
	e.running = true
	e.loopDone = make(chan struct{})
	e.mu.Unlock()

	e.Recover(ctx)
	go e.run()

	slog.Info("Executor started")
	return nil
}

// Stop halts claiming and waits for running tasks up to the shutdown timeout.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	done := e.loopDone
	e.mu.Unlock()

	e.cancel()
	<-done

	drained := make(chan struct{})
	go func() {
		e.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		slog.Info("Executor stopped gracefully")
		return nil
	case <-time.After(e.opts.ShutdownTimeout):
		slog.Warn("Executor shutdown timeout, abandoning in-flight tasks to lease recovery")
		return kerrors.Internal("shutdown timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Executor) Health(ctx context.Context) error {
	if e.ctx == nil {
		return kerrors.Internal("executor not initialized")
	}
	if !e.IsRunning() {
		return kerrors.Internal("executor not running")
	}
	return nil
}

func (e *Executor) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

func (e *Executor) run() {
	defer close(e.loopDone)

	poll := time.NewTicker(e.opts.PollInterval)
	defer poll.Stop()
	recoverTicker := time.NewTicker(e.opts.RecoverInterval)
	defer recoverTicker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			slog.Info("Executor run loop stopped")
			return
		case <-poll.C:
			e.Poll(e.ctx)
		case <-e.queue.Wake():
			e.Poll(e.ctx)
		case <-recoverTicker.C:
			e.Recover(e.ctx)
		}
	}
}

// Poll claims as many due tasks as there are free slots and starts them.
// It returns the number started.
func (e *Executor) Poll(ctx context.Context) int {
	free := cap(e.slots) - len(e.slots)
	if free <= 0 {
		return 0
	}
	if free > e.opts.ClaimBatch {
		free = e.opts.ClaimBatch
	}

	tasks, err := e.store.ListClaimable(ctx, e.clock.Now(), free)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("Failed to list claimable tasks", "error", err)
		}
		return 0
	}

	started := 0
	for _, t := range tasks {
		if !e.claim(ctx, t) {
			continue
		}

		e.slots <- struct{}{}
		e.inFlight.Add(1)
		task := t
		concurrency.SafeGo(func() {
			defer func() {
				<-e.slots
				e.inFlight.Done()
			}()
			e.execute(task)
		}, nil)
		started++
	}
	return started
}

// RunNext claims and executes a single due task on the calling goroutine.
// It reports false when nothing was claimable.
func (e *Executor) RunNext(ctx context.Context) (bool, error) {
	tasks, err := e.store.ListClaimable(ctx, e.clock.Now(), 1)
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if e.claim(ctx, t) {
			e.execute(t)
			return true, nil
		}
	}
	return false, nil
}

func (e *Executor) claim(ctx context.Context, t *domain.Task) bool {
	now := e.clock.Now()
	leaseUntil := now.Add(e.opts.LeaseDuration)
	token := ulid.Make().String()

	ok, err := e.store.ClaimTask(ctx, store.ClaimParams{
		TaskID:     t.ID,
		WorkerID:   e.opts.WorkerID,
		Token:      token,
		Now:        now,
		LeaseUntil: leaseUntil,
	})
	if err != nil {
		slog.Error("Failed to claim task", "task_id", t.ID, "error", err)
		return false
	}
	if !ok {
		slog.Debug("Task claimed elsewhere", "task_id", t.ID)
		return false
	}

	t.Status = domain.TaskProcessing
	t.WorkerID = e.opts.WorkerID
	t.ClaimToken = token
	t.StartedAt = &now
	t.LeaseExpiresAt = &leaseUntil
	slog.Info("Task claimed", "task_id", t.ID, "worker", e.opts.WorkerID, "attempt", t.RetryCount+1)
	return true
}

// execute runs a claimed task to completion. Tasks are not cancelled by
// Stop; they end on success, failure or their own timeout.
func (e *Executor) execute(t *domain.Task) {
	e.metrics.TasksInFlightIncr()
	defer e.metrics.TasksInFlightDecr()

	base := context.Background()
	if e.ctx != nil {
		base = context.WithoutCancel(e.ctx)
	}
	ctx := logger.WithTraceID(base, t.ID)

	out := e.dispatcher.Dispatch(ctx, t)
	actionType := string(t.Payload.ActionType)
	now := e.clock.Now()

	if out.Success() {
		err := e.store.CompleteTask(ctx, t.ID, t.ClaimToken, out.Result, now)
		e.finish(t, actionType, metrics.OutcomeDone, out.Duration, err)
		if err == nil {
			slog.Info("Task done", "task_id", t.ID, "duration", out.Duration)
		}
		return
	}

	msg := out.Err.Error()
	retry := t.CanAutoRetry() && !errors.Is(out.Err, kerrors.ErrInvalidInput)
	params := store.FailParams{TaskID: t.ID, Token: t.ClaimToken, Error: msg, Now: now}
	outcome := metrics.OutcomeFailed
	if retry {
		params.Retry = true
		params.RetryAt = now.Add(e.backoff.Delay(t.RetryCount + 1))
		outcome = metrics.OutcomeRetry
	}

	err := e.store.FailTask(ctx, params)
	e.finish(t, actionType, outcome, out.Duration, err)
	if err != nil {
		return
	}
	if retry {
		e.metrics.TaskRetried(false)
		slog.Warn("Task failed, retry scheduled", "task_id", t.ID, "attempt", t.RetryCount+1, "retry_at", params.RetryAt, "error", msg)
	} else {
		slog.Warn("Task failed", "task_id", t.ID, "attempt", t.RetryCount+1, "max_retries", t.MaxRetries, "error", msg)
	}
}

func (e *Executor) finish(t *domain.Task, actionType, outcome string, d time.Duration, err error) {
	switch {
	case err == nil:
		e.metrics.TaskFinished(actionType, outcome, d)
	case kerrors.IsCategory(err, kerrors.ErrConflict):
		e.metrics.TaskFinished(actionType, metrics.OutcomeLost, d)
		slog.Warn("Task outcome discarded, claim lost", "task_id", t.ID, "error", err)
	default:
		// The claim lease returns the task to pending once it expires.
		slog.Error("Failed to record task outcome", "task_id", t.ID, "outcome", outcome, "error", err)
	}
}

// Recover returns expired claims to pending and refreshes queue gauges.
func (e *Executor) Recover(ctx context.Context) int {
	n, err := e.store.ReleaseExpiredClaims(ctx, e.clock.Now())
	if err != nil {
		slog.Error("Failed to release expired claims", "error", err)
		return 0
	}
	if n > 0 {
		e.metrics.ClaimsReclaimed(int(n))
		slog.Warn("Released expired task claims", "count", n)
		e.queue.Notify()
	}
	if _, err := e.queue.Counts(ctx); err != nil {
		slog.Debug("Failed to refresh queue depth", "error", err)
	}
	return int(n)
}
