package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/karakuri/internal/action"
	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/metrics"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeDispatcher struct {
	mu    sync.Mutex
	err   error
	calls map[string]int
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, task *domain.Task) action.Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.calls == nil {
		d.calls = make(map[string]int)
	}
	d.calls[task.ID]++
	if d.err != nil {
		return action.Outcome{Err: d.err, Duration: time.Millisecond}
	}
	return action.Outcome{Result: "ok:" + task.ID, Duration: time.Millisecond}
}

func (d *fakeDispatcher) setErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func (d *fakeDispatcher) count(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

type fixture struct {
	store *store.Store
	clock *clock.FakeClock
	queue *Queue
	disp  *fakeDispatcher
	exec  *Executor
}

func newFixture(t *testing.T, maxRetries int) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.Fake(t0)
	q := New(st, clk, metrics.NewNoopSink(), maxRetries)
	d := &fakeDispatcher{}
	e := NewExecutor(q, d, FixedBackoff{Interval: time.Minute}, ExecutorOptions{
		Workers:       2,
		LeaseDuration: 10 * time.Minute,
		PollInterval:  10 * time.Millisecond,
		WorkerID:      "test-worker",
	})
	return &fixture{store: st, clock: clk, queue: q, disp: d, exec: e}
}

func (f *fixture) enqueue(t *testing.T, key string) *domain.Task {
	t.Helper()
	task := f.queue.NewTask(domain.TaskTypeListener, domain.TaskPayload{
		ActionType:   domain.ActionScript,
		ActionConfig: domain.ActionConfig{domain.ConfigScriptCode: "1"},
		ListenerID:   "lst-1",
	}, time.Time{})
	require.NoError(t, f.queue.Enqueue(context.Background(), task, key))
	return task
}

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff{Interval: 30 * time.Second}
	assert.Equal(t, 30*time.Second, b.Delay(1))
	assert.Equal(t, 30*time.Second, b.Delay(9))
}

func TestExponentialBackoffIsMonotoneAndCapped(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second, Max: 10 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.Delay(0))
	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(500))

	prev := time.Duration(0)
	for i := 1; i < 100; i++ {
		d := b.Delay(i)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestNewBackoff(t *testing.T) {
	b, err := NewBackoff(config.QueueConfig{Backoff: "fixed", BaseDelay: "5s"})
	require.NoError(t, err)
	assert.Equal(t, FixedBackoff{Interval: 5 * time.Second}, b)

	b, err = NewBackoff(config.QueueConfig{Backoff: "exponential", BaseDelay: "1s", MaxDelay: "1m", Multiplier: 3})
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, b.Delay(3))

	_, err = NewBackoff(config.QueueConfig{Backoff: "linear"})
	assert.Error(t, err)
}

func TestEnqueueDedup(t *testing.T) {
	f := newFixture(t, 3)
	f.enqueue(t, "lst-1@evt-1")

	dup := f.queue.NewTask(domain.TaskTypeListener, domain.TaskPayload{ActionType: domain.ActionScript}, time.Time{})
	err := f.queue.Enqueue(context.Background(), dup, "lst-1@evt-1")
	assert.True(t, errors.Is(err, kerrors.ErrConflict))

	select {
	case <-f.queue.Wake():
	default:
		t.Fatal("enqueue should wake the executor")
	}
}

func TestRunNextCompletesTask(t *testing.T) {
	f := newFixture(t, 3)
	task := f.enqueue(t, "")

	ran, err := f.exec.RunNext(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	got, err := f.queue.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskDone, got.Status)
	assert.Equal(t, "ok:"+task.ID, got.Result)
	assert.Equal(t, "test-worker", got.WorkerID)
	require.NotNil(t, got.CompletedAt)

	ran, err = f.exec.RunNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
}

func TestAutomaticRetryStopsAtMax(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task := f.enqueue(t, "")
	f.disp.setErr(kerrors.Execution("script raised"))

	for attempt := 1; attempt <= 3; attempt++ {
		ran, err := f.exec.RunNext(ctx)
		require.NoError(t, err)
		require.True(t, ran, "attempt %d", attempt)

		got, err := f.queue.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskPending, got.Status)
		assert.Equal(t, attempt, got.RetryCount)
		assert.Equal(t, f.clock.Now().Add(time.Minute), got.ScheduledAt)
		assert.Empty(t, got.ErrorMessage)
		assert.Contains(t, got.LastError, "script raised")

		ran, err = f.exec.RunNext(ctx)
		require.NoError(t, err)
		assert.False(t, ran, "retry must wait for its backoff")
		f.clock.Advance(time.Minute)
	}

	ran, err := f.exec.RunNext(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	got, err := f.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "script raised")

	retried, err := f.queue.Retry(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, retried.Status)
	assert.Equal(t, 4, retried.RetryCount)
	assert.Equal(t, 4, f.disp.count(task.ID))
}

func TestInvalidActionIsNotRetried(t *testing.T) {
	f := newFixture(t, 3)
	task := f.enqueue(t, "")
	f.disp.setErr(kerrors.InvalidInput("unsupported action type"))

	_, err := f.exec.RunNext(context.Background())
	require.NoError(t, err)

	got, err := f.queue.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestTimeoutMessageIsDistinguishable(t *testing.T) {
	f := newFixture(t, 0)
	task := f.enqueue(t, "")
	f.disp.setErr(kerrors.Timeout("timeout: script exceeded 1s"))

	_, err := f.exec.RunNext(context.Background())
	require.NoError(t, err)

	got, err := f.queue.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timeout")
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	pending := f.enqueue(t, "")
	got, err := f.queue.Cancel(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, got.Status)

	running := f.enqueue(t, "")
	require.True(t, f.exec.claim(ctx, running))
	_, err = f.queue.Cancel(ctx, running.ID)
	assert.True(t, errors.Is(err, kerrors.ErrConflict))

	_, err = f.queue.Cancel(ctx, "missing")
	assert.True(t, errors.Is(err, kerrors.ErrNotFound))
}

func TestRecoverReleasesExpiredClaimWithoutCountingRetry(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	task := f.enqueue(t, "")
	require.True(t, f.exec.claim(ctx, task))

	assert.Equal(t, 0, f.exec.Recover(ctx))
	f.clock.Advance(11 * time.Minute)
	assert.Equal(t, 1, f.exec.Recover(ctx))

	got, err := f.queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, store.LeaseExpiredMessage, got.LastError)

	// The stale holder can no longer record an outcome.
	err = f.store.CompleteTask(ctx, task.ID, task.ClaimToken, "late", f.clock.Now())
	assert.True(t, errors.Is(err, kerrors.ErrConflict))
}

func TestConcurrentExecutorsRunEachTaskOnce(t *testing.T) {
	f := newFixture(t, 3)
	other := NewExecutor(f.queue, f.disp, FixedBackoff{Interval: time.Minute}, ExecutorOptions{Workers: 3, WorkerID: "other"})

	var ids []string
	for i := 0; i < 12; i++ {
		ids = append(ids, f.enqueue(t, fmt.Sprintf("k%d", i)).ID)
	}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		f.exec.Poll(ctx)
		other.Poll(ctx)
		counts, err := f.queue.Counts(ctx)
		return err == nil && counts[domain.TaskDone] == len(ids)
	}, 5*time.Second, 10*time.Millisecond)

	f.exec.inFlight.Wait()
	other.inFlight.Wait()
	for _, id := range ids {
		assert.Equal(t, 1, f.disp.count(id), "task %s", id)
	}
}

func TestExecutorLifecycle(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	assert.Error(t, f.exec.Health(ctx))
	require.NoError(t, f.exec.Init(ctx))
	require.NoError(t, f.exec.Start(ctx))
	assert.NoError(t, f.exec.Health(ctx))

	task := f.enqueue(t, "")
	require.Eventually(t, func() bool {
		got, err := f.queue.Get(ctx, task.ID)
		return err == nil && got.Status == domain.TaskDone
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.exec.Stop(ctx))
	assert.False(t, f.exec.IsRunning())
	assert.NoError(t, f.exec.Stop(ctx))
}
