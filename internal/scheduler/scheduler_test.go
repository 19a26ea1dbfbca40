package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/harunnryd/karakuri/internal/analytics"
	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/queue"
	"github.com/harunnryd/karakuri/internal/script"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type recordingAnalytics struct {
	mu       sync.Mutex
	fired    []analytics.Trigger
	rejected []analytics.Trigger
}

func (r *recordingAnalytics) RecordTrigger(ctx context.Context, t analytics.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, t)
	return nil
}

func (r *recordingAnalytics) RecordRejection(ctx context.Context, t analytics.Trigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, t)
	return nil
}

type fixture struct {
	store     *store.Store
	clock     *clock.FakeClock
	registry  *Registry
	scheduler *Scheduler
	analytics *recordingAnalytics
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "scheduler.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	clk := clock.Fake(t0)
	an := &recordingAnalytics{}
	q := queue.New(st, clk, nil, 3)
	return &fixture{
		store:     st,
		clock:     clk,
		registry:  NewRegistry(st, clk, script.NewRunner(script.Options{}), opts.Location),
		scheduler: New(st, q, clk, nil, an, opts),
		analytics: an,
	}
}

func (f *fixture) automation(t *testing.T, rule string, mutate func(a *domain.ScheduleAutomation)) *domain.ScheduleAutomation {
	t.Helper()
	a := &domain.ScheduleAutomation{
		Name:           "morning brief",
		RecurrenceRule: rule,
		ActionType:     domain.ActionWakeLLM,
		ActionConfig:   domain.ActionConfig{domain.ConfigPrompt: "Summarize my day"},
		Enabled:        true,
		ConversationID: "C1",
	}
	if mutate != nil {
		mutate(a)
	}
	created, err := f.registry.Create(context.Background(), a)
	require.NoError(t, err)
	return created
}

func (f *fixture) tasksFor(t *testing.T, id string) []*domain.Task {
	t.Helper()
	tasks, err := f.store.ListTasks(context.Background(), store.TaskFilter{AutomationID: id})
	require.NoError(t, err)
	return tasks
}

func fireTimes(tasks []*domain.Task) []time.Time {
	out := make([]time.Time, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		out = append(out, tasks[i].Payload.FireTime.UTC())
	}
	return out
}

func TestCreateComputesFirstOccurrence(t *testing.T) {
	f := newFixture(t, Options{})
	a := f.automation(t, "0 * * * *", nil)

	require.NotNil(t, a.NextScheduledAt)
	assert.Equal(t, t0, a.NextScheduledAt.UTC(), "an occurrence exactly at creation time is not lost")
	assert.Equal(t, t0, a.StartAt)

	b := f.automation(t, "30 * * * *", nil)
	assert.Equal(t, t0.Add(30*time.Minute), b.NextScheduledAt.UTC())

	_, err := f.registry.Create(context.Background(), &domain.ScheduleAutomation{
		Name: "bad", RecurrenceRule: "every tuesday", ActionType: domain.ActionWakeLLM,
		ActionConfig: domain.ActionConfig{domain.ConfigPrompt: "p"}, ConversationID: "C1",
	})
	assert.True(t, errors.Is(err, kerrors.ErrInvalidInput))
}

func TestTickFiresAndAdvancesFromOccurrence(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.automation(t, "0 * * * *", nil)

	f.clock.Set(t0.Add(20 * time.Minute))
	fired, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	got, err := f.registry.Get(ctx, a.ID, "C1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), got.NextScheduledAt.UTC(), "next is computed from the occurrence, not now")
	assert.Equal(t, 1, got.ExecutionCount)

	tasks := f.tasksFor(t, a.ID)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskTypeSchedule, tasks[0].Type)
	assert.Equal(t, t0, tasks[0].Payload.FireTime.UTC())
	assert.Equal(t, "0 * * * *", tasks[0].RecurrenceRule)

	fired, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "a second pass in the same window is a no-op")
}

func TestNthFireMatchesNthOccurrence(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.automation(t, "FREQ=DAILY;BYHOUR=7;BYMINUTE=0;BYSECOND=0", func(a *domain.ScheduleAutomation) {
		a.StartAt = t0
	})
	require.Equal(t, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC), a.NextScheduledAt.UTC())

	for i := 0; i < 5; i++ {
		f.clock.Set(a.NextScheduledAt.Add(time.Duration(i) * 24 * time.Hour).Add(time.Minute))
		_, err := f.scheduler.Tick(ctx)
		require.NoError(t, err)
	}

	got, err := f.registry.Get(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 5, got.ExecutionCount)
	assert.Equal(t, time.Date(2024, 3, 7, 7, 0, 0, 0, time.UTC), got.NextScheduledAt.UTC())
	assert.Equal(t, []time.Time{
		time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 3, 7, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 4, 7, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 5, 7, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 6, 7, 0, 0, 0, time.UTC),
	}, fireTimes(f.tasksFor(t, a.ID)))
}

func TestCatchupIsBounded(t *testing.T) {
	f := newFixture(t, Options{MaxCatchupRuns: 2})
	ctx := context.Background()
	a := f.automation(t, "0 * * * *", nil)

	// Down for five hours and a bit: occurrences 09:00..14:00 are due.
	f.clock.Set(t0.Add(5*time.Hour + 10*time.Minute))
	fired, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, fired)

	assert.Equal(t, []time.Time{t0.Add(4 * time.Hour), t0.Add(5 * time.Hour)}, fireTimes(f.tasksFor(t, a.ID)))

	got, err := f.registry.Get(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(6*time.Hour), got.NextScheduledAt.UTC())
	assert.Equal(t, 2, got.ExecutionCount)

	require.Len(t, f.analytics.rejected, 1)
	assert.Equal(t, OutcomeSkipped, f.analytics.rejected[0].Outcome)
	assert.Len(t, f.analytics.fired, 2)
}

func TestLongDowntimeSkipsInChunks(t *testing.T) {
	f := newFixture(t, Options{MaxCatchupRuns: 1})
	ctx := context.Background()
	a := f.automation(t, "* * * * *", nil)

	f.clock.Set(t0.Add(2 * 24 * time.Hour))
	fired, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)

	assert.Equal(t, []time.Time{t0.Add(2 * 24 * time.Hour)}, fireTimes(f.tasksFor(t, a.ID)))
	got, err := f.registry.Get(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*24*time.Hour+time.Minute), got.NextScheduledAt.UTC())
}

func TestExhaustedRuleBecomesInert(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.automation(t, "FREQ=HOURLY;COUNT=2", func(a *domain.ScheduleAutomation) { a.StartAt = t0 })

	f.clock.Set(t0.Add(90 * time.Minute))
	fired, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired, "default catch-up fires only the latest missed occurrence")

	got, err := f.registry.Get(ctx, a.ID, "")
	require.NoError(t, err)
	assert.True(t, got.Exhausted())
	assert.True(t, got.Enabled, "exhausted automations stay enabled but inert")

	f.clock.Advance(24 * time.Hour)
	fired, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	preview, err := f.registry.Preview(ctx, a.ID, "", 5)
	require.NoError(t, err)
	assert.Empty(t, preview)
}

func TestReenableSkipsBacklog(t *testing.T) {
	f := newFixture(t, Options{MaxCatchupRuns: 10})
	ctx := context.Background()
	a := f.automation(t, "0 * * * *", nil)

	_, err := f.registry.SetEnabled(ctx, a.ID, "C1", false)
	require.NoError(t, err)
	f.clock.Set(t0.Add(3*time.Hour + 15*time.Minute))

	fired, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)

	got, err := f.registry.Toggle(ctx, a.ID, "C1")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	assert.Equal(t, t0.Add(4*time.Hour), got.NextScheduledAt.UTC())

	fired, err = f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, fired)
}

func TestConcurrentSchedulersFireOnce(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.automation(t, "0 * * * *", nil)
	other := New(f.store, queue.New(f.store, f.clock, nil, 3), f.clock, nil, nil, Options{})

	f.clock.Set(t0.Add(time.Minute))
	var wg sync.WaitGroup
	for _, s := range []*Scheduler{f.scheduler, other, f.scheduler, other} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			_, err := s.Tick(ctx)
			assert.NoError(t, err)
		}(s)
	}
	wg.Wait()

	assert.Len(t, f.tasksFor(t, a.ID), 1)
}

func TestUpdateReschedules(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.automation(t, "0 * * * *", nil)

	rule := "15 * * * *"
	got, err := f.registry.Update(ctx, a.ID, "C1", Patch{RecurrenceRule: &rule})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), got.NextScheduledAt.UTC())

	name := "renamed"
	got, err = f.registry.Update(ctx, a.ID, "C1", Patch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Minute), got.NextScheduledAt.UTC())

	_, err = f.registry.Update(ctx, a.ID, "C2", Patch{Name: &name})
	assert.True(t, errors.Is(err, kerrors.ErrNotFound))
}

func TestRenameDuringTickKeepsSchedule(t *testing.T) {
	f := newFixture(t, Options{MaxCatchupRuns: 3})
	ctx := context.Background()
	a := f.automation(t, "0 * * * *", nil)

	stale, err := f.store.GetAutomation(ctx, a.ID, "C1")
	require.NoError(t, err)

	f.clock.Set(t0.Add(time.Hour))
	fired, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, fired)

	stale.Name = "renamed"
	require.NoError(t, f.store.UpdateAutomation(ctx, stale, false, stale.NextScheduledAt))

	for i := 2; i <= 3; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Hour))
		fired, err = f.scheduler.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, fired, "hour %d", i)
	}
	assert.Equal(t, []time.Time{t0, t0.Add(time.Hour), t0.Add(2 * time.Hour), t0.Add(3 * time.Hour)}, fireTimes(f.tasksFor(t, a.ID)))
}

func TestRewoundScheduleSkipsFiredOccurrences(t *testing.T) {
	f := newFixture(t, Options{MaxCatchupRuns: 3})
	ctx := context.Background()
	a := f.automation(t, "0 * * * *", nil)

	f.clock.Set(t0.Add(time.Hour))
	_, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)

	// put the pointer back on 09:00, which already has a task
	current, err := f.store.GetAutomation(ctx, a.ID, "C1")
	require.NoError(t, err)
	observed := current.NextScheduledAt
	rewound := t0
	current.NextScheduledAt = &rewound
	require.NoError(t, f.store.UpdateAutomation(ctx, current, true, observed))

	f.clock.Set(t0.Add(2*time.Hour + 5*time.Minute))
	fired, err := f.scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired, "only 11:00 is new")

	got, err := f.registry.Get(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(3*time.Hour), got.NextScheduledAt.UTC())
	assert.Equal(t, 3, got.ExecutionCount)
	assert.Len(t, f.tasksFor(t, a.ID), 3)
}

func TestPreview(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	a := f.automation(t, "0 9 * * 1-5", nil)

	got, err := f.registry.Preview(ctx, a.ID, "C1", 3)
	require.NoError(t, err)
	// 2024-03-01 is a Friday.
	assert.Equal(t, []time.Time{
		time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC),
	}, utc(got))

	adhoc, err := f.registry.PreviewRule("FREQ=WEEKLY;BYDAY=SU;BYHOUR=10;BYMINUTE=0;BYSECOND=0", t0, 2)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{
		time.Date(2024, 3, 3, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
	}, utc(adhoc))
}

func TestSchedulerLifecycle(t *testing.T) {
	f := newFixture(t, Options{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	assert.Error(t, f.scheduler.Health(ctx))
	require.NoError(t, f.scheduler.Init(ctx))
	require.NoError(t, f.scheduler.Start(ctx))
	assert.NoError(t, f.scheduler.Health(ctx))
	assert.Equal(t, t0, f.scheduler.LastTick())

	require.NoError(t, f.scheduler.Stop(ctx))
	assert.False(t, f.scheduler.IsRunning())
	assert.NoError(t, f.scheduler.Stop(ctx))
}

func utc(ts []time.Time) []time.Time {
	out := make([]time.Time, len(ts))
	for i, t := range ts {
		out[i] = t.UTC()
	}
	return out
}
