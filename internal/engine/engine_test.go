package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/karakuri/internal/clock"
	"github.com/harunnryd/karakuri/internal/config"
	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
	"github.com/harunnryd/karakuri/internal/ingress"
	"github.com/harunnryd/karakuri/internal/listener"
	"github.com/harunnryd/karakuri/internal/script"
	"github.com/harunnryd/karakuri/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *clock.FakeClock) {
	t.Helper()
	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "engine.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Matcher: config.MatcherConfig{DailyLimit: 5, ConditionTimeout: "1s"},
		Queue:   config.QueueConfig{MaxRetries: 3},
		Sandbox: config.SandboxConfig{ActionTimeout: "5s"},
		Events:  config.EventsConfig{TestMaxResults: 2},
	}
	clk := clock.Fake(t0)
	e, err := New(cfg, st, Options{Clock: clk})
	require.NoError(t, err)
	return e, clk
}

func temperature(state string) map[string]any {
	return map[string]any{"entity_id": "sensor.temperature", "state": state, "attributes": map[string]any{"room": "kitchen"}}
}

func TestSubmitEventEnqueuesListenerTask(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	l, err := e.CreateListener(ctx, &domain.EventListener{
		Name:            "warm",
		SourceID:        "home_assistant",
		MatchConditions: domain.Conditions{}.Set("entity_id", "sensor.temperature").Set("state", "25"),
		ActionType:      domain.ActionScript,
		ActionConfig:    domain.ActionConfig{domain.ConfigScriptCode: "result = event['state']"},
		Enabled:         true,
		ConversationID:  "C1",
	})
	require.NoError(t, err)

	rcpt, err := e.SubmitEvent(ctx, ingress.Submission{SourceID: "home_assistant", Data: temperature("25")})
	require.NoError(t, err)
	assert.Equal(t, []string{l.ID}, rcpt.Event.TriggeredListenerIDs)

	rcpt, err = e.SubmitEvent(ctx, ingress.Submission{SourceID: "home_assistant", Data: temperature("20")})
	require.NoError(t, err)
	assert.Empty(t, rcpt.Event.TriggeredListenerIDs)

	tasks, err := e.ListTasks(ctx, TaskQuery{Type: domain.TaskTypeListener})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.TaskPending, tasks[0].Status)
	assert.Equal(t, l.ID, tasks[0].Payload.ListenerID)

	stats := e.ListenerStats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Evaluated)
	assert.Equal(t, int64(1), stats[0].Admitted)

	require.NoError(t, e.DeleteListener(ctx, l.ID, "C1"))
	assert.Empty(t, e.ListenerStats())
}

func TestTaskControl(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.CreateListener(ctx, &domain.EventListener{
		Name:           "any",
		SourceID:       "github",
		ActionType:     domain.ActionWakeLLM,
		ActionConfig:   domain.ActionConfig{domain.ConfigPrompt: "New activity"},
		Enabled:        true,
		ConversationID: "C1",
	})
	require.NoError(t, err)
	_, err = e.SubmitEvent(ctx, ingress.Submission{SourceID: "github"})
	require.NoError(t, err)

	tasks, err := e.ListTasks(ctx, TaskQuery{Statuses: []domain.TaskStatus{domain.TaskPending}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	id := tasks[0].ID

	got, err := e.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "New activity", got.Payload.ActionConfig.String(domain.ConfigPrompt))

	cancelled, err := e.CancelTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, cancelled.Status)

	_, err = e.CancelTask(ctx, id)
	assert.True(t, errors.Is(err, kerrors.ErrConflict))
	_, err = e.RetryTask(ctx, id)
	assert.True(t, errors.Is(err, kerrors.ErrConflict))
	_, err = e.GetTask(ctx, "missing")
	assert.True(t, errors.Is(err, kerrors.ErrNotFound))

	counts, err := e.TaskCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.TaskCancelled])

	from := t0.Add(time.Hour)
	to := t0
	_, err = e.ListTasks(ctx, TaskQuery{From: &from, To: &to})
	assert.True(t, errors.Is(err, kerrors.ErrInvalidInput))
}

func TestConditionDryRun(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	for _, state := range []string{"25", "20", "25", "25"} {
		_, err := e.SubmitEvent(ctx, ingress.Submission{SourceID: "home_assistant", Data: temperature(state)})
		require.NoError(t, err)
	}
	_, err := e.SubmitEvent(ctx, ingress.Submission{
		SourceID:  "home_assistant",
		Data:      temperature("25"),
		Timestamp: t0.Add(-48 * time.Hour),
	})
	require.NoError(t, err)
	_, err = e.SubmitEvent(ctx, ingress.Submission{SourceID: "other", Data: temperature("25")})
	require.NoError(t, err)

	report, err := e.TestCondition(ctx, ConditionTest{
		SourceID:   "home_assistant",
		Conditions: domain.Conditions{}.Set("state", "25").Set("attributes.room", "kitchen"),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, report.TotalTested)
	assert.Equal(t, 3, report.MatchedCount)
	assert.Len(t, report.MatchedEvents, 2, "matched events are capped")

	report, err = e.TestCondition(ctx, ConditionTest{SourceID: "home_assistant", Hours: 72, Script: "event['state'] == '20'"})
	require.NoError(t, err)
	assert.Equal(t, 5, report.TotalTested)
	assert.Equal(t, 1, report.MatchedCount)

	report, err = e.TestCondition(ctx, ConditionTest{SourceID: "home_assistant", Script: "event['missing']"})
	require.NoError(t, err)
	assert.Equal(t, 0, report.MatchedCount)
	assert.Equal(t, 4, report.ScriptErrors)
	assert.NotEmpty(t, report.FirstError)

	_, err = e.TestCondition(ctx, ConditionTest{SourceID: "home_assistant", Script: "event["})
	assert.True(t, errors.Is(err, kerrors.ErrInvalidInput))
	_, err = e.TestCondition(ctx, ConditionTest{})
	assert.True(t, errors.Is(err, kerrors.ErrInvalidInput))
	_, err = e.TestCondition(ctx, ConditionTest{SourceID: "x", Hours: MaxTestHours + 1})
	assert.True(t, errors.Is(err, kerrors.ErrInvalidInput))

	tasks, err := e.ListTasks(ctx, TaskQuery{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "dry runs enqueue nothing")
}

func TestScriptDryRun(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	code := "print('checking')\nresult = event['state'] + '!'"
	require.True(t, e.ValidateScript(code).Success)

	res := e.TestScript(ctx, ScriptTest{Code: code, SampleEvent: map[string]any{"state": "25"}})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "25!", res.Value)
	assert.Equal(t, []string{"checking"}, res.Output)

	res = e.TestScript(ctx, ScriptTest{Code: "event['state']"})
	assert.False(t, res.Success)
	assert.Equal(t, script.KindRuntime, res.Kind)

	v := e.ValidateScript("if True\n  x = 1")
	assert.False(t, v.Success)
	assert.Equal(t, 1, v.Line)

	res = e.TestScript(ctx, ScriptTest{Code: "while True:\n    pass", Timeout: 50 * time.Millisecond})
	assert.False(t, res.Success)
	assert.Equal(t, script.KindTimeout, res.Kind)
}

func TestUpdateListenerThroughFacade(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	l, err := e.CreateListener(ctx, &domain.EventListener{
		Name:           "any",
		SourceID:       "github",
		ActionType:     domain.ActionWakeLLM,
		ActionConfig:   domain.ActionConfig{domain.ConfigPrompt: "hi"},
		Enabled:        true,
		ConversationID: "C1",
	})
	require.NoError(t, err)

	conds := domain.Conditions{}.Set("action", "opened")
	updated, err := e.UpdateListener(ctx, l.ID, "C1", listener.Patch{MatchConditions: &conds})
	require.NoError(t, err)
	assert.Equal(t, conds, updated.MatchConditions)

	_, err = e.GetListener(ctx, l.ID, "C2")
	assert.True(t, errors.Is(err, kerrors.ErrNotFound), "listeners are scoped by conversation")

	toggled, err := e.ToggleListener(ctx, l.ID, "C1")
	require.NoError(t, err)
	assert.False(t, toggled.Enabled)
}

func TestAutomationPreviewThroughFacade(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	a, err := e.CreateAutomation(ctx, &domain.ScheduleAutomation{
		Name:           "brief",
		RecurrenceRule: "0 7 * * *",
		ActionType:     domain.ActionWakeLLM,
		ActionConfig:   domain.ActionConfig{domain.ConfigPrompt: "Summarize"},
		Enabled:        true,
		ConversationID: "C1",
	})
	require.NoError(t, err)
	require.NotNil(t, a.NextScheduledAt)
	assert.Equal(t, time.Date(2024, 3, 2, 7, 0, 0, 0, time.UTC), a.NextScheduledAt.UTC())

	times, err := e.PreviewAutomation(ctx, a.ID, "C1", 3)
	require.NoError(t, err)
	require.Len(t, times, 3)
	assert.Equal(t, time.Date(2024, 3, 4, 7, 0, 0, 0, time.UTC), times[2].UTC())

	_, err = e.PreviewRule("not a rule", time.Time{}, 3)
	assert.True(t, errors.Is(err, kerrors.ErrInvalidInput))
}
