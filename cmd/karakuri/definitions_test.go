package main

import (
	"testing"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadListenersYAMLShapes(t *testing.T) {
	single := []byte(`
name: Door
source_id: ha
match_conditions:
  state: "on"
  entity_id: binary_sensor.door
action_type: wake_llm
action_config:
  prompt: door opened
`)
	ls, err := loadListeners("door.yaml", single)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.True(t, ls[0].Enabled, "omitted enabled means enabled")
	assert.Equal(t, domain.Conditions{
		{Path: "state", Value: "on"},
		{Path: "entity_id", Value: "binary_sensor.door"},
	}, ls[0].MatchConditions)

	wrapped := []byte(`
listeners:
  - name: A
    source_id: ha
    action_type: wake_llm
    action_config: {prompt: a}
  - name: B
    source_id: ha
    enabled: false
    action_type: script
    action_config:
      script_code: "result = 1"
      timeout: 5
`)
	ls, err = loadListeners("all.yml", wrapped)
	require.NoError(t, err)
	require.Len(t, ls, 2)
	assert.Equal(t, "B", ls[1].Name)
	assert.False(t, ls[1].Enabled)
	timeout, err := ls[1].ActionConfig.Timeout()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, timeout)

	multi := []byte("name: A\nsource_id: x\n---\nname: B\nsource_id: y\n")
	ls, err = loadListeners("multi.yaml", multi)
	require.NoError(t, err)
	require.Len(t, ls, 2)
	assert.Equal(t, "y", ls[1].SourceID)
}

func TestLoadListenersJSONC(t *testing.T) {
	data := []byte(`[
  /* first */
  {"name": "A", "source_id": "s", "match_conditions": {"b": 1, "a": 2}},
  // second
  {"name": "B", "source_id": "s", "enabled": false,},
]`)
	ls, err := loadListeners("defs.json", data)
	require.NoError(t, err)
	require.Len(t, ls, 2)
	assert.Equal(t, "b", ls[0].MatchConditions[0].Path)
	assert.True(t, ls[0].Enabled)
	assert.False(t, ls[1].Enabled)
}

func TestLoadAutomations(t *testing.T) {
	data := []byte(`{"automations": [{"name": "Morning", "recurrence_rule": "0 7 * * *", "start_at": "2025-01-01T00:00:00Z"}]}`)
	as, err := loadAutomations("a.jsonc", data)
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, "0 7 * * *", as[0].RecurrenceRule)
	assert.True(t, as[0].StartAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, as[0].Enabled)

	as, err = loadAutomations("a.yaml", []byte("name: Weekly\nrecurrence_rule: FREQ=WEEKLY\nstart_at: 2025-01-06T09:00:00Z\n"))
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, time.Monday, as[0].StartAt.Weekday())
}

func TestLoadDefinitionsErrors(t *testing.T) {
	_, err := loadListeners("bad.yaml", []byte("name: [unclosed"))
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)

	_, err = loadListeners("bad.json", []byte(`{"name": 42}`))
	assert.ErrorIs(t, err, kerrors.ErrInvalidInput)

	ls, err := loadListeners("empty.json", []byte("  // nothing\n"))
	require.NoError(t, err)
	assert.Empty(t, ls)
}
