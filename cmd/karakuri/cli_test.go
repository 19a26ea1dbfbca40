package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag of the tree to its default so commands can
// be executed repeatedly within one test binary.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(k, "")
	}
	return home
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(bytes.NewReader(nil))
	rootCmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := rootCmd.Execute()
	return out.String(), err
}

func runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	out, err := runCLI(t, append(args, "-o", "json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestListenerCommands(t *testing.T) {
	isolateHome(t)

	var created map[string]any
	runJSON(t, &created, "listener", "add",
		"--name", "Door opened",
		"--source", "home_assistant",
		"--match", `entity_id=binary_sensor.door "attributes.room=front hall"`,
		"--match", "state:=1",
		"--prompt", "The front door opened",
		"--conversation", "C1",
	)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "wake_llm", created["action_type"])
	assert.Equal(t, true, created["enabled"])
	assert.Equal(t, map[string]any{
		"entity_id":       "binary_sensor.door",
		"attributes.room": "front hall",
		"state":           float64(1),
	}, created["match_conditions"])

	var listed []map[string]any
	runJSON(t, &listed, "listener", "ls", "--conversation", "C1")
	require.Len(t, listed, 1)

	runJSON(t, &listed, "listener", "ls", "--conversation", "other")
	assert.Empty(t, listed)

	var updated map[string]any
	runJSON(t, &updated, "listener", "update", id, "--daily-limit", "2", "--model", "gpt-4o")
	assert.Equal(t, float64(2), updated["daily_limit"])
	cfg := updated["action_config"].(map[string]any)
	assert.Equal(t, "The front door opened", cfg["prompt"], "action flags merge into existing config")
	assert.Equal(t, "gpt-4o", cfg["model"])

	var toggled map[string]any
	runJSON(t, &toggled, "listener", "disable", id)
	assert.Equal(t, false, toggled["enabled"])
	runJSON(t, &toggled, "listener", "toggle", id)
	assert.Equal(t, true, toggled["enabled"])

	_, err := runCLI(t, "listener", "get", id, "--conversation", "other")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))

	out, err := runCLI(t, "listener", "rm", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	_, err = runCLI(t, "listener", "get", id)
	assert.Equal(t, 3, exitCode(err))
}

func TestListenerAddRejectsInvalidDefinition(t *testing.T) {
	isolateHome(t)

	_, err := runCLI(t, "listener", "add", "--name", "No prompt", "--source", "s")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = runCLI(t, "listener", "add", "--name", "Bad match", "--source", "s", "--prompt", "p", "--match", "novalue")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestEventSubmitAndTaskControl(t *testing.T) {
	isolateHome(t)

	var l map[string]any
	runJSON(t, &l, "listener", "add",
		"--name", "Warm",
		"--source", "weather",
		"--match", "condition=sunny",
		"--script", "result = event['temp'] * 2",
	)
	assert.Equal(t, "script", l["action_type"])

	var receipt struct {
		Event struct {
			ID string `json:"event_id"`
		} `json:"event"`
		Match struct {
			Evaluated int      `json:"evaluated"`
			Triggered []string `json:"triggered_listener_ids"`
		} `json:"match"`
	}
	runJSON(t, &receipt, "event", "submit", "weather", "--data", `{"condition":"sunny","temp":21}`, "--external-id", "w-1")
	require.NotEmpty(t, receipt.Event.ID)
	assert.Equal(t, 1, receipt.Match.Evaluated)
	assert.Equal(t, []string{l["id"].(string)}, receipt.Match.Triggered)

	_, err := runCLI(t, "event", "submit", "weather", "--data", `{"condition":"sunny"}`, "--external-id", "w-1")
	require.Error(t, err, "replayed external id is rejected across invocations")
	assert.Equal(t, 4, exitCode(err))

	var events []map[string]any
	runJSON(t, &events, "event", "ls", "--source", "weather", "--since", "-1h")
	assert.Len(t, events, 1)

	var tasks []map[string]any
	runJSON(t, &tasks, "task", "ls", "--status", "pending")
	require.Len(t, tasks, 1)
	taskID := tasks[0]["task_id"].(string)

	var task map[string]any
	runJSON(t, &task, "task", "cancel", taskID)
	assert.Equal(t, "cancelled", task["status"])

	_, err = runCLI(t, "task", "cancel", taskID)
	require.Error(t, err)
	assert.Equal(t, 4, exitCode(err))

	var counts map[string]int
	runJSON(t, &counts, "task", "stats")
	assert.Equal(t, 1, counts["cancelled"])
}

func TestListenerApplyFromJSONC(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "listeners.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{
  // home automation
  "listeners": [
    {
      "name": "Door",
      "source_id": "ha",
      "match_conditions": {"state": "on"},
      "action_type": "wake_llm",
      "action_config": {"prompt": "door"},
    },
  ],
}`), 0600))

	out, err := runCLI(t, "listener", "apply", "-f", path)
	require.NoError(t, err, out)
	assert.Contains(t, out, "created")

	var listed []map[string]any
	runJSON(t, &listed, "listener", "ls")
	require.Len(t, listed, 1)
	id := listed[0]["id"].(string)
	assert.Equal(t, defaultConversation, listed[0]["conversation_id"])

	yamlPath := filepath.Join(dir, "update.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`id: `+id+`
name: Door renamed
source_id: ha
match_conditions:
  state: "off"
action_type: wake_llm
action_config:
  prompt: door closed
enabled: false
`), 0600))

	out, err = runCLI(t, "listener", "apply", "-f", yamlPath)
	require.NoError(t, err, out)
	assert.Contains(t, out, "updated")

	var got map[string]any
	runJSON(t, &got, "listener", "get", id)
	assert.Equal(t, "Door renamed", got["name"])
	assert.Equal(t, false, got["enabled"])
	assert.Equal(t, map[string]any{"state": "off"}, got["match_conditions"])
}

func TestAutomationCommands(t *testing.T) {
	isolateHome(t)

	var a map[string]any
	runJSON(t, &a, "automation", "add",
		"--name", "Morning",
		"--rule", "FREQ=DAILY;BYHOUR=7;BYMINUTE=0;BYSECOND=0",
		"--start-at", "2030-01-01",
		"--prompt", "Good morning",
	)
	id := a["id"].(string)
	require.NotEmpty(t, id)
	assert.NotNil(t, a["next_scheduled_at"])

	var times []string
	runJSON(t, &times, "automation", "preview", id, "-n", "3")
	assert.Len(t, times, 3)

	runJSON(t, &times, "automation", "preview", "--rule", "@every 1h", "-n", "2")
	assert.Len(t, times, 2)

	_, err := runCLI(t, "automation", "preview")
	assert.Equal(t, 2, exitCode(err))

	_, err = runCLI(t, "automation", "add", "--name", "Bad", "--rule", "not a rule", "--prompt", "p")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	var disabled map[string]any
	runJSON(t, &disabled, "automation", "disable", id)
	assert.Equal(t, false, disabled["enabled"])

	_, err = runCLI(t, "automation", "rm", id)
	require.NoError(t, err)
	var listed []map[string]any
	runJSON(t, &listed, "automation", "ls")
	assert.Empty(t, listed)
}

func TestScriptCommands(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	good := filepath.Join(dir, "good.star")
	require.NoError(t, os.WriteFile(good, []byte("result = event['n'] + 1\n"), 0600))
	bad := filepath.Join(dir, "bad.star")
	require.NoError(t, os.WriteFile(bad, []byte("def (:\n"), 0600))

	out, err := runCLI(t, "script", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	_, err = runCLI(t, "script", "validate", bad)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	var res map[string]any
	runJSON(t, &res, "script", "test", good, "--event", `{"n": 41}`)
	assert.Equal(t, true, res["success"])
	assert.Equal(t, float64(42), res["result"])

	_, err = runCLI(t, "script", "test", good, "--event", `[1]`)
	assert.Equal(t, 2, exitCode(err))
}

func TestConfigShowMasksSecrets(t *testing.T) {
	isolateHome(t)
	t.Setenv("KARAKURI_ADAPTERS__SLACK__BOT_TOKEN", "xoxb-123456789")
	t.Setenv("KARAKURI_STORE__DSN", "postgres://karakuri:hunter2@db:5432/karakuri")

	out, err := runCLI(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "log_level:")
	assert.Contains(t, out, "bot_token: xo**********89")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigInitWritesTemplateOnce(t *testing.T) {
	home := isolateHome(t)

	out, err := runCLI(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized config")

	data, err := os.ReadFile(filepath.Join(home, ".karakuri", "config.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "driver: sqlite")

	out, err = runCLI(t, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}
