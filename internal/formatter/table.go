package formatter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

const timeLayout = "2006-01-02 15:04:05"

type TableFormatter struct {
	headerStyle  lipgloss.Style
	keyStyle     lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
	yaml         *YAMLFormatter
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		keyStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
		yaml: NewYAMLFormatter(),
	}
}

func (f *TableFormatter) list(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)
}

func (f *TableFormatter) detail() *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.keyStyle
			}
			return f.cellStyle
		})
}

func (f *TableFormatter) Listeners(listeners []*domain.EventListener) (string, error) {
	if len(listeners) == 0 {
		return "No listeners found", nil
	}
	t := f.list("ID", "Name", "Source", "Action", "Enabled", "Today", "Last Run")
	for _, l := range listeners {
		t.Row(
			l.ID,
			truncateString(l.Name, 24),
			l.SourceID,
			string(l.ActionType),
			yesNo(l.Enabled),
			strconv.Itoa(l.DailyExecutions),
			formatTime(l.LastExecutionAt),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) Listener(l *domain.EventListener) (string, error) {
	if l == nil {
		return "No listener found", nil
	}
	t := f.detail()
	t.Row("ID", l.ID)
	t.Row("Name", l.Name)
	t.Row("Description", truncateString(l.Description, 60))
	t.Row("Source", l.SourceID)
	t.Row("Conditions", formatConditions(l.MatchConditions))
	if l.ConditionScript != "" {
		t.Row("Condition Script", truncateString(l.ConditionScript, 60))
	}
	t.Row("Action", string(l.ActionType))
	t.Row("Action Config", formatConfig(l.ActionConfig))
	t.Row("Enabled", yesNo(l.Enabled))
	t.Row("One Time", yesNo(l.OneTime))
	t.Row("Daily Limit", dailyLimit(l.DailyLimit))
	t.Row("Today", fmt.Sprintf("%d (%s)", l.DailyExecutions, orDash(l.LastResetDate)))
	t.Row("Last Run", formatTime(l.LastExecutionAt))
	t.Row("Conversation", orDash(l.ConversationID))
	t.Row("Interface", orDash(l.InterfaceType))
	t.Row("Created", l.CreatedAt.Format(timeLayout))
	return t.String(), nil
}

func (f *TableFormatter) Automations(automations []*domain.ScheduleAutomation) (string, error) {
	if len(automations) == 0 {
		return "No automations found", nil
	}
	t := f.list("ID", "Name", "Rule", "Action", "Enabled", "Next Run", "Runs")
	for _, a := range automations {
		next := formatTime(a.NextScheduledAt)
		if a.Enabled && a.Exhausted() {
			next = "exhausted"
		}
		t.Row(
			a.ID,
			truncateString(a.Name, 24),
			truncateString(a.RecurrenceRule, 32),
			string(a.ActionType),
			yesNo(a.Enabled),
			next,
			strconv.Itoa(a.ExecutionCount),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) Automation(a *domain.ScheduleAutomation) (string, error) {
	if a == nil {
		return "No automation found", nil
	}
	t := f.detail()
	t.Row("ID", a.ID)
	t.Row("Name", a.Name)
	t.Row("Description", truncateString(a.Description, 60))
	t.Row("Rule", a.RecurrenceRule)
	t.Row("Start At", a.StartAt.Format(timeLayout))
	t.Row("Action", string(a.ActionType))
	t.Row("Action Config", formatConfig(a.ActionConfig))
	t.Row("Enabled", yesNo(a.Enabled))
	t.Row("Next Run", formatTime(a.NextScheduledAt))
	t.Row("Runs", strconv.Itoa(a.ExecutionCount))
	t.Row("Last Run", formatTime(a.LastExecutionAt))
	t.Row("Conversation", orDash(a.ConversationID))
	t.Row("Interface", orDash(a.InterfaceType))
	t.Row("Created", a.CreatedAt.Format(timeLayout))
	return t.String(), nil
}

func (f *TableFormatter) Events(events []*domain.Event) (string, error) {
	if len(events) == 0 {
		return "No events found", nil
	}
	t := f.list("ID", "Source", "External ID", "Timestamp", "Triggered")
	for _, e := range events {
		t.Row(
			e.ID,
			e.SourceID,
			orDash(e.ExternalID),
			e.Timestamp.Format(timeLayout),
			strconv.Itoa(len(e.TriggeredListenerIDs)),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) Event(e *domain.Event) (string, error) {
	if e == nil {
		return "No event found", nil
	}
	data, err := f.yaml.Value(e.Data)
	if err != nil {
		return "", err
	}
	t := f.detail()
	t.Row("ID", e.ID)
	t.Row("Source", e.SourceID)
	t.Row("External ID", orDash(e.ExternalID))
	t.Row("Timestamp", e.Timestamp.Format(timeLayout))
	t.Row("Triggered", orDash(strings.Join(e.TriggeredListenerIDs, ", ")))
	t.Row("Data", data)
	return t.String(), nil
}

func (f *TableFormatter) Tasks(tasks []*domain.Task) (string, error) {
	if len(tasks) == 0 {
		return "No tasks found", nil
	}
	t := f.list("ID", "Type", "Name", "Action", "Status", "Attempts", "Scheduled")
	for _, task := range tasks {
		t.Row(
			task.ID,
			string(task.Type),
			truncateString(task.Payload.Name, 24),
			string(task.Payload.ActionType),
			string(task.Status),
			fmt.Sprintf("%d/%d", task.RetryCount, task.MaxRetries),
			task.ScheduledAt.Format(timeLayout),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) Task(task *domain.Task) (string, error) {
	if task == nil {
		return "No task found", nil
	}
	t := f.detail()
	t.Row("ID", task.ID)
	t.Row("Type", string(task.Type))
	t.Row("Name", orDash(task.Payload.Name))
	t.Row("Action", string(task.Payload.ActionType))
	t.Row("Status", string(task.Status))
	t.Row("Retries", fmt.Sprintf("%d/%d", task.RetryCount, task.MaxRetries))
	t.Row("Scheduled", task.ScheduledAt.Format(timeLayout))
	t.Row("Started", formatTime(task.StartedAt))
	t.Row("Completed", formatTime(task.CompletedAt))
	if task.Payload.ListenerID != "" {
		t.Row("Listener", task.Payload.ListenerID)
		t.Row("Event", task.Payload.EventID)
	}
	if task.Payload.AutomationID != "" {
		t.Row("Automation", task.Payload.AutomationID)
		t.Row("Fire Time", formatTime(task.Payload.FireTime))
	}
	t.Row("Worker", orDash(task.WorkerID))
	t.Row("Result", orDash(truncateString(task.Result, 80)))
	t.Row("Error", orDash(task.ErrorMessage))
	t.Row("Last Error", orDash(task.LastError))
	return t.String(), nil
}

// Value has no tabular shape in general, so it falls back to YAML.
func (f *TableFormatter) Value(v any) (string, error) {
	return f.yaml.Value(v)
}

func formatConditions(c domain.Conditions) string {
	if c.Empty() {
		return "(any)"
	}
	parts := make([]string, 0, len(c))
	for _, cond := range c {
		parts = append(parts, fmt.Sprintf("%s=%v", cond.Path, cond.Value))
	}
	return strings.Join(parts, "\n")
}

func formatConfig(cfg domain.ActionConfig) string {
	if len(cfg) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(cfg))
	for k := range cfg {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, truncateString(fmt.Sprint(cfg[k]), 60)))
	}
	return strings.Join(parts, "\n")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(timeLayout)
}

func dailyLimit(n int) string {
	if n <= 0 {
		return "default"
	}
	return strconv.Itoa(n)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
