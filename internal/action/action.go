// Package action runs the two action variants a task can carry and turns
// whatever they do into a task outcome.
package action

import (
	"context"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
)

// Action executes one action type. The returned string is stored as the task
// result; errors carry a kerrors category.
type Action interface {
	Type() domain.ActionType
	Execute(ctx context.Context, task *domain.Task) (string, error)
}

// Trigger describes what caused the task, as seen by scripts and prompts.
func Trigger(task *domain.Task) map[string]any {
	p := task.Payload
	t := map[string]any{
		"task_id":         task.ID,
		"task_type":       string(task.Type),
		"name":            p.Name,
		"conversation_id": p.ConversationID,
		"attempt":         task.RetryCount + 1,
	}

	switch task.Type {
	case domain.TaskTypeListener:
		t["kind"] = "event"
		t["listener_id"] = p.ListenerID
		t["event_id"] = p.EventID
		t["source_id"] = p.SourceID
		if p.EventData != nil {
			t["event_data"] = p.EventData
		}
	case domain.TaskTypeSchedule:
		t["kind"] = "schedule"
		t["automation_id"] = p.AutomationID
		if p.FireTime != nil {
			t["fire_time"] = p.FireTime.UTC().Format(time.RFC3339)
		}
	}
	return t
}
