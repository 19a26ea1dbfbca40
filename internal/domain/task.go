package domain

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskDone       TaskStatus = "done"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

var taskStatuses = []TaskStatus{TaskPending, TaskProcessing, TaskDone, TaskFailed, TaskCancelled}

func TaskStatuses() []TaskStatus {
	return append([]TaskStatus(nil), taskStatuses...)
}

func (s TaskStatus) IsValid() bool {
	for _, v := range taskStatuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", invalid("status", fmt.Sprintf("unknown task status %q", s))
	}
	return st, nil
}

// transitions lists every legal status change. processing -> pending is the
// lease-expiry path for a worker that vanished mid-task.
var transitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskProcessing, TaskCancelled},
	TaskProcessing: {TaskDone, TaskFailed, TaskPending},
	TaskFailed:     {TaskPending},
}

func CanTransition(from, to TaskStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type TaskType string

const (
	TaskTypeListener TaskType = "listener_trigger"
	TaskTypeSchedule TaskType = "schedule_trigger"
)

func ParseTaskType(s string) (TaskType, error) {
	t := TaskType(strings.ToLower(strings.TrimSpace(s)))
	if t != TaskTypeListener && t != TaskTypeSchedule {
		return "", invalid("task_type", fmt.Sprintf("unknown task type %q", s))
	}
	return t, nil
}

// TaskPayload carries everything needed to redo the action without reading
// the listener or automation again.
type TaskPayload struct {
	ActionType     ActionType     `json:"action_type"`
	ActionConfig   ActionConfig   `json:"action_config"`
	ListenerID     string         `json:"listener_id,omitempty"`
	AutomationID   string         `json:"automation_id,omitempty"`
	Name           string         `json:"name,omitempty"`
	EventID        string         `json:"event_id,omitempty"`
	SourceID       string         `json:"source_id,omitempty"`
	EventData      map[string]any `json:"event_data,omitempty"`
	FireTime       *time.Time     `json:"fire_time,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	InterfaceType  string         `json:"interface_type,omitempty"`
}

type Task struct {
	ID             string      `json:"task_id"`
	Type           TaskType    `json:"task_type"`
	Payload        TaskPayload `json:"payload"`
	Status         TaskStatus  `json:"status"`
	RetryCount     int         `json:"retry_count"`
	MaxRetries     int         `json:"max_retries"`
	ScheduledAt    time.Time   `json:"scheduled_at"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	Result         string      `json:"result,omitempty"`
	RecurrenceRule string      `json:"recurrence_rule,omitempty"`
	WorkerID       string      `json:"worker_id,omitempty"`
	ClaimToken     string      `json:"-"`
	LeaseExpiresAt *time.Time  `json:"lease_expires_at,omitempty"`
}

// CanAutoRetry reports whether a failure of this attempt schedules another.
func (t *Task) CanAutoRetry() bool {
	return t.RetryCount < t.MaxRetries
}
