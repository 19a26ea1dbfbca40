package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
)

const taskColumns = `id, task_type, payload, status, retry_count, max_retries, scheduled_at, created_at,
	updated_at, started_at, completed_at, error_message, last_error, result, recurrence_rule,
	worker_id, claim_token, lease_expires_at`

// LeaseExpiredMessage is recorded as last_error when a claim is reclaimed.
const LeaseExpiredMessage = "claim lease expired before the task finished"

type TaskFilter struct {
	Statuses     []domain.TaskStatus
	Type         domain.TaskType
	ListenerID   string
	AutomationID string
	// From and To bound created_at.
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// InsertTask stores a new task. A non-empty dedupKey makes the insert fail
// with ErrConflict when a task with the same key exists.
func (s *Store) InsertTask(ctx context.Context, t *domain.Task, dedupKey string) error {
	return s.insertTask(ctx, s.db, t, dedupKey)
}

func (s *Store) insertTask(ctx context.Context, q execer, t *domain.Task, dedupKey string) error {
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, q, `INSERT INTO tasks (`+taskColumns+`, listener_id, automation_id, dedup_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Type), payload, string(t.Status), t.RetryCount, t.MaxRetries,
		millis(t.ScheduledAt), millis(t.CreatedAt), millis(t.UpdatedAt),
		nullMillis(t.StartedAt), nullMillis(t.CompletedAt), t.ErrorMessage, t.LastError, t.Result,
		t.RecurrenceRule, t.WorkerID, t.ClaimToken, nullMillis(t.LeaseExpiresAt),
		t.Payload.ListenerID, t.Payload.AutomationID, nullString(dedupKey),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return kerrors.Conflict(fmt.Sprintf("task %s already enqueued (key %q)", t.ID, dedupKey))
		}
		return s.wrap(err, "insert task")
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, kerrors.NotFound(fmt.Sprintf("task %s", id))
	}
	if err != nil {
		return nil, s.wrap(err, "get task")
	}
	return t, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*domain.Task, error) {
	var where []string
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Type != "" {
		where = append(where, "task_type = ?")
		args = append(args, string(f.Type))
	}
	if f.ListenerID != "" {
		where = append(where, "listener_id = ?")
		args = append(args, f.ListenerID)
	}
	if f.AutomationID != "" {
		where = append(where, "automation_id = ?")
		args = append(args, f.AutomationID)
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, millis(*f.From))
	}
	if f.To != nil {
		where = append(where, "created_at <= ?")
		args = append(args, millis(*f.To))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	return s.listTasks(ctx, query, args...)
}

// ListClaimable returns pending tasks that are due, oldest schedule first.
func (s *Store) ListClaimable(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at, id LIMIT ?`, string(domain.TaskPending), millis(now), limit)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.wrap(err, "list tasks")
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, s.wrap(err, "scan task")
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "list tasks")
	}
	return out, nil
}

type ClaimParams struct {
	TaskID   string
	WorkerID string
	// Token identifies this claim; completion must present it.
	Token      string
	Now        time.Time
	LeaseUntil time.Time
}

// ClaimTask moves a pending task to processing. Exactly one of any number of
// concurrent callers gets true.
func (s *Store) ClaimTask(ctx context.Context, p ClaimParams) (bool, error) {
	now := millis(p.Now)
	res, err := s.exec(ctx, s.db, `UPDATE tasks SET
			status = ?, worker_id = ?, claim_token = ?, started_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskProcessing), p.WorkerID, p.Token, now, millis(p.LeaseUntil), now,
		p.TaskID, string(domain.TaskPending),
	)
	if err != nil {
		return false, s.wrap(err, "claim task")
	}
	n, err := affected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteTask records success for the holder of the claim.
func (s *Store) CompleteTask(ctx context.Context, id, token, result string, now time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE tasks SET
			status = ?, result = ?, error_message = '', completed_at = ?, lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claim_token = ?`,
		string(domain.TaskDone), result, millis(now), millis(now),
		id, string(domain.TaskProcessing), token,
	)
	if err != nil {
		return s.wrap(err, "complete task")
	}
	return s.expectClaim(ctx, res, id)
}

type FailParams struct {
	TaskID string
	Token  string
	Error  string
	// Retry re-queues the task for RetryAt instead of failing it.
	Retry   bool
	RetryAt time.Time
	Now     time.Time
}

// FailTask records a failed attempt for the holder of the claim. An
// automatic retry goes from processing straight back to pending in this one
// update: the failed state between attempts is never stored, and the
// attempt's error is kept in last_error while error_message stays empty
// until the task fails for good.
func (s *Store) FailTask(ctx context.Context, p FailParams) error {
	now := millis(p.Now)
	var (
		res sql.Result
		err error
	)
	if p.Retry {
		res, err = s.exec(ctx, s.db, `UPDATE tasks SET
				status = ?, retry_count = retry_count + 1, scheduled_at = ?, error_message = '', last_error = ?,
				worker_id = '', claim_token = '', lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND claim_token = ?`,
			string(domain.TaskPending), millis(p.RetryAt), p.Error, now,
			p.TaskID, string(domain.TaskProcessing), p.Token,
		)
	} else {
		res, err = s.exec(ctx, s.db, `UPDATE tasks SET
				status = ?, error_message = ?, last_error = ?, completed_at = ?, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND status = ? AND claim_token = ?`,
			string(domain.TaskFailed), p.Error, p.Error, now, now,
			p.TaskID, string(domain.TaskProcessing), p.Token,
		)
	}
	if err != nil {
		return s.wrap(err, "fail task")
	}
	return s.expectClaim(ctx, res, p.TaskID)
}

// RetryTask puts a failed task back in the queue, counting the attempt.
func (s *Store) RetryTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE tasks SET
			status = ?, retry_count = retry_count + 1, scheduled_at = ?, last_error = error_message, error_message = '',
			worker_id = '', claim_token = '', started_at = NULL, completed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskPending), millis(now), millis(now), id, string(domain.TaskFailed),
	)
	if err != nil {
		return s.wrap(err, "retry task")
	}
	return s.expectTransition(ctx, res, id, "retry", domain.TaskFailed)
}

// CancelTask withdraws a task that has not started.
func (s *Store) CancelTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.exec(ctx, s.db, `UPDATE tasks SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(domain.TaskCancelled), millis(now), millis(now), id, string(domain.TaskPending),
	)
	if err != nil {
		return s.wrap(err, "cancel task")
	}
	return s.expectTransition(ctx, res, id, "cancel", domain.TaskPending)
}

// ReleaseExpiredClaims returns processing tasks whose lease ran out to
// pending without counting a retry.
func (s *Store) ReleaseExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, `UPDATE tasks SET
			status = ?, worker_id = '', claim_token = '', started_at = NULL, lease_expires_at = NULL,
			last_error = ?, updated_at = ?
		WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		string(domain.TaskPending), LeaseExpiredMessage, millis(now),
		string(domain.TaskProcessing), millis(now),
	)
	if err != nil {
		return 0, s.wrap(err, "release expired claims")
	}
	return affected(res)
}

// CountTasksByStatus reports queue depth per status; absent statuses are zero.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.query(ctx, s.db, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, s.wrap(err, "count tasks")
	}
	defer rows.Close()

	out := make(map[domain.TaskStatus]int)
	for _, st := range domain.TaskStatuses() {
		out[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, s.wrap(err, "scan task count")
		}
		out[domain.TaskStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "count tasks")
	}
	return out, nil
}

// PruneTasks deletes finished tasks completed before the cutoff.
func (s *Store) PruneTasks(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM tasks WHERE status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		string(domain.TaskDone), string(domain.TaskCancelled), millis(before))
	if err != nil {
		return 0, s.wrap(err, "prune tasks")
	}
	return affected(res)
}

// expectClaim distinguishes a missing task from a claim that was lost to
// lease expiry or another worker.
func (s *Store) expectClaim(ctx context.Context, res sql.Result, id string) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return kerrors.Conflict(fmt.Sprintf("task %s: claim no longer held", id))
}

func (s *Store) expectTransition(ctx context.Context, res sql.Result, id, op string, from domain.TaskStatus) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return kerrors.Conflict(fmt.Sprintf("cannot %s task %s: status is %s, want %s", op, id, t.Status, from))
}

func scanTask(r rowScanner) (*domain.Task, error) {
	var (
		t                                domain.Task
		taskType, payload, status        string
		scheduled, created, updated      int64
		started, completed, leaseExpires sql.NullInt64
	)
	if err := r.Scan(
		&t.ID, &taskType, &payload, &status, &t.RetryCount, &t.MaxRetries, &scheduled, &created,
		&updated, &started, &completed, &t.ErrorMessage, &t.LastError, &t.Result, &t.RecurrenceRule,
		&t.WorkerID, &t.ClaimToken, &leaseExpires,
	); err != nil {
		return nil, err
	}

	if err := decodeJSON(payload, &t.Payload); err != nil {
		return nil, fmt.Errorf("task %s payload: %w", t.ID, err)
	}
	t.Type = domain.TaskType(taskType)
	t.Status = domain.TaskStatus(status)
	t.ScheduledAt = fromMillis(scheduled)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	t.StartedAt = timePtr(started)
	t.CompletedAt = timePtr(completed)
	t.LeaseExpiresAt = timePtr(leaseExpires)
	return &t, nil
}
