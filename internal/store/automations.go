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

const automationColumns = `id, name, description, recurrence_rule, start_at, action_type, action_config,
	enabled, next_scheduled_at, execution_count, last_execution_at, conversation_id, interface_type,
	created_at, updated_at`

type AutomationFilter struct {
	ConversationID string
	Enabled        *bool
}

func (s *Store) CreateAutomation(ctx context.Context, a *domain.ScheduleAutomation) error {
	cfg, err := encodeJSON(a.ActionConfig)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.db, `INSERT INTO schedule_automations (`+automationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Description, a.RecurrenceRule, millis(a.StartAt), string(a.ActionType), cfg,
		boolInt(a.Enabled), nullMillis(a.NextScheduledAt), a.ExecutionCount, nullMillis(a.LastExecutionAt),
		a.ConversationID, a.InterfaceType, millis(a.CreatedAt), millis(a.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return kerrors.Conflict(fmt.Sprintf("automation %s already exists", a.ID))
		}
		return s.wrap(err, "insert automation")
	}
	return nil
}

func (s *Store) GetAutomation(ctx context.Context, id, scope string) (*domain.ScheduleAutomation, error) {
	query := `SELECT ` + automationColumns + ` FROM schedule_automations WHERE id = ?`
	args := []any{id}
	if scope != "" {
		query += ` AND conversation_id = ?`
		args = append(args, scope)
	}

	a, err := scanAutomation(s.queryRow(ctx, s.db, query, args...))
	if isNoRows(err) {
		return nil, kerrors.NotFound(fmt.Sprintf("automation %s", id))
	}
	if err != nil {
		return nil, s.wrap(err, "get automation")
	}
	return a, nil
}

func (s *Store) ListAutomations(ctx context.Context, f AutomationFilter) ([]*domain.ScheduleAutomation, error) {
	var where []string
	var args []any
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}

	query := `SELECT ` + automationColumns + ` FROM schedule_automations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	return s.listAutomations(ctx, query, args...)
}

// ListDueAutomations returns enabled automations whose next occurrence is at
// or before now, earliest first.
func (s *Store) ListDueAutomations(ctx context.Context, now time.Time, limit int) ([]*domain.ScheduleAutomation, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.listAutomations(ctx, `SELECT `+automationColumns+` FROM schedule_automations
		WHERE enabled = 1 AND next_scheduled_at IS NOT NULL AND next_scheduled_at <= ?
		ORDER BY next_scheduled_at, id LIMIT ?`, millis(now), limit)
}

func (s *Store) listAutomations(ctx context.Context, query string, args ...any) ([]*domain.ScheduleAutomation, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.wrap(err, "list automations")
	}
	defer rows.Close()

	var out []*domain.ScheduleAutomation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, s.wrap(err, "scan automation")
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "list automations")
	}
	return out, nil
}

// UpdateAutomation writes the definition fields. With reschedule set it also
// stores a.NextScheduledAt, but only while the row still holds observedNext,
// the value read before the update; a scheduler that fired in between wins
// and the update fails with a conflict.
func (s *Store) UpdateAutomation(ctx context.Context, a *domain.ScheduleAutomation, reschedule bool, observedNext *time.Time) error {
	cfg, err := encodeJSON(a.ActionConfig)
	if err != nil {
		return err
	}

	query := `UPDATE schedule_automations SET
			name = ?, description = ?, recurrence_rule = ?, start_at = ?, action_type = ?, action_config = ?,
			interface_type = ?, updated_at = ?`
	args := []any{
		a.Name, a.Description, a.RecurrenceRule, millis(a.StartAt), string(a.ActionType), cfg,
		a.InterfaceType, millis(a.UpdatedAt),
	}
	if reschedule {
		query += `, next_scheduled_at = ?`
		args = append(args, nullMillis(a.NextScheduledAt))
	}
	query += ` WHERE id = ? AND conversation_id = ?`
	args = append(args, a.ID, a.ConversationID)
	if reschedule {
		if observedNext == nil {
			query += ` AND next_scheduled_at IS NULL`
		} else {
			query += ` AND next_scheduled_at = ?`
			args = append(args, millis(*observedNext))
		}
	}

	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return s.wrap(err, "update automation")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetAutomation(ctx, a.ID, a.ConversationID); err != nil {
		return err
	}
	if reschedule {
		return kerrors.Conflict(fmt.Sprintf("automation %s fired while being updated, retry the update", a.ID))
	}
	return kerrors.NotFound(fmt.Sprintf("automation %s", a.ID))
}

// SetAutomationEnabled flips enablement. Enabling also stores next, the first
// occurrence from now, so a paused automation never replays its backlog.
func (s *Store) SetAutomationEnabled(ctx context.Context, id, scope string, enabled bool, next *time.Time, now time.Time) error {
	query := `UPDATE schedule_automations SET enabled = ?, updated_at = ?`
	args := []any{boolInt(enabled), millis(now)}
	if enabled {
		query += `, next_scheduled_at = ?`
		args = append(args, nullMillis(next))
	}
	query += ` WHERE id = ?`
	args = append(args, id)
	if scope != "" {
		query += ` AND conversation_id = ?`
		args = append(args, scope)
	}

	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return s.wrap(err, "set automation enabled")
	}
	return s.expectRow(res, "automation", id)
}

func (s *Store) DeleteAutomation(ctx context.Context, id, scope string) error {
	query := `DELETE FROM schedule_automations WHERE id = ?`
	args := []any{id}
	if scope != "" {
		query += ` AND conversation_id = ?`
		args = append(args, scope)
	}

	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return s.wrap(err, "delete automation")
	}
	return s.expectRow(res, "automation", id)
}

type FireParams struct {
	AutomationID string
	// Occurrence is the next_scheduled_at value the caller observed.
	Occurrence time.Time
	// Next is the occurrence after this one; nil marks the rule exhausted.
	Next *time.Time
	Now  time.Time
	// Task is enqueued with the advance. A nil Task skips the occurrence
	// without counting an execution.
	Task     *domain.Task
	DedupKey string
}

// FireAutomation advances next_scheduled_at from the observed occurrence and
// enqueues the task in one transaction. advanced is false when another
// scheduler already advanced the row or the automation was disabled or
// removed in the meantime. When the occurrence already has a task (its dedup
// key is taken), the pointer still advances but nothing is enqueued and the
// execution count is left alone, so enqueued is false.
func (s *Store) FireAutomation(ctx context.Context, p FireParams) (advanced, enqueued bool, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		insert := p.Task != nil
		if insert && p.DedupKey != "" {
			var n int
			if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM tasks WHERE dedup_key = ?`, p.DedupKey).Scan(&n); err != nil {
				return s.wrap(err, "check occurrence task")
			}
			insert = n == 0
		}

		var res sql.Result
		var err error
		if insert {
			res, err = s.exec(ctx, tx, `UPDATE schedule_automations SET
					next_scheduled_at = ?, execution_count = execution_count + 1, last_execution_at = ?, updated_at = ?
				WHERE id = ? AND enabled = 1 AND next_scheduled_at = ?`,
				nullMillis(p.Next), millis(p.Now), millis(p.Now), p.AutomationID, millis(p.Occurrence))
		} else {
			res, err = s.exec(ctx, tx, `UPDATE schedule_automations SET next_scheduled_at = ?, updated_at = ?
				WHERE id = ? AND enabled = 1 AND next_scheduled_at = ?`,
				nullMillis(p.Next), millis(p.Now), p.AutomationID, millis(p.Occurrence))
		}
		if err != nil {
			return s.wrap(err, "advance automation")
		}
		n, err := affected(res)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		advanced = true

		if insert {
			if err := s.insertTask(ctx, tx, p.Task, p.DedupKey); err != nil {
				if kerrors.IsCategory(err, kerrors.ErrConflict) {
					return errRollback
				}
				return err
			}
			enqueued = true
		}
		return nil
	})
	if err == errRollback {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return advanced, enqueued, nil
}

func scanAutomation(r rowScanner) (*domain.ScheduleAutomation, error) {
	var (
		a                domain.ScheduleAutomation
		cfg, actionType  string
		startAt          int64
		enabled          int
		next, lastExec   sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(
		&a.ID, &a.Name, &a.Description, &a.RecurrenceRule, &startAt, &actionType, &cfg,
		&enabled, &next, &a.ExecutionCount, &lastExec, &a.ConversationID, &a.InterfaceType,
		&created, &updated,
	); err != nil {
		return nil, err
	}

	if err := decodeJSON(cfg, &a.ActionConfig); err != nil {
		return nil, fmt.Errorf("automation %s action_config: %w", a.ID, err)
	}
	a.StartAt = fromMillis(startAt)
	a.ActionType = domain.ActionType(actionType)
	a.Enabled = enabled != 0
	a.NextScheduledAt = timePtr(next)
	a.LastExecutionAt = timePtr(lastExec)
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}
