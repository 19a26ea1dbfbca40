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

const listenerColumns = `id, name, description, source_id, match_conditions, condition_script,
	action_type, action_config, enabled, one_time, daily_limit, daily_executions,
	last_reset_date, last_execution_at, conversation_id, interface_type, created_at, updated_at`

type ListenerFilter struct {
	// ConversationID scopes the listing; empty lists every conversation.
	ConversationID string
	SourceID       string
	Enabled        *bool
}

func (s *Store) CreateListener(ctx context.Context, l *domain.EventListener) error {
	conds, err := encodeJSON(l.MatchConditions)
	if err != nil {
		return err
	}
	cfg, err := encodeJSON(l.ActionConfig)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.db, `INSERT INTO event_listeners (`+listenerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.Name, l.Description, l.SourceID, conds, l.ConditionScript,
		string(l.ActionType), cfg, boolInt(l.Enabled), boolInt(l.OneTime), l.DailyLimit, l.DailyExecutions,
		l.LastResetDate, nullMillis(l.LastExecutionAt), l.ConversationID, l.InterfaceType,
		millis(l.CreatedAt), millis(l.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return kerrors.Conflict(fmt.Sprintf("listener %s already exists", l.ID))
		}
		return s.wrap(err, "insert listener")
	}
	return nil
}

// GetListener loads one listener. A non-empty scope hides listeners owned by
// other conversations.
func (s *Store) GetListener(ctx context.Context, id, scope string) (*domain.EventListener, error) {
	return s.getListener(ctx, s.db, id, scope)
}

func (s *Store) getListener(ctx context.Context, q execer, id, scope string) (*domain.EventListener, error) {
	query := `SELECT ` + listenerColumns + ` FROM event_listeners WHERE id = ?`
	args := []any{id}
	if scope != "" {
		query += ` AND conversation_id = ?`
		args = append(args, scope)
	}

	l, err := scanListener(s.queryRow(ctx, q, query, args...))
	if isNoRows(err) {
		return nil, kerrors.NotFound(fmt.Sprintf("listener %s", id))
	}
	if err != nil {
		return nil, s.wrap(err, "get listener")
	}
	return l, nil
}

func (s *Store) ListListeners(ctx context.Context, f ListenerFilter) ([]*domain.EventListener, error) {
	var where []string
	var args []any
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*f.Enabled))
	}

	query := `SELECT ` + listenerColumns + ` FROM event_listeners`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	return s.listListeners(ctx, query, args...)
}

// ListEnabledListenersBySource returns the candidates for one incoming event.
func (s *Store) ListEnabledListenersBySource(ctx context.Context, sourceID string) ([]*domain.EventListener, error) {
	return s.listListeners(ctx, `SELECT `+listenerColumns+` FROM event_listeners
		WHERE source_id = ? AND enabled = 1 ORDER BY created_at, id`, sourceID)
}

func (s *Store) listListeners(ctx context.Context, query string, args ...any) ([]*domain.EventListener, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.wrap(err, "list listeners")
	}
	defer rows.Close()

	var out []*domain.EventListener
	for rows.Next() {
		l, err := scanListener(rows)
		if err != nil {
			return nil, s.wrap(err, "scan listener")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "list listeners")
	}
	return out, nil
}

// UpdateListener writes the definition fields. Enablement and trigger
// counters are owned by SetListenerEnabled and AdmitListenerTrigger.
func (s *Store) UpdateListener(ctx context.Context, l *domain.EventListener) error {
	conds, err := encodeJSON(l.MatchConditions)
	if err != nil {
		return err
	}
	cfg, err := encodeJSON(l.ActionConfig)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, s.db, `UPDATE event_listeners SET
			name = ?, description = ?, source_id = ?, match_conditions = ?, condition_script = ?,
			action_type = ?, action_config = ?, one_time = ?, daily_limit = ?, interface_type = ?, updated_at = ?
		WHERE id = ? AND conversation_id = ?`,
		l.Name, l.Description, l.SourceID, conds, l.ConditionScript,
		string(l.ActionType), cfg, boolInt(l.OneTime), l.DailyLimit, l.InterfaceType, millis(l.UpdatedAt),
		l.ID, l.ConversationID,
	)
	if err != nil {
		return s.wrap(err, "update listener")
	}
	return s.expectRow(res, "listener", l.ID)
}

func (s *Store) SetListenerEnabled(ctx context.Context, id, scope string, enabled bool, now time.Time) error {
	query := `UPDATE event_listeners SET enabled = ?, updated_at = ? WHERE id = ?`
	args := []any{boolInt(enabled), millis(now), id}
	if scope != "" {
		query += ` AND conversation_id = ?`
		args = append(args, scope)
	}

	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return s.wrap(err, "set listener enabled")
	}
	return s.expectRow(res, "listener", id)
}

// ToggleListener flips enablement in one statement and returns the new state.
func (s *Store) ToggleListener(ctx context.Context, id, scope string, now time.Time) (*domain.EventListener, error) {
	var out *domain.EventListener
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE event_listeners SET enabled = 1 - enabled, updated_at = ? WHERE id = ?`
		args := []any{millis(now), id}
		if scope != "" {
			query += ` AND conversation_id = ?`
			args = append(args, scope)
		}
		res, err := s.exec(ctx, tx, query, args...)
		if err != nil {
			return s.wrap(err, "toggle listener")
		}
		if err := s.expectRow(res, "listener", id); err != nil {
			return err
		}
		out, err = s.getListener(ctx, tx, id, scope)
		return err
	})
	return out, err
}

func (s *Store) DeleteListener(ctx context.Context, id, scope string) error {
	query := `DELETE FROM event_listeners WHERE id = ?`
	args := []any{id}
	if scope != "" {
		query += ` AND conversation_id = ?`
		args = append(args, scope)
	}

	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return s.wrap(err, "delete listener")
	}
	return s.expectRow(res, "listener", id)
}

// AdmitOutcome explains why AdmitListenerTrigger did or did not fire.
type AdmitOutcome string

const (
	Admitted    AdmitOutcome = "admitted"
	RateLimited AdmitOutcome = "rate_limited"
	Disabled    AdmitOutcome = "disabled"
	Missing     AdmitOutcome = "missing"
	// Duplicate means a task for the same listener and event already exists.
	Duplicate AdmitOutcome = "duplicate"
)

type AdmitParams struct {
	ListenerID string
	// Day is the current daily window (YYYY-MM-DD in the reset timezone).
	Day   string
	Limit int
	Now   time.Time
	// Task is enqueued in the same transaction when admission succeeds.
	Task     *domain.Task
	DedupKey string
}

// AdmitListenerTrigger atomically checks the listener is enabled and under its
// daily limit, bumps the counter (resetting it on a new day), disables
// one-time listeners and enqueues the task. Concurrent callers for the same
// listener can never exceed the limit or fire a one-time listener twice.
func (s *Store) AdmitListenerTrigger(ctx context.Context, p AdmitParams) (AdmitOutcome, error) {
	outcome := Admitted
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := millis(p.Now)
		// daily_executions is assigned before last_reset_date; MySQL evaluates
		// SET clauses left to right against already-updated values.
		res, err := s.exec(ctx, tx, `UPDATE event_listeners SET
				daily_executions = CASE WHEN last_reset_date = ? THEN daily_executions + 1 ELSE 1 END,
				last_reset_date = ?,
				last_execution_at = ?,
				enabled = CASE WHEN one_time = 1 THEN 0 ELSE enabled END,
				updated_at = ?
			WHERE id = ? AND enabled = 1 AND (last_reset_date <> ? OR daily_executions < ?)`,
			p.Day, p.Day, now, now, p.ListenerID, p.Day, p.Limit,
		)
		if err != nil {
			return s.wrap(err, "admit listener trigger")
		}
		n, err := affected(res)
		if err != nil {
			return err
		}

		if n == 0 {
			var enabled int
			err := s.queryRow(ctx, tx, `SELECT enabled FROM event_listeners WHERE id = ?`, p.ListenerID).Scan(&enabled)
			switch {
			case isNoRows(err):
				outcome = Missing
			case err != nil:
				return s.wrap(err, "read listener state")
			case enabled == 0:
				outcome = Disabled
			default:
				outcome = RateLimited
			}
			return nil
		}

		if p.Task == nil {
			return nil
		}
		if err := s.insertTask(ctx, tx, p.Task, p.DedupKey); err != nil {
			if kerrors.IsCategory(err, kerrors.ErrConflict) {
				outcome = Duplicate
				return errRollback
			}
			return err
		}
		return nil
	})
	if err == errRollback {
		return outcome, nil
	}
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (s *Store) expectRow(res sql.Result, kind, id string) error {
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return kerrors.NotFound(fmt.Sprintf("%s %s", kind, id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListener(r rowScanner) (*domain.EventListener, error) {
	var (
		l                domain.EventListener
		conds, cfg       string
		actionType       string
		enabled, oneTime int
		lastExec         sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(
		&l.ID, &l.Name, &l.Description, &l.SourceID, &conds, &l.ConditionScript,
		&actionType, &cfg, &enabled, &oneTime, &l.DailyLimit, &l.DailyExecutions,
		&l.LastResetDate, &lastExec, &l.ConversationID, &l.InterfaceType, &created, &updated,
	); err != nil {
		return nil, err
	}

	if err := decodeJSON(conds, &l.MatchConditions); err != nil {
		return nil, fmt.Errorf("listener %s match_conditions: %w", l.ID, err)
	}
	if err := decodeJSON(cfg, &l.ActionConfig); err != nil {
		return nil, fmt.Errorf("listener %s action_config: %w", l.ID, err)
	}
	l.ActionType = domain.ActionType(actionType)
	l.Enabled = enabled != 0
	l.OneTime = oneTime != 0
	l.LastExecutionAt = timePtr(lastExec)
	l.CreatedAt = fromMillis(created)
	l.UpdatedAt = fromMillis(updated)
	return &l, nil
}
