package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/karakuri/internal/domain"
	kerrors "github.com/harunnryd/karakuri/internal/errors"
)

const eventColumns = `id, source_id, external_id, occurred_at, event_data, triggered_listener_ids, created_at`

type EventFilter struct {
	SourceID string
	Since    *time.Time
	Until    *time.Time
	Limit    int
}

func (s *Store) InsertEvent(ctx context.Context, e *domain.Event) error {
	data, err := encodeJSON(e.Data)
	if err != nil {
		return err
	}
	triggered := e.TriggeredListenerIDs
	if triggered == nil {
		triggered = []string{}
	}
	ids, err := encodeJSON(triggered)
	if err != nil {
		return err
	}

	_, err = s.exec(ctx, s.db, `INSERT INTO events (`+eventColumns+`, matched)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		e.ID, e.SourceID, e.ExternalID, millis(e.Timestamp), data, ids, millis(e.CreatedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return kerrors.Conflict(fmt.Sprintf("event %s already exists", e.ID))
		}
		return s.wrap(err, "insert event")
	}
	return nil
}

// SetEventTriggers records the matching pass result. It succeeds once per
// event; a second call reports ErrConflict.
func (s *Store) SetEventTriggers(ctx context.Context, id string, listenerIDs []string) error {
	if listenerIDs == nil {
		listenerIDs = []string{}
	}
	ids, err := encodeJSON(listenerIDs)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, s.db, `UPDATE events SET triggered_listener_ids = ?, matched = 1
		WHERE id = ? AND matched = 0`, ids, id)
	if err != nil {
		return s.wrap(err, "record event triggers")
	}
	n, err := affected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetEvent(ctx, id); err != nil {
			return err
		}
		return kerrors.Conflict(fmt.Sprintf("event %s already matched", id))
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, id string) (*domain.Event, error) {
	e, err := scanEvent(s.queryRow(ctx, s.db, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, kerrors.NotFound(fmt.Sprintf("event %s", id))
	}
	if err != nil {
		return nil, s.wrap(err, "get event")
	}
	return e, nil
}

// ListEvents returns events newest first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]*domain.Event, error) {
	var where []string
	var args []any
	if f.SourceID != "" {
		where = append(where, "source_id = ?")
		args = append(args, f.SourceID)
	}
	if f.Since != nil {
		where = append(where, "occurred_at >= ?")
		args = append(args, millis(*f.Since))
	}
	if f.Until != nil {
		where = append(where, "occurred_at <= ?")
		args = append(args, millis(*f.Until))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY occurred_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, s.wrap(err, "list events")
	}
	defer rows.Close()

	var out []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, s.wrap(err, "scan event")
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(err, "list events")
	}
	return out, nil
}

// PruneEvents deletes events stored before the cutoff.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db, `DELETE FROM events WHERE created_at < ?`, millis(before))
	if err != nil {
		return 0, s.wrap(err, "prune events")
	}
	return affected(res)
}

func scanEvent(r rowScanner) (*domain.Event, error) {
	var (
		e                   domain.Event
		data, ids           string
		occurred, createdAt int64
	)
	if err := r.Scan(&e.ID, &e.SourceID, &e.ExternalID, &occurred, &data, &ids, &createdAt); err != nil {
		return nil, err
	}

	if err := decodeJSON(data, &e.Data); err != nil {
		return nil, fmt.Errorf("event %s data: %w", e.ID, err)
	}
	if err := decodeJSON(ids, &e.TriggeredListenerIDs); err != nil {
		return nil, fmt.Errorf("event %s triggered ids: %w", e.ID, err)
	}
	if e.TriggeredListenerIDs == nil {
		e.TriggeredListenerIDs = []string{}
	}
	e.Timestamp = fromMillis(occurred)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}
