// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

// Task binds a set of source chats to a set of target chats with a filter
// policy. Identity is (UserID, Label); labels are unique per user, enforced
// by the primary key.
type Task struct {
	UserID    int64
	Label     string
	Sources   []int64
	Targets   []int64
	Filters   FilterConfig
	Active    bool
	CreatedAt time.Time
}

const (
	addTaskQuery = `
		INSERT INTO task (user_id, label, sources, targets, filters, active, created_at)
		VALUES ($1, $2, $3, $4, $5, true, $6)
		ON CONFLICT (user_id, label) DO NOTHING
	`
	removeTaskQuery    = `DELETE FROM task WHERE user_id = $1 AND label = $2`
	updateFiltersQuery = `UPDATE task SET filters = $3 WHERE user_id = $1 AND label = $2`
	listActiveQuery    = `
		SELECT user_id, label, sources, targets, filters, active, created_at
		FROM task WHERE user_id = $1 AND active = true
		ORDER BY created_at DESC
	`
	listAllActiveQuery = `
		SELECT user_id, label, sources, targets, filters, active, created_at
		FROM task WHERE active = true
		ORDER BY user_id, created_at DESC
	`
)

// AddTask persists a new active task. It returns false (with no error) when
// a task with the same label already exists for the user. A nil filters
// pointer applies DefaultFilterConfig.
func (s *Store) AddTask(ctx context.Context, userID int64, label string, sources, targets []int64, filters *FilterConfig) (bool, error) {
	fc := DefaultFilterConfig()
	if filters != nil {
		fc = *filters
	}
	res, err := s.db.Exec(ctx, addTaskQuery,
		userID, label, marshalIDs(sources), marshalIDs(targets), marshalFilters(fc),
		time.Now().UnixNano())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RemoveTask deletes the task and reports whether a row was removed.
func (s *Store) RemoveTask(ctx context.Context, userID int64, label string) (bool, error) {
	res, err := s.db.Exec(ctx, removeTaskQuery, userID, label)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// UpdateFilters replaces the filter policy of an existing task.
func (s *Store) UpdateFilters(ctx context.Context, userID int64, label string, filters FilterConfig) (bool, error) {
	res, err := s.db.Exec(ctx, updateFiltersQuery, userID, label, marshalFilters(filters))
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListActiveTasks returns the user's active tasks, most recent first.
func (s *Store) ListActiveTasks(ctx context.Context, userID int64) ([]*Task, error) {
	return dbutil.ConvertRowFn[*Task](scanTask).
		NewRowIter(s.db.Query(ctx, listActiveQuery, userID)).
		AsList()
}

// ListAllActiveTasks returns active tasks across all users. Used by restore
// and diagnostic paths only.
func (s *Store) ListAllActiveTasks(ctx context.Context) ([]*Task, error) {
	return dbutil.ConvertRowFn[*Task](scanTask).
		NewRowIter(s.db.Query(ctx, listAllActiveQuery)).
		AsList()
}

func scanTask(row dbutil.Scannable) (*Task, error) {
	var task Task
	var sources, targets, filters string
	var createdAt int64
	err := row.Scan(&task.UserID, &task.Label, &sources, &targets, &filters, &task.Active, &createdAt)
	if err != nil {
		return nil, err
	}
	task.Sources = unmarshalIDs(sources)
	task.Targets = unmarshalIDs(targets)
	task.Filters = unmarshalFilters(filters)
	task.CreatedAt = time.Unix(0, createdAt)
	return &task, nil
}
