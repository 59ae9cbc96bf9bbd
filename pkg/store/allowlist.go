// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

// AllowListEntry grants a user access to the system. Admin entries may also
// manage the allow-list itself.
type AllowListEntry struct {
	UserID   int64
	Username string
	IsAdmin  bool
	AddedBy  int64
	AddedAt  time.Time
}

const (
	addAllowedQuery = `
		INSERT INTO allowlist (user_id, username, is_admin, added_by, added_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO NOTHING
	`
	removeAllowedQuery = `DELETE FROM allowlist WHERE user_id = $1`
	isAllowedQuery     = `SELECT COUNT(*) FROM allowlist WHERE user_id = $1`
	isAdminQuery       = `SELECT COUNT(*) FROM allowlist WHERE user_id = $1 AND is_admin = true`
	listAllowedQuery   = `
		SELECT user_id, username, is_admin, added_by, added_at FROM allowlist ORDER BY added_at
	`
)

// IsAllowed reports whether the user may use the system at all.
func (s *Store) IsAllowed(ctx context.Context, userID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, isAllowedQuery, userID).Scan(&count)
	return count > 0, err
}

// IsAdmin reports whether the user may manage the allow-list.
func (s *Store) IsAdmin(ctx context.Context, userID int64) (bool, error) {
	var count int
	err := s.db.QueryRow(ctx, isAdminQuery, userID).Scan(&count)
	return count > 0, err
}

// AddAllowed inserts an allow-list entry. Returns false when the user is
// already listed.
func (s *Store) AddAllowed(ctx context.Context, userID int64, username string, isAdmin bool, addedBy int64) (bool, error) {
	res, err := s.db.Exec(ctx, addAllowedQuery, userID, username, isAdmin, addedBy, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// RemoveAllowed deletes an allow-list entry and reports whether one existed.
func (s *Store) RemoveAllowed(ctx context.Context, userID int64) (bool, error) {
	res, err := s.db.Exec(ctx, removeAllowedQuery, userID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ListAllowed returns all entries in insertion order.
func (s *Store) ListAllowed(ctx context.Context) ([]*AllowListEntry, error) {
	return dbutil.ConvertRowFn[*AllowListEntry](scanAllowListEntry).
		NewRowIter(s.db.Query(ctx, listAllowedQuery)).
		AsList()
}

// EnsureOperator grants admin rights to the configured operator id if they
// are not already listed. One-time bootstrap so a fresh deployment has at
// least one admin. A zero operator id is a no-op.
func (s *Store) EnsureOperator(ctx context.Context, operatorID int64) error {
	if operatorID == 0 {
		return nil
	}
	_, err := s.AddAllowed(ctx, operatorID, "operator", true, operatorID)
	return err
}

func scanAllowListEntry(row dbutil.Scannable) (*AllowListEntry, error) {
	var entry AllowListEntry
	var addedAt int64
	err := row.Scan(&entry.UserID, &entry.Username, &entry.IsAdmin, &entry.AddedBy, &addedAt)
	if err != nil {
		return nil, err
	}
	entry.AddedAt = time.UnixMilli(addedAt)
	return &entry, nil
}
