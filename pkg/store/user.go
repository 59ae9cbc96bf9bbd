// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.mau.fi/util/dbutil"
)

// User is one account known to the system. LoggedIn=true implies a session
// credential was stored at the time of the last successful authentication.
type User struct {
	ID        int64
	Phone     string
	Name      string
	Session   string
	LoggedIn  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

const (
	upsertSessionQuery = `
		INSERT INTO "user" (id, phone, name, session, logged_in, created_at, updated_at)
		VALUES ($1, $2, $3, $4, true, $5, $5)
		ON CONFLICT (id) DO UPDATE
			SET phone = excluded.phone,
			    name = excluded.name,
			    session = excluded.session,
			    logged_in = true,
			    updated_at = excluded.updated_at
	`
	setLoggedOutQuery = `UPDATE "user" SET logged_in = false, updated_at = $2 WHERE id = $1`
	getUserQuery      = `
		SELECT id, phone, name, session, logged_in, created_at, updated_at FROM "user" WHERE id = $1
	`
	listLoggedInQuery = `
		SELECT id, phone, name, session, logged_in, created_at, updated_at
		FROM "user" WHERE logged_in = true AND session <> ''
	`
)

// UpsertSession records a successful authentication: it stores the exported
// session credential and marks the user logged in, creating the row if needed.
func (s *Store) UpsertSession(ctx context.Context, userID int64, phone, name, session string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(ctx, upsertSessionQuery, userID, phone, name, session, now)
	return err
}

// SetLoggedOut clears the logged-in flag. The stored credential is kept so
// an expired session can be inspected; it is simply never used again until
// the next successful login overwrites it.
func (s *Store) SetLoggedOut(ctx context.Context, userID int64) error {
	_, err := s.db.Exec(ctx, setLoggedOutQuery, userID, time.Now().UnixMilli())
	return err
}

// GetUser returns the user row, or nil when the user is unknown.
func (s *Store) GetUser(ctx context.Context, userID int64) (*User, error) {
	user, err := scanUser(s.db.QueryRow(ctx, getUserQuery, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// ListLoggedIn returns every user eligible for session restore: logged in
// with a non-empty stored credential.
func (s *Store) ListLoggedIn(ctx context.Context) ([]*User, error) {
	return dbutil.ConvertRowFn[*User](scanUser).
		NewRowIter(s.db.Query(ctx, listLoggedInQuery)).
		AsList()
}

func scanUser(row dbutil.Scannable) (*User, error) {
	var user User
	var createdAt, updatedAt int64
	err := row.Scan(&user.ID, &user.Phone, &user.Name, &user.Session, &user.LoggedIn, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	user.CreatedAt = time.UnixMilli(createdAt)
	user.UpdatedAt = time.UnixMilli(updatedAt)
	return &user, nil
}
