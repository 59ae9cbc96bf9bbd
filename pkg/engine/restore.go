// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/telegram"
)

// restoreStore is the slice of the store the coordinator needs.
type restoreStore interface {
	ListLoggedIn(ctx context.Context) ([]*store.User, error)
	SetLoggedOut(ctx context.Context, userID int64) error
}

// RestoreCoordinator re-establishes sessions from persisted credentials
// after a process restart. One-shot, no retries: a user whose session can
// not be restored is marked logged out and must log in again.
type RestoreCoordinator struct {
	store    restoreStore
	dialer   telegram.Dialer
	registry *SessionRegistry
	router   *ForwardingRouter
	log      zerolog.Logger
}

// NewRestoreCoordinator creates the coordinator.
func NewRestoreCoordinator(st restoreStore, dialer telegram.Dialer, registry *SessionRegistry, router *ForwardingRouter, log zerolog.Logger) *RestoreCoordinator {
	return &RestoreCoordinator{
		store:    st,
		dialer:   dialer,
		registry: registry,
		router:   router,
		log:      log.With().Str("component", "restore").Logger(),
	}
}

// RestoreAll reconnects every user with a stored credential. A broken
// session never halts restoration of the rest; the error return is reserved
// for the initial store read.
func (rc *RestoreCoordinator) RestoreAll(ctx context.Context) (int, error) {
	users, err := rc.store.ListLoggedIn(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list logged-in users: %w", err)
	}
	restored := 0
	for _, user := range users {
		if user.Session == "" {
			continue
		}
		if rc.restoreUser(ctx, user) {
			restored++
		}
	}
	rc.log.Info().Int("restored", restored).Int("candidates", len(users)).Msg("Session restore complete")
	return restored, nil
}

func (rc *RestoreCoordinator) restoreUser(ctx context.Context, user *store.User) bool {
	log := rc.log.With().Int64("user_id", user.ID).Logger()

	client, err := rc.dialer.ImportSession(ctx, user.Session)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to import stored session")
		rc.markExpired(ctx, user.ID)
		return false
	}
	if err := client.Connect(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to reconnect stored session")
		client.Disconnect()
		rc.markExpired(ctx, user.ID)
		return false
	}
	authorized, err := client.IsAuthorized(ctx)
	if err != nil || !authorized {
		log.Warn().Err(err).Msg("Stored session no longer authorized")
		client.Disconnect()
		rc.markExpired(ctx, user.ID)
		return false
	}

	handle := NewSessionHandle(user.ID, user.Phone, user.Name, client, rc.log)
	if err := rc.registry.Register(user.ID, handle); err != nil {
		log.Error().Err(err).Msg("Failed to register restored session")
		handle.Close()
		return false
	}
	rc.router.Attach(user.ID, handle)
	log.Info().Msg("Session restored")
	return true
}

// markExpired flips the logged-in flag. The credential itself is kept; it
// is treated as expired, not deleted.
func (rc *RestoreCoordinator) markExpired(ctx context.Context, userID int64) {
	if err := rc.store.SetLoggedOut(ctx, userID); err != nil {
		rc.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to mark session expired")
	}
}
