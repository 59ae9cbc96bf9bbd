// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/telegram"
)

var (
	// ErrNotAllowed is the fixed denial for users outside the allow-list.
	ErrNotAllowed = errors.New("user is not allowed to use this system")
	// ErrNotAdmin gates allow-list management.
	ErrNotAdmin = errors.New("user is not an admin")
	// ErrInvalidTask is returned for task definitions with an empty label
	// or empty source/target sets.
	ErrInvalidTask = errors.New("task needs a label and non-empty source and target sets")
)

// DataStore is everything the engine needs from durable storage. Implemented
// by *store.Store; tests substitute an in-memory fake.
type DataStore interface {
	UpsertSession(ctx context.Context, userID int64, phone, name, session string) error
	SetLoggedOut(ctx context.Context, userID int64) error
	GetUser(ctx context.Context, userID int64) (*store.User, error)
	ListLoggedIn(ctx context.Context) ([]*store.User, error)

	AddTask(ctx context.Context, userID int64, label string, sources, targets []int64, filters *store.FilterConfig) (bool, error)
	RemoveTask(ctx context.Context, userID int64, label string) (bool, error)
	UpdateFilters(ctx context.Context, userID int64, label string, filters store.FilterConfig) (bool, error)
	ListActiveTasks(ctx context.Context, userID int64) ([]*store.Task, error)
	ListAllActiveTasks(ctx context.Context) ([]*store.Task, error)

	IsAllowed(ctx context.Context, userID int64) (bool, error)
	IsAdmin(ctx context.Context, userID int64) (bool, error)
	AddAllowed(ctx context.Context, userID int64, username string, isAdmin bool, addedBy int64) (bool, error)
	RemoveAllowed(ctx context.Context, userID int64) (bool, error)
	ListAllowed(ctx context.Context) ([]*store.AllowListEntry, error)
}

// chatPageSize is the number of dialogs per ListChats page.
const chatPageSize = 20

// Engine wires the orchestration core together and exposes the intent-level
// operations the front-end adapter calls. Every operation is gated by the
// allow-list.
type Engine struct {
	store    DataStore
	dialer   telegram.Dialer
	registry *SessionRegistry
	router   *ForwardingRouter
	auth     *AuthFlow
	log      zerolog.Logger
}

// New creates an engine with an empty session registry. Call
// RestoreSessions afterwards to reload persisted sessions.
func New(st DataStore, dialer telegram.Dialer, log zerolog.Logger) *Engine {
	registry := NewSessionRegistry()
	router := NewForwardingRouter(st, log)
	return &Engine{
		store:    st,
		dialer:   dialer,
		registry: registry,
		router:   router,
		auth:     NewAuthFlow(st, dialer, registry, router, log),
		log:      log.With().Str("component", "engine").Logger(),
	}
}

// Registry exposes the session registry for diagnostics.
func (e *Engine) Registry() *SessionRegistry {
	return e.registry
}

// Router exposes the forwarding router for diagnostics.
func (e *Engine) Router() *ForwardingRouter {
	return e.router
}

func (e *Engine) requireAllowed(ctx context.Context, userID int64) error {
	allowed, err := e.store.IsAllowed(ctx, userID)
	if err != nil {
		return fmt.Errorf("allow-list check failed: %w", err)
	}
	if !allowed {
		return ErrNotAllowed
	}
	return nil
}

func (e *Engine) requireAdmin(ctx context.Context, userID int64) error {
	admin, err := e.store.IsAdmin(ctx, userID)
	if err != nil {
		return fmt.Errorf("admin check failed: %w", err)
	}
	if !admin {
		return ErrNotAdmin
	}
	return nil
}

// Login starts the login handshake for the user.
func (e *Engine) Login(ctx context.Context, userID int64) (string, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return "", err
	}
	return e.auth.StartLogin(ctx, userID)
}

// HandleText feeds user text into whichever handshake is in progress.
func (e *Engine) HandleText(ctx context.Context, userID int64, text string) (string, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return "", err
	}
	return e.auth.HandleText(ctx, userID, text)
}

// Logout starts the logout confirmation handshake.
func (e *Engine) Logout(ctx context.Context, userID int64) (string, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return "", err
	}
	return e.auth.StartLogout(ctx, userID)
}

// CancelFlows discards any in-progress login/logout handshake.
func (e *Engine) CancelFlows(ctx context.Context, userID int64) (string, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return "", err
	}
	if !e.auth.Cancel(userID) {
		return "", ErrNoActiveFlow
	}
	return ReplyFlowCancelled, nil
}

// AddTask creates a forwarding task. Empty labels and empty source/target
// sets are rejected here, at the boundary. Returns false when the label is
// already taken.
func (e *Engine) AddTask(ctx context.Context, userID int64, label string, sources, targets []int64, filters *store.FilterConfig) (bool, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return false, err
	}
	if label == "" || len(sources) == 0 || len(targets) == 0 {
		return false, ErrInvalidTask
	}
	return e.store.AddTask(ctx, userID, label, sources, targets, filters)
}

// RemoveTask deletes a forwarding task.
func (e *Engine) RemoveTask(ctx context.Context, userID int64, label string) (bool, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return false, err
	}
	return e.store.RemoveTask(ctx, userID, label)
}

// UpdateFilters replaces a task's filter policy.
func (e *Engine) UpdateFilters(ctx context.Context, userID int64, label string, filters store.FilterConfig) (bool, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return false, err
	}
	return e.store.UpdateFilters(ctx, userID, label, filters)
}

// ListTasks returns the user's active tasks, most recent first.
func (e *Engine) ListTasks(ctx context.Context, userID int64) ([]*store.Task, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.ListActiveTasks(ctx, userID)
}

// ListChats pages through the user's dialogs, optionally filtered by kind.
// category is one of "bot", "channel", "broadcast", "group", "private", or
// ""/"all" for everything. page is zero-based.
func (e *Engine) ListChats(ctx context.Context, userID int64, category string, page int) ([]telegram.Dialog, error) {
	if err := e.requireAllowed(ctx, userID); err != nil {
		return nil, err
	}
	handle, ok := e.registry.Lookup(userID)
	if !ok {
		return nil, ErrNotLoggedIn
	}
	dialogs, err := handle.Client().ListDialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogs: %w", err)
	}

	if category != "" && category != "all" {
		kind := telegram.ChatKind(category)
		// The client may hand out a shared slice; never filter in place.
		filtered := make([]telegram.Dialog, 0, len(dialogs))
		for _, dialog := range dialogs {
			if dialog.Kind == kind {
				filtered = append(filtered, dialog)
			}
		}
		dialogs = filtered
	}

	if page < 0 {
		page = 0
	}
	// page*chatPageSize can wrap for huge pages; a wrapped (negative) start
	// is just as past-the-end as a too-large one.
	start := page * chatPageSize
	if start < 0 || start >= len(dialogs) {
		return []telegram.Dialog{}, nil
	}
	end := start + chatPageSize
	if end > len(dialogs) {
		end = len(dialogs)
	}
	return dialogs[start:end], nil
}

// AddAllowed grants a user access. Admin-only.
func (e *Engine) AddAllowed(ctx context.Context, adminID, userID int64, username string, isAdmin bool) (bool, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return false, err
	}
	return e.store.AddAllowed(ctx, userID, username, isAdmin, adminID)
}

// RemoveAllowed revokes a user's access. Admin-only. Any live session of
// the removed user keeps running until their logout; access gating applies
// to new operations only.
func (e *Engine) RemoveAllowed(ctx context.Context, adminID, userID int64) (bool, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return false, err
	}
	return e.store.RemoveAllowed(ctx, userID)
}

// ListAllowed returns the allow-list. Admin-only.
func (e *Engine) ListAllowed(ctx context.Context, adminID int64) ([]*store.AllowListEntry, error) {
	if err := e.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return e.store.ListAllowed(ctx)
}

// RestoreSessions reloads all previously-authenticated users from the store
// and re-arms their routers. Run once at startup.
func (e *Engine) RestoreSessions(ctx context.Context) (int, error) {
	coordinator := NewRestoreCoordinator(e.store, e.dialer, e.registry, e.router, e.log)
	return coordinator.RestoreAll(ctx)
}

// Stats is a snapshot of the engine's liveness counters.
type Stats struct {
	Sessions  int    `json:"sessions"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

// Stats returns current session and routing counters.
func (e *Engine) Stats() Stats {
	forwarded, dropped, failed := e.router.Counters()
	return Stats{
		Sessions:  e.registry.Count(),
		Forwarded: forwarded,
		Dropped:   dropped,
		Failed:    failed,
	}
}

// Close tears down every live session. Called on process shutdown.
func (e *Engine) Close() {
	for _, userID := range e.registry.UserIDs() {
		e.router.Detach(userID)
		if handle, ok := e.registry.Unregister(userID); ok {
			handle.Close()
		}
	}
	e.log.Info().Msg("Engine closed")
}
