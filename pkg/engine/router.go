// Copyright 2024-2026 Aiku AI

package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store"
	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/telegram"
)

// taskSource is the slice of the store the router needs. Tasks are loaded
// fresh on every message so edits take effect on the next one.
type taskSource interface {
	ListActiveTasks(ctx context.Context, userID int64) ([]*store.Task, error)
}

// ForwardingRouter evaluates inbound messages against the owning user's
// active tasks and forwards matches. Delivery is best-effort, at-most-once
// per matching message per target; failures are isolated per target and a
// panic anywhere in the per-message handler is caught so one user's broken
// session cannot take down processing for other users.
type ForwardingRouter struct {
	tasks taskSource
	log   zerolog.Logger

	mu       sync.Mutex
	attached map[int64]*SessionHandle

	forwarded atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64
}

// NewForwardingRouter creates a router reading task definitions from tasks.
func NewForwardingRouter(tasks taskSource, log zerolog.Logger) *ForwardingRouter {
	return &ForwardingRouter{
		tasks:    tasks,
		log:      log.With().Str("component", "router").Logger(),
		attached: make(map[int64]*SessionHandle),
	}
}

// Attach installs a single message listener on the session. The listener
// token is retained on the handle for clean detachment.
func (r *ForwardingRouter) Attach(userID int64, handle *SessionHandle) {
	token := handle.Client().OnMessage(func(msg telegram.Message) {
		r.handleMessage(context.Background(), userID, handle, msg)
	})
	handle.setListener(token)

	r.mu.Lock()
	r.attached[userID] = handle
	r.mu.Unlock()

	r.log.Debug().Int64("user_id", userID).Msg("Listener attached")
}

// Detach removes the listener installed by Attach. Invoked on logout.
func (r *ForwardingRouter) Detach(userID int64) {
	r.mu.Lock()
	handle := r.attached[userID]
	delete(r.attached, userID)
	r.mu.Unlock()

	if handle != nil {
		handle.detachListener()
		r.log.Debug().Int64("user_id", userID).Msg("Listener detached")
	}
}

// Attached reports whether the user currently has a listener installed.
func (r *ForwardingRouter) Attached(userID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.attached[userID]
	return ok
}

// Counters returns the lifetime forwarded/dropped/failed totals.
func (r *ForwardingRouter) Counters() (forwarded, dropped, failed uint64) {
	return r.forwarded.Load(), r.dropped.Load(), r.failed.Load()
}

func (r *ForwardingRouter) handleMessage(ctx context.Context, userID int64, handle *SessionHandle, msg telegram.Message) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().
				Interface("panic", p).
				Int64("user_id", userID).
				Int64("chat_id", msg.ChatID).
				Msg("Message handler panicked")
		}
	}()

	tasks, err := r.tasks.ListActiveTasks(ctx, userID)
	if err != nil {
		r.log.Error().Err(err).Int64("user_id", userID).Msg("Failed to load tasks")
		return
	}

	// Resolved at most once per message, shared across matching tasks.
	var tag string
	tagResolved := false

	for _, task := range tasks {
		if !task.Filters.Control {
			continue
		}
		if msg.Outgoing && !task.Filters.Outgoing {
			continue
		}
		if !containsID(task.Sources, msg.ChatID) {
			continue
		}
		text, ok := renderText(task.Filters, msg.Text)
		if !ok {
			r.dropped.Add(1)
			continue
		}
		if task.Filters.ForwardTag {
			if !tagResolved {
				tag = r.sourceTag(ctx, handle, msg.ChatID)
				tagResolved = true
			}
			text = tag + text
		}
		// Targets are attempted sequentially in list order; a failure
		// part-way through never aborts the remaining targets or tasks.
		for _, target := range task.Targets {
			if err := r.deliver(ctx, handle, target, text); err != nil {
				r.failed.Add(1)
				r.log.Warn().Err(err).
					Int64("user_id", userID).
					Str("label", task.Label).
					Int64("target", target).
					Msg("Failed to forward message")
				continue
			}
			r.forwarded.Add(1)
		}
	}
}

// deliver resolves a target chat and sends the text to it. Resolution tries
// the direct chat id first and falls back to a linear scan of the account's
// dialogs. No retries: delivery is at-most-once.
func (r *ForwardingRouter) deliver(ctx context.Context, handle *SessionHandle, target int64, text string) error {
	client := handle.Client()
	if _, err := client.ResolveChat(ctx, target); err != nil {
		if !errors.Is(err, telegram.ErrChatNotFound) {
			return fmt.Errorf("failed to resolve target: %w", err)
		}
		dialogs, listErr := client.ListDialogs(ctx)
		if listErr != nil {
			return fmt.Errorf("failed to list dialogs: %w", listErr)
		}
		found := false
		for _, dialog := range dialogs {
			if dialog.ID == target {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("target %d: %w", target, telegram.ErrChatNotFound)
		}
	}
	if err := client.SendMessage(ctx, target, text); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	return nil
}

// sourceTag builds the attribution header used when forward_tag is set.
func (r *ForwardingRouter) sourceTag(ctx context.Context, handle *SessionHandle, chatID int64) string {
	name := strconv.FormatInt(chatID, 10)
	if dialog, err := handle.Client().ResolveChat(ctx, chatID); err == nil && dialog.Name != "" {
		name = dialog.Name
	}
	return "Forwarded from " + name + ":\n"
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
