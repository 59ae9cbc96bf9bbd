// Copyright 2024-2026 Aiku AI

package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/telegram"
)

// SessionHandle wraps a live authenticated client together with the message
// listener the router attached to it. Handles are owned exclusively by the
// SessionRegistry for the lifetime of the user's authenticated period.
type SessionHandle struct {
	UserID int64
	Phone  string
	Name   string

	client telegram.Client
	log    zerolog.Logger

	tokenMu       sync.Mutex
	listenerToken string

	closeOnce sync.Once
}

// NewSessionHandle wraps a connected client.
func NewSessionHandle(userID int64, phone, name string, client telegram.Client, log zerolog.Logger) *SessionHandle {
	return &SessionHandle{
		UserID: userID,
		Phone:  phone,
		Name:   name,
		client: client,
		log:    log.With().Int64("user_id", userID).Logger(),
	}
}

// Client returns the underlying connection.
func (h *SessionHandle) Client() telegram.Client {
	return h.client
}

func (h *SessionHandle) setListener(token string) {
	h.tokenMu.Lock()
	h.listenerToken = token
	h.tokenMu.Unlock()
}

// detachListener removes the router's listener from the client, if attached.
func (h *SessionHandle) detachListener() {
	h.tokenMu.Lock()
	token := h.listenerToken
	h.listenerToken = ""
	h.tokenMu.Unlock()
	if token != "" {
		h.client.RemoveListener(token)
	}
}

// Close detaches the listener and disconnects the client. Idempotent.
func (h *SessionHandle) Close() {
	h.closeOnce.Do(func() {
		h.detachListener()
		h.client.Disconnect()
		h.log.Debug().Msg("Session handle closed")
	})
}
