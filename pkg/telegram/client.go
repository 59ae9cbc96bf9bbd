// Copyright 2024-2026 Aiku AI

// Package telegram defines the capability boundary to the messaging backend
// and provides the production implementation speaking to an MTProto gateway
// sidecar over REST and WebSocket.
//
// The core engine only ever sees the [Client] and [Dialer] interfaces, so
// tests (and alternative backends) can substitute fakes without touching the
// orchestration logic.
package telegram

import (
	"context"
	"errors"
)

// ChatKind is a closed classification of a dialog, resolved once by the
// backend rather than re-inspected ad hoc.
type ChatKind string

const (
	ChatBot       ChatKind = "bot"
	ChatChannel   ChatKind = "channel"   // channel the user can post to
	ChatBroadcast ChatKind = "broadcast" // read-only broadcast channel
	ChatGroup     ChatKind = "group"
	ChatPrivate   ChatKind = "private"
)

// Dialog is one chat the account participates in.
type Dialog struct {
	ID   int64    `json:"id"`
	Name string   `json:"name"`
	Kind ChatKind `json:"kind"`
}

// Message is a single inbound message event.
type Message struct {
	ChatID   int64  `json:"chat_id"`
	ID       int64  `json:"message_id"`
	Text     string `json:"text"`
	Outgoing bool   `json:"outgoing"`
}

// Profile describes the account that owns a session.
type Profile struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
	Phone     string `json:"phone"`
}

var (
	// ErrSecondFactorRequired is returned by SignIn when the account has
	// two-step verification enabled and a password is needed to finish.
	ErrSecondFactorRequired = errors.New("second factor required")
	// ErrChatNotFound is returned by ResolveChat for unknown chat ids.
	ErrChatNotFound = errors.New("chat not found")
)

// Client is a live connection to the messaging backend on behalf of one
// account. Listener callbacks are invoked sequentially per client, in the
// order the backend delivers messages.
type Client interface {
	Connect(ctx context.Context) error
	RequestCode(ctx context.Context, phone string) (codeHash string, err error)
	// SignIn completes code-based authentication. It returns
	// ErrSecondFactorRequired when a password is additionally needed.
	SignIn(ctx context.Context, phone, code, codeHash string) (*Profile, error)
	SignInSecondFactor(ctx context.Context, password string) (*Profile, error)
	IsAuthorized(ctx context.Context) (bool, error)
	GetMe(ctx context.Context) (*Profile, error)
	SendMessage(ctx context.Context, chatID int64, text string) error
	ResolveChat(ctx context.Context, chatID int64) (*Dialog, error)
	ListDialogs(ctx context.Context) ([]Dialog, error)
	// OnMessage registers a listener and returns a disposable token for
	// RemoveListener. The registration survives stream reconnects.
	OnMessage(fn func(Message)) (token string)
	RemoveListener(token string)
	// ExportSession serializes the session credential. The blob is opaque
	// to callers and only meaningful to Dialer.ImportSession.
	ExportSession(ctx context.Context) (string, error)
	Disconnect()
}

// Dialer creates clients, either fresh (for an interactive login) or from a
// previously exported session credential (for restore).
type Dialer interface {
	NewClient(ctx context.Context) (Client, error)
	ImportSession(ctx context.Context, session string) (Client, error)
}
