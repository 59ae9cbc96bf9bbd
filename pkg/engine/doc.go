// Copyright 2024-2026 Aiku AI

// Package engine is the session and forwarding orchestration core.
//
// It multiplexes many independent end-user forwarding sessions over one
// control surface. Each authorized user links a personal messaging-account
// session through a multi-step login handshake, defines forwarding tasks
// (source chats -> target chats with a content filter), and the engine
// relays matching inbound messages on that user's behalf.
//
// # Core Types
//
// [SessionRegistry] owns the in-memory map from user id to live
// [SessionHandle]. Mutations are exclusive; no entry ever holds a
// partially-constructed handle.
//
// [AuthFlow] drives the per-user login state machine (phone -> code ->
// optional second factor) and the phone-confirmation logout handshake.
// Transient flow state is memory-only and discarded on completion,
// cancellation or any protocol-level error.
//
// [ForwardingRouter] installs one message listener per live session,
// evaluates every inbound message against the user's active tasks (loaded
// fresh from the store so edits apply immediately) and forwards matches to
// each target sequentially. Delivery is best-effort, at-most-once; failures
// are isolated per target and can never stop message processing for other
// users.
//
// [RestoreCoordinator] rebuilds sessions from persisted credentials after a
// process restart, via the same registration path the login flow uses.
//
// [Engine] ties the above together and exposes the intent-level operations
// the front-end adapter calls, gated by the allow-list.
package engine
