// Copyright 2024-2026 Aiku AI

package engine

import (
	"errors"
	"sync"
)

// ErrAlreadyRegistered is returned by Register when the user already has a
// live handle. The caller must Unregister and close the old handle first;
// the registry never closes handles itself to avoid racing an in-flight send.
var ErrAlreadyRegistered = errors.New("session already registered for user")

// SessionRegistry is the in-memory map from user id to live session handle.
// Reads may run concurrently; mutations are exclusive.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*SessionHandle
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[int64]*SessionHandle),
	}
}

// Register installs the handle for a user. Only successfully-connected
// handles may be registered.
func (r *SessionRegistry) Register(userID int64, handle *SessionHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; ok {
		return ErrAlreadyRegistered
	}
	r.sessions[userID] = handle
	return nil
}

// Lookup returns the live handle for a user, if any.
func (r *SessionRegistry) Lookup(userID int64) (*SessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handle, ok := r.sessions[userID]
	return handle, ok
}

// Unregister atomically removes and returns the handle so the caller can
// close it.
func (r *SessionRegistry) Unregister(userID int64) (*SessionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	return handle, ok
}

// Count returns the number of live sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// UserIDs returns the ids of all users with a live session.
func (r *SessionRegistry) UserIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
