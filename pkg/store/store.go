// Copyright 2024-2026 Aiku AI

// Package store persists users, forwarding tasks and the allow-list.
//
// It is pure data access: no routing or authorization policy lives here.
// All operations are safe for concurrent callers; the underlying
// dbutil.Database serializes writes. List and filter columns are stored as
// JSON text, and malformed stored JSON degrades to empty values instead of
// propagating, so a single corrupt row can never take message routing down.
package store

import (
	"encoding/json"

	"go.mau.fi/util/dbutil"

	"github.com/Ademmanu/FORWARDIFY-sub000/pkg/store/upgrades"
)

// VersionTableName is where dbutil tracks the applied schema revision.
const VersionTableName = "forwardify_version"

// Store provides access to all persisted state.
type Store struct {
	db *dbutil.Database
}

// New wraps an opened database. The caller is expected to have set up the
// upgrade table (see Upgrade) or to call Upgrade before first use.
func New(db *dbutil.Database) *Store {
	db.UpgradeTable = upgrades.Table
	db.VersionTable = VersionTableName
	return &Store{db: db}
}

// DB exposes the underlying database for lifecycle management (Close).
func (s *Store) DB() *dbutil.Database {
	return s.db
}

// marshalIDs serializes a chat id list for storage. Errors are impossible
// for []int64, so the result is always valid JSON.
func marshalIDs(ids []int64) string {
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// unmarshalIDs degrades to an empty list on malformed stored JSON.
func unmarshalIDs(raw string) []int64 {
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	return ids
}
