// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tokenstore

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// =============================================================================
// STORAGE KEYS
// =============================================================================

// Kind identifies a persisted value. The keys are part of the on-disk
// contract and must not change between releases.
type Kind string

const (
	// KindUserToken is the user-level bearer token.
	KindUserToken Kind = "user_token"

	// KindSessionToken is the active session's bearer token.
	KindSessionToken Kind = "session_token"

	// KindActiveSession is the identifier of the last-active session.
	KindActiveSession Kind = "active_session"
)

// schema is a single key/value table; one row per Kind.
const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// =============================================================================
// TOKEN STORE
// =============================================================================

// Store is the durable token store. A Store with a nil db is valid and
// behaves as permanently empty.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the token database at path. It never returns an
// error: any failure yields a store that silently no-ops.
func Open(path string) *Store {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return &Store{}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return &Store{}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return &Store{}
	}

	return &Store{db: db}
}

// OpenDefault opens the token database in the given data directory under
// the fixed filename "tokens.db".
func OpenDefault(dataDir string) *Store {
	return Open(filepath.Join(dataDir, "tokens.db"))
}

// Get retrieves a persisted value. The second return is false when the
// value is absent or the backing store is unavailable.
func (s *Store) Get(kind Kind) (string, bool) {
	if s == nil || s.db == nil {
		return "", false
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM tokens WHERE key = ?`, string(kind)).Scan(&value)
	if err != nil {
		return "", false
	}
	return value, true
}

// Set stores a value, replacing any previous one. Setting an empty value
// removes the key so Get reports absent rather than an empty token.
func (s *Store) Set(kind Kind, value string) {
	if s == nil || s.db == nil {
		return
	}

	if value == "" {
		s.db.Exec(`DELETE FROM tokens WHERE key = ?`, string(kind))
		return
	}
	s.db.Exec(`INSERT INTO tokens (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, string(kind), value)
}

// Clear removes every persisted value. Called on logout so all client
// state disappears together.
func (s *Store) Clear() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Exec(`DELETE FROM tokens`)
}

// Close releases the underlying database. Safe on a no-op store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}
