// Package store persists sessions, projects and processed events in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// timeFormat is the canonical timestamp format used in all tables.
const timeFormat = "2006-01-02T15:04:05.000Z"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrProjectNotFound = errors.New("project not found")
)

// SessionStateError reports a rejected status transition. Only idle→running
// and running→idle are legal.
type SessionStateError struct {
	ID   string
	From SessionStatus
	To   SessionStatus
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("session %s: illegal status transition %s→%s", e.ID, e.From, e.To)
}

// Store wraps the SQLite handle. All methods are safe for concurrent use;
// the database layer serialises writes on a single connection.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}
