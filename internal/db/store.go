// Package db is the durable job store: jobs with their transition history,
// in-flight onboarding conversations, the command log and the error log.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreUnavailable wraps every driver failure on a write path.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrNotFound is returned when a job or conversation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalTransition is returned for any edge outside the job lifecycle.
	ErrIllegalTransition = errors.New("illegal job transition")
	// ErrConversationConsumed is returned when a conversation was already
	// committed, cancelled or expired.
	ErrConversationConsumed = errors.New("conversation already consumed")
)

// Store wraps the database connection.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// DB returns the underlying connection for sharing with other components.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
