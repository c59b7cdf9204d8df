package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/foreman/internal/credential"
)

// CommandLogEntry is one inbound message and the reply it produced.
// Message and response are stored encrypted.
type CommandLogEntry struct {
	ID        string
	Owner     string
	Message   string
	Intent    string
	Response  string
	CreatedAt time.Time
}

// AppendCommandLog records an entry.
func (s *Store) AppendCommandLog(ctx context.Context, entry CommandLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	msg, err := credential.Encrypt(entry.Message)
	if err != nil {
		return err
	}
	resp, err := credential.Encrypt(entry.Response)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO command_log (id, owner, message, intent, response, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Owner, msg, entry.Intent, nullString(resp), toMillis(entry.CreatedAt))
	if err != nil {
		return unavailable("append command log", err)
	}
	return nil
}

// ListCommandLog returns the owner's most recent entries, newest first.
func (s *Store) ListCommandLog(ctx context.Context, owner string, limit int) ([]CommandLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, message, intent, response, created_at
		FROM command_log WHERE owner = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
	`, owner, limitOrAll(limit))
	if err != nil {
		return nil, unavailable("query command log", err)
	}
	defer rows.Close()

	var entries []CommandLogEntry
	for rows.Next() {
		var (
			e         CommandLogEntry
			resp      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Owner, &e.Message, &e.Intent, &resp, &createdAt); err != nil {
			return nil, err
		}
		if e.Message, err = credential.Decrypt(e.Message); err != nil {
			return nil, err
		}
		if e.Response, err = credential.Decrypt(resp.String); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneCommandLog deletes entries older than before and returns how many were removed.
func (s *Store) PruneCommandLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_log WHERE created_at < ?`, toMillis(before))
	if err != nil {
		return 0, unavailable("prune command log", err)
	}
	return res.RowsAffected()
}

// ErrorLog is a persisted panic, error or warning.
type ErrorLog struct {
	ID         int64
	Level      string
	Module     string
	Message    string
	Stacktrace string
	Context    string
	CreatedAt  time.Time
}

// InsertErrorLog records an error log row.
func (s *Store) InsertErrorLog(ctx context.Context, e ErrorLog) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_logs (level, module, message, stacktrace, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.Level, e.Module, e.Message, nullString(e.Stacktrace), nullString(e.Context), toMillis(e.CreatedAt))
	if err != nil {
		return unavailable("insert error log", err)
	}
	return nil
}

// ListErrorLogs returns the most recent error log rows, newest first.
func (s *Store) ListErrorLogs(ctx context.Context, limit int) ([]ErrorLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, level, module, message, stacktrace, context, created_at
		FROM error_logs ORDER BY id DESC LIMIT ?
	`, limitOrAll(limit))
	if err != nil {
		return nil, unavailable("query error logs", err)
	}
	defer rows.Close()

	var logs []ErrorLog
	for rows.Next() {
		var (
			e          ErrorLog
			stacktrace sql.NullString
			ctxJSON    sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&e.ID, &e.Level, &e.Module, &e.Message, &stacktrace, &ctxJSON, &createdAt); err != nil {
			return nil, err
		}
		e.Stacktrace = stacktrace.String
		e.Context = ctxJSON.String
		e.CreatedAt = fromMillis(createdAt)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}
