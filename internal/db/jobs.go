package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusDraft     JobStatus = "DRAFT"
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusAbandoned JobStatus = "ABANDONED"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAbandoned
}

var allowedTransitions = map[JobStatus]map[JobStatus]struct{}{
	StatusDraft: {
		StatusQueued: {},
	},
	StatusQueued: {
		StatusRunning: {},
	},
	StatusRunning: {
		StatusSucceeded: {},
		StatusFailed:    {},
		StatusAbandoned: {},
	},
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to JobStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Payload is the structured founder job produced by the onboarding dialogue.
type Payload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Stack       string   `json:"stack"`
	MCP         string   `json:"mcp"`
	MCPServers  []string `json:"mcp_servers,omitempty"`
}

// Job is a persisted founder job.
type Job struct {
	ID          string
	Owner       string
	Status      JobStatus
	Payload     Payload
	Summary     string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// JobEvent is one row of a job's transition history.
type JobEvent struct {
	ID        int64
	JobID     string
	From      JobStatus
	To        JobStatus
	Note      string
	CreatedAt time.Time
}

const jobColumns = `id, owner, status, payload, summary, created_at, updated_at, completed_at`

func scanJob(scanFn func(dest ...any) error) (*Job, error) {
	var (
		job         Job
		status      string
		payload     string
		summary     sql.NullString
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	if err := scanFn(&job.ID, &job.Owner, &status, &payload, &summary, &createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of job %s: %w", job.ID, err)
	}
	job.Status = JobStatus(status)
	job.Summary = summary.String
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		job.CompletedAt = &t
	}
	return &job, nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query jobs", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// FindJobByPrefix resolves a full or abbreviated job id owned by owner.
// An ambiguous prefix is reported as not found.
func (s *Store) FindJobByPrefix(ctx context.Context, owner, prefix string) (*Job, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return nil, fmt.Errorf("empty job id: %w", ErrNotFound)
	}
	jobs, err := s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner = ? AND id LIKE ? ESCAPE '\' LIMIT 2`,
		owner, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	if len(jobs) != 1 {
		return nil, fmt.Errorf("job %s: %w", prefix, ErrNotFound)
	}
	return jobs[0], nil
}

// ListJobsByOwner returns the owner's jobs, most recently updated first.
func (s *Store) ListJobsByOwner(ctx context.Context, owner string, limit int) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner = ? ORDER BY updated_at DESC, rowid DESC LIMIT ?`,
		owner, limitOrAll(limit))
}

// ListJobsByStatus returns every job in one of the given states, oldest first.
func (s *Store) ListJobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	return s.listByStatus(ctx, "", statuses)
}

// ListOwnerJobsByStatus is ListJobsByStatus restricted to one owner.
func (s *Store) ListOwnerJobsByStatus(ctx context.Context, owner string, statuses ...JobStatus) ([]*Job, error) {
	return s.listByStatus(ctx, owner, statuses)
}

// listByStatus filters by owner when owner is not empty.
func (s *Store) listByStatus(ctx context.Context, owner string, statuses []JobStatus) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	for i, st := range statuses {
		placeholders[i] = "?"
		args = append(args, string(st))
	}
	where := `status IN (` + strings.Join(placeholders, ",") + `)`
	if owner != "" {
		where += ` AND owner = ?`
		args = append(args, owner)
	}
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY created_at ASC, rowid ASC`,
		args...)
}

// TerminalJobs returns the owner's finished jobs, most recently completed first.
func (s *Store) TerminalJobs(ctx context.Context, owner string, limit int) ([]*Job, error) {
	return s.queryJobs(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner = ? AND completed_at IS NOT NULL ORDER BY completed_at DESC, rowid DESC LIMIT ?`,
		owner, limitOrAll(limit))
}

// TransitionJob moves a job from one state to another. The update only
// applies while the job is still in from, so a concurrent or repeated
// transition fails with ErrIllegalTransition instead of overwriting.
func (s *Store) TransitionJob(ctx context.Context, id string, from, to JobStatus, summary string) (*Job, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	now := toMillis(s.now())
	var completedAt sql.NullInt64
	if to.Terminal() {
		completedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin transition", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, updated_at = ?,
		    completed_at = COALESCE(?, completed_at),
		    summary = COALESCE(?, summary)
		WHERE id = ? AND status = ?
	`, string(to), now, completedAt, nullString(summary), id, string(from))
	if err != nil {
		return nil, unavailable("update job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable("update job", err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return nil, unavailable("read job status", err)
		}
		return nil, fmt.Errorf("%w: job %s is %s, not %s", ErrIllegalTransition, id, current, from)
	}

	if err := insertEvent(ctx, tx, id, from, to, summary, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit transition", err)
	}
	return s.GetJob(ctx, id)
}

// JobEvents returns the transition history of a job in order.
func (s *Store) JobEvents(ctx context.Context, id string) ([]JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, from_status, to_status, note, created_at
		FROM job_events WHERE job_id = ? ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, unavailable("query job events", err)
	}
	defer rows.Close()

	var events []JobEvent
	for rows.Next() {
		var (
			ev        JobEvent
			from      sql.NullString
			to        string
			note      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &from, &to, &note, &createdAt); err != nil {
			return nil, err
		}
		ev.From = JobStatus(from.String)
		ev.To = JobStatus(to)
		ev.Note = note.String
		ev.CreatedAt = fromMillis(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertJob(ctx context.Context, tx *sql.Tx, job *Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, owner, status, payload, summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Owner, string(job.Status), string(payload), nullString(job.Summary),
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt))
	if err != nil {
		return unavailable("insert job", err)
	}
	return insertEvent(ctx, tx, job.ID, "", job.Status, "created", toMillis(job.CreatedAt))
}

func insertEvent(ctx context.Context, tx *sql.Tx, jobID string, from, to JobStatus, note string, at int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_events (job_id, from_status, to_status, note, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobID, nullString(string(from)), string(to), nullString(note), at)
	if err != nil {
		return unavailable("insert job event", err)
	}
	return nil
}

func limitOrAll(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
