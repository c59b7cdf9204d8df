package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/neboloop/foreman/internal/credential"
)

// Conversation is an owner's in-flight onboarding dialogue.
// Answers are stored encrypted.
type Conversation struct {
	Owner     string
	Step      int
	Answers   []string
	StartedAt time.Time
	UpdatedAt time.Time
}

// GetConversation returns the owner's active conversation or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, owner string) (*Conversation, error) {
	var (
		conv      Conversation
		answers   string
		startedAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, step, answers, started_at, updated_at FROM conversations WHERE owner = ?
	`, owner).Scan(&conv.Owner, &conv.Step, &answers, &startedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("read conversation", err)
	}
	if conv.Answers, err = decodeAnswers(answers); err != nil {
		return nil, fmt.Errorf("conversation %s: %w", owner, err)
	}
	conv.StartedAt = fromMillis(startedAt)
	conv.UpdatedAt = fromMillis(updatedAt)
	return &conv, nil
}

// SaveConversation inserts or replaces the owner's conversation.
func (s *Store) SaveConversation(ctx context.Context, conv *Conversation) error {
	answers, err := encodeAnswers(conv.Answers)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (owner, step, answers, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(owner) DO UPDATE SET
			step = excluded.step,
			answers = excluded.answers,
			started_at = excluded.started_at,
			updated_at = excluded.updated_at
	`, conv.Owner, conv.Step, answers, toMillis(conv.StartedAt), toMillis(conv.UpdatedAt))
	if err != nil {
		return unavailable("save conversation", err)
	}
	return nil
}

// DeleteConversation removes the owner's conversation. Reports whether a row existed.
func (s *Store) DeleteConversation(ctx context.Context, owner string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE owner = ?`, owner)
	if err != nil {
		return false, unavailable("delete conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("delete conversation", err)
	}
	return n > 0, nil
}

// ListIdleConversations returns conversations not updated since before.
func (s *Store) ListIdleConversations(ctx context.Context, before time.Time) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner, step, answers, started_at, updated_at
		FROM conversations WHERE updated_at <= ? ORDER BY updated_at ASC
	`, toMillis(before))
	if err != nil {
		return nil, unavailable("query idle conversations", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var (
			conv      Conversation
			answers   string
			startedAt int64
			updatedAt int64
		)
		if err := rows.Scan(&conv.Owner, &conv.Step, &answers, &startedAt, &updatedAt); err != nil {
			return nil, err
		}
		if conv.Answers, err = decodeAnswers(answers); err != nil {
			return nil, fmt.Errorf("conversation %s: %w", conv.Owner, err)
		}
		conv.StartedAt = fromMillis(startedAt)
		conv.UpdatedAt = fromMillis(updatedAt)
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// CommitConversation consumes the owner's conversation started at startedAt
// and creates a DRAFT job from payload in one transaction. A conversation can
// be committed at most once; later attempts fail with ErrConversationConsumed.
func (s *Store) CommitConversation(ctx context.Context, owner string, startedAt time.Time, payload Payload) (*Job, error) {
	now := s.now()
	job := &Job{
		ID:        uuid.New().String(),
		Owner:     owner,
		Status:    StatusDraft,
		Payload:   payload,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin commit", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM conversations WHERE owner = ? AND started_at = ?`,
		owner, toMillis(startedAt))
	if err != nil {
		return nil, unavailable("consume conversation", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, unavailable("consume conversation", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("conversation %s: %w", owner, ErrConversationConsumed)
	}

	if err := insertJob(ctx, tx, job); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit conversation", err)
	}
	return job, nil
}

func encodeAnswers(answers []string) (string, error) {
	if answers == nil {
		answers = []string{}
	}
	raw, err := json.Marshal(answers)
	if err != nil {
		return "", fmt.Errorf("encode answers: %w", err)
	}
	return credential.Encrypt(string(raw))
}

func decodeAnswers(stored string) ([]string, error) {
	if stored == "" {
		return nil, nil
	}
	raw, err := credential.Decrypt(stored)
	if err != nil {
		return nil, fmt.Errorf("decrypt answers: %w", err)
	}
	var answers []string
	if err := json.Unmarshal([]byte(raw), &answers); err != nil {
		return nil, fmt.Errorf("decode answers: %w", err)
	}
	return answers, nil
}
