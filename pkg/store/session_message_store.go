package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SessionMessageStore is the repository for SessionMessage rows: append-only
// turns used to reconstruct conversation history for the Backend Adapter's
// ExecutionTask (§3, §6). Also bumps the memory-extract pending counter so
// C9's companion bookkeeping can decide when to enqueue an extraction batch.
type SessionMessageStore struct {
	db *sqlx.DB
}

func NewSessionMessageStore(db *sqlx.DB) *SessionMessageStore {
	return &SessionMessageStore{db: db}
}

type AppendMessageParams struct {
	SessionID uuid.UUID
	JobID     *uuid.UUID
	Role      string
	Content   string
	Metadata  json.RawMessage
}

// Append inserts a new message and records it for memory extraction.
// Never updates an existing row: messages are immutable once written.
func (s *SessionMessageStore) Append(ctx context.Context, p AppendMessageParams) (*SessionMessage, error) {
	if p.Role != "user" && p.Role != "assistant" && p.Role != "system" {
		return nil, NewValidationError("role", "must be user, assistant, or system")
	}
	if p.Metadata == nil {
		p.Metadata = json.RawMessage(`{}`)
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append message tx: %w", err)
	}
	defer tx.Rollback()

	var msg SessionMessage
	err = tx.GetContext(ctx, &msg, `
		INSERT INTO session_messages (session_id, job_id, role, content, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *
	`, p.SessionID, p.JobID, p.Role, p.Content, p.Metadata)
	if err != nil {
		return nil, fmt.Errorf("insert session message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_extract_messages (session_id, message_id, enqueued)
		VALUES ($1, $2, false)
	`, p.SessionID, msg.ID); err != nil {
		return nil, fmt.Errorf("insert memory extract message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memory_extract_session_state (session_id, pending_count, updated_at)
		VALUES ($1, 1, now())
		ON CONFLICT (session_id) DO UPDATE
		SET pending_count = memory_extract_session_state.pending_count + 1, updated_at = now()
	`, p.SessionID); err != nil {
		return nil, fmt.Errorf("bump memory extract counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append message tx: %w", err)
	}
	return &msg, nil
}

// History returns messages for a session in chronological order, used to
// reconstruct conversation history when building an ExecutionTask.
func (s *SessionMessageStore) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]SessionMessage, error) {
	var msgs []SessionMessage
	err := s.db.SelectContext(ctx, &msgs, `
		SELECT * FROM session_messages WHERE session_id = $1 ORDER BY created_at ASC LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session message history: %w", err)
	}
	return msgs, nil
}

// PendingForExtraction returns session ids whose memory-extract counter has
// crossed threshold, for the external extractor's enqueue decision (§3).
func (s *SessionMessageStore) PendingForExtraction(ctx context.Context, threshold int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.SelectContext(ctx, &ids, `
		SELECT session_id FROM memory_extract_session_state WHERE pending_count >= $1
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("pending for extraction: %w", err)
	}
	return ids, nil
}

// MarkExtracted resets a session's pending counter and flags its queued
// messages as enqueued, once the external extractor has taken them.
func (s *SessionMessageStore) MarkExtracted(ctx context.Context, sessionID uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin mark extracted tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_extract_messages SET enqueued = true WHERE session_id = $1 AND NOT enqueued
	`, sessionID); err != nil {
		return fmt.Errorf("mark messages enqueued: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE memory_extract_session_state
		SET pending_count = 0, last_enqueued_at = now(), updated_at = now()
		WHERE session_id = $1
	`, sessionID); err != nil {
		return fmt.Errorf("reset pending counter: %w", err)
	}
	return tx.Commit()
}
