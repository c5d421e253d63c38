package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// SessionStore is the repository for Session records. A session is
// created on first dispatched message and is never auto-destroyed (§3).
type SessionStore struct {
	db *sqlx.DB
}

func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) GetOrCreate(ctx context.Context, agentID uuid.UUID, userAccount string) (*Session, error) {
	var existing Session
	err := s.db.GetContext(ctx, &existing, `
		SELECT * FROM sessions WHERE agent_id = $1 AND user_account = $2 AND status = 'ACTIVE'
		ORDER BY created_at DESC LIMIT 1
	`, agentID, userAccount)
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lookup session: %w", err)
	}

	var created Session
	err = s.db.GetContext(ctx, &created, `
		INSERT INTO sessions (agent_id, user_account, status, metadata)
		VALUES ($1, $2, 'ACTIVE', '{}'::jsonb)
		RETURNING *
	`, agentID, userAccount)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return &created, nil
}

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	var session Session
	err := s.db.GetContext(ctx, &session, `SELECT * FROM sessions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &session, nil
}

func (s *SessionStore) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata json.RawMessage) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET metadata = $1, updated_at = now() WHERE id = $2
	`, metadata, id)
	if err != nil {
		return fmt.Errorf("update session metadata: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
