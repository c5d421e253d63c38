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

// AgentStore is the repository for Agent records. Agents are destroyed
// only by explicit delete and are never cascaded from jobs (§3).
type AgentStore struct {
	db *sqlx.DB
}

func NewAgentStore(db *sqlx.DB) *AgentStore {
	return &AgentStore{db: db}
}

type CreateAgentParams struct {
	Name               string
	Slug               string
	Role               string
	ModelConfig        json.RawMessage
	SkillConfig        json.RawMessage
	ResourceLimits     json.RawMessage
	ChannelPermissions json.RawMessage
}

func (s *AgentStore) Create(ctx context.Context, p CreateAgentParams) (*Agent, error) {
	if p.Name == "" {
		return nil, NewValidationError("name", "required")
	}
	if p.Slug == "" {
		return nil, NewValidationError("slug", "required")
	}
	if p.Role == "" {
		return nil, NewValidationError("role", "required")
	}

	emptyObj := json.RawMessage(`{}`)
	if p.ModelConfig == nil {
		p.ModelConfig = emptyObj
	}
	if p.SkillConfig == nil {
		p.SkillConfig = emptyObj
	}
	if p.ResourceLimits == nil {
		p.ResourceLimits = emptyObj
	}
	if p.ChannelPermissions == nil {
		p.ChannelPermissions = emptyObj
	}

	var agent Agent
	err := s.db.GetContext(ctx, &agent, `
		INSERT INTO agents (name, slug, role, model_config, skill_config, resource_limits, channel_permissions, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING *
	`, p.Name, p.Slug, p.Role, p.ModelConfig, p.SkillConfig, p.ResourceLimits, p.ChannelPermissions, AgentActive)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return &agent, nil
}

func (s *AgentStore) Get(ctx context.Context, id uuid.UUID) (*Agent, error) {
	var agent Agent
	err := s.db.GetContext(ctx, &agent, `SELECT * FROM agents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &agent, nil
}

func (s *AgentStore) GetBySlug(ctx context.Context, slug string) (*Agent, error) {
	var agent Agent
	err := s.db.GetContext(ctx, &agent, `SELECT * FROM agents WHERE slug = $1`, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by slug: %w", err)
	}
	return &agent, nil
}

func (s *AgentStore) SetStatus(ctx context.Context, id uuid.UUID, status AgentStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
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

// Delete permanently removes an agent. Callers are responsible for
// ensuring no jobs still reference it; the FK has no ON DELETE CASCADE,
// so a referenced agent simply refuses to delete.
func (s *AgentStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
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
