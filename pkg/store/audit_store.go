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

// AuditStore is the repository for approval_audit_entries: an append-only
// log, never updated or deleted once written (§3).
type AuditStore struct {
	db *sqlx.DB
}

func NewAuditStore(db *sqlx.DB) *AuditStore {
	return &AuditStore{db: db}
}

type AppendAuditParams struct {
	ApprovalRequestID uuid.UUID
	JobID             uuid.UUID
	EventType         AuditEventType
	Actor             *string
	Channel           *string
	Details           json.RawMessage
}

func (s *AuditStore) Append(ctx context.Context, p AppendAuditParams) (*AuditEntry, error) {
	if p.Details == nil {
		p.Details = json.RawMessage(`{}`)
	}
	var entry AuditEntry
	err := s.db.GetContext(ctx, &entry, `
		INSERT INTO approval_audit_entries (approval_request_id, job_id, event_type, actor, channel, details)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING *
	`, p.ApprovalRequestID, p.JobID, p.EventType, p.Actor, p.Channel, p.Details)
	if err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}
	return &entry, nil
}

// LastForRequest returns the most recent audit entry for a request, or nil
// if none exists yet. Used by the Approval Service to read the previous
// entry_hash before computing the next link in the chain (§4.1, §4.4).
func (s *AuditStore) LastForRequest(ctx context.Context, approvalRequestID uuid.UUID) (*AuditEntry, error) {
	var entry AuditEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT * FROM approval_audit_entries
		WHERE approval_request_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, approvalRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last audit entry: %w", err)
	}
	return &entry, nil
}

// ListForRequest returns the full chain for a request in chain order
// (oldest first), for verifyAuditChain (§4.1).
func (s *AuditStore) ListForRequest(ctx context.Context, approvalRequestID uuid.UUID) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT * FROM approval_audit_entries
		WHERE approval_request_id = $1
		ORDER BY created_at ASC
	`, approvalRequestID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	return entries, nil
}
