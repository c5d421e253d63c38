package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ApprovalStore is the repository for ApprovalRequest rows. Decision writes
// go through CASDecide, the same conditional-put discipline as JobStore's
// CASTransition: `decide` is atomic CAS per §4.4, and zero rows affected
// means another actor already decided the request.
type ApprovalStore struct {
	db *sqlx.DB
}

func NewApprovalStore(db *sqlx.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

type CreateApprovalParams struct {
	JobID                 uuid.UUID
	ActionType            string
	ActionSummary         string
	ActionDetail          json.RawMessage
	TokenHash             string
	RiskLevel             RiskLevel
	ExpiresAt             time.Time
	ResumePayload         json.RawMessage
	BlastRadius           *string
	NotificationChannels  json.RawMessage
	AutoApprove           bool
	ApproverUserAccountID *string
}

// CreateWithJobTransition inserts the approval row (PENDING, or APPROVED if
// autoApprove) and moves the job RUNNING -> WAITING_FOR_APPROVAL (or leaves
// it RUNNING on auto-approve) in a single transaction, per §4.4. The job's
// conditional-put uses the same WHERE status = 'RUNNING' guard as every
// other job write.
func (s *ApprovalStore) CreateWithJobTransition(ctx context.Context, p CreateApprovalParams) (*ApprovalRequest, error) {
	if p.ActionType == "" {
		return nil, NewValidationError("action_type", "required")
	}
	if p.TokenHash == "" {
		return nil, NewValidationError("token_hash", "required")
	}
	if p.NotificationChannels == nil {
		p.NotificationChannels = json.RawMessage(`[]`)
	}
	if p.ActionDetail == nil {
		p.ActionDetail = json.RawMessage(`{}`)
	}

	status := ApprovalPending
	var decidedAt *time.Time
	if p.AutoApprove {
		status = ApprovalApproved
		now := time.Now().UTC()
		decidedAt = &now
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create approval tx: %w", err)
	}
	defer tx.Rollback()

	var req ApprovalRequest
	err = tx.GetContext(ctx, &req, `
		INSERT INTO approval_requests
			(job_id, action_type, action_summary, action_detail, token_hash, status,
			 risk_level, expires_at, resume_payload, blast_radius, notification_channels, decided_at,
			 approver_user_account_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING *
	`, p.JobID, p.ActionType, p.ActionSummary, p.ActionDetail, p.TokenHash, status,
		p.RiskLevel, p.ExpiresAt, p.ResumePayload, p.BlastRadius, p.NotificationChannels, decidedAt,
		p.ApproverUserAccountID)
	if err != nil {
		return nil, fmt.Errorf("insert approval request: %w", err)
	}

	if !p.AutoApprove {
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = $1 WHERE id = $2 AND status = $3
		`, JobWaitingForApproval, p.JobID, JobRunning)
		if err != nil {
			return nil, fmt.Errorf("transition job to waiting_for_approval: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil, ErrCASFailed
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create approval tx: %w", err)
	}
	return &req, nil
}

func (s *ApprovalStore) Get(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error) {
	var req ApprovalRequest
	err := s.db.GetContext(ctx, &req, `SELECT * FROM approval_requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request: %w", err)
	}
	return &req, nil
}

// LatestForJob returns the most recently requested approval request for a
// job, if any — used by the Execution Worker's approval gate (§4.7 step 5)
// to decide whether a gate already exists before creating a second one
// ("exactly one logical gate per job at a time", §3).
func (s *ApprovalStore) LatestForJob(ctx context.Context, jobID uuid.UUID) (*ApprovalRequest, error) {
	var req ApprovalRequest
	err := s.db.GetContext(ctx, &req, `
		SELECT * FROM approval_requests WHERE job_id = $1 ORDER BY requested_at DESC LIMIT 1
	`, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest approval request for job: %w", err)
	}
	return &req, nil
}

func (s *ApprovalStore) GetByTokenHash(ctx context.Context, tokenHash string) (*ApprovalRequest, error) {
	var req ApprovalRequest
	err := s.db.GetContext(ctx, &req, `SELECT * FROM approval_requests WHERE token_hash = $1`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval request by token hash: %w", err)
	}
	return &req, nil
}

// DecideOutcome is the new state to CAS an approval request into.
type DecideOutcome struct {
	Status       ApprovalStatus
	DecidedBy    string
	DecisionNote *string
}

// CASDecide performs the atomic CAS commit step of §4.4's decide contract:
// UPDATE approval_requests SET status=?, decided_* WHERE id=? AND status='PENDING'.
// Zero rows affected means another actor already decided -> ErrCASFailed,
// which the Approval Service maps onto "already_decided".
func (s *ApprovalStore) CASDecide(ctx context.Context, id uuid.UUID, outcome DecideOutcome) (*ApprovalRequest, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin decide tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, decided_at = now(), decided_by = $2, decision_note = $3
		WHERE id = $4 AND status = $5
	`, outcome.Status, outcome.DecidedBy, outcome.DecisionNote, id, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("cas decide: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrCASFailed
	}

	var req ApprovalRequest
	if err := tx.GetContext(ctx, &req, `SELECT * FROM approval_requests WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("reload decided approval request: %w", err)
	}

	jobTo := JobRunning
	var jobErr json.RawMessage
	if outcome.Status == ApprovalRejected {
		jobTo = JobFailed
		msg := "approval request rejected"
		if outcome.DecisionNote != nil && *outcome.DecisionNote != "" {
			msg = *outcome.DecisionNote
		}
		jobErr, _ = json.Marshal(JobError{Category: "PERMANENT", Message: msg})
	}

	jobRes, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error = $2 WHERE id = $3 AND status = $4
	`, jobTo, jobErr, req.JobID, JobWaitingForApproval)
	if err != nil {
		return nil, fmt.Errorf("transition job on decision: %w", err)
	}
	if n, _ := jobRes.RowsAffected(); n == 0 {
		return nil, ErrCASFailed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit decide tx: %w", err)
	}
	return &req, nil
}

// ExpireStaleCandidate returns PENDING approval requests whose expires_at
// has passed, for the Expiration Reaper (C9).
func (s *ApprovalStore) ExpireStaleCandidates(ctx context.Context, limit int) ([]ApprovalRequest, error) {
	var reqs []ApprovalRequest
	err := s.db.SelectContext(ctx, &reqs, `
		SELECT * FROM approval_requests
		WHERE status = $1 AND expires_at < now()
		ORDER BY expires_at ASC
		LIMIT $2
	`, ApprovalPending, limit)
	if err != nil {
		return nil, fmt.Errorf("list expire candidates: %w", err)
	}
	return reqs, nil
}

// CASExpire CASes a single PENDING request to EXPIRED and fails its job, the
// same two-write pattern as CASDecide but driven by the reaper instead of a
// human decision. Idempotent: a concurrent reaper run or a human decision
// racing this one simply loses the CAS and returns ErrCASFailed.
func (s *ApprovalStore) CASExpire(ctx context.Context, id uuid.UUID) (*ApprovalRequest, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin expire tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE approval_requests SET status = $1, decided_at = now() WHERE id = $2 AND status = $3
	`, ApprovalExpired, id, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("cas expire: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrCASFailed
	}

	var req ApprovalRequest
	if err := tx.GetContext(ctx, &req, `SELECT * FROM approval_requests WHERE id = $1`, id); err != nil {
		return nil, fmt.Errorf("reload expired approval request: %w", err)
	}

	jobErr, _ := json.Marshal(JobError{Category: "PERMANENT", Message: "Approval request expired"})
	jobRes, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, error = $2 WHERE id = $3 AND status = $4
	`, JobFailed, jobErr, req.JobID, JobWaitingForApproval)
	if err != nil {
		return nil, fmt.Errorf("fail job on expiry: %w", err)
	}
	if n, _ := jobRes.RowsAffected(); n == 0 {
		return nil, ErrCASFailed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit expire tx: %w", err)
	}
	return &req, nil
}
