// Package approval implements the Approval Service (C5): issues approval
// requests, validates decisions with atomic CAS, writes chained audit
// entries, and schedules job resume.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/audit"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	"github.com/google/uuid"
)

// Default and max TTLs from §4.4.
const (
	ttlP0P1       = 24 * time.Hour
	ttlP2P3       = 72 * time.Hour
	MaxApprovalTTL = 7 * 24 * time.Hour
)

var (
	// ErrAlreadyDecided covers both "a concurrent decide won the CAS race"
	// and "the row was already APPROVED/REJECTED before this call".
	ErrAlreadyDecided = errors.New("approval request already decided")
	ErrExpired        = errors.New("approval request expired")
	ErrNotAuthorized  = errors.New("caller is not the pinned approver for this request")
	ErrNotFound       = store.ErrNotFound
)

// Enqueuer is the slice of the Queue Adapter (C7) the Approval Service
// needs: scheduling a resume `agent_execute` task. Keeping this as a small
// local interface (rather than importing pkg/queue) avoids a C5<->C7
// import cycle; pkg/queue's implementations satisfy it structurally.
type Enqueuer interface {
	AddJob(ctx context.Context, taskName string, payload any, opts EnqueueOptions) error
}

// EnqueueOptions mirrors the addJob options of §4.6.
type EnqueueOptions struct {
	RunAt       *time.Time
	MaxAttempts int
	JobKey      string
}

// Notifier delivers the "shouldNotify" signal to an external channel
// (Slack, etc). The Approval Service only computes the boolean and leaves
// delivery to this collaborator (§4.4: "the boolean is surfaced to the
// caller; delivery is external").
type Notifier interface {
	Notify(ctx context.Context, req *store.ApprovalRequest, channels []string) error
}

// Service is the Approval Service (C5).
type Service struct {
	approvals *store.ApprovalStore
	audits    *store.AuditStore
	jobs      *store.JobStore
	queue     Enqueuer
	notifier  Notifier
	logger    *slog.Logger
}

func NewService(approvals *store.ApprovalStore, audits *store.AuditStore, jobs *store.JobStore, queue Enqueuer, notifier Notifier) *Service {
	return &Service{
		approvals: approvals,
		audits:    audits,
		jobs:      jobs,
		queue:     queue,
		notifier:  notifier,
		logger:    slog.Default().With("component", "approval-service"),
	}
}

// CreateRequestParams are the caller-supplied fields for createRequest (§4.4).
type CreateRequestParams struct {
	JobID                 uuid.UUID
	AgentID               uuid.UUID
	ActionType            string
	ActionSummary         string
	ActionDetail          json.RawMessage
	TTLSeconds            *int
	ApproverUserAccountID *string
	RiskLevel             store.RiskLevel
	ResumePayload         json.RawMessage
	BlastRadius           *string
}

// CreateRequestResult is createRequest's return shape.
type CreateRequestResult struct {
	ApprovalRequestID uuid.UUID
	PlaintextToken    string
	ExpiresAt         time.Time
	RiskLevel         store.RiskLevel
	AutoApprovable    bool
	ShouldNotify      bool
}

// CreateRequest implements §4.4's createRequest contract.
func (s *Service) CreateRequest(ctx context.Context, p CreateRequestParams) (*CreateRequestResult, error) {
	risk := p.RiskLevel
	if risk == "" {
		risk = store.RiskP1
	}

	ttl := defaultTTL(risk)
	if p.TTLSeconds != nil {
		if requested := time.Duration(*p.TTLSeconds) * time.Second; requested > 0 {
			ttl = requested
		}
	}
	if ttl > MaxApprovalTTL {
		ttl = MaxApprovalTTL
	}

	plaintext, tokenHash, err := audit.GenerateApprovalToken()
	if err != nil {
		return nil, fmt.Errorf("generate approval token: %w", err)
	}

	autoApprove := risk == store.RiskP3
	expiresAt := time.Now().UTC().Add(ttl)

	req, err := s.approvals.CreateWithJobTransition(ctx, store.CreateApprovalParams{
		JobID:                 p.JobID,
		ActionType:            p.ActionType,
		ActionSummary:         p.ActionSummary,
		ActionDetail:          p.ActionDetail,
		TokenHash:             tokenHash,
		RiskLevel:             risk,
		ExpiresAt:             expiresAt,
		ResumePayload:         p.ResumePayload,
		BlastRadius:           p.BlastRadius,
		AutoApprove:           autoApprove,
		ApproverUserAccountID: p.ApproverUserAccountID,
	})
	if err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	eventType := store.AuditRequestCreated
	details := map[string]any{"risk_level": risk, "action_type": p.ActionType}
	if autoApprove {
		eventType = store.AuditRequestDecided
		details["decision"] = "APPROVED"
		details["auto_approved"] = true
	}
	detailsJSON, _ := json.Marshal(details)
	if _, err := s.audits.Append(ctx, store.AppendAuditParams{
		ApprovalRequestID: req.ID,
		JobID:             req.JobID,
		EventType:         eventType,
		Details:           detailsJSON,
	}); err != nil {
		s.logger.Error("failed to append creation audit entry", "approval_request_id", req.ID, "error", err)
	}

	if autoApprove {
		if err := s.enqueueResume(ctx, req.JobID); err != nil {
			s.logger.Error("failed to enqueue auto-approve resume", "job_id", req.JobID, "error", err)
		}
	}

	shouldNotify := risk == store.RiskP0 || risk == store.RiskP1 || (risk == store.RiskP2 && !autoApprove)
	if shouldNotify {
		s.deliverNotification(ctx, req)
	}

	return &CreateRequestResult{
		ApprovalRequestID: req.ID,
		PlaintextToken:    plaintext,
		ExpiresAt:         expiresAt,
		RiskLevel:         risk,
		AutoApprovable:    autoApprove,
		ShouldNotify:      shouldNotify,
	}, nil
}

func defaultTTL(risk store.RiskLevel) time.Duration {
	switch risk {
	case store.RiskP0, store.RiskP1:
		return ttlP0P1
	default:
		return ttlP2P3
	}
}

// DecideParams are decide's inputs (§4.4).
type DecideParams struct {
	ApprovalRequestID uuid.UUID
	Decision          store.ApprovalStatus // APPROVED or REJECTED
	DecidedBy         string
	Channel           string
	Reason            *string
	ActorMetadata     json.RawMessage
}

// Decide implements §4.4's decide contract: ordered precondition checks,
// atomic CAS commit, chained audit write, and job transition in the same
// transaction as the CAS (handled inside store.ApprovalStore.CASDecide).
func (s *Service) Decide(ctx context.Context, p DecideParams) (*store.ApprovalRequest, error) {
	req, err := s.approvals.Get(ctx, p.ApprovalRequestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if req.Status != store.ApprovalPending {
		return nil, ErrAlreadyDecided
	}
	if req.ExpiresAt.Before(time.Now().UTC()) {
		return nil, ErrExpired
	}
	if req.ApproverUserAccountID != nil && *req.ApproverUserAccountID != p.DecidedBy {
		s.writeUnauthorizedAttemptAudit(ctx, req, p.DecidedBy, p.Channel)
		return nil, ErrNotAuthorized
	}

	decided, err := s.approvals.CASDecide(ctx, p.ApprovalRequestID, store.DecideOutcome{
		Status:       p.Decision,
		DecidedBy:    p.DecidedBy,
		DecisionNote: p.Reason,
	})
	if err != nil {
		if errors.Is(err, store.ErrCASFailed) {
			return nil, ErrAlreadyDecided
		}
		return nil, fmt.Errorf("cas decide: %w", err)
	}

	if err := s.writeDecisionAudit(ctx, decided, p.DecidedBy, p.Channel, p.ActorMetadata); err != nil {
		s.logger.Error("failed to append decision audit entry", "approval_request_id", decided.ID, "error", err)
	}

	if p.Decision == store.ApprovalApproved {
		if err := s.enqueueResume(ctx, decided.JobID); err != nil {
			s.logger.Error("failed to enqueue resume after approval", "job_id", decided.JobID, "error", err)
		}
	}

	return decided, nil
}

// writeDecisionAudit computes the next link in the hash chain and stores it
// in the new entry's details, per §4.1/§4.4.
func (s *Service) writeDecisionAudit(ctx context.Context, req *store.ApprovalRequest, actor, channel string, actorMetadata json.RawMessage) error {
	last, err := s.audits.LastForRequest(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("load last audit entry: %w", err)
	}
	previousHash := ""
	if last != nil {
		previousHash = extractEntryHash(last)
	}

	decidedAt := time.Now().UTC()
	if req.DecidedAt != nil {
		decidedAt = *req.DecidedAt
	}
	entryHash := audit.ComputeEntryHash(req.ID.String(), string(req.Status), actor, decidedAt, previousHash)

	details := map[string]any{
		"decision":      req.Status,
		"entry_hash":    entryHash,
		"previous_hash": previousHash,
	}
	if actorMetadata != nil {
		details["actor_metadata"] = json.RawMessage(actorMetadata)
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return err
	}

	actorPtr := &actor
	channelPtr := &channel
	_, err = s.audits.Append(ctx, store.AppendAuditParams{
		ApprovalRequestID: req.ID,
		JobID:             req.JobID,
		EventType:         store.AuditRequestDecided,
		Actor:             actorPtr,
		Channel:           channelPtr,
		Details:           detailsJSON,
	})
	return err
}

// writeUnauthorizedAttemptAudit records a caller's decide attempt against a
// request pinned to a different approver (§4.4, §8 scenario "Unauthorized").
// Never retried — the caller simply isn't the pinned approver, so the
// request is left PENDING for the correct one.
func (s *Service) writeUnauthorizedAttemptAudit(ctx context.Context, req *store.ApprovalRequest, actor, channel string) {
	details, _ := json.Marshal(map[string]any{"attempted_by": actor})
	actorPtr := &actor
	channelPtr := &channel
	if _, err := s.audits.Append(ctx, store.AppendAuditParams{
		ApprovalRequestID: req.ID,
		JobID:             req.JobID,
		EventType:         store.AuditUnauthorizedAttempt,
		Actor:             actorPtr,
		Channel:           channelPtr,
		Details:           details,
	}); err != nil {
		s.logger.Error("failed to append unauthorized attempt audit entry", "approval_request_id", req.ID, "error", err)
	}
}

func extractEntryHash(e *store.AuditEntry) string {
	var details struct {
		EntryHash string `json:"entry_hash"`
	}
	if err := json.Unmarshal(e.Details, &details); err != nil {
		return ""
	}
	return details.EntryHash
}

// DecideByToken validates format, hashes the plaintext, looks up the
// matching PENDING request, and delegates to Decide (§4.4).
func (s *Service) DecideByToken(ctx context.Context, plaintext string, decision store.ApprovalStatus, decidedBy, channel string, reason *string, actorMetadata json.RawMessage) (*store.ApprovalRequest, error) {
	if !audit.IsValidTokenFormat(plaintext) {
		return nil, fmt.Errorf("%w: malformed token", ErrNotFound)
	}
	hash := audit.HashToken(plaintext)
	req, err := s.approvals.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s.Decide(ctx, DecideParams{
		ApprovalRequestID: req.ID,
		Decision:          decision,
		DecidedBy:         decidedBy,
		Channel:           channel,
		Reason:            reason,
		ActorMetadata:     actorMetadata,
	})
}

// ExpireStaleRequests implements §4.4's expireStaleRequests: select PENDING
// rows past expiry, CAS each to EXPIRED with the job failed in the same
// transaction, write a request_expired audit event. Idempotent against
// concurrent runs because the CAS loses harmlessly if another run (or a
// human decision) already moved the row.
func (s *Service) ExpireStaleRequests(ctx context.Context, batchSize int) (int, error) {
	candidates, err := s.approvals.ExpireStaleCandidates(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("list expire candidates: %w", err)
	}

	expired := 0
	for _, c := range candidates {
		req, err := s.approvals.CASExpire(ctx, c.ID)
		if err != nil {
			if errors.Is(err, store.ErrCASFailed) {
				continue
			}
			s.logger.Error("failed to expire approval request", "approval_request_id", c.ID, "error", err)
			continue
		}
		detailsJSON, _ := json.Marshal(map[string]any{"expired_at": time.Now().UTC()})
		if _, err := s.audits.Append(ctx, store.AppendAuditParams{
			ApprovalRequestID: req.ID,
			JobID:             req.JobID,
			EventType:         store.AuditRequestExpired,
			Details:           detailsJSON,
		}); err != nil {
			s.logger.Error("failed to append expiry audit entry", "approval_request_id", req.ID, "error", err)
		}
		expired++
	}
	return expired, nil
}

// RecordNotification appends a notification_sent audit entry once delivery
// to a channel has been attempted by an external collaborator.
func (s *Service) RecordNotification(ctx context.Context, approvalRequestID, jobID uuid.UUID, channel string, success bool) error {
	details, _ := json.Marshal(map[string]any{"success": success})
	channelPtr := &channel
	_, err := s.audits.Append(ctx, store.AppendAuditParams{
		ApprovalRequestID: approvalRequestID,
		JobID:             jobID,
		EventType:         store.AuditNotificationSent,
		Channel:           channelPtr,
		Details:           details,
	})
	return err
}

// GetAuditTrail returns the full audit chain for a request, oldest first.
func (s *Service) GetAuditTrail(ctx context.Context, approvalRequestID uuid.UUID) ([]store.AuditEntry, error) {
	return s.audits.ListForRequest(ctx, approvalRequestID)
}

// VerifyAuditChain checks the chain stored for a request against
// pkg/audit.VerifyChain (§4.1 invariant C).
func (s *Service) VerifyAuditChain(ctx context.Context, approvalRequestID uuid.UUID) (bool, error) {
	entries, err := s.audits.ListForRequest(ctx, approvalRequestID)
	if err != nil {
		return false, err
	}
	req, err := s.approvals.Get(ctx, approvalRequestID)
	if err != nil {
		return false, err
	}
	chain := make([]audit.Entry, 0, len(entries))
	for _, e := range entries {
		if e.EventType != store.AuditRequestDecided {
			continue
		}
		var details struct {
			Decision     string `json:"decision"`
			EntryHash    string `json:"entry_hash"`
			PreviousHash string `json:"previous_hash"`
		}
		if err := json.Unmarshal(e.Details, &details); err != nil {
			return false, fmt.Errorf("decode audit entry %s: %w", e.ID, err)
		}
		actor := ""
		if e.Actor != nil {
			actor = *e.Actor
		}
		decidedAt := e.CreatedAt
		if req.DecidedAt != nil {
			decidedAt = *req.DecidedAt
		}
		chain = append(chain, audit.Entry{
			RequestID:    approvalRequestID.String(),
			Decision:     details.Decision,
			Actor:        actor,
			DecidedAt:    decidedAt,
			PreviousHash: details.PreviousHash,
			EntryHash:    details.EntryHash,
		})
	}
	return audit.VerifyChain(chain), nil
}

// deliverNotification hands req to the configured Notifier and records the
// outcome as an audit entry. Failures are logged, not returned — a channel
// outage must never block the approval gate itself from opening.
func (s *Service) deliverNotification(ctx context.Context, req *store.ApprovalRequest) {
	if s.notifier == nil {
		return
	}
	channel := "default"
	err := s.notifier.Notify(ctx, req, []string{channel})
	if err != nil {
		s.logger.Error("approval notification delivery failed", "approval_request_id", req.ID, "error", err)
	}
	if recErr := s.RecordNotification(ctx, req.ID, req.JobID, channel, err == nil); recErr != nil {
		s.logger.Error("failed to record notification audit entry", "approval_request_id", req.ID, "error", recErr)
	}
}

func (s *Service) enqueueResume(ctx context.Context, jobID uuid.UUID) error {
	if s.queue == nil {
		return nil
	}
	payload := map[string]any{"jobId": jobID}
	return s.queue.AddJob(ctx, "agent_execute", payload, EnqueueOptions{
		JobKey:      fmt.Sprintf("exec:%s", jobID),
		MaxAttempts: 1,
	})
}
