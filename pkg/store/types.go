// Package store is the Persistent Store (C1): the source of truth for
// agents, sessions, jobs, approval gates, the audit chain, and session
// messages. It enforces state-transition invariants via conditional-put
// writes backed by a database trigger (see pkg/database/migrations).
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is one node of the job transition graph described in §3.
type JobStatus string

const (
	JobPending             JobStatus = "PENDING"
	JobScheduled           JobStatus = "SCHEDULED"
	JobRunning             JobStatus = "RUNNING"
	JobWaitingForApproval   JobStatus = "WAITING_FOR_APPROVAL"
	JobRetrying             JobStatus = "RETRYING"
	JobCompleted            JobStatus = "COMPLETED"
	JobFailed               JobStatus = "FAILED"
	JobTimedOut             JobStatus = "TIMED_OUT"
	JobDeadLetter           JobStatus = "DEAD_LETTER"
)

// terminalJobStatuses is the closed set {COMPLETED, TIMED_OUT, DEAD_LETTER}
// from invariant (a): no transition ever leaves this set.
var terminalJobStatuses = map[JobStatus]bool{
	JobCompleted:  true,
	JobTimedOut:   true,
	JobDeadLetter: true,
}

// IsTerminal reports whether a job in this status can never transition again.
func (s JobStatus) IsTerminal() bool {
	return terminalJobStatuses[s]
}

// jobTransitions mirrors the DB trigger in
// pkg/database/migrations/000001_init_schema.up.sql; kept in application
// code so illegal transitions fail fast, before the round trip to Postgres.
var jobTransitions = map[JobStatus]map[JobStatus]bool{
	JobPending:           {JobScheduled: true},
	JobScheduled:         {JobRunning: true},
	JobRunning:           {JobCompleted: true, JobFailed: true, JobTimedOut: true, JobWaitingForApproval: true},
	JobWaitingForApproval: {JobRunning: true, JobFailed: true},
	JobFailed:            {JobRetrying: true, JobDeadLetter: true},
	JobRetrying:          {JobScheduled: true},
}

// CanTransition reports whether from -> to is an edge of the job graph.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	return jobTransitions[from][to]
}

// JobError is the structured {category, message} payload stored in
// jobs.error.
type JobError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Job is one unit of agent work (§3).
type Job struct {
	ID                uuid.UUID       `db:"id"`
	AgentID           uuid.UUID       `db:"agent_id"`
	SessionID         *uuid.UUID      `db:"session_id"`
	Status            JobStatus       `db:"status"`
	Priority          int             `db:"priority"`
	Payload           json.RawMessage `db:"payload"`
	Result            json.RawMessage `db:"result"`
	Checkpoint        json.RawMessage `db:"checkpoint"`
	Error             json.RawMessage `db:"error"`
	Attempt           int             `db:"attempt"`
	MaxAttempts       int             `db:"max_attempts"`
	TimeoutSeconds    int             `db:"timeout_seconds"`
	ApprovalExpiresAt *time.Time      `db:"approval_expires_at"`
	HeartbeatAt       *time.Time      `db:"heartbeat_at"`
	CreatedAt         time.Time       `db:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"`
	StartedAt         *time.Time      `db:"started_at"`
	CompletedAt       *time.Time      `db:"completed_at"`
}

// DecodeError unmarshals the job's error JSON, if any.
func (j *Job) DecodeError() (*JobError, error) {
	if len(j.Error) == 0 {
		return nil, nil
	}
	var e JobError
	if err := json.Unmarshal(j.Error, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// AgentStatus is the lifecycle status of an Agent record.
type AgentStatus string

const (
	AgentActive   AgentStatus = "ACTIVE"
	AgentInactive AgentStatus = "INACTIVE"
)

// Agent is a long-lived configuration record (§3).
type Agent struct {
	ID                 uuid.UUID       `db:"id"`
	Name               string          `db:"name"`
	Slug               string          `db:"slug"`
	Role               string          `db:"role"`
	ModelConfig        json.RawMessage `db:"model_config"`
	SkillConfig        json.RawMessage `db:"skill_config"`
	ResourceLimits     json.RawMessage `db:"resource_limits"`
	ChannelPermissions json.RawMessage `db:"channel_permissions"`
	Status             AgentStatus     `db:"status"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// Session is a conversational thread between a user account and an agent (§3).
type Session struct {
	ID          uuid.UUID       `db:"id"`
	AgentID     uuid.UUID       `db:"agent_id"`
	UserAccount string          `db:"user_account"`
	Status      string          `db:"status"`
	Metadata    json.RawMessage `db:"metadata"`
	CreatedAt   time.Time       `db:"created_at"`
	UpdatedAt   time.Time       `db:"updated_at"`
}

// RiskLevel gates an approval request's default TTL and auto-approval.
type RiskLevel string

const (
	RiskP0 RiskLevel = "P0"
	RiskP1 RiskLevel = "P1"
	RiskP2 RiskLevel = "P2"
	RiskP3 RiskLevel = "P3"
)

// ApprovalStatus is the lifecycle status of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// ApprovalRequest is a gate on a specific action (§3).
type ApprovalRequest struct {
	ID                    uuid.UUID       `db:"id"`
	JobID                 uuid.UUID       `db:"job_id"`
	ActionType            string          `db:"action_type"`
	ActionSummary         string          `db:"action_summary"`
	ActionDetail          json.RawMessage `db:"action_detail"`
	TokenHash             string          `db:"token_hash"`
	Status                ApprovalStatus  `db:"status"`
	RiskLevel             RiskLevel       `db:"risk_level"`
	RequestedAt           time.Time       `db:"requested_at"`
	DecidedAt             *time.Time      `db:"decided_at"`
	DecidedBy             *string         `db:"decided_by"`
	ExpiresAt             time.Time       `db:"expires_at"`
	ResumePayload         json.RawMessage `db:"resume_payload"`
	BlastRadius           *string         `db:"blast_radius"`
	NotificationChannels  json.RawMessage `db:"notification_channels"`
	DecisionNote          *string         `db:"decision_note"`
	ApproverUserAccountID *string         `db:"approver_user_account_id"`
}

// AuditEventType enumerates the approval_audit_entries.event_type values.
type AuditEventType string

const (
	AuditRequestCreated       AuditEventType = "request_created"
	AuditRequestDecided       AuditEventType = "request_decided"
	AuditRequestExpired       AuditEventType = "request_expired"
	AuditNotificationSent     AuditEventType = "notification_sent"
	AuditUnauthorizedAttempt  AuditEventType = "unauthorized_attempt"
)

// AuditEntry is one append-only row of the approval audit chain (§3).
type AuditEntry struct {
	ID                uuid.UUID       `db:"id"`
	ApprovalRequestID  uuid.UUID       `db:"approval_request_id"`
	JobID              uuid.UUID       `db:"job_id"`
	EventType          AuditEventType  `db:"event_type"`
	Actor              *string         `db:"actor"`
	Channel            *string         `db:"channel"`
	Details            json.RawMessage `db:"details"`
	CreatedAt          time.Time       `db:"created_at"`
}

// SessionMessage is a single user/assistant turn (§3).
type SessionMessage struct {
	ID        uuid.UUID       `db:"id"`
	SessionID uuid.UUID       `db:"session_id"`
	JobID     *uuid.UUID      `db:"job_id"`
	Role      string          `db:"role"`
	Content   string          `db:"content"`
	Metadata  json.RawMessage `db:"metadata"`
	CreatedAt time.Time       `db:"created_at"`
}

// MemoryExtractSessionState tracks pending-message counters for the
// external memory/embedding extractor (out of scope per §1, but the
// counters it reads are owned here).
type MemoryExtractSessionState struct {
	SessionID      uuid.UUID  `db:"session_id"`
	PendingCount   int        `db:"pending_count"`
	LastEnqueuedAt *time.Time `db:"last_enqueued_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// MemoryExtractMessage is one message body pending extraction.
type MemoryExtractMessage struct {
	ID        uuid.UUID `db:"id"`
	SessionID uuid.UUID `db:"session_id"`
	MessageID uuid.UUID `db:"message_id"`
	Enqueued  bool      `db:"enqueued"`
	CreatedAt time.Time `db:"created_at"`
}
