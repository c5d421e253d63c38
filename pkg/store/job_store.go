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

// JobStore is the repository for Job rows. Every write that changes status
// goes through CASTransition, which enforces invariant (c) from §3: any
// transition outside the graph in types.go is rejected before the
// statement reaches Postgres, and the WHERE status = <expected> predicate
// guards against a concurrent writer having already moved the row.
type JobStore struct {
	db *sqlx.DB
}

// NewJobStore builds a JobStore over an existing connection pool.
func NewJobStore(db *sqlx.DB) *JobStore {
	return &JobStore{db: db}
}

// CreateJobParams are the caller-supplied fields for a new job; the rest
// (id, timestamps, attempt counter) are assigned by the store.
type CreateJobParams struct {
	AgentID        uuid.UUID
	SessionID      *uuid.UUID
	Priority       int
	Payload        json.RawMessage
	MaxAttempts    int
	TimeoutSeconds int
}

// Create inserts a new job in PENDING status.
func (s *JobStore) Create(ctx context.Context, p CreateJobParams) (*Job, error) {
	if p.AgentID == uuid.Nil {
		return nil, NewValidationError("agent_id", "required")
	}
	if len(p.Payload) == 0 {
		return nil, NewValidationError("payload", "required")
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.TimeoutSeconds <= 0 {
		p.TimeoutSeconds = 300
	}

	var job Job
	err := s.db.GetContext(ctx, &job, `
		INSERT INTO jobs (agent_id, session_id, status, priority, payload, max_attempts, timeout_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING *
	`, p.AgentID, p.SessionID, JobPending, p.Priority, p.Payload, p.MaxAttempts, p.TimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return &job, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return &job, nil
}

// CASTransition performs the conditional-put described in §3: it updates
// status (and whatever touch fn sets) only if the row's current status
// still equals expected. touch may set started_at/completed_at/error/result
// but must not itself set status or updated_at. Returns ErrCASFailed if no
// row matched, ErrIllegalTransition if expected->to is not a graph edge.
func (s *JobStore) CASTransition(ctx context.Context, id uuid.UUID, expected, to JobStatus, touch func(*JobTransitionSet)) error {
	if !CanTransition(expected, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, expected, to)
	}

	set := &JobTransitionSet{}
	if touch != nil {
		touch(set)
	}

	query, args := set.buildUpdate(id, expected, to)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("cas transition %s->%s: %w", expected, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cas transition rows affected: %w", err)
	}
	if n == 0 {
		return ErrCASFailed
	}
	return nil
}

// JobTransitionSet accumulates the optional columns a transition also
// writes, alongside the mandatory status change.
type JobTransitionSet struct {
	startedAt      *time.Time
	completedAt    *time.Time
	result         json.RawMessage
	jobErr         json.RawMessage
	checkpoint     json.RawMessage
	approvalExp    *time.Time
	incrAttempt    bool
}

func (t *JobTransitionSet) SetStartedNow()                  { now := time.Now().UTC(); t.startedAt = &now }
func (t *JobTransitionSet) SetCompletedNow()                { now := time.Now().UTC(); t.completedAt = &now }
func (t *JobTransitionSet) SetResult(r json.RawMessage)     { t.result = r }
func (t *JobTransitionSet) SetError(e json.RawMessage)      { t.jobErr = e }
func (t *JobTransitionSet) SetCheckpoint(c json.RawMessage) { t.checkpoint = c }
func (t *JobTransitionSet) SetApprovalExpiry(at time.Time)  { t.approvalExp = &at }

// IncrementAttempt marks this transition as also bumping attempt by one and
// resetting heartbeat_at to now — the SCHEDULED -> RUNNING edge's §4.7 step
// 2 contract ("started_at, heartbeat_at = now, attempt := attempt+1").
func (t *JobTransitionSet) IncrementAttempt() { t.incrAttempt = true }

func (t *JobTransitionSet) buildUpdate(id uuid.UUID, expected, to JobStatus) (string, []any) {
	setClauses := []string{"status = $1"}
	args := []any{to}
	n := 2

	add := func(col string, val any) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, val)
		n++
	}

	if t.startedAt != nil {
		add("started_at", *t.startedAt)
	}
	if t.completedAt != nil {
		add("completed_at", *t.completedAt)
	}
	if t.result != nil {
		add("result", t.result)
	}
	if t.jobErr != nil {
		add("error", t.jobErr)
	}
	if t.checkpoint != nil {
		add("checkpoint", t.checkpoint)
	}
	if t.approvalExp != nil {
		add("approval_expires_at", *t.approvalExp)
	}
	if t.incrAttempt {
		setClauses = append(setClauses, "attempt = attempt + 1", "heartbeat_at = now()")
	}

	query := fmt.Sprintf(
		"UPDATE jobs SET %s WHERE id = $%d AND status = $%d",
		joinClauses(setClauses), n, n+1,
	)
	args = append(args, id, expected)
	return query, args
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

// Heartbeat updates a RUNNING job's heartbeat_at. Not a status transition,
// so it bypasses CASTransition, but is still scoped to RUNNING jobs only
// (invariant G: the reaper only reaps a RUNNING job whose heartbeat is stale).
func (s *JobStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at = now() WHERE id = $1 AND status = $2
	`, id, JobRunning)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCASFailed
	}
	return nil
}

// ClaimScheduled atomically claims up to limit SCHEDULED jobs for this
// worker, ordered by priority desc then created_at asc, using
// FOR UPDATE SKIP LOCKED so concurrent workers never double-claim a row -
// the same pattern the teacher's queue worker uses over pgx directly.
func (s *JobStore) ClaimScheduled(ctx context.Context, limit int) ([]Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var jobs []Job
	err = tx.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE status = $1
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, JobScheduled, limit)
	if err != nil {
		return nil, fmt.Errorf("select claimable jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	for i := range jobs {
		res, err := tx.ExecContext(ctx, `UPDATE jobs SET status = $1 WHERE id = $2 AND status = $3`,
			JobRunning, jobs[i].ID, JobScheduled)
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", jobs[i].ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		jobs[i].Status = JobRunning
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return jobs, nil
}

// ListStaleRunning returns RUNNING jobs whose heartbeat (or started_at, if
// no heartbeat was ever recorded) is older than olderThan. Used by the
// Expiration Reaper (C9).
func (s *JobStore) ListStaleRunning(ctx context.Context, olderThan time.Duration, limit int) ([]Job, error) {
	var jobs []Job
	cutoff := time.Now().UTC().Add(-olderThan)
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT * FROM jobs
		WHERE status = $1
		  AND COALESCE(heartbeat_at, started_at) < $2
		ORDER BY started_at ASC
		LIMIT $3
	`, JobRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale running: %w", err)
	}
	return jobs, nil
}
