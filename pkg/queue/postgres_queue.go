package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

const (
	envelopeStatusQueued  = "queued"
	envelopeStatusRunning = "running"
	envelopeStatusDone    = "done"
	envelopeStatusFailed  = "failed"

	pgUniqueViolation = "23505"
)

const defaultMaxAttempts = 5

// envelope mirrors one row of the queue_jobs dispatch table.
type envelope struct {
	ID          string          `db:"id"`
	TaskName    string          `db:"task_name"`
	JobKey      sql.NullString  `db:"job_key"`
	Payload     json.RawMessage `db:"payload"`
	Status      string          `db:"status"`
	RunAt       time.Time       `db:"run_at"`
	MaxAttempts int             `db:"max_attempts"`
	Attempts    int             `db:"attempts"`
}

// PostgresQueue is the default Queue backend (§4.6): queue_jobs is the
// dispatch envelope table, distinct from jobs (the domain entity it
// references). Polling uses the same FOR UPDATE SKIP LOCKED idiom as
// JobStore.ClaimScheduled, generalized from a single hard-coded job name
// to any taskName a caller registers a Handler for.
type PostgresQueue struct {
	db           *sqlx.DB
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewPostgresQueue builds a PostgresQueue over an existing connection pool.
func NewPostgresQueue(db *sqlx.DB) *PostgresQueue {
	return &PostgresQueue{
		db:           db,
		pollInterval: 500 * time.Millisecond,
		logger:       slog.Default().With("component", "postgres-queue"),
	}
}

// AddJob inserts a queue_jobs row. The unique partial index on
// (job_key) WHERE status = 'queued' turns a colliding JobKey into a
// pgconn unique-violation, which AddJob translates to ErrDuplicateJobKey.
func (q *PostgresQueue) AddJob(ctx context.Context, taskName string, payload any, opts AddJobOptions) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	var jobKey sql.NullString
	if opts.JobKey != "" {
		jobKey = sql.NullString{String: opts.JobKey, Valid: true}
	}

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_jobs (task_name, job_key, payload, run_at, max_attempts)
		VALUES ($1, $2, $3, $4, $5)
	`, taskName, jobKey, body, runAt, maxAttempts)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateJobKey
		}
		return fmt.Errorf("insert queue job: %w", err)
	}
	return nil
}

// Release puts a running envelope matching jobKey back to queued so a
// future poll can pick it up again — used by the Expiration Reaper to
// recover envelopes orphaned by a crashed worker.
func (q *PostgresQueue) Release(ctx context.Context, jobKey string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1, claimed_at = NULL
		WHERE job_key = $2 AND status = $3
	`, envelopeStatusQueued, jobKey, envelopeStatusRunning)
	if err != nil {
		return fmt.Errorf("release queue job %s: %w", jobKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release queue job %s: %w", jobKey, sql.ErrNoRows)
	}
	return nil
}

// Run spins up concurrency goroutines, each polling for a runnable
// taskName envelope with FOR UPDATE SKIP LOCKED, until ctx is cancelled.
func (q *PostgresQueue) Run(ctx context.Context, taskName string, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.pollLoop(ctx, taskName, handler, workerID)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *PostgresQueue) pollLoop(ctx context.Context, taskName string, handler Handler, workerID int) {
	log := q.logger.With("task", taskName, "worker", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		env, err := q.claimNext(ctx, taskName)
		if err != nil {
			if errors.Is(err, ErrNoJobAvailable) {
				q.sleep(ctx, q.pollInterval)
				continue
			}
			log.Error("claim queue job failed", "error", err)
			q.sleep(ctx, time.Second)
			continue
		}

		handlerErr := handler(ctx, env.Payload)
		if err := q.settle(context.Background(), env, handlerErr); err != nil {
			log.Error("settle queue job failed", "envelope_id", env.ID, "error", err)
		}
	}
}

func (q *PostgresQueue) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// claimNext is the FOR UPDATE SKIP LOCKED claim, the same shape as
// JobStore.ClaimScheduled generalized to an arbitrary task name and a
// single envelope per call.
func (q *PostgresQueue) claimNext(ctx context.Context, taskName string) (*envelope, error) {
	tx, err := q.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var env envelope
	err = tx.GetContext(ctx, &env, `
		SELECT * FROM queue_jobs
		WHERE task_name = $1 AND status = $2 AND run_at <= now()
		ORDER BY run_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, taskName, envelopeStatusQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobAvailable
		}
		return nil, fmt.Errorf("select claimable queue job: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1, claimed_at = now(), attempts = attempts + 1
		WHERE id = $2 AND status = $3
	`, envelopeStatusRunning, env.ID, envelopeStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("claim queue job %s: %w", env.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNoJobAvailable
	}
	env.Status = envelopeStatusRunning
	env.Attempts++

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return &env, nil
}

// settle records a handler's outcome: done on success, or — if attempts
// remain — requeued with an exponential backoff delay, else failed.
func (q *PostgresQueue) settle(ctx context.Context, env *envelope, handlerErr error) error {
	if handlerErr == nil {
		_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs SET status = $1 WHERE id = $2`,
			envelopeStatusDone, env.ID)
		return err
	}

	if env.Attempts >= env.MaxAttempts {
		_, err := q.db.ExecContext(ctx, `UPDATE queue_jobs SET status = $1 WHERE id = $2`,
			envelopeStatusFailed, env.ID)
		return err
	}

	delay := retryBackoff(env.Attempts)
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_jobs SET status = $1, run_at = $2, claimed_at = NULL WHERE id = $3
	`, envelopeStatusQueued, time.Now().Add(delay), env.ID)
	return err
}

// Depth counts queue_jobs rows still waiting to be claimed, across every
// task name — the aggregate health endpoint's backlog signal.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var n int
	err := q.db.GetContext(ctx, &n, `SELECT count(*) FROM queue_jobs WHERE status = $1`, envelopeStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("count queued jobs: %w", err)
	}
	return n, nil
}

// retryBackoff derives an exponential delay from cenkalti/backoff's curve
// without running a full BackOff loop — attempt count in, delay out.
func retryBackoff(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 2 * time.Minute
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.MaxInterval
	}
	return d
}
