// Package reaper is the Expiration Reaper (C9): two independent cron-style
// sweeps over the Persistent Store — expiring stale approval requests and
// reclaiming jobs whose worker went silent — plus a one-time startup sweep.
// Grounded in the teacher's pkg/queue/orphan.go: the same "find stale rows
// by heartbeat, recover under a transaction, log what was reclaimed" shape,
// generalized from AlertSession/timed_out-only to Job with a retry-eligible
// branch, and moved from a bare time.Ticker loop onto named robfig/cron/v3
// schedules so the two sweeps can run on independent periods.
package reaper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	"github.com/robfig/cron/v3"
)

const (
	approvalSweepInterval = time.Minute
	defaultReapAfter      = 3 * time.Minute // reap_dead_jobs runs every reapAfter/3 = 1m
	staleBatchSize        = 100
	approvalBatchSize     = 100
)

// Config tunes the reaper's sweep periods and batch sizes.
type Config struct {
	// ReapAfter is how stale a RUNNING job's heartbeat must be before it is
	// reclaimed. Defaults to defaultReapAfter (3m, 6x the worker's 30s
	// heartbeat period).
	ReapAfter time.Duration
}

// Reaper owns the two cron-scheduled sweeps.
type Reaper struct {
	jobs      *store.JobStore
	approvals *approval.Service
	queue     queue.Queue
	reapAfter time.Duration

	cron   *cron.Cron
	logger *slog.Logger
}

// New builds a Reaper over its collaborators.
func New(jobs *store.JobStore, approvals *approval.Service, q queue.Queue, cfg Config) *Reaper {
	reapAfter := cfg.ReapAfter
	if reapAfter <= 0 {
		reapAfter = defaultReapAfter
	}
	return &Reaper{
		jobs:      jobs,
		approvals: approvals,
		queue:     q,
		reapAfter: reapAfter,
		cron:      cron.New(),
		logger:    slog.Default().With("component", "expiration-reaper"),
	}
}

// Start runs the one-time startup sweep, schedules both cron entries, and
// starts the cron scheduler's own goroutine. Stop via ctx cancellation
// followed by Shutdown.
func (r *Reaper) Start(ctx context.Context) error {
	r.logger.Info("running startup dead-job sweep")
	if err := r.ReapDeadJobs(ctx); err != nil {
		r.logger.Error("startup dead-job sweep failed", "error", err)
	}

	reapEvery := r.reapAfter / 3
	if reapEvery <= 0 {
		reapEvery = time.Minute
	}

	if _, err := r.cron.AddFunc(everySpec(approvalSweepInterval), func() {
		r.runApprovalSweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule expire_stale_approvals: %w", err)
	}
	if _, err := r.cron.AddFunc(everySpec(reapEvery), func() {
		r.runDeadJobSweep(ctx)
	}); err != nil {
		return fmt.Errorf("schedule reap_dead_jobs: %w", err)
	}

	r.cron.Start()
	return nil
}

// Shutdown stops the cron scheduler, waiting for any in-flight sweep to
// finish.
func (r *Reaper) Shutdown(ctx context.Context) {
	stopCtx := r.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func everySpec(d time.Duration) string { return fmt.Sprintf("@every %s", d) }

func (r *Reaper) runApprovalSweep(ctx context.Context) {
	n, err := r.approvals.ExpireStaleRequests(ctx, approvalBatchSize)
	if err != nil {
		r.logger.Error("expire_stale_approvals failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("expired stale approval requests", "count", n)
	}
}

func (r *Reaper) runDeadJobSweep(ctx context.Context) {
	if err := r.ReapDeadJobs(ctx); err != nil {
		r.logger.Error("reap_dead_jobs failed", "error", err)
	}
}

// ReapDeadJobs implements §4.8's reap_dead_jobs task: find RUNNING jobs
// whose heartbeat has gone stale, CAS each to FAILED with a TRANSIENT
// "heartbeat lost" error, then route through the same retry-or-dead-letter
// fork the Execution Worker uses for any other retryable failure.
func (r *Reaper) ReapDeadJobs(ctx context.Context) error {
	stale, err := r.jobs.ListStaleRunning(ctx, r.reapAfter, staleBatchSize)
	if err != nil {
		return fmt.Errorf("list stale running jobs: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	r.logger.Warn("found stale running jobs", "count", len(stale))
	recovered, failed := 0, 0
	for i := range stale {
		if err := r.reclaim(ctx, &stale[i]); err != nil {
			r.logger.Error("failed to reclaim stale job", "job_id", stale[i].ID, "error", err)
			failed++
			continue
		}
		recovered++
	}
	if failed > 0 {
		r.logger.Warn("dead-job sweep completed with failures", "total", len(stale), "recovered", recovered, "failed", failed)
	}
	return nil
}

func (r *Reaper) reclaim(ctx context.Context, job *store.Job) error {
	jobErr, _ := json.Marshal(store.JobError{Category: string(backend.ClassificationTransient), Message: "heartbeat lost"})
	err := r.jobs.CASTransition(ctx, job.ID, store.JobRunning, store.JobFailed, func(t *store.JobTransitionSet) {
		t.SetCompletedNow()
		t.SetError(jobErr)
	})
	if err != nil {
		if errors.Is(err, store.ErrCASFailed) {
			// Another reaper replica (or the job's own worker) already
			// moved it; nothing left to do here.
			return nil
		}
		return fmt.Errorf("cas running->failed: %w", err)
	}

	if job.Attempt+1 >= job.MaxAttempts {
		if err := r.jobs.CASTransition(ctx, job.ID, store.JobFailed, store.JobDeadLetter, nil); err != nil && !errors.Is(err, store.ErrCASFailed) {
			return fmt.Errorf("cas failed->dead_letter: %w", err)
		}
		r.logger.Warn("stale job exhausted attempts, moved to dead letter", "job_id", job.ID)
		return nil
	}

	if err := r.jobs.CASTransition(ctx, job.ID, store.JobFailed, store.JobRetrying, nil); err != nil && !errors.Is(err, store.ErrCASFailed) {
		return fmt.Errorf("cas failed->retrying: %w", err)
	}
	if err := r.jobs.CASTransition(ctx, job.ID, store.JobRetrying, store.JobScheduled, nil); err != nil && !errors.Is(err, store.ErrCASFailed) {
		return fmt.Errorf("cas retrying->scheduled: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"jobId": job.ID.String()})
	if err := r.queue.AddJob(ctx, "agent_execute", json.RawMessage(payload), queue.AddJobOptions{
		MaxAttempts: 1,
		JobKey:      fmt.Sprintf("exec:%s", job.ID),
	}); err != nil && !errors.Is(err, queue.ErrDuplicateJobKey) {
		return fmt.Errorf("enqueue resumed dispatch: %w", err)
	}

	r.logger.Info("stale job rescheduled", "job_id", job.ID, "attempt", job.Attempt+1)
	return nil
}
