// Package queue is the Queue Adapter (C7): a dispatch layer that sits in
// front of the Execution Worker. It is deliberately not the Job store —
// jobs are the domain entity (pkg/store.JobStore); a queue_jobs row (or a
// Redis sorted-set member) is the dispatch envelope that tells a worker
// "run task T with this payload at this time", grounded in the teacher's
// pkg/queue.Worker polling loop but generalized from a single hard-coded
// AlertSession query to an arbitrary named task with a pluggable backend.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNoJobAvailable is returned by a backend's internal claim step when no
// runnable envelope exists; Run loops treat it as "nothing to do, sleep".
var ErrNoJobAvailable = errors.New("queue: no job available")

// ErrDuplicateJobKey is returned by AddJob when JobKey collides with an
// already-queued (not yet settled) envelope.
var ErrDuplicateJobKey = errors.New("queue: duplicate job key")

// AddJobOptions mirrors the addJob options of §4.6: a delayed run time, a
// retry ceiling, and an optional dedup key.
type AddJobOptions struct {
	// RunAt delays dispatch until this time; zero means "as soon as a
	// worker is free".
	RunAt time.Time
	// MaxAttempts bounds Handler retries; zero means the queue's default.
	MaxAttempts int
	// JobKey, if set, deduplicates: a second AddJob with the same key
	// returns ErrDuplicateJobKey instead of enqueuing a second envelope.
	// PostgresQueue rejects it only while the first envelope is queued;
	// RedisQueue rejects it until the first envelope settles or Release
	// is called for the key.
	JobKey string
}

// Handler processes one dispatched envelope. Returning an error marks the
// attempt failed; Run decides whether to retry (re-enqueue with backoff) or
// let the envelope settle to failed, based on the handler's own retry
// policy — the queue itself does not inspect the error for retryability,
// it only counts attempts against MaxAttempts.
type Handler func(ctx context.Context, payload []byte) error

// Queue is the dispatch interface both PostgresQueue and RedisQueue
// satisfy, per §4.6. Callers (pkg/approval.Enqueuer, the Execution Worker)
// depend on this interface, never on a concrete backend.
type Queue interface {
	// AddJob enqueues taskName with the given JSON payload. Returns
	// ErrDuplicateJobKey if opts.JobKey collides with a live envelope.
	AddJob(ctx context.Context, taskName string, payload any, opts AddJobOptions) error

	// Release frees an in-flight envelope identified by jobKey:
	// PostgresQueue moves a running envelope back to queued; RedisQueue
	// only clears the key's dedup marker.
	Release(ctx context.Context, jobKey string) error

	// Run registers handler for taskName and blocks, polling for
	// runnable envelopes with the given concurrency, until ctx is
	// cancelled.
	Run(ctx context.Context, taskName string, handler Handler, concurrency int) error

	// Depth reports how many envelopes are currently queued (not yet
	// claimed) across every task name — a cheap backlog signal for
	// aggregate health reporting, not a precise queueing-theory metric.
	Depth(ctx context.Context) (int, error)
}
