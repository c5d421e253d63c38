// Package worker is the Execution Worker (C8): the "agent_execute" task
// handler that drives one job from SCHEDULED (or a post-approval resume)
// through to a terminal status. Grounded end to end in the teacher's
// pkg/queue.Worker.pollAndProcess — heartbeat goroutine, cancel
// registration, nil/timeout/cancellation result normalization, terminal
// status update — generalized from a fixed in-process SessionExecutor to a
// pluggable Backend routed through the Registry.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/registry"
	"github.com/codeready-toolchain/agentctl/pkg/sse"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	"github.com/google/uuid"
)

// TaskNameAgentExecute is the queue task name callers (pkg/api's job
// submission endpoint, cmd/controlplane's Run registration) use to dispatch
// to an ExecutionWorker without importing its internals.
const TaskNameAgentExecute = "agent_execute"

const (
	taskNameAgentExecute = TaskNameAgentExecute

	heartbeatInterval   = 30 * time.Second
	cancelProbeInterval = 5 * time.Second
	permitTimeout       = 60 * time.Second
	defaultApprovalTTL  = time.Hour
	defaultTaskTimeout  = 5 * time.Minute
)

// ExecutionWorker owns every collaborator its Handle method needs,
// injected explicitly rather than closed over — the redesign replacing the
// teacher's closure-captured task constructor with explicit dependencies.
type ExecutionWorker struct {
	Jobs            *store.JobStore
	Agents          *store.AgentStore
	Sessions        *store.SessionStore
	SessionMessages *store.SessionMessageStore
	Approvals       *store.ApprovalStore
	Registry        *registry.Registry
	SSE             *sse.Manager
	Queue           queue.Queue
	ApprovalService *approval.Service

	logger *slog.Logger
}

// New builds an ExecutionWorker over its collaborators.
func New(
	jobs *store.JobStore,
	agents *store.AgentStore,
	sessions *store.SessionStore,
	sessionMessages *store.SessionMessageStore,
	approvals *store.ApprovalStore,
	reg *registry.Registry,
	sseManager *sse.Manager,
	q queue.Queue,
	approvalSvc *approval.Service,
) *ExecutionWorker {
	return &ExecutionWorker{
		Jobs:            jobs,
		Agents:          agents,
		Sessions:        sessions,
		SessionMessages: sessionMessages,
		Approvals:       approvals,
		Registry:        reg,
		SSE:             sseManager,
		Queue:           q,
		ApprovalService: approvalSvc,
		logger:          slog.Default().With("component", "execution-worker"),
	}
}

// TaskName is the queue.Handler registration name this worker serves.
func (w *ExecutionWorker) TaskName() string { return taskNameAgentExecute }

type executePayload struct {
	JobID uuid.UUID `json:"jobId"`
}

// Handle implements the 13-step agent_execute contract for one dispatch.
func (w *ExecutionWorker) Handle(ctx context.Context, payload []byte) error {
	var p executePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("unmarshal agent_execute payload: %w", err)
	}
	log := w.logger.With("job_id", p.JobID)

	// Step 1: load and gate.
	job, err := w.Jobs.Get(ctx, p.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("agent_execute delivered for unknown job, dropping")
			return nil
		}
		return fmt.Errorf("load job: %w", err)
	}

	// Step 2: SCHEDULED -> RUNNING is the normal dispatch path. A resume
	// dispatch (enqueued by the Approval Service once a request is
	// approved) finds the job already RUNNING, because CASDecide's
	// approve branch performs that transition itself inside the same CAS
	// as the decision. This handler accepts RUNNING-on-entry as "resume,
	// already transitioned" and treats any other status as a stale or
	// duplicate delivery to be dropped silently.
	switch job.Status {
	case store.JobScheduled:
		if err := w.Jobs.CASTransition(ctx, job.ID, store.JobScheduled, store.JobRunning,
			func(t *store.JobTransitionSet) {
				t.SetStartedNow()
				t.IncrementAttempt()
			}); err != nil {
			if errors.Is(err, store.ErrCASFailed) {
				log.Info("job no longer SCHEDULED, dropping duplicate delivery")
				return nil
			}
			return fmt.Errorf("cas scheduled->running: %w", err)
		}
		job, err = w.Jobs.Get(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("reload job after claim: %w", err)
		}
	case store.JobRunning:
		// Resume path: CASDecide already moved WAITING_FOR_APPROVAL -> RUNNING.
	default:
		log.Info("job not in a resumable state, dropping delivery", "status", job.Status)
		return nil
	}

	// Step 3: heartbeat goroutine runs for the lifetime of execution.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.runHeartbeat(heartbeatCtx, job.ID)
	defer stopHeartbeat() // step 13: finally.

	return w.execute(ctx, job, log)
}

func (w *ExecutionWorker) runHeartbeat(ctx context.Context, jobID uuid.UUID) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Jobs.Heartbeat(ctx, jobID); err != nil && !errors.Is(err, store.ErrCASFailed) {
				w.logger.Error("heartbeat write failed", "job_id", jobID, "error", err)
			}
		}
	}
}

// execute is steps 4-12, factored out of Handle so the finally block and
// the heartbeat goroutine wrap it cleanly.
func (w *ExecutionWorker) execute(ctx context.Context, job *store.Job, log *slog.Logger) error {
	// Step 4: load agent.
	agent, err := w.Agents.Get(ctx, job.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.failPermanent(ctx, job, "agent no longer exists")
		}
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.Status != store.AgentActive {
		return w.failPermanent(ctx, job, "agent is not ACTIVE")
	}

	constraints, err := decodeConstraints(agent)
	if err != nil {
		return w.failPermanent(ctx, job, fmt.Sprintf("invalid agent constraints: %v", err))
	}

	// Step 5: approval gate.
	gated, err := w.approvalGate(ctx, job, agent, constraints, log)
	if err != nil {
		return fmt.Errorf("approval gate: %w", err)
	}
	if gated {
		return nil
	}

	// Step 6: build the execution task, narrowed for the agent's skills.
	task, err := w.buildTask(ctx, job, agent, constraints)
	if err != nil {
		return w.failPermanent(ctx, job, fmt.Sprintf("build task: %v", err))
	}

	// Step 7: route to a backend.
	be, backendID, err := w.Registry.RouteTask(*task, "")
	if err != nil {
		return w.handleFailure(ctx, job, backendID, backend.ClassificationResource, err, log)
	}

	// Step 8: acquire a concurrency permit, bounded at 60s.
	release, err := w.Registry.AcquirePermit(ctx, backendID, permitTimeout)
	if err != nil {
		return w.handleFailure(ctx, job, backendID, backend.ClassificationResource, err, log)
	}
	defer release()

	w.broadcastState(job.AgentID, "running")

	// Steps 9-11: execute, stream output, settle.
	return w.runOnBackend(ctx, job, be, backendID, *task, log)
}

// approvalGate implements step 5: if the (possibly skill-narrowed)
// constraints require approval and no decided/pending gate already exists
// for this job, create one and park the job in WAITING_FOR_APPROVAL.
func (w *ExecutionWorker) approvalGate(ctx context.Context, job *store.Job, agent *store.Agent, constraints agentConstraints, log *slog.Logger) (bool, error) {
	if !constraints.RequiresApproval {
		return false, nil
	}

	existing, err := w.Approvals.LatestForJob(ctx, job.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("lookup existing approval request: %w", err)
	}
	if existing != nil && existing.Status == store.ApprovalApproved {
		// Already decided in our favor; resume path already moved the job
		// to RUNNING, so there is nothing left to gate on.
		return false, nil
	}
	if existing != nil && existing.Status == store.ApprovalPending {
		// A gate is already open (e.g. a redelivered envelope); do not
		// open a second one, just leave the job parked.
		return true, nil
	}

	actionDetail, _ := json.Marshal(map[string]any{"payload": json.RawMessage(job.Payload)})
	resumePayload, _ := json.Marshal(executePayload{JobID: job.ID})
	ttlSeconds := int(defaultApprovalTTL.Seconds())

	_, err = w.ApprovalService.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:                 job.ID,
		AgentID:               agent.ID,
		ActionType:            "agent_execute",
		ActionSummary:         fmt.Sprintf("execute agent %q", agent.Name),
		ActionDetail:          actionDetail,
		TTLSeconds:            &ttlSeconds,
		RiskLevel:             constraints.RiskLevel,
		ResumePayload:         resumePayload,
		ApproverUserAccountID: constraints.ApproverUserAccountID,
	})
	if err != nil {
		return false, fmt.Errorf("create approval request: %w", err)
	}

	log.Info("job waiting for approval")
	w.broadcastState(job.AgentID, "waiting_for_approval")
	return true, nil
}

// buildTask implements step 6: resolve the agent's skills, narrow the base
// constraints against them, and assemble the backend.Task.
func (w *ExecutionWorker) buildTask(ctx context.Context, job *store.Job, agent *store.Agent, base agentConstraints) (*backend.Task, error) {
	skills, err := decodeSkills(agent)
	if err != nil {
		return nil, fmt.Errorf("decode skill config: %w", err)
	}
	narrowed, skillInstructions := narrowForSkills(base, skills)

	var instruction map[string]any
	if err := json.Unmarshal(job.Payload, &instruction); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	goalStr, _ := instruction["goal"].(string)
	if goalStr == "" {
		goalStr = string(backend.GoalCodeGenerate)
	}
	text, _ := instruction["instruction"].(string)
	if skillInstructions != "" {
		text = text + "\n\n" + skillInstructions
	}

	constraintsMap := map[string]any{
		"allowedTools":  narrowed.AllowedTools,
		"deniedTools":   narrowed.DeniedTools,
		"maxTurns":      narrowed.MaxTurns,
		"networkAccess": narrowed.NetworkAccess,
		"shellAccess":   narrowed.ShellAccess,
		"maxTokens":     narrowed.MaxTokens,
		"model":         narrowed.Model,
	}

	timeoutMs := int64(job.TimeoutSeconds) * 1000
	if timeoutMs <= 0 {
		timeoutMs = defaultTaskTimeout.Milliseconds()
	}

	return &backend.Task{
		JobID:       job.ID.String(),
		Goal:        backend.Goal(goalStr),
		Instruction: text,
		Context:     instruction,
		Environment: map[string]string{},
		Constraints: constraintsMap,
		TimeoutMs:   timeoutMs,
	}, nil
}

// runOnBackend implements steps 9-11: execute the task, stream events over
// SSE and into session history, then settle the job on the final result.
func (w *ExecutionWorker) runOnBackend(ctx context.Context, job *store.Job, be backend.Backend, backendID string, task backend.Task, log *slog.Logger) error {
	handle, err := be.ExecuteTask(ctx, task)
	if err != nil {
		return w.handleFailure(ctx, job, backendID, backend.Classify(err), err, log)
	}

	cancelCtx, stopCancelProbe := context.WithCancel(ctx)
	defer stopCancelProbe()
	go w.probeForCancellation(cancelCtx, job.ID, handle)

	session, err := w.sessionForJob(ctx, job)
	if err != nil {
		log.Warn("could not resolve session for memory extraction", "error", err)
	}
	if session != nil {
		if _, err := w.SessionMessages.Append(ctx, store.AppendMessageParams{
			SessionID: session.ID,
			JobID:     &job.ID,
			Role:      "user",
			Content:   task.Instruction,
		}); err != nil {
			log.Error("append user turn session message failed", "error", err)
		}
	}

	for event := range handle.Events() {
		w.handleOutputEvent(ctx, job, session, event, log)
	}

	result, err := handle.Result()
	if err != nil {
		return w.handleFailure(ctx, job, backendID, backend.Classify(err), err, log)
	}
	return w.settle(ctx, job, backendID, result, log)
}

func (w *ExecutionWorker) sessionForJob(ctx context.Context, job *store.Job) (*store.Session, error) {
	if job.SessionID == nil {
		return nil, nil
	}
	return w.Sessions.Get(ctx, *job.SessionID)
}

func (w *ExecutionWorker) handleOutputEvent(ctx context.Context, job *store.Job, session *store.Session, event backend.OutputEvent, log *slog.Logger) {
	channel := job.AgentID.String()
	switch event.Type {
	case backend.EventText:
		w.SSE.Broadcast(channel, "agent:output", map[string]any{
			"jobId": job.ID,
			"type":  "text",
			"text":  event.Text,
		})
		if session != nil {
			if _, err := w.SessionMessages.Append(ctx, store.AppendMessageParams{
				SessionID: session.ID,
				JobID:     &job.ID,
				Role:      "assistant",
				Content:   event.Text,
			}); err != nil {
				log.Error("append session message failed", "error", err)
			}
		}
	case backend.EventToolUse, backend.EventToolResult, backend.EventUsage:
		w.SSE.Broadcast(channel, "agent:output", map[string]any{
			"jobId": job.ID,
			"type":  string(event.Type),
			"event": event,
		})
	case backend.EventError:
		w.SSE.Broadcast(channel, "agent:output", map[string]any{
			"jobId": job.ID,
			"type":  "error",
			"error": event.Error,
		})
	case backend.EventComplete:
		// Result is surfaced by Result() after the channel closes; no
		// separate broadcast needed here.
	}
}

// probeForCancellation polls the job's status every cancelProbeInterval
// (step 10) and cancels the backend handle the moment an operator marks
// the job FAILED/TIMED_OUT/DEAD_LETTER out of band.
func (w *ExecutionWorker) probeForCancellation(ctx context.Context, jobID uuid.UUID, handle backend.Handle) {
	ticker := time.NewTicker(cancelProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current, err := w.Jobs.Get(ctx, jobID)
			if err != nil {
				continue
			}
			if current.Status != store.JobRunning {
				_ = handle.Cancel(ctx, "job no longer RUNNING")
				return
			}
		}
	}
}

// settle implements step 11: record the breaker outcome and CAS the job to
// its mapped terminal status.
func (w *ExecutionWorker) settle(ctx context.Context, job *store.Job, backendID string, result *backend.ExecutionResult, log *slog.Logger) error {
	var classification backend.ErrorClassification
	ok := result.Status == backend.StatusCompleted
	if result.Error != nil {
		classification = result.Error.Classification
	}
	_ = w.Registry.RecordOutcome(backendID, classification, ok)

	resultJSON, _ := json.Marshal(result)

	var to store.JobStatus
	switch result.Status {
	case backend.StatusCompleted:
		to = store.JobCompleted
	case backend.StatusTimedOut:
		to = store.JobTimedOut
	case backend.StatusCancelled, backend.StatusFailed:
		to = store.JobFailed
	default:
		to = store.JobFailed
	}

	if to == store.JobFailed && result.Error != nil && result.Error.Classification.Retryable() {
		return w.retryOrFail(ctx, job, result.Error.Classification, result.Error.Message, log)
	}

	err := w.Jobs.CASTransition(ctx, job.ID, store.JobRunning, to, func(t *store.JobTransitionSet) {
		t.SetCompletedNow()
		t.SetResult(resultJSON)
		if result.Error != nil {
			jobErr, _ := json.Marshal(store.JobError{Category: string(result.Error.Classification), Message: result.Error.Message})
			t.SetError(jobErr)
		}
	})
	if err != nil && !errors.Is(err, store.ErrCASFailed) {
		return fmt.Errorf("cas running->%s: %w", to, err)
	}

	w.broadcastComplete(job.AgentID, string(to), ok)
	return nil
}

// handleFailure implements the error path of step 12 for failures that
// happen before a Handle even exists (routing/permit/start errors): classify
// and either retry with backoff or fail the job permanently.
func (w *ExecutionWorker) handleFailure(ctx context.Context, job *store.Job, backendID string, classification backend.ErrorClassification, cause error, log *slog.Logger) error {
	if backendID != "" {
		_ = w.Registry.RecordOutcome(backendID, classification, false)
	}
	if classification == backend.ClassificationTimeout {
		return w.failTerminal(ctx, job, store.JobTimedOut, classification, cause.Error())
	}
	if classification.Retryable() {
		return w.retryOrFail(ctx, job, classification, cause.Error(), log)
	}
	return w.failPermanent(ctx, job, cause.Error())
}

// retryOrFail implements step 12's retry branch: CAS RUNNING -> FAILED,
// then either FAILED -> DEAD_LETTER if attempts are exhausted, or
// FAILED -> RETRYING -> SCHEDULED plus a fresh dispatch after an
// exponential backoff delay.
func (w *ExecutionWorker) retryOrFail(ctx context.Context, job *store.Job, classification backend.ErrorClassification, message string, log *slog.Logger) error {
	jobErr, _ := json.Marshal(store.JobError{Category: string(classification), Message: message})
	if err := w.Jobs.CASTransition(ctx, job.ID, store.JobRunning, store.JobFailed, func(t *store.JobTransitionSet) {
		t.SetCompletedNow()
		t.SetError(jobErr)
	}); err != nil && !errors.Is(err, store.ErrCASFailed) {
		return fmt.Errorf("cas running->failed (retry): %w", err)
	}

	// FAILED is the graph's retry-fork: DEAD_LETTER once attempts are
	// exhausted, otherwise RETRYING -> SCHEDULED for another dispatch.
	if job.Attempt+1 >= job.MaxAttempts {
		if err := w.Jobs.CASTransition(ctx, job.ID, store.JobFailed, store.JobDeadLetter, nil); err != nil && !errors.Is(err, store.ErrCASFailed) {
			return fmt.Errorf("cas failed->dead_letter: %w", err)
		}
		w.broadcastComplete(job.AgentID, string(store.JobDeadLetter), false)
		return errors.New(message)
	}

	if err := w.Jobs.CASTransition(ctx, job.ID, store.JobFailed, store.JobRetrying, nil); err != nil && !errors.Is(err, store.ErrCASFailed) {
		return fmt.Errorf("cas failed->retrying: %w", err)
	}
	if err := w.Jobs.CASTransition(ctx, job.ID, store.JobRetrying, store.JobScheduled, nil); err != nil && !errors.Is(err, store.ErrCASFailed) {
		return fmt.Errorf("cas retrying->scheduled: %w", err)
	}

	delay := retryDelay(job.Attempt)
	runAt := time.Now().UTC().Add(delay)
	payload, _ := json.Marshal(executePayload{JobID: job.ID})
	if err := w.Queue.AddJob(ctx, taskNameAgentExecute, json.RawMessage(payload), queue.AddJobOptions{
		RunAt:       runAt,
		MaxAttempts: 1,
		JobKey:      fmt.Sprintf("exec:%s", job.ID),
	}); err != nil && !errors.Is(err, queue.ErrDuplicateJobKey) {
		return fmt.Errorf("enqueue retry dispatch: %w", err)
	}

	log.Info("job scheduled for retry", "delay", delay, "attempt", job.Attempt+1)
	w.broadcastState(job.AgentID, "retrying")
	return nil
}

// retryDelay returns the (attempt+1)-th sample of an exponential backoff:
// 1s initial, doubling, capped at 5 minutes, with the default jitter.
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Minute
	b.MaxElapsedTime = 0

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.MaxInterval
	}
	return d
}

// failTerminal CASes a RUNNING job straight to a terminal status outside
// the retry path (timeout, or attempts exhausted -> dead letter).
func (w *ExecutionWorker) failTerminal(ctx context.Context, job *store.Job, to store.JobStatus, classification backend.ErrorClassification, message string) error {
	jobErr, _ := json.Marshal(store.JobError{Category: string(classification), Message: message})
	if err := w.Jobs.CASTransition(ctx, job.ID, store.JobRunning, to, func(t *store.JobTransitionSet) {
		t.SetCompletedNow()
		t.SetError(jobErr)
	}); err != nil && !errors.Is(err, store.ErrCASFailed) {
		return fmt.Errorf("cas running->%s: %w", to, err)
	}
	w.broadcastComplete(job.AgentID, string(to), false)
	return errors.New(message)
}

// failPermanent settles a job with a PERMANENT, non-retryable error — used
// for preconditions (missing agent, malformed config) that a retry cannot
// fix.
func (w *ExecutionWorker) failPermanent(ctx context.Context, job *store.Job, message string) error {
	return w.failTerminal(ctx, job, store.JobFailed, backend.ClassificationPermanent, message)
}

func (w *ExecutionWorker) broadcastState(agentID uuid.UUID, state string) {
	w.SSE.Broadcast(agentID.String(), "agent:state", map[string]any{"state": state})
}

func (w *ExecutionWorker) broadcastComplete(agentID uuid.UUID, status string, ok bool) {
	w.SSE.Broadcast(agentID.String(), "agent:complete", map[string]any{"status": status, "ok": ok})
}
