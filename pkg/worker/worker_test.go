package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/codeready-toolchain/agentctl/pkg/backend/echobackend"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/registry"
	"github.com/codeready-toolchain/agentctl/pkg/sse"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	testdb "github.com/codeready-toolchain/agentctl/test/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue is a minimal queue.Queue double that records every AddJob call
// instead of actually dispatching anything — exercised by retry-path
// assertions.
type fakeQueue struct {
	mu    sync.Mutex
	added []string
}

func (f *fakeQueue) AddJob(ctx context.Context, taskName string, payload any, opts queue.AddJobOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, taskName)
	return nil
}
func (f *fakeQueue) Release(ctx context.Context, jobKey string) error { return nil }
func (f *fakeQueue) Run(ctx context.Context, taskName string, handler queue.Handler, concurrency int) error {
	return nil
}
func (f *fakeQueue) Depth(ctx context.Context) (int, error) { return f.callCount(), nil }

func (f *fakeQueue) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.added)
}

// fakeEnqueuer adapts a *fakeQueue to approval.Enqueuer, whose EnqueueOptions
// shape differs from queue.AddJobOptions (pointer RunAt vs. value RunAt).
type fakeEnqueuer struct{ q *fakeQueue }

func (f fakeEnqueuer) AddJob(ctx context.Context, taskName string, payload any, opts approval.EnqueueOptions) error {
	runAt := time.Time{}
	if opts.RunAt != nil {
		runAt = *opts.RunAt
	}
	return f.q.AddJob(ctx, taskName, payload, queue.AddJobOptions{RunAt: runAt, MaxAttempts: opts.MaxAttempts, JobKey: opts.JobKey})
}

type fakeNotifier struct{}

func (fakeNotifier) Notify(ctx context.Context, req *store.ApprovalRequest, channels []string) error {
	return nil
}

type harness struct {
	jobs      *store.JobStore
	agents    *store.AgentStore
	sessions  *store.SessionStore
	messages  *store.SessionMessageStore
	approvals *store.ApprovalStore
	audits    *store.AuditStore
	registry  *registry.Registry
	sse       *sse.Manager
	queue     *fakeQueue
	approval  *approval.Service
	worker    *ExecutionWorker
	echo      *echobackend.Backend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	client := testdb.NewTestClient(t)

	h := &harness{
		jobs:      store.NewJobStore(client.DB),
		agents:    store.NewAgentStore(client.DB),
		sessions:  store.NewSessionStore(client.DB),
		messages:  store.NewSessionMessageStore(client.DB),
		approvals: store.NewApprovalStore(client.DB),
		audits:    store.NewAuditStore(client.DB),
		registry:  registry.New(),
		sse:       sse.New(),
		queue:     &fakeQueue{},
		echo:      echobackend.New(),
	}
	require.NoError(t, h.registry.Register(context.Background(), h.echo, registry.Config{ID: "echo", MaxConcurrent: 2, FailureThreshold: 2, OpenForMs: 50}))
	require.NoError(t, h.registry.SetHealth("echo", backend.Health{Status: backend.HealthHealthy}))

	h.approval = approval.NewService(h.approvals, h.audits, h.jobs, fakeEnqueuer{h.queue}, fakeNotifier{})
	h.worker = New(h.jobs, h.agents, h.sessions, h.messages, h.approvals, h.registry, h.sse, h.queue, h.approval)
	return h
}

func (h *harness) createAgent(t *testing.T, modelConfig, resourceLimits string) *store.Agent {
	t.Helper()
	agent, err := h.agents.Create(context.Background(), store.CreateAgentParams{
		Name:           "worker-test-agent",
		Slug:           uuid.NewString(),
		Role:           "executor",
		ModelConfig:    json.RawMessage(modelConfig),
		ResourceLimits: json.RawMessage(resourceLimits),
	})
	require.NoError(t, err)
	return agent
}

func (h *harness) scheduledJob(t *testing.T, agentID uuid.UUID, instruction string) *store.Job {
	t.Helper()
	ctx := context.Background()
	payload, _ := json.Marshal(map[string]string{"goal": string(backend.GoalCodeGenerate), "instruction": instruction})
	job, err := h.jobs.Create(ctx, store.CreateJobParams{AgentID: agentID, Payload: payload, MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, h.jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobScheduled, nil))
	job, err = h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	return job
}

func TestExecutionWorker_HappyPathCompletesJob(t *testing.T) {
	h := newHarness(t)
	agent := h.createAgent(t, `{}`, `{}`)
	job := h.scheduledJob(t, agent.ID, "say hello")

	h.echo.ScriptFor("say hello", echobackend.Script{
		Events: []backend.OutputEvent{{Type: backend.EventText, Text: "hi there"}},
		Result: backend.ExecutionResult{Status: backend.StatusCompleted, Summary: "done"},
	})

	payload, _ := json.Marshal(executePayload{JobID: job.ID})
	require.NoError(t, h.worker.Handle(context.Background(), payload))

	final, err := h.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, final.Status)
	assert.Equal(t, 1, final.Attempt)
}

func TestExecutionWorker_HappyPathRecordsUserAndAssistantTurns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	agent := h.createAgent(t, `{}`, `{}`)

	session, err := h.sessions.GetOrCreate(ctx, agent.ID, "operator@example.com")
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"goal": string(backend.GoalCodeGenerate), "instruction": "say hello"})
	job, err := h.jobs.Create(ctx, store.CreateJobParams{AgentID: agent.ID, SessionID: &session.ID, Payload: payload, MaxAttempts: 3})
	require.NoError(t, err)
	require.NoError(t, h.jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobScheduled, nil))

	h.echo.ScriptFor("say hello", echobackend.Script{
		Events: []backend.OutputEvent{{Type: backend.EventText, Text: "hi there"}},
		Result: backend.ExecutionResult{Status: backend.StatusCompleted, Summary: "done"},
	})

	execPayload, _ := json.Marshal(executePayload{JobID: job.ID})
	require.NoError(t, h.worker.Handle(ctx, execPayload))

	history, err := h.messages.History(ctx, session.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "say hello", history[0].Content)
	assert.Equal(t, "assistant", history[1].Role)
	assert.Equal(t, "hi there", history[1].Content)
}

func TestExecutionWorker_RequiresApprovalParksJob(t *testing.T) {
	h := newHarness(t)
	agent := h.createAgent(t, `{"requiresApproval":true,"riskLevel":"P1"}`, `{}`)
	job := h.scheduledJob(t, agent.ID, "delete prod database")

	payload, _ := json.Marshal(executePayload{JobID: job.ID})
	require.NoError(t, h.worker.Handle(context.Background(), payload))

	final, err := h.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobWaitingForApproval, final.Status)

	req, err := h.approvals.LatestForJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalPending, req.Status)
}

func TestExecutionWorker_ResumeAfterApprovalRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	agent := h.createAgent(t, `{"requiresApproval":true,"riskLevel":"P1"}`, `{}`)
	job := h.scheduledJob(t, agent.ID, "restart service")

	payload, _ := json.Marshal(executePayload{JobID: job.ID})
	require.NoError(t, h.worker.Handle(context.Background(), payload))

	req, err := h.approvals.LatestForJob(context.Background(), job.ID)
	require.NoError(t, err)

	h.echo.ScriptFor("restart service", echobackend.Script{
		Result: backend.ExecutionResult{Status: backend.StatusCompleted},
	})

	_, err = h.approval.Decide(context.Background(), approval.DecideParams{
		ApprovalRequestID: req.ID,
		Decision:          store.ApprovalApproved,
		DecidedBy:         "oncall@example.com",
		Channel:           "api",
	})
	require.NoError(t, err)

	// Resume finds the job already RUNNING (CASDecide transitioned it) —
	// the worker's step-1 gate must accept that, not just SCHEDULED.
	require.NoError(t, h.worker.Handle(context.Background(), payload))

	final, err := h.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobCompleted, final.Status)
}

func TestExecutionWorker_RetryableFailureReschedulesJob(t *testing.T) {
	h := newHarness(t)
	agent := h.createAgent(t, `{}`, `{}`)
	job := h.scheduledJob(t, agent.ID, "flaky call")

	h.echo.ScriptFor("flaky call", echobackend.Script{FailWith: backend.ClassificationTransient})

	payload, _ := json.Marshal(executePayload{JobID: job.ID})
	require.NoError(t, h.worker.Handle(context.Background(), payload))

	final, err := h.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobScheduled, final.Status)
	assert.Equal(t, 1, h.queue.callCount())
}

func TestExecutionWorker_InactiveAgentFailsPermanently(t *testing.T) {
	h := newHarness(t)
	agent := h.createAgent(t, `{}`, `{}`)
	require.NoError(t, h.agents.SetStatus(context.Background(), agent.ID, store.AgentInactive))
	job := h.scheduledJob(t, agent.ID, "anything")

	payload, _ := json.Marshal(executePayload{JobID: job.ID})
	err := h.worker.Handle(context.Background(), payload)
	assert.Error(t, err)

	final, getErr := h.jobs.Get(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.JobFailed, final.Status)
}

func TestExecutionWorker_DroppedWhenJobAlreadyTerminal(t *testing.T) {
	h := newHarness(t)
	agent := h.createAgent(t, `{}`, `{}`)
	job := h.scheduledJob(t, agent.ID, "say hello")

	h.echo.ScriptFor("say hello", echobackend.Script{Result: backend.ExecutionResult{Status: backend.StatusCompleted}})
	payload, _ := json.Marshal(executePayload{JobID: job.ID})
	require.NoError(t, h.worker.Handle(context.Background(), payload))

	// A redelivered envelope for the now-COMPLETED job must be a silent no-op.
	require.NoError(t, h.worker.Handle(context.Background(), payload))
}
