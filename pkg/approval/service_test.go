package approval_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	testdb "github.com/codeready-toolchain/agentctl/test/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu    sync.Mutex
	calls []string
}

func (q *fakeQueue) AddJob(_ context.Context, taskName string, _ any, opts approval.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, taskName+":"+opts.JobKey)
	return nil
}

func newTestService(t *testing.T) (*approval.Service, *store.JobStore, uuid.UUID, *fakeQueue) {
	t.Helper()
	client := testdb.NewTestClient(t)
	ctx := context.Background()

	agents := store.NewAgentStore(client.DB)
	jobs := store.NewJobStore(client.DB)
	approvals := store.NewApprovalStore(client.DB)
	audits := store.NewAuditStore(client.DB)
	q := &fakeQueue{}

	agent, err := agents.Create(ctx, store.CreateAgentParams{
		Name: "Kubernetes Investigator",
		Slug: "k8s-" + uuid.NewString(),
		Role: "kubernetes",
	})
	require.NoError(t, err)

	job, err := jobs.Create(ctx, store.CreateJobParams{
		AgentID: agent.ID,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobScheduled, nil))
	require.NoError(t, jobs.CASTransition(ctx, job.ID, store.JobScheduled, store.JobRunning, nil))

	svc := approval.NewService(approvals, audits, jobs, q, nil)
	return svc, jobs, job.ID, q
}

func TestApprovalService_CreateRequest_P1MovesJobToWaiting(t *testing.T) {
	svc, jobs, jobID, _ := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:         jobID,
		ActionType:    "shell_command",
		ActionSummary: "rm -rf /tmp/scratch",
		RiskLevel:     store.RiskP1,
	})
	require.NoError(t, err)
	assert.False(t, result.AutoApprovable)
	assert.True(t, result.ShouldNotify)
	assert.NotEmpty(t, result.PlaintextToken)

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobWaitingForApproval, job.Status)
}

func TestApprovalService_CreateRequest_P3AutoApproves(t *testing.T) {
	svc, jobs, jobID, queue := newTestService(t)
	ctx := context.Background()

	result, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:         jobID,
		ActionType:    "code_edit",
		ActionSummary: "format whitespace",
		RiskLevel:     store.RiskP3,
	})
	require.NoError(t, err)
	assert.True(t, result.AutoApprovable)

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, job.Status)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Len(t, queue.calls, 1)
}

func TestApprovalService_Decide_Approve(t *testing.T) {
	svc, jobs, jobID, queue := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:         jobID,
		ActionType:    "shell_command",
		ActionSummary: "restart deployment",
		RiskLevel:     store.RiskP1,
	})
	require.NoError(t, err)

	decided, err := svc.Decide(ctx, approval.DecideParams{
		ApprovalRequestID: created.ApprovalRequestID,
		Decision:          store.ApprovalApproved,
		DecidedBy:         "operator@example.com",
		Channel:           "slack",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, decided.Status)

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, job.Status)

	queue.mu.Lock()
	defer queue.mu.Unlock()
	assert.Len(t, queue.calls, 1)

	valid, err := svc.VerifyAuditChain(ctx, created.ApprovalRequestID)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestApprovalService_Decide_Reject(t *testing.T) {
	svc, jobs, jobID, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:         jobID,
		ActionType:    "shell_command",
		ActionSummary: "drop table",
		RiskLevel:     store.RiskP0,
	})
	require.NoError(t, err)

	reason := "too risky"
	_, err = svc.Decide(ctx, approval.DecideParams{
		ApprovalRequestID: created.ApprovalRequestID,
		Decision:          store.ApprovalRejected,
		DecidedBy:         "operator@example.com",
		Channel:           "slack",
		Reason:            &reason,
	})
	require.NoError(t, err)

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobFailed, job.Status)
}

func TestApprovalService_Decide_SecondDecisionFails(t *testing.T) {
	svc, _, jobID, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:         jobID,
		ActionType:    "shell_command",
		ActionSummary: "restart pod",
		RiskLevel:     store.RiskP1,
	})
	require.NoError(t, err)

	_, err = svc.Decide(ctx, approval.DecideParams{
		ApprovalRequestID: created.ApprovalRequestID,
		Decision:          store.ApprovalApproved,
		DecidedBy:         "alice@example.com",
		Channel:           "slack",
	})
	require.NoError(t, err)

	_, err = svc.Decide(ctx, approval.DecideParams{
		ApprovalRequestID: created.ApprovalRequestID,
		Decision:          store.ApprovalRejected,
		DecidedBy:         "bob@example.com",
		Channel:           "slack",
	})
	assert.ErrorIs(t, err, approval.ErrAlreadyDecided)
}

func TestApprovalService_Decide_UnauthorizedApproverMismatch(t *testing.T) {
	svc, jobs, jobID, _ := newTestService(t)
	ctx := context.Background()

	pinned := "alice@example.com"
	created, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:                 jobID,
		ActionType:            "shell_command",
		ActionSummary:         "restart deployment",
		RiskLevel:             store.RiskP1,
		ApproverUserAccountID: &pinned,
	})
	require.NoError(t, err)

	_, err = svc.Decide(ctx, approval.DecideParams{
		ApprovalRequestID: created.ApprovalRequestID,
		Decision:          store.ApprovalApproved,
		DecidedBy:         "bob@example.com",
		Channel:           "slack",
	})
	assert.ErrorIs(t, err, approval.ErrNotAuthorized)

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobWaitingForApproval, job.Status)

	decided, err := svc.Decide(ctx, approval.DecideParams{
		ApprovalRequestID: created.ApprovalRequestID,
		Decision:          store.ApprovalApproved,
		DecidedBy:         pinned,
		Channel:           "slack",
	})
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, decided.Status)
}

func TestApprovalService_DecideByToken(t *testing.T) {
	svc, jobs, jobID, _ := newTestService(t)
	ctx := context.Background()

	created, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:         jobID,
		ActionType:    "shell_command",
		ActionSummary: "restart pod",
		RiskLevel:     store.RiskP1,
	})
	require.NoError(t, err)

	decided, err := svc.DecideByToken(ctx, created.PlaintextToken, store.ApprovalApproved, "alice@example.com", "slack", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, store.ApprovalApproved, decided.Status)

	job, err := jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, store.JobRunning, job.Status)
}

func TestApprovalService_ExpireStaleRequests(t *testing.T) {
	svc, jobs, jobID, _ := newTestService(t)
	ctx := context.Background()

	ttl := -1
	created, err := svc.CreateRequest(ctx, approval.CreateRequestParams{
		JobID:         jobID,
		ActionType:    "shell_command",
		ActionSummary: "restart pod",
		RiskLevel:     store.RiskP1,
		TTLSeconds:    &ttl,
	})
	require.NoError(t, err)

	// TTLSeconds <= 0 falls back to the P1 default of 24h, so the request is
	// still PENDING but nowhere near its expires_at: the sweep expires nothing.
	_ = created

	n, err := svc.ExpireStaleRequests(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
