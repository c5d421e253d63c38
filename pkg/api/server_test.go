package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codeready-toolchain/agentctl/pkg/approval"
	"github.com/codeready-toolchain/agentctl/pkg/backend/echobackend"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/codeready-toolchain/agentctl/pkg/registry"
	"github.com/codeready-toolchain/agentctl/pkg/sse"
	"github.com/codeready-toolchain/agentctl/pkg/store"
	testdb "github.com/codeready-toolchain/agentctl/test/database"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeQueue is a minimal queue.Queue double recording AddJob calls, the
// same shape pkg/worker and pkg/reaper's test files use.
type fakeQueue struct{ added []string }

func (f *fakeQueue) AddJob(ctx context.Context, taskName string, payload any, opts queue.AddJobOptions) error {
	f.added = append(f.added, taskName)
	return nil
}
func (f *fakeQueue) Release(ctx context.Context, jobKey string) error { return nil }
func (f *fakeQueue) Run(ctx context.Context, taskName string, handler queue.Handler, concurrency int) error {
	return nil
}
func (f *fakeQueue) Depth(ctx context.Context) (int, error) { return len(f.added), nil }

type fakeEnqueuer struct{ q *fakeQueue }

func (f fakeEnqueuer) AddJob(ctx context.Context, taskName string, payload any, opts approval.EnqueueOptions) error {
	return f.q.AddJob(ctx, taskName, payload, queue.AddJobOptions{MaxAttempts: opts.MaxAttempts, JobKey: opts.JobKey})
}

type fakeNotifier struct{}

func (fakeNotifier) Notify(ctx context.Context, req *store.ApprovalRequest, channels []string) error {
	return nil
}

type testEnv struct {
	router *gin.Engine
	jobs   *store.JobStore
	agents *store.AgentStore
	approv *approval.Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	client := testdb.NewTestClient(t)

	jobs := store.NewJobStore(client.DB)
	agents := store.NewAgentStore(client.DB)
	approvals := store.NewApprovalStore(client.DB)
	audits := store.NewAuditStore(client.DB)
	q := &fakeQueue{}
	approvalSvc := approval.NewService(approvals, audits, jobs, fakeEnqueuer{q}, fakeNotifier{})
	sseManager := sse.New()
	reg := registry.New()
	require.NoError(t, reg.Register(context.Background(), echobackend.New(), registry.Config{ID: "echo"}))

	srv := NewServer(client.DB, jobs, approvalSvc, q, reg, sseManager)
	return &testEnv{router: srv.Router(), jobs: jobs, agents: agents, approv: approvalSvc}
}

func (e *testEnv) createAgent(t *testing.T) uuid.UUID {
	t.Helper()
	agent, err := e.agents.Create(context.Background(), store.CreateAgentParams{
		Name: "api-test-agent",
		Slug: "api-" + uuid.NewString(),
		Role: "kubernetes",
	})
	require.NoError(t, err)
	return agent.ID
}

func TestHandleHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
}

func TestHandleHealthBackends_ReportsRegistryQueueAndSSEState(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/backends", nil)
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body AggregateHealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	require.Len(t, body.Backends, 1)
	assert.Equal(t, "echo", body.Backends[0].ID)
	assert.Equal(t, "closed", body.Backends[0].BreakerState)
	assert.NotNil(t, body.SSEChannelConns)
}

func TestHandleMetrics_ServesPrometheusFormat(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sse_dropped_events_total")
}

func TestHandleCreateJob_SchedulesAndEnqueues(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)

	body, _ := json.Marshal(submitJobRequest{
		AgentID: agentID,
		Payload: json.RawMessage(`{"instruction":"investigate pod crash loop"}`),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.JobScheduled, resp.Status)

	reloaded, err := env.jobs.Get(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobScheduled, reloaded.Status)
}

func TestHandleCreateJob_RejectsMissingPayload(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)

	body, _ := json.Marshal(map[string]any{"agentId": agentID})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetJob_NotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/"+uuid.NewString(), nil)
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDecideApproval_ApprovesPendingRequest(t *testing.T) {
	env := newTestEnv(t)
	agentID := env.createAgent(t)

	job, err := env.jobs.Create(context.Background(), store.CreateJobParams{
		AgentID: agentID,
		Payload: json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, env.jobs.CASTransition(context.Background(), job.ID, store.JobPending, store.JobScheduled, nil))
	require.NoError(t, env.jobs.CASTransition(context.Background(), job.ID, store.JobScheduled, store.JobRunning, nil))

	created, err := env.approv.CreateRequest(context.Background(), approval.CreateRequestParams{
		JobID:         job.ID,
		AgentID:       agentID,
		ActionType:    "kubectl_delete",
		ActionSummary: "delete stuck pod",
		RiskLevel:     store.RiskP1,
	})
	require.NoError(t, err)

	body, _ := json.Marshal(decideRequest{Decision: store.ApprovalApproved})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/approvals/"+created.ApprovalRequestID.String()+"/decide", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-User", "oncall-engineer")
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp approvalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, store.ApprovalApproved, resp.Status)
}

func TestHandleStream_RejectsMissingChannel(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/stream/", nil)
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code) // gin 404s the unmatched trailing-slash route
}
