package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/codeready-toolchain/agentctl/pkg/store"
	testdb "github.com/codeready-toolchain/agentctl/test/database"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStore_CreateAndCASTransition(t *testing.T) {
	client := testdb.NewTestClient(t)
	jobs := store.NewJobStore(client.DB)
	agents := store.NewAgentStore(client.DB)
	ctx := context.Background()

	agent, err := agents.Create(ctx, store.CreateAgentParams{
		Name: "Kubernetes Investigator",
		Slug: "k8s-" + uuid.NewString(),
		Role: "kubernetes",
	})
	require.NoError(t, err)

	job, err := jobs.Create(ctx, store.CreateJobParams{
		AgentID: agent.ID,
		Payload: json.RawMessage(`{"instruction":"investigate pod crash loop"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobPending, job.Status)

	err = jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobScheduled, nil)
	require.NoError(t, err)

	reloaded, err := jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobScheduled, reloaded.Status)
}

func TestJobStore_CASTransition_RejectsIllegalEdge(t *testing.T) {
	client := testdb.NewTestClient(t)
	jobs := store.NewJobStore(client.DB)
	agents := store.NewAgentStore(client.DB)
	ctx := context.Background()

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

	err = jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobCompleted, nil)
	assert.ErrorIs(t, err, store.ErrIllegalTransition)
}

func TestJobStore_CASTransition_LosesRaceReturnsErrCASFailed(t *testing.T) {
	client := testdb.NewTestClient(t)
	jobs := store.NewJobStore(client.DB)
	agents := store.NewAgentStore(client.DB)
	ctx := context.Background()

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

	// A second CAS still expecting PENDING has already lost the race.
	err = jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobScheduled, nil)
	assert.ErrorIs(t, err, store.ErrCASFailed)
}

func TestJobStore_ClaimScheduled(t *testing.T) {
	client := testdb.NewTestClient(t)
	jobs := store.NewJobStore(client.DB)
	agents := store.NewAgentStore(client.DB)
	ctx := context.Background()

	agent, err := agents.Create(ctx, store.CreateAgentParams{
		Name: "Kubernetes Investigator",
		Slug: "k8s-" + uuid.NewString(),
		Role: "kubernetes",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		job, err := jobs.Create(ctx, store.CreateJobParams{
			AgentID: agent.ID,
			Payload: json.RawMessage(`{}`),
		})
		require.NoError(t, err)
		require.NoError(t, jobs.CASTransition(ctx, job.ID, store.JobPending, store.JobScheduled, nil))
	}

	claimed, err := jobs.ClaimScheduled(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)
	for _, j := range claimed {
		assert.Equal(t, store.JobRunning, j.Status)
	}
}
