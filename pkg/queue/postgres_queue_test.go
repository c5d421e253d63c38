package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/queue"
	testdb "github.com/codeready-toolchain/agentctl/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresQueue_AddJobAndRunDeliversPayload(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.NewPostgresQueue(client.DB)
	ctx := context.Background()

	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{"job_id": "abc"}, queue.AddJobOptions{}))

	var mu sync.Mutex
	var received json.RawMessage
	done := make(chan struct{})
	handler := func(ctx context.Context, payload []byte) error {
		mu.Lock()
		received = payload
		mu.Unlock()
		close(done)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	go q.Run(runCtx, "agent_execute", handler, 1)
	defer cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, string(received), "abc")
}

func TestPostgresQueue_AddJob_DuplicateJobKeyRejected(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.NewPostgresQueue(client.DB)
	ctx := context.Background()

	opts := queue.AddJobOptions{JobKey: "exec:job-1"}
	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, opts))

	err := q.AddJob(ctx, "agent_execute", map[string]string{}, opts)
	assert.ErrorIs(t, err, queue.ErrDuplicateJobKey)
}

func TestPostgresQueue_Depth_CountsOnlyQueuedEnvelopes(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.NewPostgresQueue(client.DB)
	ctx := context.Background()

	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, queue.AddJobOptions{JobKey: "d1"}))
	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, queue.AddJobOptions{JobKey: "d2"}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	handler := func(ctx context.Context, payload []byte) error { return nil }
	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_ = q.Run(runCtx, "agent_execute", handler, 2)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
}

func TestPostgresQueue_FailedHandlerSettlesFailedAtMaxAttempts(t *testing.T) {
	client := testdb.NewTestClient(t)
	q := queue.NewPostgresQueue(client.DB)
	ctx := context.Background()

	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, queue.AddJobOptions{MaxAttempts: 1}))

	var calls int32
	var mu sync.Mutex
	done := make(chan struct{})
	handler := func(ctx context.Context, payload []byte) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			close(done)
		}
		return assert.AnError
	}

	runCtx, cancel := context.WithCancel(ctx)
	go q.Run(runCtx, "agent_execute", handler, 1)
	defer cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	cancel()

	var status string
	require.Eventually(t, func() bool {
		err := client.DB.Get(&status, `SELECT status FROM queue_jobs LIMIT 1`)
		return err == nil && status == "failed"
	}, time.Second, 10*time.Millisecond)
}
