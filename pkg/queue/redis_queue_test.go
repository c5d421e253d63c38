package queue_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/codeready-toolchain/agentctl/pkg/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisQueue(t *testing.T) *queue.RedisQueue {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	return queue.NewRedisQueue(client, "test")
}

func TestRedisQueue_AddJobAndRunDeliversPayload(t *testing.T) {
	q := newTestRedisQueue(t)
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

func TestRedisQueue_AddJob_DuplicateJobKeyRejected(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	opts := queue.AddJobOptions{JobKey: "exec:job-1"}
	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, opts))

	err := q.AddJob(ctx, "agent_execute", map[string]string{}, opts)
	assert.ErrorIs(t, err, queue.ErrDuplicateJobKey)
}

func TestRedisQueue_Depth_SumsAcrossTaskNames(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, queue.AddJobOptions{}))
	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, queue.AddJobOptions{}))
	require.NoError(t, q.AddJob(ctx, "expire_stale_approvals", map[string]string{}, queue.AddJobOptions{}))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestRedisQueue_Release_ClearsJobKeyForReuse(t *testing.T) {
	q := newTestRedisQueue(t)
	ctx := context.Background()

	opts := queue.AddJobOptions{JobKey: "exec:job-2"}
	require.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, opts))

	require.NoError(t, q.Release(ctx, "exec:job-2"))
	assert.NoError(t, q.AddJob(ctx, "agent_execute", map[string]string{}, opts))
}
