package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/codeready-toolchain/agentctl/pkg/backend/echobackend"
	"github.com/codeready-toolchain/agentctl/pkg/registry"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHealthyEntry(t *testing.T, r *registry.Registry, id string) *echobackend.Backend {
	t.Helper()
	b := echobackend.New()
	require.NoError(t, r.Register(context.Background(), b, registry.Config{ID: id, MaxConcurrent: 2, FailureThreshold: 2, OpenForMs: 50}))
	require.NoError(t, r.SetHealth(id, backend.Health{Status: backend.HealthHealthy}))
	return b
}

func TestRegistry_RouteTask_PrefersPreferredBackend(t *testing.T) {
	r := registry.New()
	newHealthyEntry(t, r, "a")
	newHealthyEntry(t, r, "b")

	_, id, err := r.RouteTask(backend.Task{Goal: backend.GoalShellCommand}, "b")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestRegistry_RouteTask_FallsBackWhenPreferredOpen(t *testing.T) {
	r := registry.New()
	newHealthyEntry(t, r, "a")
	newHealthyEntry(t, r, "b")

	require.NoError(t, r.RecordOutcome("a", backend.ClassificationTransient, false))
	require.NoError(t, r.RecordOutcome("a", backend.ClassificationTransient, false))

	state, err := r.BreakerState("a")
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateOpen, state)

	_, id, err := r.RouteTask(backend.Task{Goal: backend.GoalShellCommand}, "a")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
}

func TestRegistry_RecordOutcome_PermanentNeverTripsBreaker(t *testing.T) {
	r := registry.New()
	newHealthyEntry(t, r, "a")

	for i := 0; i < 5; i++ {
		require.NoError(t, r.RecordOutcome("a", backend.ClassificationPermanent, false))
	}

	state, err := r.BreakerState("a")
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateClosed, state)
}

func TestRegistry_NoBackendAvailable(t *testing.T) {
	r := registry.New()
	newHealthyEntry(t, r, "a")
	require.NoError(t, r.RecordOutcome("a", backend.ClassificationTransient, false))
	require.NoError(t, r.RecordOutcome("a", backend.ClassificationTransient, false))

	_, _, err := r.RouteTask(backend.Task{Goal: backend.GoalShellCommand}, "")
	assert.ErrorIs(t, err, registry.ErrNoBackendAvailable)
}

func TestRegistry_AcquirePermit_TimesOutWhenExhausted(t *testing.T) {
	r := registry.New()
	require.NoError(t, r.Register(context.Background(), echobackend.New(), registry.Config{ID: "solo", MaxConcurrent: 1}))

	release1, err := r.AcquirePermit(context.Background(), "solo", time.Second)
	require.NoError(t, err)
	defer release1()

	_, err = r.AcquirePermit(context.Background(), "solo", 20*time.Millisecond)
	assert.ErrorIs(t, err, registry.ErrPermitTimeout)
}

func TestRegistry_AcquirePermit_UnknownBackend(t *testing.T) {
	r := registry.New()
	_, err := r.AcquirePermit(context.Background(), "missing", time.Second)
	assert.ErrorIs(t, err, registry.ErrUnknownBackend)
}

func TestRegistry_Snapshots_ReportsHealthAndBreakerStateInRegistrationOrder(t *testing.T) {
	r := registry.New()
	newHealthyEntry(t, r, "a")
	newHealthyEntry(t, r, "b")
	require.NoError(t, r.RecordOutcome("a", backend.ClassificationTransient, false))
	require.NoError(t, r.RecordOutcome("a", backend.ClassificationTransient, false))

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].ID)
	assert.Equal(t, gobreaker.StateOpen, snaps[0].BreakerState)
	assert.Equal(t, "b", snaps[1].ID)
	assert.Equal(t, gobreaker.StateClosed, snaps[1].BreakerState)
	assert.Equal(t, backend.HealthHealthy, snaps[1].Health.Status)
}

func TestRegistry_Register_FailsWhenHealthCheckErrors(t *testing.T) {
	r := registry.New()
	b := echobackend.New()
	b.FailHealthCheckWith(assert.AnError)

	err := r.Register(context.Background(), b, registry.Config{ID: "broken"})
	require.Error(t, err)

	_, err = r.BreakerState("broken")
	assert.ErrorIs(t, err, registry.ErrUnknownBackend)
}
