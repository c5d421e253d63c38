// Package registry is the Backend Registry + Router (C4): it tracks every
// registered backend's health, concurrency permits, and circuit-breaker
// state, and implements the deterministic routing order of §4.3.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// ErrNoBackendAvailable is returned by RouteTask when every registered
// backend is ineligible (wrong goal, unhealthy, or breaker open).
var ErrNoBackendAvailable = errors.New("registry: no backend available")

// ErrUnknownBackend is returned when a backend ID has no registration.
var ErrUnknownBackend = errors.New("registry: unknown backend id")

// ErrPermitTimeout is returned by AcquirePermit when the deadline elapses
// before a concurrency slot frees up.
var ErrPermitTimeout = errors.New("registry: permit acquisition timed out")

// Config is the per-backend registration configuration.
type Config struct {
	ID                string
	MaxConcurrent      int64
	FailureThreshold   uint32
	OpenForMs          int64
	HealthCheckPeriod  time.Duration
}

// entry bundles a backend with its routing/health/breaker state, the same
// grouping pkg/mcp/health.go keeps per MCP server (client + cached tools +
// status), generalized here to backend + semaphore + breaker + health.
type entry struct {
	id       string
	backend  backend.Backend
	sem      *semaphore.Weighted
	breaker  *gobreaker.CircuitBreaker
	caps     backend.Capabilities

	mu          sync.RWMutex
	lastHealth  backend.Health
	lastChecked time.Time
}

// Registry holds every registered backend and routes tasks to one of them.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	order    []string // registration order, for deterministic fallback iteration

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		logger:  slog.Default().With("component", "backend-registry"),
	}
}

// Register starts b, probes its health, and adds it under cfg.ID with its
// own semaphore and circuit breaker — the start-then-probe sequence §4.3
// requires before a backend becomes routable. Registration fails, leaving
// the registry unchanged, if either Start or the initial HealthCheck
// errors; callers that want the registry non-empty despite a flaky backend
// must retry Register themselves. Only TRANSIENT and RESOURCE outcomes trip
// the breaker once registered; PERMANENT failures never do, enforced in
// RecordOutcome.
func (r *Registry) Register(ctx context.Context, b backend.Backend, cfg Config) error {
	if cfg.ID == "" {
		return errors.New("registry: backend id required")
	}

	if err := b.Start(ctx); err != nil {
		return fmt.Errorf("registry: start backend %q: %w", cfg.ID, err)
	}
	health, err := b.HealthCheck(ctx)
	if err != nil {
		return fmt.Errorf("registry: health check backend %q: %w", cfg.ID, err)
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	failureThreshold := cfg.FailureThreshold
	if failureThreshold == 0 {
		failureThreshold = 5
	}
	openFor := cfg.OpenForMs
	if openFor <= 0 {
		openFor = 30_000
	}

	settings := gobreaker.Settings{
		Name:    cfg.ID,
		Timeout: time.Duration(openFor) * time.Millisecond,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Info("circuit breaker state change", "backend_id", name, "from", from.String(), "to", to.String())
		},
	}

	e := &entry{
		id:          cfg.ID,
		backend:     b,
		sem:         semaphore.NewWeighted(maxConcurrent),
		breaker:     gobreaker.NewCircuitBreaker(settings),
		caps:        b.Capabilities(),
		lastHealth:  health,
		lastChecked: time.Now(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[cfg.ID]; exists {
		return fmt.Errorf("registry: backend %q already registered", cfg.ID)
	}
	r.entries[cfg.ID] = e
	r.order = append(r.order, cfg.ID)
	return nil
}

// AcquirePermit blocks (up to timeout) for a concurrency slot on backendID's
// semaphore, translating a deadline into ErrPermitTimeout — callers classify
// that as RESOURCE per §4.7 step 8.
func (r *Registry) AcquirePermit(ctx context.Context, backendID string, timeout time.Duration) (func(), error) {
	e, err := r.get(backendID)
	if err != nil {
		return nil, err
	}
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := e.sem.Acquire(acquireCtx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrPermitTimeout
		}
		return nil, err
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		e.sem.Release(1)
	}
	return release, nil
}

// RecordOutcome feeds an execution outcome into backendID's breaker. Only
// classifications that CountsAsBreakerFailure() move the failure counter;
// PERMANENT outcomes are recorded as neither success nor failure by simply
// not touching the breaker, matching §4.3's "does not trip the breaker".
func (r *Registry) RecordOutcome(backendID string, classification backend.ErrorClassification, ok bool) error {
	e, err := r.get(backendID)
	if err != nil {
		return err
	}
	if ok {
		_, _ = e.breaker.Execute(func() (any, error) { return nil, nil })
		return nil
	}
	if !classification.CountsAsBreakerFailure() {
		return nil
	}
	_, _ = e.breaker.Execute(func() (any, error) { return nil, errors.New(string(classification)) })
	return nil
}

// BreakerState reports backendID's current circuit-breaker state.
func (r *Registry) BreakerState(backendID string) (gobreaker.State, error) {
	e, err := r.get(backendID)
	if err != nil {
		return gobreaker.StateClosed, err
	}
	return e.breaker.State(), nil
}

// Counts reports backendID's current breaker window counters, surfaced on
// the /health/backends endpoint per the worked example in §8.
func (r *Registry) Counts(backendID string) (gobreaker.Counts, error) {
	e, err := r.get(backendID)
	if err != nil {
		return gobreaker.Counts{}, err
	}
	return e.breaker.Counts(), nil
}

// SetHealth records the latest HealthCheck result for backendID, normally
// called by a background poller on HealthCheckPeriod.
func (r *Registry) SetHealth(backendID string, health backend.Health) error {
	e, err := r.get(backendID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.lastHealth = health
	e.lastChecked = time.Now()
	e.mu.Unlock()
	return nil
}

func (e *entry) health() backend.Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastHealth
}

// BackendSnapshot is one backend's routable state, as surfaced by the
// aggregate health endpoint.
type BackendSnapshot struct {
	ID            string
	Health        backend.Health
	BreakerState  gobreaker.State
	BreakerCounts gobreaker.Counts
}

// Snapshots returns every registered backend's current health and breaker
// state, in registration order — the per-backend breakdown the
// /health/backends endpoint reports.
func (r *Registry) Snapshots() []BackendSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]BackendSnapshot, 0, len(r.order))
	for _, id := range r.order {
		e := r.entries[id]
		out = append(out, BackendSnapshot{
			ID:            id,
			Health:        e.health(),
			BreakerState:  e.breaker.State(),
			BreakerCounts: e.breaker.Counts(),
		})
	}
	return out
}

// RouteTask implements §4.3's deterministic ordering: the preferred backend
// first if eligible, then healthy+closed backends, then degraded/half-open
// ones, never an OPEN breaker.
func (r *Registry) RouteTask(task backend.Task, preferredBackendID string) (backend.Backend, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferredBackendID != "" {
		if e, ok := r.entries[preferredBackendID]; ok && r.eligible(e, task) && e.breaker.State() != gobreaker.StateOpen {
			return e.backend, e.id, nil
		}
	}

	var degraded *entry
	for _, id := range r.order {
		e := r.entries[id]
		if id == preferredBackendID || !r.eligible(e, task) {
			continue
		}
		state := e.breaker.State()
		if state == gobreaker.StateOpen {
			continue
		}
		if state == gobreaker.StateClosed && e.health().Status == backend.HealthHealthy {
			return e.backend, e.id, nil
		}
		if degraded == nil {
			degraded = e
		}
	}
	if degraded != nil {
		return degraded.backend, degraded.id, nil
	}
	return nil, "", ErrNoBackendAvailable
}

func (r *Registry) eligible(e *entry, task backend.Task) bool {
	return e.caps.SupportsGoal(task.Goal)
}

func (r *Registry) get(backendID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[backendID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, backendID)
	}
	return e, nil
}

// StartHealthPolling launches a background goroutine per registered backend
// that calls HealthCheck on an interval and feeds SetHealth, the same
// ticker-driven checkAll loop pkg/mcp/health.go runs for MCP servers.
func (r *Registry) StartHealthPolling(ctx context.Context, period time.Duration) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.pollLoop(ctx, period)
}

func (r *Registry) pollLoop(ctx context.Context, period time.Duration) {
	defer close(r.done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	r.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkAll(ctx)
		}
	}
}

func (r *Registry) checkAll(ctx context.Context) {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()

	for _, id := range ids {
		e, err := r.get(id)
		if err != nil {
			continue
		}
		health, err := e.backend.HealthCheck(ctx)
		if err != nil {
			health = backend.Health{Status: backend.HealthUnhealthy, Reason: err.Error()}
		}
		_ = r.SetHealth(id, health)
	}
}

// StopHealthPolling stops the background poller started by
// StartHealthPolling; a no-op if it was never started.
func (r *Registry) StopHealthPolling() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}
