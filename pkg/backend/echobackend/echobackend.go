// Package echobackend is an in-memory Backend test double: it replays a
// pre-scripted sequence of events per task, including injected TRANSIENT
// failures, used by unit tests and the worked retry/breaker scenarios.
package echobackend

import (
	"context"
	"fmt"
	"sync"

	"github.com/codeready-toolchain/agentctl/pkg/backend"
)

// Script is one scripted reply for a given instruction. Events play back in
// order; if FailWith is set, an "error" event with that classification is
// emitted instead of a "complete" event, and the handle settles failed.
type Script struct {
	Events   []backend.OutputEvent
	FailWith backend.ErrorClassification
	Result   backend.ExecutionResult
}

// Backend is the echo test double.
type Backend struct {
	mu              sync.Mutex
	scripts         map[string][]Script // instruction -> queued scripts, consumed FIFO
	attempts        map[string]int
	failStartWith   error
	failHealthWith  error
}

// New builds an echo backend with no scripted responses; call Script to
// register one before the task it covers is executed.
func New() *Backend {
	return &Backend{
		scripts:  make(map[string][]Script),
		attempts: make(map[string]int),
	}
}

// FailStartWith makes Start return err instead of succeeding, exercising a
// registry's reaction to a backend that cannot come up.
func (b *Backend) FailStartWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failStartWith = err
}

// FailHealthCheckWith makes HealthCheck return err instead of reporting
// healthy, exercising a registry's reaction to a backend that starts but
// never becomes reachable.
func (b *Backend) FailHealthCheckWith(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failHealthWith = err
}

// ScriptFor enqueues one scripted reply for a given instruction. Repeated
// calls queue additional replies, consumed in order across retries of the
// same instruction — enabling the "fails once, then succeeds" scenario.
func (b *Backend) ScriptFor(instruction string, s Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[instruction] = append(b.scripts[instruction], s)
}

func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failStartWith
}
func (b *Backend) Stop(ctx context.Context) error { return nil }

func (b *Backend) HealthCheck(ctx context.Context) (backend.Health, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failHealthWith != nil {
		return backend.Health{Status: backend.HealthUnhealthy, Reason: b.failHealthWith.Error()}, b.failHealthWith
	}
	return backend.Health{Status: backend.HealthHealthy, LatencyMs: 1}, nil
}

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Streaming:        true,
		FileEdit:         true,
		Shell:            true,
		TokenUsage:       true,
		Cancellation:     true,
		MaxContextTokens: 200_000,
	}
}

func (b *Backend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	b.mu.Lock()
	queue := b.scripts[task.Instruction]
	if len(queue) == 0 {
		b.mu.Unlock()
		return nil, fmt.Errorf("echobackend: no script registered for instruction %q", task.Instruction)
	}
	script := queue[0]
	b.scripts[task.Instruction] = queue[1:]
	b.attempts[task.Instruction]++
	b.mu.Unlock()

	h := &handle{
		events:    make(chan backend.OutputEvent, len(script.Events)+1),
		done:      make(chan struct{}),
		cancelled: make(chan struct{}),
	}

	go func() {
		defer close(h.events)
		for _, ev := range script.Events {
			select {
			case h.events <- ev:
			case <-ctx.Done():
				h.settle(&backend.ExecutionResult{Status: backend.StatusCancelled})
				return
			case <-h.cancelled:
				h.settle(&backend.ExecutionResult{Status: backend.StatusCancelled})
				return
			}
		}
		if script.FailWith != "" {
			result := backend.ExecutionResult{
				Status: backend.StatusFailed,
				Error: &backend.ExecutionError{
					Message:        fmt.Sprintf("echobackend: scripted %s failure", script.FailWith),
					Classification: script.FailWith,
				},
			}
			h.events <- backend.OutputEvent{Type: backend.EventError, Error: result.Error}
			h.settle(&result)
			return
		}
		result := script.Result
		if result.Status == "" {
			result.Status = backend.StatusCompleted
		}
		h.events <- backend.OutputEvent{Type: backend.EventComplete, Result: &result}
		h.settle(&result)
	}()

	return h, nil
}

// Attempts returns how many times ExecuteTask has been called for a given
// instruction, for assertions in retry-scenario tests.
func (b *Backend) Attempts(instruction string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts[instruction]
}

type handle struct {
	events    chan backend.OutputEvent
	done      chan struct{}
	cancelled chan struct{}
	once      sync.Once
	result    *backend.ExecutionResult
	mu        sync.Mutex
}

func (h *handle) Events() <-chan backend.OutputEvent { return h.events }

func (h *handle) Result() (*backend.ExecutionResult, error) {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, nil
}

func (h *handle) Cancel(ctx context.Context, reason string) error {
	h.once.Do(func() {
		if h.cancelled != nil {
			close(h.cancelled)
		}
	})
	return nil
}

func (h *handle) settle(result *backend.ExecutionResult) {
	h.mu.Lock()
	h.result = result
	h.mu.Unlock()
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}
