// Package grpcbackend is the local-CLI Backend adapter (C3): a long-lived
// gRPC connection to a sidecar process that runs an agent CLI and streams
// its output back, the same loopback-RPC shape the teacher uses to talk to
// its Python LLM sidecar in pkg/agent/llm_grpc.go.
package grpcbackend

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/codeready-toolchain/agentctl/pkg/version"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	generateMethod    = "/agentctl.backend.v1.AgentService/Generate"
	healthCheckMethod = "/agentctl.backend.v1.AgentService/HealthCheck"

	defaultTaskTimeout = 5 * time.Minute
)

// Backend implements backend.Backend over a gRPC connection to a sidecar
// process running a local agent CLI (e.g. claude, aider). Uses insecure
// (plaintext) transport — the sidecar is expected to run on localhost,
// matching the teacher's own justification in llm_grpc.go.
type Backend struct {
	addr string
	conn *grpc.ClientConn
	caps backend.Capabilities
}

// New builds a gRPC backend for a sidecar listening at addr. The
// connection is established lazily on Start.
func New(addr string, caps backend.Capabilities) *Backend {
	return &Backend{addr: addr, caps: caps}
}

func (b *Backend) Start(ctx context.Context) error {
	conn, err := grpc.NewClient(b.addr, grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUserAgent(version.Full()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)))
	if err != nil {
		return fmt.Errorf("grpcbackend: dial %s: %w", b.addr, err)
	}
	b.conn = conn
	return nil
}

func (b *Backend) Stop(ctx context.Context) error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func (b *Backend) Capabilities() backend.Capabilities { return b.caps }

func (b *Backend) HealthCheck(ctx context.Context) (backend.Health, error) {
	stream, err := b.conn.NewStream(ctx, &grpc.StreamDesc{ServerStreams: false}, healthCheckMethod)
	if err != nil {
		return backend.Health{Status: backend.HealthUnhealthy}, fmt.Errorf("grpcbackend: open health stream: %w", err)
	}
	if err := stream.SendMsg(struct{}{}); err != nil {
		return backend.Health{Status: backend.HealthUnhealthy}, fmt.Errorf("grpcbackend: send health request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return backend.Health{Status: backend.HealthUnhealthy}, fmt.Errorf("grpcbackend: close health send: %w", err)
	}

	var resp healthCheckResponse
	if err := stream.RecvMsg(&resp); err != nil {
		return backend.Health{Status: backend.HealthUnhealthy, Reason: err.Error()}, nil
	}

	return backend.Health{
		Status:    backend.HealthStatus(resp.Status),
		LatencyMs: resp.LatencyMs,
		Reason:    resp.Reason,
		Details:   resp.Details,
	}, nil
}

// ExecuteTask issues the streaming Generate call and wraps stream.Recv()
// in a Handle whose Events() channel is fed by a goroutine, io.EOF
// signaling stream end — the same shape as the teacher's
// (<-chan Chunk, <-chan error) pair collapsed into a single OutputEvent
// channel plus a settled ExecutionResult.
func (b *Backend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	execCtx, cancel := backend.DeadlineFromTimeoutMs(ctx, task.TimeoutMs, defaultTaskTimeout)

	stream, err := b.conn.NewStream(execCtx, &grpc.StreamDesc{ServerStreams: true}, generateMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("grpcbackend: open generate stream: %w", err)
	}

	req := &generateRequest{
		JobID:       task.JobID,
		Goal:        string(task.Goal),
		Instruction: task.Instruction,
		Context:     task.Context,
		Environment: backend.AllowlistedEnv(nil, task.Environment),
		Constraints: task.Constraints,
		TimeoutMs:   task.TimeoutMs,
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return nil, fmt.Errorf("grpcbackend: send generate request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return nil, fmt.Errorf("grpcbackend: close generate send: %w", err)
	}

	h := &handle{
		events:   make(chan backend.OutputEvent, 32),
		done:     make(chan struct{}),
		cancelFn: cancel,
	}
	go h.pump(stream)
	return h, nil
}

type grpcStream interface {
	RecvMsg(m any) error
}

type handle struct {
	events   chan backend.OutputEvent
	done     chan struct{}
	cancelFn context.CancelFunc
	result   *backend.ExecutionResult
}

func (h *handle) pump(stream grpcStream) {
	defer close(h.events)
	start := time.Now()
	for {
		var resp generateResponse
		err := stream.RecvMsg(&resp)
		if err == io.EOF {
			h.settle(&backend.ExecutionResult{
				Status:     backend.StatusFailed,
				DurationMs: time.Since(start).Milliseconds(),
				Error: &backend.ExecutionError{
					Message:        "stream ended without a complete event",
					Classification: backend.ClassificationTransient,
				},
			})
			return
		}
		if err != nil {
			switch status.Code(err) {
			case codes.Canceled:
				h.settle(&backend.ExecutionResult{Status: backend.StatusCancelled, DurationMs: time.Since(start).Milliseconds()})
				return
			case codes.DeadlineExceeded:
				h.settle(&backend.ExecutionResult{
					Status:     backend.StatusTimedOut,
					DurationMs: time.Since(start).Milliseconds(),
					Error:      &backend.ExecutionError{Message: err.Error(), Classification: backend.ClassificationTimeout},
				})
				return
			}
			h.settle(&backend.ExecutionResult{
				Status:     backend.StatusFailed,
				DurationMs: time.Since(start).Milliseconds(),
				Error: &backend.ExecutionError{
					Message:        err.Error(),
					Classification: backend.Classify(err),
				},
			})
			return
		}

		ev := fromWire(&resp)
		h.events <- ev
		if ev.Type == backend.EventComplete {
			h.settle(ev.Result)
			return
		}
	}
}

func (h *handle) settle(result *backend.ExecutionResult) {
	h.result = result
	close(h.done)
}

func (h *handle) Events() <-chan backend.OutputEvent { return h.events }

func (h *handle) Result() (*backend.ExecutionResult, error) {
	<-h.done
	return h.result, nil
}

func (h *handle) Cancel(ctx context.Context, reason string) error {
	h.cancelFn()
	return nil
}

func fromWire(resp *generateResponse) backend.OutputEvent {
	ev := backend.OutputEvent{Type: backend.OutputEventType(resp.Type)}
	switch ev.Type {
	case backend.EventText:
		ev.Text = resp.Text
	case backend.EventToolUse:
		ev.ToolCallID = resp.ToolCallID
		ev.ToolName = resp.ToolName
		ev.ToolArgs = resp.ToolArgs
	case backend.EventToolResult:
		ev.ToolCallID = resp.ToolCallID
		ev.ToolOutput = resp.ToolOutput
	case backend.EventUsage:
		ev.Usage = usageFromWire(resp.Usage)
	case backend.EventError:
		ev.Error = errorFromWire(resp.Error)
	case backend.EventComplete:
		ev.Result = resultFromWire(resp.Result)
	}
	return ev
}

func usageFromWire(u *usageWire) *backend.TokenUsage {
	if u == nil {
		return nil
	}
	return &backend.TokenUsage{
		InputTokens:    u.InputTokens,
		OutputTokens:   u.OutputTokens,
		TotalTokens:    u.TotalTokens,
		ThinkingTokens: u.ThinkingTokens,
	}
}

func errorFromWire(e *errorWire) *backend.ExecutionError {
	if e == nil {
		return nil
	}
	return &backend.ExecutionError{
		Message:          e.Message,
		Classification:   backend.ErrorClassification(e.Classification),
		PartialExecution: e.PartialExecution,
	}
}

func resultFromWire(r *resultWire) *backend.ExecutionResult {
	if r == nil {
		return &backend.ExecutionResult{Status: backend.StatusFailed}
	}
	changes := make([]backend.FileChange, 0, len(r.FileChanges))
	for _, fc := range r.FileChanges {
		changes = append(changes, backend.FileChange{Path: fc.Path, ChangeType: fc.ChangeType})
	}
	result := &backend.ExecutionResult{
		Status:      backend.ExecutionStatus(r.Status),
		ExitCode:    r.ExitCode,
		Summary:     r.Summary,
		FileChanges: changes,
		Stdout:      r.Stdout,
		Stderr:      r.Stderr,
		DurationMs:  r.DurationMs,
		Error:       errorFromWire(r.Error),
	}
	if u := usageFromWire(r.Usage); u != nil {
		result.TokenUsage = *u
	}
	return result
}
