// Package anthropicbackend is the remote-HTTP Backend adapter (C3): wraps
// the Anthropic Messages streaming API via the official
// anthropics/anthropic-sdk-go client, translating SDK stream events into
// pkg/backend's OutputEvents.
package anthropicbackend

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/codeready-toolchain/agentctl/pkg/backend"
)

const defaultTaskTimeout = 5 * time.Minute

// Backend implements backend.Backend over the Anthropic Messages API.
type Backend struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// Config configures the Anthropic backend.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     anthropic.Model
	MaxTokens int64
}

// New builds an Anthropic backend from Config.
func New(cfg Config) *Backend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaude3_7SonnetLatest
	}
	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &Backend{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (b *Backend) Start(ctx context.Context) error { return nil }
func (b *Backend) Stop(ctx context.Context) error  { return nil }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Streaming:    true,
		FileEdit:     false,
		Shell:        false,
		TokenUsage:   true,
		Cancellation: true,
		SupportedGoals: map[backend.Goal]bool{
			backend.GoalCodeReview:   true,
			backend.GoalCodeGenerate: true,
			backend.GoalResearch:     true,
		},
		MaxContextTokens: 200_000,
	}
}

func (b *Backend) HealthCheck(ctx context.Context) (backend.Health, error) {
	start := time.Now()
	_, err := b.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return backend.Health{Status: backend.HealthUnhealthy, LatencyMs: latency, Reason: err.Error()}, nil
	}
	return backend.Health{Status: backend.HealthHealthy, LatencyMs: latency}, nil
}

// ExecuteTask opens a Messages streaming call and translates SDK events
// (content-block deltas, tool-use blocks, message-stop) into
// text/tool_use/usage/complete OutputEvents (§4.2 of the expanded adapter
// contract).
func (b *Backend) ExecuteTask(ctx context.Context, task backend.Task) (backend.Handle, error) {
	execCtx, cancel := backend.DeadlineFromTimeoutMs(ctx, task.TimeoutMs, defaultTaskTimeout)

	stream := b.client.Messages.NewStreaming(execCtx, anthropic.MessageNewParams{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(task.Instruction)),
		},
	})

	h := &handle{
		events:   make(chan backend.OutputEvent, 32),
		done:     make(chan struct{}),
		cancelFn: cancel,
	}
	go h.pump(stream)
	return h, nil
}

type handle struct {
	events   chan backend.OutputEvent
	done     chan struct{}
	cancelFn context.CancelFunc
	result   *backend.ExecutionResult
}

func (h *handle) pump(stream *ssestream.Stream[anthropic.MessageStreamEventUnion]) {
	defer close(h.events)
	start := time.Now()
	var message anthropic.Message
	var toolCallID, toolName string

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			h.settle(&backend.ExecutionResult{
				Status:     backend.StatusFailed,
				DurationMs: time.Since(start).Milliseconds(),
				Error:      &backend.ExecutionError{Message: err.Error(), Classification: backend.ClassificationTransient},
			})
			return
		}

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if tu, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				toolCallID, toolName = tu.ID, tu.Name
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				h.events <- backend.OutputEvent{Type: backend.EventText, Text: delta.Text}
			case anthropic.InputJSONDelta:
				h.events <- backend.OutputEvent{
					Type:       backend.EventToolUse,
					ToolCallID: toolCallID,
					ToolName:   toolName,
					ToolArgs:   delta.PartialJSON,
				}
			}
		case anthropic.MessageStopEvent:
			usage := backend.TokenUsage{
				InputTokens:  int(message.Usage.InputTokens),
				OutputTokens: int(message.Usage.OutputTokens),
				TotalTokens:  int(message.Usage.InputTokens + message.Usage.OutputTokens),
			}
			h.events <- backend.OutputEvent{Type: backend.EventUsage, Usage: &usage}

			result := &backend.ExecutionResult{
				Status:     backend.StatusCompleted,
				Summary:    extractText(&message),
				TokenUsage: usage,
				DurationMs: time.Since(start).Milliseconds(),
			}
			h.events <- backend.OutputEvent{Type: backend.EventComplete, Result: result}
			h.settle(result)
			return
		}
	}

	if err := stream.Err(); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			h.settle(&backend.ExecutionResult{Status: backend.StatusCancelled, DurationMs: time.Since(start).Milliseconds()})
			return
		case errors.Is(err, context.DeadlineExceeded):
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
			Error:      classifyStreamErr(err),
		})
		return
	}
	// Stream ended without an explicit MessageStopEvent.
	h.settle(&backend.ExecutionResult{
		Status:     backend.StatusFailed,
		DurationMs: time.Since(start).Milliseconds(),
		Error:      &backend.ExecutionError{Message: "stream closed before message_stop", Classification: backend.ClassificationTransient},
	})
}

func extractText(message *anthropic.Message) string {
	var out string
	for _, block := range message.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			out += text.Text
		}
	}
	return out
}

func classifyStreamErr(err error) *backend.ExecutionError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		classification := backend.ClassificationTransient
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			classification = backend.ClassificationPermanent
		case apiErr.StatusCode == 429:
			classification = backend.ClassificationResource
		case apiErr.StatusCode >= 500:
			classification = backend.ClassificationTransient
		}
		return &backend.ExecutionError{Message: apiErr.Error(), Classification: classification}
	}
	return &backend.ExecutionError{Message: err.Error(), Classification: backend.Classify(err)}
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
