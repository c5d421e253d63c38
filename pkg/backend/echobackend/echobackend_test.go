package echobackend_test

import (
	"context"
	"testing"

	"github.com/codeready-toolchain/agentctl/pkg/backend"
	"github.com/codeready-toolchain/agentctl/pkg/backend/echobackend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(h backend.Handle) []backend.OutputEvent {
	var events []backend.OutputEvent
	for ev := range h.Events() {
		events = append(events, ev)
	}
	return events
}

func TestEchoBackend_ScriptedCompletion(t *testing.T) {
	b := echobackend.New()
	b.ScriptFor("say hi", echobackend.Script{
		Events: []backend.OutputEvent{{Type: backend.EventText, Text: "hi"}},
		Result: backend.ExecutionResult{Status: backend.StatusCompleted, Summary: "said hi"},
	})

	h, err := b.ExecuteTask(context.Background(), backend.Task{Instruction: "say hi"})
	require.NoError(t, err)

	events := drain(h)
	require.Len(t, events, 2)
	assert.Equal(t, backend.EventText, events[0].Type)
	assert.Equal(t, backend.EventComplete, events[1].Type)

	result, err := h.Result()
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, result.Status)
}

func TestEchoBackend_ScriptedTransientFailure(t *testing.T) {
	b := echobackend.New()
	b.ScriptFor("flaky", echobackend.Script{FailWith: backend.ClassificationTransient})
	b.ScriptFor("flaky", echobackend.Script{
		Result: backend.ExecutionResult{Status: backend.StatusCompleted},
	})

	h1, err := b.ExecuteTask(context.Background(), backend.Task{Instruction: "flaky"})
	require.NoError(t, err)
	drain(h1)
	result1, err := h1.Result()
	require.NoError(t, err)
	assert.Equal(t, backend.StatusFailed, result1.Status)
	assert.Equal(t, backend.ClassificationTransient, result1.Error.Classification)
	assert.True(t, result1.Error.Classification.Retryable())

	h2, err := b.ExecuteTask(context.Background(), backend.Task{Instruction: "flaky"})
	require.NoError(t, err)
	drain(h2)
	result2, err := h2.Result()
	require.NoError(t, err)
	assert.Equal(t, backend.StatusCompleted, result2.Status)

	assert.Equal(t, 2, b.Attempts("flaky"))
}

func TestEchoBackend_NoScriptReturnsError(t *testing.T) {
	b := echobackend.New()
	_, err := b.ExecuteTask(context.Background(), backend.Task{Instruction: "unscripted"})
	assert.Error(t, err)
}

func TestEchoBackend_Capabilities(t *testing.T) {
	b := echobackend.New()
	caps := b.Capabilities()
	assert.True(t, caps.Streaming)
	assert.True(t, caps.SupportsGoal(backend.GoalShellCommand))
}
