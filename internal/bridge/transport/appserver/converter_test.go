package appserver

import (
	"encoding/json"
	"testing"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestConvertThreadStarted(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	events := c.Convert("thread/started", json.RawMessage(`{"thread":{"id":"thread-1"}}`))

	require.Len(t, events, 1)
	require.Equal(t, canon.EventThreadStarted, events[0].Type)
	require.Equal(t, "thread-1", events[0].ThreadID)
}

func TestConvertTurnCompletedMapsStatusToTerminalEvent(t *testing.T) {
	tests := []struct {
		status string
		want   canon.EventType
	}{
		{status: "completed", want: canon.EventTaskComplete},
		{status: "cancelled", want: canon.EventTurnAborted},
		{status: "failed", want: canon.EventTaskFailed},
		{status: "unrecognized-garbage", want: canon.EventTaskComplete},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			c := NewConverter(newTestLogger(t))
			params, _ := json.Marshal(map[string]string{"threadId": "t1", "turnId": "tu1", "status": tt.status})
			events := c.Convert("turn/completed", params)
			require.Len(t, events, 1)
			require.Equal(t, tt.want, events[0].Type)
		})
	}
}

func TestConvertThreadStatusChangedSystemErrorIsFatal(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	params, _ := json.Marshal(map[string]any{
		"threadId": "t1",
		"status":   map[string]string{"type": "systemError", "message": "crashed"},
	})
	events := c.Convert("thread/status/changed", params)
	require.Len(t, events, 1)
	require.Equal(t, canon.EventError, events[0].Type)
	require.Equal(t, "crashed", events[0].Message)
}

func TestConvertErrorSuppressedWhenWillRetry(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	params, _ := json.Marshal(map[string]any{"message": "transient", "willRetry": true})
	events := c.Convert("error", params)
	require.Empty(t, events, "retryable errors must be suppressed per the retryable-error taxonomy")
}

func TestConvertErrorForwardedWhenNotRetryable(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	params, _ := json.Marshal(map[string]any{"message": "fatal", "willRetry": false})
	events := c.Convert("error", params)
	require.Len(t, events, 1)
	require.Equal(t, canon.EventError, events[0].Type)
}

func TestConvertReasoningDeltaEmitsSectionBreakOnSecondItem(t *testing.T) {
	c := NewConverter(newTestLogger(t))

	params1, _ := json.Marshal(map[string]string{"itemId": "r1", "delta": "first"})
	events := c.Convert("item/reasoning/textDelta", params1)
	require.Len(t, events, 1, "first reasoning item must not emit a section break")
	require.Equal(t, canon.EventAgentReasoningDelta, events[0].Type)

	params2, _ := json.Marshal(map[string]string{"itemId": "r2", "delta": "second"})
	events = c.Convert("item/reasoning/textDelta", params2)
	require.Len(t, events, 2, "second distinct reasoning item must be preceded by a section break")
	require.Equal(t, canon.EventAgentReasoningSectionBr, events[0].Type)
	require.Equal(t, canon.EventAgentReasoningDelta, events[1].Type)
}

func TestAgentMessageDeltaBufferingDoesNotPolluteReasoningSectionBreak(t *testing.T) {
	c := NewConverter(newTestLogger(t))

	deltaParams, _ := json.Marshal(map[string]string{"itemId": "m1", "delta": "partial reply"})
	events := c.Convert("item/agentMessage/delta", deltaParams)
	require.Empty(t, events, "agentMessage deltas are buffered only, not emitted")

	reasoningParams, _ := json.Marshal(map[string]string{"itemId": "r1", "delta": "first thought"})
	events = c.Convert("item/reasoning/textDelta", reasoningParams)
	require.Len(t, events, 1, "the first reasoning item in the turn must not be preceded by a section break, even after an agentMessage delta was buffered")
	require.Equal(t, canon.EventAgentReasoningDelta, events[0].Type)

	completedParams, _ := json.Marshal(map[string]any{
		"threadId": "t1", "turnId": "tu1",
		"item": map[string]any{"id": "m1", "type": "agentMessage"},
	})
	events = c.Convert("item/completed", completedParams)
	require.Len(t, events, 1)
	require.Equal(t, canon.EventAgentMessage, events[0].Type)
	require.Equal(t, "partial reply", events[0].AgentText, "item/completed falls back to the buffered delta text")
}

func TestConvertItemStartedCommandExecution(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	params, _ := json.Marshal(map[string]any{
		"threadId": "t1", "turnId": "tu1",
		"item": map[string]any{"id": "c1", "type": "commandExecution", "command": "ls", "cwd": "/tmp"},
	})
	events := c.Convert("item/started", params)
	require.Len(t, events, 1)
	require.Equal(t, canon.EventExecCommandBegin, events[0].Type)
	require.Equal(t, "ls", events[0].Command)
}

func TestConvertItemCompletedCommandExecutionFallsBackToBufferedOutput(t *testing.T) {
	c := NewConverter(newTestLogger(t))

	startParams, _ := json.Marshal(map[string]any{
		"item": map[string]any{"id": "c1", "type": "commandExecution", "command": "ls", "cwd": "/tmp"},
	})
	c.Convert("item/started", startParams)

	deltaParams, _ := json.Marshal(map[string]string{"itemId": "c1", "delta": "file.go\n"})
	c.Convert("item/commandExecution/outputDelta", deltaParams)

	completeParams, _ := json.Marshal(map[string]any{
		"item": map[string]any{"id": "c1", "type": "commandExecution", "status": "completed"},
	})
	events := c.Convert("item/completed", completeParams)
	require.Len(t, events, 1)
	require.Equal(t, canon.EventExecCommandEnd, events[0].Type)
	require.Equal(t, "file.go\n", events[0].Output)
	require.Equal(t, "ls", events[0].Command, "command must fall back to the remembered start metadata")
}

func TestConvertCodexEventUnwrapsInnerMessage(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	params, _ := json.Marshal(map[string]any{
		"msg": map[string]any{"method": "thread/started", "thread": map[string]string{"id": "t1"}},
	})
	events := c.Convert("codex/event", params)
	require.Len(t, events, 1)
	require.Equal(t, canon.EventThreadStarted, events[0].Type)
}

func TestConvertCodexEventPlanProducesTodoList(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	params, _ := json.Marshal(map[string]any{
		"entries": []map[string]string{{"content": "step 1"}},
	})
	events := c.Convert("codex/event/plan", params)
	require.Len(t, events, 1)
	require.Equal(t, canon.EventTodoList, events[0].Type)
}

func TestConvertUnknownMethodReturnsNil(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	require.Nil(t, c.Convert("something/unknown", json.RawMessage(`{}`)))
}

func TestResetClearsAccumulatorState(t *testing.T) {
	c := NewConverter(newTestLogger(t))
	params1, _ := json.Marshal(map[string]string{"itemId": "r1", "delta": "first"})
	c.Convert("item/reasoning/textDelta", params1)

	c.Reset()

	params2, _ := json.Marshal(map[string]string{"itemId": "r2", "delta": "second"})
	events := c.Convert("item/reasoning/textDelta", params2)
	require.Len(t, events, 1, "after Reset, r2 must be treated as the first reasoning item again")
}
