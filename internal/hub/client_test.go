package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func TestSendCodexMessageFailsWhenNotConnected(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	err := c.SendCodexMessage(map[string]any{"type": "ready"})
	require.ErrorContains(t, err, "not connected")
}

func TestSendSessionEventFailsWhenNotConnected(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	err := c.SendSessionEvent(map[string]any{"type": "ready"})
	require.ErrorContains(t, err, "not connected")
}

func TestUpdateAgentStateFailsWhenNotConnected(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	err := c.UpdateAgentState(true, "sess-1")
	require.ErrorContains(t, err, "not connected")
}

func TestRequestFailsWhenNotConnected(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	_, err := c.Request(context.Background(), "ping", nil)
	require.ErrorContains(t, err, "not connected")
}

func TestIsConnectedReflectsState(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	require.False(t, c.IsConnected())
	c.connected = true
	require.True(t, c.IsConnected())
}

func TestDispatchResolvesPendingResponse(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	ch := make(chan *Message, 1)
	c.pending["req-1"] = ch

	payload, _ := json.Marshal(map[string]any{"ok": true})
	c.dispatch(&Message{ID: "req-1", Type: MessageTypeResponse, Action: "ping", Payload: payload})

	select {
	case resp := <-ch:
		require.Equal(t, MessageTypeResponse, resp.Type)
		var body map[string]any
		require.NoError(t, resp.ParsePayload(&body))
		require.Equal(t, true, body["ok"])
	default:
		t.Fatal("expected a response to be delivered to the pending channel")
	}
	_, stillPending := c.pending["req-1"]
	require.False(t, stillPending)
}

func TestDispatchResolvesPendingError(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	ch := make(chan *Message, 1)
	c.pending["req-2"] = ch

	c.dispatch(&Message{ID: "req-2", Type: MessageTypeError, Action: "ping"})

	select {
	case resp := <-ch:
		require.Equal(t, MessageTypeError, resp.Type)
	default:
		t.Fatal("expected an error reply to be delivered to the pending channel")
	}
}

func TestDispatchIgnoresResponseForUnknownID(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	require.NotPanics(t, func() {
		c.dispatch(&Message{ID: "no-such-id", Type: MessageTypeResponse})
	})
}

func TestDispatchRoutesRequestToRegisteredHandler(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	invoked := make(chan json.RawMessage, 1)
	c.RegisterHandler("abort", func(payload json.RawMessage) (any, error) {
		invoked <- payload
		return map[string]any{"aborted": true}, nil
	})

	payload, _ := json.Marshal(map[string]any{"reason": "user"})
	c.dispatch(&Message{ID: "r1", Type: MessageTypeRequest, Action: "abort", Payload: payload})

	select {
	case got := <-invoked:
		var body map[string]any
		require.NoError(t, json.Unmarshal(got, &body))
		require.Equal(t, "user", body["reason"])
	case <-time.After(time.Second):
		t.Fatal("registered handler was not invoked")
	}
}

func TestDispatchRequestWithNoHandlerDoesNotPanic(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	require.NotPanics(t, func() {
		c.dispatch(&Message{ID: "r2", Type: MessageTypeRequest, Action: "unknown"})
	})
}

func TestHandleDisconnectFailsAllPendingRequestsAndClearsConn(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	c.connected = true

	ch1 := make(chan *Message, 1)
	ch2 := make(chan *Message, 1)
	c.pending["a"] = ch1
	c.pending["b"] = ch2

	c.handleDisconnect()

	require.False(t, c.IsConnected())
	require.Nil(t, c.conn)

	for _, ch := range []chan *Message{ch1, ch2} {
		select {
		case msg := <-ch:
			var body ErrorPayload
			require.NoError(t, msg.ParsePayload(&body))
			require.Equal(t, ErrorCodeConnLost, body.Code)
		default:
			t.Fatal("expected pending request to be failed on disconnect")
		}
	}
	require.Empty(t, c.pending)
}

func TestCloseIsNoOpWhenNotConnected(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	require.NoError(t, c.Close())
}

func TestHandleDisconnectClosesDisconnectedChannel(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	c.connected = true
	c.disconnected = make(chan struct{})
	signal := c.disconnected

	c.handleDisconnect()

	select {
	case <-signal:
	default:
		t.Fatal("expected the disconnected channel to be closed so Run wakes up and retries")
	}
	require.Nil(t, c.disconnected)
}

func TestCloseClosesDisconnectedChannel(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	c.connected = true
	c.disconnected = make(chan struct{})
	signal := c.disconnected

	require.NoError(t, c.Close())

	select {
	case <-signal:
	default:
		t.Fatal("expected Close to close the disconnected channel so a concurrent Run does not hang")
	}
}

func TestRunReturnsImmediatelyWhenContextAlreadyDone(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunWaitsOnDisconnectedChannelWhenAlreadyConnected(t *testing.T) {
	c := New("ws://example.invalid", newTestLogger(t))
	c.connected = true
	c.disconnected = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-done:
		t.Fatal("Run must block while connected and not disconnected")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
