package launcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kandev/codexbridge/internal/bridge/buffer"
	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/permission"
	"github.com/kandev/codexbridge/internal/bridge/queue"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

// fakeTransport is a minimal, entirely in-memory Transport double. Every
// call is recorded so tests can assert on call order/arguments.
type fakeTransport struct {
	mu sync.Mutex

	isAppServer    bool
	supportsResume bool

	startThreadID  string
	startThreadErr error
	resumeErr      error

	turnID     string
	turnEvents chan canon.Event
	startErr   error

	interruptCalls int
	clearCalls     int
	resetCalls     int
	respondCalls   []string
	disconnectErr  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{startThreadID: "thread-1", turnID: "turn-1"}
}

func (f *fakeTransport) Connect(ctx context.Context) error { return nil }

func (f *fakeTransport) StartThread(ctx context.Context, opts TransportOptions) (string, error) {
	if f.startThreadErr != nil {
		return "", f.startThreadErr
	}
	return f.startThreadID, nil
}

func (f *fakeTransport) ResumeThread(ctx context.Context, threadID string, opts TransportOptions) (string, error) {
	if f.resumeErr != nil {
		return "", f.resumeErr
	}
	return threadID, nil
}

func (f *fakeTransport) SupportsResume() bool { return f.supportsResume }

func (f *fakeTransport) StartTurn(ctx context.Context, threadID, input string) (string, <-chan canon.Event, error) {
	if f.startErr != nil {
		return "", nil, f.startErr
	}
	return f.turnID, f.turnEvents, nil
}

func (f *fakeTransport) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	f.mu.Lock()
	f.interruptCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) RespondApproval(id string, dec permission.Decision) error {
	f.mu.Lock()
	f.respondCalls = append(f.respondCalls, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) ClearThread() {
	f.mu.Lock()
	f.clearCalls++
	f.mu.Unlock()
}

func (f *fakeTransport) ResetTurnState() {
	f.mu.Lock()
	f.resetCalls++
	f.mu.Unlock()
}

func (f *fakeTransport) Disconnect() error { return f.disconnectErr }

func (f *fakeTransport) IsAppServer() bool { return f.isAppServer }

// fakeHub is a minimal HubNotifier double recording every call.
type fakeHub struct {
	mu             sync.Mutex
	codexMessages  []any
	sessionEvents  []any
	thinkingCalls  []bool
	lastSessionID  string
}

func (h *fakeHub) SendSessionEvent(event any) error {
	h.mu.Lock()
	h.sessionEvents = append(h.sessionEvents, event)
	h.mu.Unlock()
	return nil
}

func (h *fakeHub) SendCodexMessage(event any) error {
	h.mu.Lock()
	h.codexMessages = append(h.codexMessages, event)
	h.mu.Unlock()
	return nil
}

func (h *fakeHub) UpdateAgentState(thinking bool, sessionID string) error {
	h.mu.Lock()
	h.thinkingCalls = append(h.thinkingCalls, thinking)
	h.lastSessionID = sessionID
	h.mu.Unlock()
	return nil
}

func newTestLauncher(t *testing.T, transport *fakeTransport, hub *fakeHub) *Launcher {
	q := queue.New(8)
	buf := buffer.New(32)
	perm := permission.NewHandler(hub, newTestLogger(t))
	return New(transport, q, buf, perm, hub, newTestLogger(t))
}

func TestRunTurnStartsThreadAndCompletesTurn(t *testing.T) {
	transport := newFakeTransport()
	transport.turnEvents = make(chan canon.Event, 1)
	transport.turnEvents <- canon.Event{Type: canon.EventTaskComplete}
	close(transport.turnEvents)

	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)

	l.installAbortController(context.Background())
	l.runTurn(context.Background(), canon.QueuedMessage{Message: "hello", Mode: canon.EnhancedMode{PermissionMode: canon.ModeDefault}})

	require.Equal(t, "thread-1", l.currentThreadID)
	require.True(t, l.wasCreated)
	require.False(t, l.session.Thinking)
	require.Equal(t, []bool{true, false}, hub.thinkingCalls)
}

func TestRunTurnForcesRestartOnModeChangeForNonAppServer(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.installAbortController(context.Background())

	l.wasCreated = true
	l.currentModeHash = "old-hash"

	msg := canon.QueuedMessage{Message: "hi", Mode: canon.EnhancedMode{PermissionMode: canon.ModeYolo}, Hash: "new-hash"}
	l.runTurn(context.Background(), msg)

	require.Equal(t, 1, transport.clearCalls)
	require.False(t, l.wasCreated)
	require.Empty(t, l.currentThreadID)

	pending := l.takePending()
	require.NotNil(t, pending)
	require.Equal(t, "hi", pending.Message)
}

func TestRunTurnDoesNotRestartForAppServerOnModeChange(t *testing.T) {
	transport := newFakeTransport()
	transport.isAppServer = true
	transport.turnEvents = make(chan canon.Event, 1)
	transport.turnEvents <- canon.Event{Type: canon.EventTaskComplete}
	close(transport.turnEvents)

	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.installAbortController(context.Background())
	l.wasCreated = true
	l.currentModeHash = "old-hash"
	l.currentThreadID = "thread-1"

	msg := canon.QueuedMessage{Message: "hi", Mode: canon.EnhancedMode{PermissionMode: canon.ModeYolo}, Hash: "new-hash"}
	l.runTurn(context.Background(), msg)

	require.Zero(t, transport.clearCalls)
	require.Nil(t, l.takePending())
}

func TestStartOrResumeThreadPrefersResumeWhenSupported(t *testing.T) {
	transport := newFakeTransport()
	transport.supportsResume = true
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.session.SessionID = "existing-session"

	id, err := l.startOrResumeThread(context.Background(), TransportOptions{})
	require.NoError(t, err)
	require.Equal(t, "existing-session", id)
}

func TestStartOrResumeThreadFallsBackToFreshStartOnResumeError(t *testing.T) {
	transport := newFakeTransport()
	transport.supportsResume = true
	transport.resumeErr = context.DeadlineExceeded
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.session.SessionID = "stale-session"

	id, err := l.startOrResumeThread(context.Background(), TransportOptions{})
	require.NoError(t, err)
	require.Equal(t, "thread-1", id)
	require.Equal(t, "thread-1", l.session.SessionID)
}

func TestDemuxReturnsTerminalEvent(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)

	events := make(chan canon.Event, 2)
	events <- canon.Event{Type: canon.EventAgentMessage, AgentText: "working"}
	events <- canon.Event{Type: canon.EventTaskComplete}
	close(events)

	term := l.demux(context.Background(), events)
	require.NotNil(t, term)
	require.Equal(t, canon.EventTaskComplete, term.Type)
}

func TestDemuxReturnsNilOnContextCancel(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := make(chan canon.Event)

	term := l.demux(ctx, events)
	require.Nil(t, term)
}

func TestHandleEventThreadStartedUpdatesSessionState(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)

	l.handleEvent(canon.Event{Type: canon.EventThreadStarted, ThreadID: "new-thread"})

	require.Equal(t, "new-thread", l.currentThreadID)
	require.Equal(t, "new-thread", l.session.SessionID)
	require.Len(t, hub.codexMessages, 1)
}

func TestHandleEventTerminalEventsFlushPendingDiffAndReasoning(t *testing.T) {
	tests := []canon.EventType{canon.EventError, canon.EventStreamError, canon.EventTaskFailed, canon.EventTurnAborted}
	for _, eventType := range tests {
		t.Run(string(eventType), func(t *testing.T) {
			transport := newFakeTransport()
			hub := &fakeHub{}
			l := newTestLauncher(t, transport, hub)

			l.diff.Accumulate("--- a\n+++ b\n")
			l.reasoning.ProcessDelta("half-formed thought")

			l.handleEvent(canon.Event{Type: eventType, Message: "boom"})

			var sawDiff, sawCanceledReasoning bool
			for _, m := range hub.codexMessages {
				switch v := m.(type) {
				case canon.Event:
					if v.Type == canon.EventTurnDiff && v.UnifiedDiff != "" {
						sawDiff = true
					}
				case map[string]any:
					if v["type"] == "tool-call-result" && v["status"] == "canceled" {
						sawCanceledReasoning = true
					}
				}
			}
			require.True(t, sawDiff, "pending diff must be flushed before the terminal event is forwarded")
			require.True(t, sawCanceledReasoning, "a mid-section reasoning buffer must not leak into the next turn")
		})
	}
}

func TestHandleApprovalDecisionRespondsToTransport(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.perm.OnRequest(permission.Request{ID: "call-1", ToolName: "exec_command"})

	l.HandleApprovalDecision(permission.Decision{ID: "call-1", Approved: true, Decision: "accept"})

	require.Equal(t, []string{"call-1"}, transport.respondCalls)
}

func TestAbortIsNoOpWhenIdle(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.installAbortController(context.Background())

	l.Abort(context.Background())

	require.Zero(t, transport.interruptCalls, "idle abort must not attempt an interrupt")
	require.Equal(t, 1, transport.resetCalls)
}

func TestAbortInterruptsInFlightTurnAndEmitsCanceledReasoning(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.installAbortController(context.Background())

	l.beginTurnTracking()
	l.currentThreadID = "thread-1"
	l.currentTurnID = "turn-1"
	l.reasoning.ProcessDelta("interrupted mid-thought")

	l.Abort(context.Background())

	require.Equal(t, 1, transport.interruptCalls)
	require.Equal(t, 1, transport.resetCalls)
	require.False(t, l.isInFlight())

	var begin, result map[string]any
	for _, m := range hub.codexMessages {
		mp, ok := m.(map[string]any)
		if !ok {
			continue
		}
		switch mp["type"] {
		case "tool-call":
			begin = mp
		case "tool-call-result":
			if mp["status"] == "canceled" {
				result = mp
			}
		}
	}
	require.NotNil(t, begin, "expected a tool-call begin marker for the aborted reasoning section")
	require.NotNil(t, result, "expected a canceled tool-call-result for the aborted reasoning section")
	require.Equal(t, begin["id"], result["id"], "the begin/result pair must be correlated by id")
}

func TestExitAbortsStopsAndDisconnects(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)
	l.installAbortController(context.Background())

	err := l.Exit(context.Background())
	require.NoError(t, err)

	select {
	case <-l.stopCh:
	default:
		t.Fatal("Exit() must close stopCh")
	}
}

func TestCheckWatchdogFiresOnceAfterThreshold(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)

	l.turn.mu.Lock()
	l.turn.inFlight = true
	l.turn.lastProgressAt = time.Now().Add(-2 * watchdogTimeout)
	l.turn.mu.Unlock()

	l.checkWatchdog()
	require.Len(t, hub.sessionEvents, 1)

	l.checkWatchdog()
	require.Len(t, hub.sessionEvents, 1, "watchdog must fire at most once per turn")
}

func TestCheckWatchdogDoesNothingWhenIdleOrRecent(t *testing.T) {
	transport := newFakeTransport()
	hub := &fakeHub{}
	l := newTestLauncher(t, transport, hub)

	l.checkWatchdog()
	require.Empty(t, hub.sessionEvents, "idle turn must not trigger watchdog")

	l.turn.mu.Lock()
	l.turn.inFlight = true
	l.turn.lastProgressAt = time.Now()
	l.turn.mu.Unlock()

	l.checkWatchdog()
	require.Empty(t, hub.sessionEvents, "recent progress must not trigger watchdog")
}

func TestMergeDoneFiresWhenEitherContextDone(t *testing.T) {
	a, cancelA := context.WithCancel(context.Background())
	b := context.Background()
	defer cancelA()

	merged := mergeDone(a, b)
	cancelA()

	select {
	case <-merged.Done():
	case <-time.After(time.Second):
		t.Fatal("mergeDone did not fire when a was cancelled")
	}
}

func TestMergeDoneWithNilBReturnsA(t *testing.T) {
	a := context.Background()
	require.Equal(t, a, mergeDone(a, nil))
}
