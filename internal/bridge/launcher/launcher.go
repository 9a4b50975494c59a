// Package launcher implements C7, the Remote Launcher: the orchestrator
// that owns the turn lifecycle end to end — queue wait, transport call,
// event demux, hub emission, watchdog, abort, and mode-change-triggered
// restart. It is intentionally the largest package in the bridge (spec
// section 2 puts its share at 30%), mirroring how much of the teacher's
// own agentctl orchestration lives in one cohesive loop rather than
// scattered across many small coordinators.
package launcher

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/codexbridge/internal/bridge/buffer"
	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/permission"
	"github.com/kandev/codexbridge/internal/bridge/processors"
	"github.com/kandev/codexbridge/internal/bridge/queue"
	"github.com/kandev/codexbridge/internal/bridge/tracing"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

const (
	watchdogInterval = 5 * time.Second
	watchdogTimeout  = 90 * time.Second
)

// HubNotifier is the subset of the hub client the launcher talks to
// directly, matching spec section 6.1's consumed interface. It is kept
// in terms of plain values (not hub.AgentState) so this package need
// not import internal/hub, which would create an import cycle (hub
// registers the launcher's abort handler; the launcher reports state
// back to hub).
type HubNotifier interface {
	SendSessionEvent(event any) error
	SendCodexMessage(event any) error
	UpdateAgentState(thinking bool, sessionID string) error
}

// turnState is the mutable turn-lifecycle state shared between the main
// loop, the watchdog goroutine, and hub RPC handlers (abort). Access is
// always through the mutex; this is the one piece of the launcher that
// is genuinely concurrent, per spec section 5.
type turnState struct {
	mu               sync.Mutex
	inFlight         bool
	lastProgressAt   time.Time
	watchdogNotified bool
}

// Launcher drives a single hub-visible Codex session through
// arbitrarily many turns over one immutably-selected Transport.
type Launcher struct {
	transport Transport
	queue     *queue.Queue
	buffer    *buffer.Buffer
	perm      *permission.Handler
	reasoning *processors.Reasoning
	diff      *processors.Diff
	hub       HubNotifier
	logger    *logger.Logger
	tracer    *tracing.Tracer

	session canon.Session

	wasCreated      bool
	currentModeHash string
	currentThreadID string
	currentTurnID   string

	turn turnState

	abortMu     sync.Mutex
	abortCancel context.CancelFunc
	abortCtx    context.Context

	pendingMu sync.Mutex
	pending   *canon.QueuedMessage

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a launcher. The caller must call Run to start the main
// loop and StartWatchdog to start the progress watchdog.
func New(transport Transport, q *queue.Queue, buf *buffer.Buffer, perm *permission.Handler, hub HubNotifier, log *logger.Logger) *Launcher {
	return &Launcher{
		transport: transport,
		queue:     q,
		buffer:    buf,
		perm:      perm,
		reasoning: processors.NewReasoning(),
		diff:      processors.NewDiff(),
		hub:       hub,
		logger:    log.WithFields(zap.String("component", "launcher")),
		tracer:    &tracing.Tracer{},
		stopCh:    make(chan struct{}),
	}
}

// WithTracer installs a debug event tracer (see internal/bridge/tracing);
// passing a disabled tracer (tracing.New(false, ...)) keeps TraceEvent a
// no-op, which is also this field's zero-value default.
func (l *Launcher) WithTracer(t *tracing.Tracer) *Launcher {
	l.tracer = t
	return l
}

// Enqueue pushes a new hub message onto the queue with mode and
// isolation flag, per C8.
func (l *Launcher) Enqueue(message string, mode canon.EnhancedMode, isolate bool) {
	l.queue.Push(message, mode, isolate)
}

// Run drives the main loop until ctx is cancelled or Exit is called.
// Steps follow spec section 4.7 exactly; numbered comments below
// correspond to the numbered steps there.
func (l *Launcher) Run(ctx context.Context) error {
	l.installAbortController(ctx)
	for {
		select {
		case <-l.stopCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// 1. Await next message on the queue (cancellable by abort).
		msg, ok := l.nextMessage(ctx)
		if !ok {
			select {
			case <-l.stopCh:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			default:
				continue
			}
		}

		l.runTurn(ctx, *msg)
	}
}

func (l *Launcher) nextMessage(ctx context.Context) (*canon.QueuedMessage, bool) {
	if pending := l.takePending(); pending != nil {
		return pending, true
	}
	abortCtx := l.currentAbortContext()
	return l.queue.Wait(mergeDone(ctx, abortCtx))
}

func (l *Launcher) takePending() *canon.QueuedMessage {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	p := l.pending
	l.pending = nil
	return p
}

func (l *Launcher) setPending(msg canon.QueuedMessage) {
	l.pendingMu.Lock()
	l.pending = &msg
	l.pendingMu.Unlock()
}

func (l *Launcher) runTurn(ctx context.Context, msg canon.QueuedMessage) {
	// 2. Mode-hash-triggered restart, app-server exempt.
	if l.wasCreated && l.currentModeHash != "" && msg.Hash != l.currentModeHash && !l.transport.IsAppServer() {
		l.logger.Info("mode changed mid-session, forcing restart")
		l.transport.ClearThread()
		l.wasCreated = false
		l.currentThreadID = ""
		l.session.Thinking = false
		l.setPending(msg)
		return
	}

	// 3. Record in the Message Buffer; update mode hash.
	l.buffer.Append(processors.TruncateForBuffer(msg.Message, 500), buffer.KindUser)
	l.currentModeHash = msg.Hash

	opts := optionsForMode(msg.Mode, l.transport.IsAppServer())

	// 4. Start or resume a thread.
	if !l.wasCreated {
		threadID, err := l.startOrResumeThread(ctx, opts)
		if err != nil {
			l.logger.Error("failed to start thread, session exits", zap.Error(err))
			l.stop()
			return
		}
		l.currentThreadID = threadID
		l.wasCreated = true
	}

	// 5. Start the turn.
	l.beginTurnTracking()
	l.session.Thinking = true
	_ = l.hub.UpdateAgentState(true, l.currentThreadID)

	turnID, events, err := l.transport.StartTurn(ctx, l.currentThreadID, msg.Message)
	if err != nil {
		l.endTurnTracking()
		l.session.Thinking = false
		l.logger.Error("failed to start turn", zap.Error(err))
		return
	}
	l.currentTurnID = turnID

	// 6. Demux events until a terminal event.
	terminal := l.demux(ctx, events)

	l.endTurnTracking()
	l.session.Thinking = false
	_ = l.hub.UpdateAgentState(false, l.currentThreadID)
	_ = l.hub.SendSessionEvent(map[string]any{"type": "ready"})

	// 7. Session-invalidation detection.
	if terminal != nil && isTerminalError(terminal.Type) && isSessionInvalidation(terminal.Message) {
		l.logger.Info("session invalidated, will restart on next message")
		l.wasCreated = false
		l.currentModeHash = ""
		l.currentThreadID = ""
		l.session.SessionID = ""
		l.transport.ClearThread()
	}
}

func (l *Launcher) startOrResumeThread(ctx context.Context, opts TransportOptions) (string, error) {
	if l.session.SessionID != "" && l.transport.SupportsResume() {
		id, err := l.transport.ResumeThread(ctx, l.session.SessionID, opts)
		if err == nil {
			return id, nil
		}
		l.logger.Warn("resume failed, starting fresh thread", zap.Error(err))
	}
	id, err := l.transport.StartThread(ctx, opts)
	if err != nil {
		return "", err
	}
	l.session.SessionID = id
	return id, nil
}

// demux forwards canonical events to the hub/buffer/permission handler
// and returns the terminal event that ended the turn, or nil if ctx was
// cancelled first.
func (l *Launcher) demux(ctx context.Context, events <-chan canon.Event) *canon.Event {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			l.noteProgress()
			l.handleEvent(ev)
			if isTerminal(ev.Type) {
				return &ev
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func isTerminal(t canon.EventType) bool {
	switch t {
	case canon.EventTaskComplete, canon.EventTaskFailed, canon.EventTurnAborted:
		return true
	case canon.EventError, canon.EventStreamError:
		return true
	default:
		return false
	}
}

// isTerminalError reports whether t is a terminal event that represents
// the turn ending in an error, as opposed to a clean completion or an
// explicit abort. The app-server converter maps both a notification/error
// and a thread/status/changed{systemError} to canon.EventError rather
// than EventTaskFailed, so session-invalidation detection must watch all
// three kinds.
func isTerminalError(t canon.EventType) bool {
	switch t {
	case canon.EventTaskFailed, canon.EventError, canon.EventStreamError:
		return true
	default:
		return false
	}
}

func (l *Launcher) handleEvent(ev canon.Event) {
	l.tracer.TraceEvent(ev)

	switch ev.Type {
	case canon.EventThreadStarted:
		if ev.ThreadID != "" {
			l.currentThreadID = ev.ThreadID
			l.session.SessionID = ev.ThreadID
		}
		_ = l.hub.SendCodexMessage(ev)
		l.buffer.Append("thread started", buffer.KindStatus)

	case canon.EventAgentReasoningDelta:
		l.reasoning.ProcessDelta(ev.ReasoningDelta)
		_ = l.hub.SendCodexMessage(ev)

	case canon.EventAgentReasoningSectionBr:
		if call := l.reasoning.HandleSectionBreak(); call != nil {
			l.emitReasoningCall(call)
		}
		_ = l.hub.SendCodexMessage(ev)

	case canon.EventAgentReasoning:
		if call := l.reasoning.Complete(ev.ReasoningText); call != nil {
			l.emitReasoningCall(call)
		}

	case canon.EventTurnDiff:
		l.diff.Accumulate(ev.UnifiedDiff)
		_ = l.hub.SendCodexMessage(ev)

	case canon.EventExecApprovalReq:
		l.perm.OnRequest(permission.FromApprovalEvent(ev))
		_ = l.hub.SendCodexMessage(ev)

	case canon.EventAgentMessage:
		_ = l.hub.SendCodexMessage(ev)
		l.buffer.Append(processors.TruncateForBuffer(ev.AgentText, 500), buffer.KindAssistant)

	case canon.EventExecCommandBegin, canon.EventExecCommandEnd, canon.EventPatchApplyBegin, canon.EventPatchApplyEnd:
		_ = l.hub.SendCodexMessage(ev)
		l.buffer.Append(processors.TruncateForBuffer(ev.Command, 200), buffer.KindTool)

	case canon.EventTurnAborted:
		if diff := l.diff.Flush(); diff != "" {
			_ = l.hub.SendCodexMessage(canon.Event{Type: canon.EventTurnDiff, UnifiedDiff: diff})
		}
		if call := l.reasoning.Abort(); call != nil {
			l.emitReasoningCall(call)
		}
		_ = l.hub.SendCodexMessage(ev)
		l.buffer.Append("turn aborted", buffer.KindStatus)

	case canon.EventTaskComplete, canon.EventTaskFailed, canon.EventError, canon.EventStreamError:
		if diff := l.diff.Flush(); diff != "" {
			_ = l.hub.SendCodexMessage(canon.Event{Type: canon.EventTurnDiff, UnifiedDiff: diff})
		}
		if call := l.reasoning.Abort(); call != nil {
			l.emitReasoningCall(call)
		}
		_ = l.hub.SendCodexMessage(ev)
		l.buffer.Append(string(ev.Type), buffer.KindResult)

	default:
		_ = l.hub.SendCodexMessage(ev)
	}
}

// emitReasoningCall reports a completed or canceled reasoning section as
// the synthetic tool-call/tool-call-result pair spec section 4.6
// describes: a begin marker the hub can render immediately, followed by
// the result carrying the accumulated text, both correlated by a
// generated id.
func (l *Launcher) emitReasoningCall(call *processors.ReasoningCall) {
	id := uuid.New().String()
	_ = l.hub.SendCodexMessage(map[string]any{
		"type": "tool-call", "id": id, "tool": call.Name,
	})
	_ = l.hub.SendCodexMessage(map[string]any{
		"type": "tool-call-result", "id": id, "tool": call.Name, "text": call.Text, "status": call.Status,
	})
}

// HandleApprovalDecision resolves an outstanding approval: it notifies
// the hub-visible permission handler and, for transports with an
// approval-callback channel, answers the backend so the turn proceeds.
func (l *Launcher) HandleApprovalDecision(dec permission.Decision) {
	l.perm.OnComplete(dec)
	if err := l.transport.RespondApproval(dec.ID, dec); err != nil {
		l.logger.Warn("failed to respond to approval request", zap.String("id", dec.ID), zap.Error(err))
	}
}

// Abort cancels the in-flight turn (or is a no-op if idle, satisfying
// invariant 6). Per spec section 4.7's Abort paragraph, aborting an
// in-flight turn also marks it finished and resets the queue; every
// abort resets the processors and reinstalls a fresh abort context.
func (l *Launcher) Abort(ctx context.Context) {
	wasInFlight := l.isInFlight()

	l.abortMu.Lock()
	cancel := l.abortCancel
	l.abortMu.Unlock()
	if cancel != nil {
		cancel()
	}

	if wasInFlight && l.currentThreadID != "" && l.currentTurnID != "" {
		if err := l.transport.InterruptTurn(ctx, l.currentThreadID, l.currentTurnID); err != nil {
			l.logger.Warn("interrupt turn failed", zap.Error(err))
		}
	}

	if wasInFlight {
		l.queue.Reset()
		l.endTurnTracking()
	}
	l.transport.ResetTurnState()
	l.perm.Reset()
	if call := l.reasoning.Abort(); call != nil {
		l.emitReasoningCall(call)
	}
	l.diff.Reset()
	l.session.Thinking = false

	l.installAbortController(ctx)
}

// Exit performs orderly shutdown: abort, disconnect the transport, stop
// the main loop.
func (l *Launcher) Exit(ctx context.Context) error {
	l.Abort(ctx)
	l.stop()
	return l.transport.Disconnect()
}

func (l *Launcher) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Launcher) installAbortController(ctx context.Context) {
	abortCtx, cancel := context.WithCancel(ctx)
	l.abortMu.Lock()
	l.abortCancel = cancel
	l.abortMu.Unlock()
	l.storeAbortContext(abortCtx)
}

// currentAbortContext/storeAbortContext read and replace the live
// abort-scoped context under abortMu. The lock is held only for the
// read, so Wait selects on the returned context without holding abortMu
// (Wait may block for a long time).
func (l *Launcher) currentAbortContext() context.Context {
	l.abortMu.Lock()
	defer l.abortMu.Unlock()
	return l.abortCtx
}

func (l *Launcher) storeAbortContext(ctx context.Context) {
	l.abortMu.Lock()
	l.abortCtx = ctx
	l.abortMu.Unlock()
}

func (l *Launcher) beginTurnTracking() {
	l.turn.mu.Lock()
	l.turn.inFlight = true
	l.turn.lastProgressAt = time.Now()
	l.turn.watchdogNotified = false
	l.turn.mu.Unlock()
}

func (l *Launcher) endTurnTracking() {
	l.turn.mu.Lock()
	l.turn.inFlight = false
	l.turn.mu.Unlock()
	l.currentTurnID = ""
}

func (l *Launcher) noteProgress() {
	l.turn.mu.Lock()
	l.turn.lastProgressAt = time.Now()
	l.turn.mu.Unlock()
}

func (l *Launcher) isInFlight() bool {
	l.turn.mu.Lock()
	defer l.turn.mu.Unlock()
	return l.turn.inFlight
}

// StartWatchdog runs the 5s-tick, 90s-threshold progress watchdog until
// ctx is cancelled. Fires at most once per turn (invariant 8).
func (l *Launcher) StartWatchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.checkWatchdog()
		}
	}
}

func (l *Launcher) checkWatchdog() {
	l.turn.mu.Lock()
	defer l.turn.mu.Unlock()
	if !l.turn.inFlight || l.turn.watchdogNotified {
		return
	}
	if time.Since(l.turn.lastProgressAt) < watchdogTimeout {
		return
	}
	l.turn.watchdogNotified = true
	_ = l.hub.SendSessionEvent(map[string]any{
		"type":    "message",
		"message": "Codex might be stuck — no progress in the last 90 seconds.",
	})
}

// mergeDone returns a context done when either a or b is done, without
// otherwise inheriting either's values/deadline beyond that. Used so
// Wait can be cancelled by both the caller's ctx and the launcher's
// current abort context.
func mergeDone(a, b context.Context) context.Context {
	if b == nil {
		return a
	}
	merged, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		select {
		case <-a.Done():
		case <-b.Done():
		}
	}()
	return merged
}
