package appserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/errparse"
	"github.com/kandev/codexbridge/internal/bridge/launcher"
	"github.com/kandev/codexbridge/internal/bridge/permission"
	"github.com/kandev/codexbridge/internal/bridge/transport/appserver/rpc"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/process"
	"go.uber.org/zap"
)

const gracefulStopTimeout = 5 * time.Second

// Transport implements launcher.Transport over a live Codex app-server
// subprocess. It is the transport selected by default (spec section
// 4.7's precedence: SDK > MCP > app-server), and the only one exempt
// from the mode-hash restart rule. Mode-derived options reach the
// backend only through StartThread's thread/start params; ResumeThread
// and StartTurn do not send them, so a mode change on an established
// thread leaves its approval/sandbox policy as it was.
type Transport struct {
	cwd    string
	proc   *process.Manager
	client *rpc.Client
	conv   *Converter
	logger *logger.Logger

	eventsMu sync.Mutex
	events   chan canon.Event

	approvalMu sync.Mutex
	approvals  map[string]any // call_id -> rpc request id
}

var _ launcher.Transport = (*Transport)(nil)

// New constructs an app-server transport. cfg.Command/Args should launch
// `codex app-server`; cwd is the working directory turns execute in.
func New(cfg process.Config, cwd string, log *logger.Logger) *Transport {
	l := log.WithFields(zap.String("component", "appserver-transport"))
	return &Transport{
		cwd:       cwd,
		proc:      process.NewManager(cfg, l),
		conv:      NewConverter(l),
		logger:    l,
		approvals: make(map[string]any),
	}
}

func (t *Transport) IsAppServer() bool { return true }

func (t *Transport) Connect(ctx context.Context) error {
	stdin, stdout, err := t.proc.Start(ctx)
	if err != nil {
		return fmt.Errorf("start codex app-server: %w", err)
	}
	t.client = rpc.NewClient(stdin, stdout, t.logger)
	t.client.SetNotificationHandler(t.onNotification)
	t.client.SetRequestHandler(t.onRequest)
	t.client.Start(ctx)

	_, err = t.client.Call(ctx, rpc.MethodInitialize, rpc.InitializeParams{
		ClientInfo: &rpc.ClientInfo{Title: "codexbridge", Version: "1"},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := t.client.Notify(rpc.MethodInitialized, nil); err != nil {
		return err
	}

	go t.watchForCrash()
	return nil
}

// watchForCrash reports a subprocess exit the app-server protocol never
// got to explain (no turn/completed, no notification/error) as an
// enriched task_failed so the turn that was waiting on it doesn't hang
// forever. Per section 7's stderr-derived error enrichment, the actual
// message comes from errparse scanning the subprocess's recent stderr,
// which is where Codex's Rust binary logs rate-limit/auth/HTTP failures
// that crash it before it can emit a clean protocol event.
func (t *Transport) watchForCrash() {
	<-t.proc.Done()
	if t.proc.Status() != process.StatusError {
		return
	}
	message := "codex app-server exited unexpectedly"
	if parsed := errparse.ParseLines(t.proc.RecentStderr()); parsed != nil {
		message = parsed.Message
	}
	t.emit(canon.Event{Type: canon.EventTaskFailed, Message: message})
}

func (t *Transport) StartThread(ctx context.Context, opts launcher.TransportOptions) (string, error) {
	params := rpc.ThreadStartParams{
		Model:           opts.Model,
		Cwd:             t.cwd,
		ApprovalPolicy:  opts.ApprovalPolicy,
		ReasoningEffort: string(opts.ReasoningEffort),
		SandboxPolicy:   &rpc.SandboxPolicy{Type: opts.SandboxPolicy},
	}
	resp, err := t.client.Call(ctx, rpc.MethodThreadStart, params)
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("thread/start: %s", resp.Error.Message)
	}
	var result rpc.ThreadStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return "", fmt.Errorf("thread/start: malformed result")
	}
	return result.Thread.ID, nil
}

func (t *Transport) ResumeThread(ctx context.Context, threadID string, opts launcher.TransportOptions) (string, error) {
	resp, err := t.client.Call(ctx, rpc.MethodThreadResume, rpc.ThreadResumeParams{ThreadID: threadID})
	if err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("thread/resume: %s", resp.Error.Message)
	}
	var result rpc.ThreadResumeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil || result.Thread == nil {
		return "", fmt.Errorf("thread/resume: malformed result")
	}
	return result.Thread.ID, nil
}

func (t *Transport) SupportsResume() bool { return true }

func (t *Transport) StartTurn(ctx context.Context, threadID, input string) (string, <-chan canon.Event, error) {
	t.conv.Reset()
	events := make(chan canon.Event, 64)
	t.eventsMu.Lock()
	t.events = events
	t.eventsMu.Unlock()

	fail := func(err error) (string, <-chan canon.Event, error) {
		t.eventsMu.Lock()
		if t.events == events {
			t.events = nil
			close(events)
		}
		t.eventsMu.Unlock()
		return "", nil, err
	}

	params := rpc.TurnStartParams{ThreadID: threadID, Input: []rpc.UserInput{{Type: "text", Text: input}}}
	resp, err := t.client.Call(ctx, rpc.MethodTurnStart, params)
	if err != nil {
		return fail(err)
	}
	if resp.Error != nil {
		return fail(fmt.Errorf("turn/start: %s", resp.Error.Message))
	}
	var result rpc.TurnStartResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fail(fmt.Errorf("turn/start: malformed result"))
	}
	return result.TurnID, events, nil
}

func (t *Transport) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	_, err := t.client.Call(ctx, rpc.MethodTurnInterrupt, rpc.TurnInterruptParams{ThreadID: threadID, TurnID: turnID})
	return err
}

func (t *Transport) ClearThread() {
	// App-server threads are addressed by id the hub already tracks;
	// nothing locally cached needs forgetting beyond accumulator state.
	t.conv.Reset()
}

func (t *Transport) ResetTurnState() {
	t.conv.Reset()
	t.approvalMu.Lock()
	t.approvals = make(map[string]any)
	t.approvalMu.Unlock()
}

func (t *Transport) Disconnect() error {
	if t.client != nil {
		t.client.Stop()
	}
	return t.proc.Stop(gracefulStopTimeout)
}

func (t *Transport) onNotification(method string, params json.RawMessage) {
	events := t.conv.Convert(method, params)
	for _, ev := range events {
		t.emit(ev)
	}
}

// onRequest handles Codex-initiated requests over the same stdio
// channel: approval prompts. It emits a canon.EventExecApprovalReq so
// the launcher routes it through permission.Handler like any other
// canonical event; the rpc request id is remembered so RespondApproval
// can answer it once the hub's decision arrives.
func (t *Transport) onRequest(id any, method string, params json.RawMessage) {
	switch method {
	case "item/commandExecution/requestApproval", "item/fileChange/requestApproval":
		var p struct {
			ThreadID string           `json:"threadId"`
			TurnID   string           `json:"turnId"`
			ItemID   string           `json:"itemId"`
			Command  string           `json:"command,omitempty"`
			Cwd      string           `json:"cwd,omitempty"`
			Changes  []rpc.FileChange `json:"changes,omitempty"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			t.logger.Warn("malformed approval request", zap.Error(err))
			return
		}

		t.approvalMu.Lock()
		t.approvals[p.ItemID] = id
		t.approvalMu.Unlock()

		t.emit(canon.Event{
			Type: canon.EventExecApprovalReq, ThreadID: p.ThreadID, TurnID: p.TurnID,
			CallID: p.ItemID, Command: p.Command, Cwd: p.Cwd, ApprovalTool: method,
		})
	default:
		t.logger.Warn("unhandled app-server request", zap.String("method", method))
	}
}

// RespondApproval answers the app-server's outstanding requestApproval
// call for id (a call_id/item id), translating the hub's decision into
// an ApprovalResponse. Unknown ids (already resolved, or dropped by
// ResetTurnState after an abort) are silently ignored.
func (t *Transport) RespondApproval(id string, dec permission.Decision) error {
	t.approvalMu.Lock()
	rpcID, ok := t.approvals[id]
	if ok {
		delete(t.approvals, id)
	}
	t.approvalMu.Unlock()
	if !ok {
		return nil
	}
	return t.client.SendResponse(rpcID, rpc.ApprovalResponse{Decision: dec.Decision}, nil)
}

// emit sends ev on the current turn's event channel. The send happens
// under eventsMu so it can never race a StartTurn failure closing and
// clearing that same channel out from under it.
func (t *Transport) emit(ev canon.Event) {
	t.eventsMu.Lock()
	defer t.eventsMu.Unlock()
	if t.events == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event channel full, dropping event", zap.String("type", string(ev.Type)))
	}
}
