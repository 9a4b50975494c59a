package mcpwrap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/google/uuid"
	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/launcher"
	"github.com/kandev/codexbridge/internal/bridge/permission"
	"github.com/kandev/codexbridge/internal/bridge/transport/appserver"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// codexToolName is the single tool Codex's MCP server exposes for
// driving a coding turn; its progress is reported via MCP notifications
// wrapped in the event_msg/response_item envelope this package unwraps.
const codexToolName = "codex"

// Transport implements launcher.Transport over an MCP client talking to
// `codex mcp` (Codex run as an MCP server). Like the SDK transport, it
// has no approval-callback channel distinct from the one folded into
// the wrapped app-server events, so approvals ride the same envelope
// the turn/diff/item notifications do rather than a side channel.
type Transport struct {
	command string
	args    []string
	cwd     string
	logger  *logger.Logger

	unwrapper *Unwrapper
	conv      *appserver.Converter

	mu     sync.Mutex
	client *mcpclient.Client
	events chan canon.Event
}

var _ launcher.Transport = (*Transport)(nil)

// New constructs an MCP transport. command/args launch Codex's MCP
// server, e.g. command="codex", args=["mcp"].
func New(command string, args []string, cwd string, log *logger.Logger) *Transport {
	l := log.WithFields(zap.String("component", "mcp-transport"))
	conv := appserver.NewConverter(l)
	return &Transport{
		command:   command,
		args:      args,
		cwd:       cwd,
		logger:    l,
		conv:      conv,
		unwrapper: NewUnwrapper(conv),
	}
}

func (t *Transport) IsAppServer() bool { return false }

func (t *Transport) Connect(ctx context.Context) error {
	c, err := mcpclient.NewStdioMCPClient(t.command, nil, t.args...)
	if err != nil {
		return fmt.Errorf("mcp transport: start client: %w", err)
	}
	c.OnNotification(func(notif mcp.JSONRPCNotification) {
		t.handleNotification(notif)
	})

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "codexbridge", Version: "1"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		return fmt.Errorf("mcp transport: initialize: %w", err)
	}

	t.mu.Lock()
	t.client = c
	t.mu.Unlock()
	return nil
}

func (t *Transport) handleNotification(notif mcp.JSONRPCNotification) {
	raw, err := json.Marshal(notif)
	if err != nil {
		return
	}
	for _, ev := range t.unwrapper.Unwrap(raw) {
		t.emit(ev)
	}
}

// StartThread has no server-side equivalent in the codex MCP tool (each
// call carries its own conversation id argument); a local id is
// allocated and passed as the resume argument on every call.
func (t *Transport) StartThread(ctx context.Context, opts launcher.TransportOptions) (string, error) {
	return uuid.New().String(), nil
}

func (t *Transport) ResumeThread(ctx context.Context, threadID string, opts launcher.TransportOptions) (string, error) {
	return threadID, nil
}

func (t *Transport) SupportsResume() bool { return true }

func (t *Transport) StartTurn(ctx context.Context, threadID, input string) (string, <-chan canon.Event, error) {
	t.conv.Reset()
	events := make(chan canon.Event, 64)
	t.mu.Lock()
	t.events = events
	client := t.client
	t.mu.Unlock()

	turnID := uuid.New().String()

	go func() {
		defer func() {
			t.mu.Lock()
			if t.events == events {
				t.events = nil
			}
			close(events)
			t.mu.Unlock()
		}()
		req := mcp.CallToolRequest{}
		req.Params.Name = codexToolName
		req.Params.Arguments = map[string]any{
			"prompt":          input,
			"conversation-id": threadID,
			"cwd":             t.cwd,
		}
		result, err := client.CallTool(ctx, req)
		if err != nil {
			t.emit(canon.Event{Type: canon.EventTaskFailed, ThreadID: threadID, TurnID: turnID, Message: err.Error()})
			return
		}
		if result != nil && result.IsError {
			t.emit(canon.Event{Type: canon.EventTaskFailed, ThreadID: threadID, TurnID: turnID, Message: toolResultText(result)})
			return
		}
		t.emit(canon.Event{Type: canon.EventTaskComplete, ThreadID: threadID, TurnID: turnID})
	}()

	return turnID, events, nil
}

func toolResultText(result *mcp.CallToolResult) string {
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return "codex tool call failed"
}

func (t *Transport) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	// The MCP tool call has no separate cancel RPC, so this does nothing:
	// an in-flight tool call runs until it returns or Disconnect closes
	// the client connection.
	return nil
}

func (t *Transport) ClearThread() {
	t.conv.Reset()
}

func (t *Transport) ResetTurnState() {
	t.conv.Reset()
}

// RespondApproval is a no-op: approval decisions are not round-tripped
// back into the MCP tool call; the same on-failure sandbox policy the
// SDK transport relies on governs this transport too.
func (t *Transport) RespondApproval(id string, dec permission.Decision) error {
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// emit sends ev on the current turn's event channel. The send happens
// under mu so it can never race the turn goroutine's deferred close of
// that same channel.
func (t *Transport) emit(ev canon.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.events == nil {
		return
	}
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("event channel full, dropping event", zap.String("type", string(ev.Type)))
	}
}
