package launcher

import (
	"context"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/permission"
)

// TransportOptions carries the turn-affecting settings derived from the
// active EnhancedMode (see optionsForMode in mode.go).
type TransportOptions struct {
	ApprovalPolicy  string
	SandboxPolicy   string
	Model           string
	ReasoningEffort canon.ReasoningEffort
	McpServers      map[string]any
}

// Transport is the common shape the launcher drives, behind which C2
// (app-server), C3 (SDK) or C4 (MCP) do the actual canonicalization.
// Exactly one Transport is selected at launcher construction and never
// swapped out for the life of the process (spec section 4.7).
type Transport interface {
	// Connect establishes the underlying session (subprocess, SDK
	// client, or MCP client) but starts no thread.
	Connect(ctx context.Context) error

	// StartThread begins a new thread and returns its id: assigned by the
	// backend for app-server, a locally allocated uuid for SDK and MCP.
	StartThread(ctx context.Context, opts TransportOptions) (threadID string, err error)

	// ResumeThread resumes a previously known thread id. SupportsResume
	// reports whether this is meaningful for the transport; callers
	// must check it before calling ResumeThread.
	ResumeThread(ctx context.Context, threadID string, opts TransportOptions) (string, error)
	SupportsResume() bool

	// StartTurn starts a turn with the given input and returns a
	// channel of canonical events, closed when the turn reaches a
	// terminal event or ctx is cancelled.
	StartTurn(ctx context.Context, threadID, input string) (turnID string, events <-chan canon.Event, err error)

	// InterruptTurn asks the backend to cancel turnID on threadID.
	InterruptTurn(ctx context.Context, threadID, turnID string) error

	// RespondApproval answers a backend-initiated approval request
	// previously surfaced as an exec_approval_request event, keyed by
	// its call_id. Transports with no approval-callback channel (SDK,
	// MCP; spec section 4.7) implement this as a no-op.
	RespondApproval(id string, dec permission.Decision) error

	// ClearThread forgets any locally cached thread/session id, used
	// after a session-invalidation error or a forced mode-change restart.
	ClearThread()

	// ResetTurnState discards any per-turn/per-item accumulator state
	// (reasoning buffers, pending file-change diffs, outstanding
	// approval correlation) after an abort, without forgetting the
	// thread/session id itself.
	ResetTurnState()

	Disconnect() error

	// IsAppServer distinguishes the one transport exempt from the
	// mode-hash restart rule (step 2 of the main loop); optionsForMode
	// also uses it to pick the approval policy for the default mode.
	// Session invalidation (step 7) clears the session id for every
	// transport alike, so the next thread always starts fresh.
	IsAppServer() bool
}
