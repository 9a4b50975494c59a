// Package canon defines the canonical event model (C1): the single
// contract between transport adapters and the orchestrator. Transport
// adapters (appserver, sdk, mcpwrap) translate their own dialect into
// Event values; nothing downstream of canon ever sees a dialect-specific
// shape again.
package canon

// EventType enumerates every canonical event kind the bridge emits
// inward. Adapters MUST NOT emit anything outside this set; unrecognized
// upstream events are mapped into it or dropped.
type EventType string

const (
	EventThreadStarted EventType = "thread_started"

	EventTaskStarted  EventType = "task_started"
	EventTaskComplete EventType = "task_complete"
	EventTaskFailed   EventType = "task_failed"
	EventTurnAborted  EventType = "turn_aborted"

	EventStreamError EventType = "stream_error"
	EventError       EventType = "error"

	EventAgentMessage            EventType = "agent_message"
	EventAgentReasoning          EventType = "agent_reasoning"
	EventAgentReasoningDelta     EventType = "agent_reasoning_delta"
	EventAgentReasoningSectionBr EventType = "agent_reasoning_section_break"

	EventExecCommandBegin   EventType = "exec_command_begin"
	EventExecCommandEnd     EventType = "exec_command_end"
	EventExecApprovalReq    EventType = "exec_approval_request"
	EventPatchApplyBegin    EventType = "patch_apply_begin"
	EventPatchApplyEnd      EventType = "patch_apply_end"
	EventTodoList           EventType = "todo_list"
	EventTurnDiff           EventType = "turn_diff"
	EventTokenCount         EventType = "token_count"
)

// TodoEntry is one item in a todo_list event, shared with the plan
// entries synthesized from codex/event/plan and SDK todolist items.
type TodoEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// TokenInfo carries usage/context-window accounting for a token_count
// event. Fields are optional because not every transport reports all of
// them (the SDK reports Usage only; app-server reports context window
// sizing separately via thread/tokenUsage/updated).
type TokenInfo struct {
	InputTokens       int64   `json:"input_tokens,omitempty"`
	CachedInputTokens int64   `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64   `json:"output_tokens,omitempty"`
	ContextWindow     int64   `json:"context_window,omitempty"`
	ContextUsed       int64   `json:"context_used,omitempty"`
	ContextEfficiency float64 `json:"context_efficiency,omitempty"`
}

// Event is the tagged union every canonical event is shaped as. Only the
// fields relevant to Type are populated; the rest are left zero. JSON tags
// match the snake_case vocabulary in spec section 3 so debug tracing
// (internal/bridge/tracing) can serialize it directly.
type Event struct {
	Type EventType `json:"type"`

	ThreadID string `json:"thread_id,omitempty"`
	TurnID   string `json:"turn_id,omitempty"`

	// --- error / stream_error / task_failed ---
	Message            string         `json:"message,omitempty"`
	AdditionalDetails  map[string]any `json:"additional_details,omitempty"`

	// --- agent_message ---
	AgentText string `json:"agent_text,omitempty"`

	// --- agent_reasoning / agent_reasoning_delta ---
	ReasoningText  string `json:"reasoning_text,omitempty"`
	ReasoningDelta string `json:"reasoning_delta,omitempty"`
	ReasoningID    string `json:"reasoning_id,omitempty"`

	// --- exec_command_begin/end, patch_apply_begin/end, exec_approval_request ---
	CallID       string `json:"call_id,omitempty"`
	Command      string `json:"command,omitempty"`
	Cwd          string `json:"cwd,omitempty"`
	CommandLabel string `json:"command_label,omitempty"`
	AutoApproved bool   `json:"auto_approved,omitempty"`
	Output       string `json:"output,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	Status       string `json:"status,omitempty"`

	Changes map[string]FileChange `json:"changes,omitempty"`
	Stdout  string                `json:"stdout,omitempty"`
	Success bool                  `json:"success,omitempty"`

	ApprovalTool string `json:"tool,omitempty"`

	// --- todo_list ---
	Items []TodoEntry `json:"items,omitempty"`

	// --- turn_diff ---
	UnifiedDiff string `json:"unified_diff,omitempty"`

	// --- token_count ---
	Token *TokenInfo `json:"token,omitempty"`
}

// FileChange is one path's accumulated diff within a fileChange item,
// held by C2/C3's per-item accumulator until patch_apply_end.
type FileChange struct {
	Path string `json:"path"`
	Diff string `json:"diff,omitempty"`
	Kind string `json:"kind,omitempty"` // add, modify, delete
}
