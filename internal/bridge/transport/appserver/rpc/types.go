package rpc

import "encoding/json"

// Request represents a Codex app-server request (no "jsonrpc" field).
type Request struct {
	ID     interface{}     `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response represents a Codex app-server response.
type Response struct {
	ID     interface{}     `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Notification represents a Codex app-server notification (no id field).
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Error represents a JSON-RPC-shaped error.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Request method names the bridge calls.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized" // notification
	MethodThreadStart   = "thread/start"
	MethodThreadResume  = "thread/resume"
	MethodTurnStart     = "turn/start"
	MethodTurnInterrupt = "turn/interrupt"
)

// Notification methods the bridge consumes (server -> client).
const (
	NotifyThreadStarted                 = "thread/started"
	NotifyThreadResumed                 = "thread/resumed"
	NotifyThreadStatusChanged           = "thread/status/changed"
	NotifyTurnStarted                   = "turn/started"
	NotifyTurnCompleted                 = "turn/completed"
	NotifyTurnDiffUpdated               = "turn/diff/updated"
	NotifyThreadTokenUsageUpdated       = "thread/tokenUsage/updated"
	NotifyItemStarted                   = "item/started"
	NotifyItemCompleted                 = "item/completed"
	NotifyItemAgentMessageDelta         = "item/agentMessage/delta"
	NotifyItemReasoningTextDelta        = "item/reasoning/textDelta"
	NotifyItemReasoningSummaryPartAdded = "item/reasoning/summaryPartAdded"
	NotifyItemCmdExecOutputDelta        = "item/commandExecution/outputDelta"
	NotifyError                         = "error"
	NotifyStreamError                   = "stream_error"
)

// Item type tags as they appear in item.Type.
const (
	ItemCommandExecution = "commandExecution"
	ItemFileChange       = "fileChange"
	ItemReasoning        = "reasoning"
	ItemAgentMessage     = "agentMessage"
	ItemUserMessage      = "userMessage"
	ItemMcpToolCall      = "mcpToolCall"
	ItemWebSearch        = "webSearch"
	ItemTodoList         = "todoList"
)

// InitializeParams for the initialize request.
type InitializeParams struct {
	ClientInfo *ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the bridge to Codex.
type ClientInfo struct {
	Name    string `json:"name"`
	Title   string `json:"title,omitempty"`
	Version string `json:"version"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	UserAgent string `json:"userAgent,omitempty"`
}

// ThreadStartParams for thread/start.
type ThreadStartParams struct {
	Model           string         `json:"model,omitempty"`
	Cwd             string         `json:"cwd,omitempty"`
	ApprovalPolicy  string         `json:"approvalPolicy,omitempty"`
	SandboxPolicy   *SandboxPolicy `json:"sandboxPolicy,omitempty"`
	ReasoningEffort string         `json:"reasoningEffort,omitempty"`
}

// SandboxPolicy configures the sandbox Codex runs commands under.
type SandboxPolicy struct {
	Type          string   `json:"type"` // workspace-write, read-only, danger-full-access
	WritableRoots []string `json:"writableRoots,omitempty"`
	NetworkAccess bool     `json:"networkAccess,omitempty"`
}

// Thread is a Codex thread (conversation) handle.
type Thread struct {
	ID string `json:"id"`
}

// ThreadStartResult from thread/start.
type ThreadStartResult struct {
	Thread *Thread `json:"thread"`
}

// ThreadResumeParams for thread/resume.
type ThreadResumeParams struct {
	ThreadID string `json:"threadId"`
}

// ThreadResumeResult from thread/resume.
type ThreadResumeResult struct {
	Thread *Thread `json:"thread"`
}

// UserInput is one piece of turn input.
type UserInput struct {
	Type string `json:"type"` // text, image, localImage
	Text string `json:"text,omitempty"`
	Path string `json:"path,omitempty"`
}

// TurnStartParams for turn/start.
type TurnStartParams struct {
	ThreadID string      `json:"threadId"`
	Input    []UserInput `json:"input"`
}

// TurnStartResult from turn/start.
type TurnStartResult struct {
	TurnID string `json:"turnId"`
}

// TurnInterruptParams for turn/interrupt.
type TurnInterruptParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
}

// Item is a Codex item (message, command, file change, reasoning, ...).
type Item struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status,omitempty"`

	// commandExecution
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AutoApproved     bool   `json:"autoApproved,omitempty"`
	AggregatedOutput string `json:"aggregatedOutput,omitempty"`
	Stderr           string `json:"stderr,omitempty"`
	ExitCode         *int   `json:"exitCode,omitempty"`

	// fileChange
	Changes []FileChange `json:"changes,omitempty"`
	Success *bool        `json:"success,omitempty"`
	Stdout  string       `json:"stdout,omitempty"`

	// agentMessage
	Text string `json:"text,omitempty"`

	// mcpToolCall
	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ToolError string          `json:"error,omitempty"`

	// webSearch
	Query string `json:"query,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// FileChange is one path's change within a fileChange item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
	Diff string `json:"diff,omitempty"`
}

// ItemStartedParams for item/started.
type ItemStartedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// ItemCompletedParams for item/completed.
type ItemCompletedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	Item     *Item  `json:"item"`
}

// AgentMessageDeltaParams for item/agentMessage/delta.
type AgentMessageDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ReasoningDeltaParams for item/reasoning/textDelta.
type ReasoningDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// ReasoningSummaryPartAddedParams for item/reasoning/summaryPartAdded.
type ReasoningSummaryPartAddedParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
}

// CommandOutputDeltaParams for item/commandExecution/outputDelta.
type CommandOutputDeltaParams struct {
	ThreadID string `json:"threadId"`
	TurnID   string `json:"turnId"`
	ItemID   string `json:"itemId"`
	Delta    string `json:"delta"`
}

// TurnCompletedParams for turn/completed. Status is matched
// case-insensitively by the converter against completed/complete/done,
// interrupted/cancelled/canceled/aborted, failed/error.
type TurnCompletedParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ThreadStatusChangedParams for thread/status/changed.
type ThreadStatusChangedParams struct {
	ThreadID string       `json:"threadId,omitempty"`
	TurnID   string       `json:"turnId,omitempty"`
	Status   ThreadStatus `json:"status"`
}

// ThreadStatus carries the status type tag; "systemError" is the
// distinguished value the converter treats as a fatal error rather than
// a terminal-status alias of turn/completed.
type ThreadStatus struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// TurnDiffUpdatedParams for turn/diff/updated.
type TurnDiffUpdatedParams struct {
	ThreadID string `json:"threadId,omitempty"`
	TurnID   string `json:"turnId,omitempty"`
	Diff     string `json:"diff"`
}

// TokenUsageUpdatedParams for thread/tokenUsage/updated.
type TokenUsageUpdatedParams struct {
	ThreadID          string `json:"threadId,omitempty"`
	TurnID            string `json:"turnId,omitempty"`
	InputTokens       int64  `json:"inputTokens,omitempty"`
	CachedInputTokens int64  `json:"cachedInputTokens,omitempty"`
	OutputTokens      int64  `json:"outputTokens,omitempty"`
	ContextWindow     int64  `json:"contextWindow,omitempty"`
}

// ErrorParams for the error notification. WillRetry suppresses the
// event entirely per the retryable-error taxonomy (spec section 7).
type ErrorParams struct {
	Message           string         `json:"message"`
	WillRetry         bool           `json:"willRetry,omitempty"`
	ThreadID          string         `json:"threadId,omitempty"`
	TurnID            string         `json:"turnId,omitempty"`
	AdditionalDetails map[string]any `json:"additionalDetails,omitempty"`
}

// ApprovalResponse answers an item/commandExecution or item/fileChange
// requestApproval request raised via the client-request channel.
type ApprovalResponse struct {
	Decision string `json:"decision"` // accept, acceptForSession, decline, cancel
}
