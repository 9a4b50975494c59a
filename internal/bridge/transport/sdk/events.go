// Package sdk implements C3, the SDK event mapper: it decodes the
// native Codex SDK's event stream (thread.*, turn.*, item.*) into typed
// Go values and translates them into canon.Event. The polymorphic-item
// decoding idiom (a closed ThreadItem interface, one struct per item
// kind, custom UnmarshalJSON deferring the item decode until its type
// tag is known) is grounded on the codex-sdk-go reference package.
package sdk

import (
	"encoding/json"
	"fmt"
)

// EventType enumerates the SDK's event kinds.
type EventType string

const (
	EventThreadStarted EventType = "thread.started"
	EventTurnStarted    EventType = "turn.started"
	EventTurnCompleted  EventType = "turn.completed"
	EventTurnFailed     EventType = "turn.failed"
	EventTurnAborted    EventType = "turn.aborted"
	EventStreamError    EventType = "stream.error"
	EventItemStarted    EventType = "item.started"
	EventItemUpdated    EventType = "item.updated"
	EventItemCompleted  EventType = "item.completed"
	EventError          EventType = "error"
	EventApprovalReq    EventType = "exec_approval_request"
)

// Usage reports token consumption for a completed turn.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	ContextWindow     int64 `json:"context_window,omitempty"`
}

// ThreadError describes a fatal turn failure.
type ThreadError struct {
	Message string `json:"message"`
}

// ApprovalRequest carries the fields of an exec_approval_request event.
type ApprovalRequest struct {
	CallID  string `json:"call_id,omitempty"`
	Command string `json:"command,omitempty"`
	Cwd     string `json:"cwd,omitempty"`
	Message string `json:"message,omitempty"`
	Tool    string `json:"tool,omitempty"`
}

// ThreadItem is the closed set of polymorphic item payloads carried by
// item.started/updated/completed events.
type ThreadItem interface {
	itemKind() string
}

// AgentMessageItem is the assistant's final response text.
type AgentMessageItem struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Text   string `json:"text"`
}

func (*AgentMessageItem) itemKind() string { return "agentmessage" }

// ReasoningItem carries the model's chain-of-thought summary.
type ReasoningItem struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Text   string `json:"text"`
}

func (*ReasoningItem) itemKind() string { return "reasoning" }

// CommandExecutionItem describes a shell command the agent ran.
type CommandExecutionItem struct {
	ID               string `json:"id"`
	Status           string `json:"status,omitempty"`
	Command          string `json:"command,omitempty"`
	Cwd              string `json:"cwd,omitempty"`
	AutoApproved     bool   `json:"auto_approved,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	Stderr           string `json:"stderr,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
}

func (*CommandExecutionItem) itemKind() string { return "commandexecution" }

// FileChangeItemChange is one path's change within a FileChangeItem.
type FileChangeItemChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"`
	Diff string `json:"diff,omitempty"`
}

// FileChangeItem describes a patch the agent applied.
type FileChangeItem struct {
	ID           string                 `json:"id"`
	Status       string                 `json:"status,omitempty"`
	Changes      []FileChangeItemChange `json:"changes,omitempty"`
	AutoApproved bool                   `json:"auto_approved,omitempty"`
	Stdout       string                 `json:"stdout,omitempty"`
	Success      *bool                  `json:"success,omitempty"`
}

func (*FileChangeItem) itemKind() string { return "filechange" }

// McpToolCallItem describes a call into a hub-provided MCP tool.
type McpToolCallItem struct {
	ID                string          `json:"id"`
	Status            string          `json:"status,omitempty"`
	Server            string          `json:"server"`
	Tool              string          `json:"tool"`
	Result            json.RawMessage `json:"result,omitempty"`
	StructuredContent json.RawMessage `json:"structured_content,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
	Error             string          `json:"error,omitempty"`
}

func (*McpToolCallItem) itemKind() string { return "mcptoolcall" }

// WebSearchItem describes a web search the agent performed.
type WebSearchItem struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
	Query  string `json:"query,omitempty"`
}

func (*WebSearchItem) itemKind() string { return "websearch" }

// TodoListItem carries the agent's plan/todo entries.
type TodoListItem struct {
	ID     string          `json:"id"`
	Status string          `json:"status,omitempty"`
	Items  []TodoItemEntry `json:"items,omitempty"`
	Todos  []TodoItemEntry `json:"todos,omitempty"`
}

func (*TodoListItem) itemKind() string { return "todolist" }

// TodoItemEntry is one plan entry.
type TodoItemEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// ErrorItem is an item-scoped error (distinct from the top-level error event).
type ErrorItem struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

func (*ErrorItem) itemKind() string { return "error" }

// UnknownItem preserves unrecognized item payloads for debug logging.
type UnknownItem struct {
	ItemType string          `json:"type"`
	Raw      json.RawMessage `json:"-"`
}

func (*UnknownItem) itemKind() string { return "unknown" }

// ThreadEvent is one line of the SDK's event stream.
type ThreadEvent struct {
	Type     EventType        `json:"type"`
	ThreadID string           `json:"thread_id,omitempty"`
	Usage    *Usage           `json:"usage,omitempty"`
	Error    *ThreadError     `json:"error,omitempty"`
	Approval *ApprovalRequest `json:"-"`
	Item     ThreadItem       `json:"-"`
	Message  string           `json:"message,omitempty"`

	rawItem json.RawMessage
}

// UnmarshalJSON defers decoding the polymorphic item field until the
// outer event's type tag (and, for item.* events, the item's own type
// tag) is known.
func (e *ThreadEvent) UnmarshalJSON(data []byte) error {
	type eventAlias ThreadEvent
	var aux struct {
		eventAlias
		Item json.RawMessage `json:"item,omitempty"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = ThreadEvent(aux.eventAlias)
	e.rawItem = aux.Item

	if e.Type == EventApprovalReq {
		var ar ApprovalRequest
		if err := json.Unmarshal(data, &ar); err == nil {
			e.Approval = &ar
		}
		return nil
	}

	if len(aux.Item) > 0 {
		item, err := unmarshalThreadItem(aux.Item)
		if err != nil {
			return fmt.Errorf("decode thread item: %w", err)
		}
		e.Item = item
	}
	return nil
}

func unmarshalThreadItem(raw json.RawMessage) (ThreadItem, error) {
	var tag struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}

	norm := normalizeItemType(tag.Type)

	var item ThreadItem
	switch norm {
	case "agentmessage":
		item = &AgentMessageItem{}
	case "reasoning":
		item = &ReasoningItem{}
	case "commandexecution":
		item = &CommandExecutionItem{}
	case "filechange":
		item = &FileChangeItem{}
	case "mcptoolcall":
		item = &McpToolCallItem{}
	case "websearch":
		item = &WebSearchItem{}
	case "todolist":
		item = &TodoListItem{}
	case "error":
		item = &ErrorItem{}
	default:
		return &UnknownItem{ItemType: tag.Type, Raw: raw}, nil
	}

	if err := json.Unmarshal(raw, item); err != nil {
		return nil, err
	}
	return item, nil
}

// normalizeItemType lowercases and strips non-alphanumerics, so
// "agent_message", "agentMessage" and "agent-message" all match
// "agentmessage" per spec section 4.3.
func normalizeItemType(t string) string {
	out := make([]byte, 0, len(t))
	for i := 0; i < len(t); i++ {
		c := t[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		}
	}
	return string(out)
}
