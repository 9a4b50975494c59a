package sdk

import (
	"strconv"
	"strings"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/itemstate"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Mapper holds the per-turn accumulator for the SDK transport and turns
// ThreadEvent values into canon.Event. turnID is allocated locally
// because the SDK does not always report one on turn.started.
type Mapper struct {
	acc    *itemstate.Accumulator
	logger *logger.Logger

	threadID string
	turnID   string
	allocSeq int
}

// NewMapper returns a mapper with a fresh accumulator.
func NewMapper(log *logger.Logger) *Mapper {
	return &Mapper{
		acc:    itemstate.New(),
		logger: log.WithFields(zap.String("component", "sdk-mapper")),
	}
}

// Reset clears per-turn item state and forgets the current turn id. The
// set of seen reasoning ids is reset on every turn.started regardless,
// but the launcher also calls this explicitly on abort.
func (m *Mapper) Reset() {
	m.acc.Reset()
	m.turnID = ""
}

// AllocateTurnID assigns a local turn id for a turn the SDK did not
// label, and returns it for the launcher to track.
func (m *Mapper) AllocateTurnID() string {
	m.allocSeq++
	m.turnID = localTurnID(m.allocSeq)
	return m.turnID
}

func localTurnID(seq int) string {
	return "sdk-turn-" + strconv.Itoa(seq)
}

// Convert translates one SDK event into zero or more canonical events.
func (m *Mapper) Convert(ev ThreadEvent) []canon.Event {
	switch ev.Type {
	case EventThreadStarted:
		m.threadID = ev.ThreadID
		return []canon.Event{{Type: canon.EventThreadStarted, ThreadID: ev.ThreadID}}

	case EventTurnStarted:
		m.acc.Reset()
		if m.turnID == "" {
			m.AllocateTurnID()
		}
		return []canon.Event{{Type: canon.EventTaskStarted, ThreadID: m.threadID, TurnID: m.turnID}}

	case EventTurnCompleted:
		var events []canon.Event
		if ev.Usage != nil {
			events = append(events, canon.Event{
				Type: canon.EventTokenCount, ThreadID: m.threadID, TurnID: m.turnID,
				Token: &canon.TokenInfo{
					InputTokens:       ev.Usage.InputTokens,
					CachedInputTokens: ev.Usage.CachedInputTokens,
					OutputTokens:      ev.Usage.OutputTokens,
					ContextWindow:     ev.Usage.ContextWindow,
				},
			})
		}
		events = append(events, canon.Event{Type: canon.EventTaskComplete, ThreadID: m.threadID, TurnID: m.turnID})
		m.turnID = ""
		return events

	case EventTurnAborted:
		turnID := m.turnID
		m.turnID = ""
		return []canon.Event{{Type: canon.EventTurnAborted, ThreadID: m.threadID, TurnID: turnID}}

	case EventTurnFailed:
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		turnID := m.turnID
		m.turnID = ""
		return []canon.Event{{Type: canon.EventTaskFailed, ThreadID: m.threadID, TurnID: turnID, Message: msg}}

	case EventStreamError:
		return []canon.Event{{Type: canon.EventStreamError, ThreadID: m.threadID, TurnID: m.turnID, Message: ev.Message}}

	case EventError:
		return []canon.Event{{Type: canon.EventError, ThreadID: m.threadID, TurnID: m.turnID, Message: ev.Message}}

	case EventApprovalReq:
		if ev.Approval == nil {
			return nil
		}
		callID := ev.Approval.CallID
		if callID == "" {
			m.allocSeq++
			callID = "sdk-approval-" + strconv.Itoa(m.allocSeq)
		}
		return []canon.Event{{
			Type: canon.EventExecApprovalReq, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: callID, Command: ev.Approval.Command, Cwd: ev.Approval.Cwd,
			Message: ev.Approval.Message, ApprovalTool: ev.Approval.Tool,
		}}

	case EventItemStarted:
		return m.convertItemStarted(ev.Item)
	case EventItemUpdated:
		return m.convertItemUpdated(ev.Item)
	case EventItemCompleted:
		return m.convertItemCompleted(ev.Item)

	default:
		m.logger.Debug("unhandled sdk event", zap.String("type", string(ev.Type)))
		return nil
	}
}

func (m *Mapper) convertItemStarted(item ThreadItem) []canon.Event {
	switch v := item.(type) {
	case *ReasoningItem:
		var events []canon.Event
		if m.acc.ReasoningStarted(v.ID) {
			events = append(events, canon.Event{Type: canon.EventAgentReasoningSectionBr, ThreadID: m.threadID, TurnID: m.turnID, ReasoningID: v.ID})
		}
		return events

	case *CommandExecutionItem:
		m.acc.CommandStarted(v.ID, v.Command, v.Cwd, v.AutoApproved)
		return []canon.Event{{
			Type: canon.EventExecCommandBegin, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, Command: v.Command, Cwd: v.Cwd, AutoApproved: v.AutoApproved,
		}}

	case *FileChangeItem:
		entries := make([]itemstate.FileChangeEntry, 0, len(v.Changes))
		changes := make(map[string]canon.FileChange, len(v.Changes))
		for _, fc := range v.Changes {
			entries = append(entries, itemstate.FileChangeEntry{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind})
			changes[fc.Path] = canon.FileChange{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind}
		}
		m.acc.FileChangeStarted(v.ID, entries, v.AutoApproved)
		return []canon.Event{{
			Type: canon.EventPatchApplyBegin, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, Changes: changes, AutoApproved: v.AutoApproved,
		}}

	case *McpToolCallItem:
		label := "mcp:" + v.Server + "/" + v.Tool
		m.acc.LabelStarted(v.ID, label)
		return []canon.Event{{
			Type: canon.EventExecCommandBegin, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, CommandLabel: label,
		}}

	case *WebSearchItem:
		label := "web_search"
		if v.Query != "" {
			label = "web_search " + v.Query
		}
		m.acc.LabelStarted(v.ID, label)
		return []canon.Event{{
			Type: canon.EventExecCommandBegin, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, CommandLabel: label,
		}}

	default:
		return nil
	}
}

func (m *Mapper) convertItemUpdated(item ThreadItem) []canon.Event {
	switch v := item.(type) {
	case *ReasoningItem:
		if delta, ok := m.acc.ReasoningExtends(v.ID, v.Text); ok && delta != "" {
			return []canon.Event{{
				Type: canon.EventAgentReasoningDelta, ThreadID: m.threadID, TurnID: m.turnID,
				ReasoningID: v.ID, ReasoningDelta: delta,
			}}
		}
		return nil

	case *CommandExecutionItem:
		if v.AggregatedOutput != "" {
			m.acc.CommandOutputDelta(v.ID, v.AggregatedOutput)
		}
		return nil

	case *TodoListItem:
		return m.todoListEvent(v)

	default:
		return nil
	}
}

func (m *Mapper) convertItemCompleted(item ThreadItem) []canon.Event {
	switch v := item.(type) {
	case *AgentMessageItem:
		return []canon.Event{{Type: canon.EventAgentMessage, ThreadID: m.threadID, TurnID: m.turnID, AgentText: v.Text}}

	case *ReasoningItem:
		text := m.acc.ReasoningComplete(v.ID)
		if v.Text != "" {
			text = v.Text
		}
		return []canon.Event{{Type: canon.EventAgentReasoning, ThreadID: m.threadID, TurnID: m.turnID, ReasoningID: v.ID, ReasoningText: text}}

	case *CommandExecutionItem:
		_, _, autoApproved, buffered, _ := m.acc.CommandComplete(v.ID)
		output := v.AggregatedOutput
		if output == "" {
			output = buffered
		}
		return []canon.Event{{
			Type: canon.EventExecCommandEnd, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, Command: v.Command, Cwd: v.Cwd, AutoApproved: autoApproved || v.AutoApproved,
			Output: output, Stderr: v.Stderr, ExitCode: v.ExitCode, Status: v.Status,
		}}

	case *FileChangeItem:
		changesState, autoApproved, ok := m.acc.FileChangeComplete(v.ID)
		changes := make(map[string]canon.FileChange, len(changesState))
		if ok {
			for path, fc := range changesState {
				changes[path] = canon.FileChange{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind}
			}
		} else {
			for _, fc := range v.Changes {
				changes[fc.Path] = canon.FileChange{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind}
			}
		}
		success := v.Status == "completed"
		if v.Success != nil {
			success = *v.Success
		}
		return []canon.Event{{
			Type: canon.EventPatchApplyEnd, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, Changes: changes, AutoApproved: autoApproved || v.AutoApproved,
			Stdout: v.Stdout, Success: success, Status: v.Status,
		}}

	case *McpToolCallItem:
		label, _ := m.acc.LabelComplete(v.ID)
		output := toText(v.StructuredContent)
		if output == "" {
			output = toText(v.Content)
		}
		return []canon.Event{{
			Type: canon.EventExecCommandEnd, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, CommandLabel: label, Output: output, Stderr: v.Error, Status: v.Status,
		}}

	case *WebSearchItem:
		label, _ := m.acc.LabelComplete(v.ID)
		output := "Web search completed"
		if v.Query != "" {
			output = "Searched web: " + v.Query
		}
		return []canon.Event{{
			Type: canon.EventExecCommandEnd, ThreadID: m.threadID, TurnID: m.turnID,
			CallID: v.ID, CommandLabel: label, Output: output, Status: "completed",
		}}

	case *TodoListItem:
		return m.todoListEvent(v)

	case *ErrorItem:
		return []canon.Event{{Type: canon.EventError, ThreadID: m.threadID, TurnID: m.turnID, Message: v.Message}}

	case *UnknownItem:
		m.logger.Debug("unrecognized sdk item type", zap.String("item_type", v.ItemType))
		return nil

	default:
		return nil
	}
}

func (m *Mapper) todoListEvent(v *TodoListItem) []canon.Event {
	entries := v.Items
	if len(entries) == 0 {
		entries = v.Todos
	}
	items := make([]canon.TodoEntry, 0, len(entries))
	for _, e := range entries {
		items = append(items, canon.TodoEntry{Content: e.Content, Status: e.Status, Priority: e.Priority})
	}
	return []canon.Event{{Type: canon.EventTodoList, ThreadID: m.threadID, TurnID: m.turnID, Items: items}}
}

// toText renders a raw JSON payload (structured_content or content) as a
// best-effort display string for mcpToolCall output.
func toText(raw []byte) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	return strings.Trim(s, `"`)
}
