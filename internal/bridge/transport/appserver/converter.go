// Package appserver implements C2, the app-server converter: it drives
// the Codex app-server subprocess over the rpc package's JSON-RPC client
// and translates its thread/turn/item notifications into canon.Event
// values. Per-item bookkeeping (reasoning buffers, command output,
// file-change metadata, synthesized labels) lives in itemstate.Accumulator,
// reset by the owning transport at the start of every turn.
package appserver

import (
	"encoding/json"
	"strings"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/itemstate"
	"github.com/kandev/codexbridge/internal/bridge/transport/appserver/rpc"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Converter holds the per-turn accumulator and emits canon.Event values
// from app-server notifications. It is not safe for concurrent use; the
// launcher guarantees a single notification is being converted at a time.
type Converter struct {
	acc    *itemstate.Accumulator
	logger *logger.Logger
}

// NewConverter returns a converter with a fresh accumulator.
func NewConverter(log *logger.Logger) *Converter {
	return &Converter{
		acc:    itemstate.New(),
		logger: log.WithFields(zap.String("component", "appserver-converter")),
	}
}

// Reset clears per-turn item state. Called by the owning transport from
// StartTurn, ClearThread and ResetTurnState (the launcher's abort path).
func (c *Converter) Reset() {
	c.acc.Reset()
}

// Convert translates one app-server notification into zero or more
// canonical events. Most notifications produce exactly one event; a few
// (agent-message and command-output deltas) produce none, only updating
// the accumulator.
func (c *Converter) Convert(method string, params json.RawMessage) []canon.Event {
	switch method {
	case rpc.NotifyThreadStarted, rpc.NotifyThreadResumed:
		var p struct {
			Thread *rpc.Thread `json:"thread"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.Thread == nil {
			c.warnUnparsable(method, err)
			return nil
		}
		return []canon.Event{{Type: canon.EventThreadStarted, ThreadID: p.Thread.ID}}

	case rpc.NotifyTurnStarted:
		var p struct {
			ThreadID string `json:"threadId"`
			TurnID   string `json:"turnId"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		return []canon.Event{{Type: canon.EventTaskStarted, ThreadID: p.ThreadID, TurnID: p.TurnID}}

	case rpc.NotifyTurnCompleted:
		var p rpc.TurnCompletedParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		return []canon.Event{terminalEventForStatus(p.Status, p.ThreadID, p.TurnID, p.Error)}

	case rpc.NotifyThreadStatusChanged:
		var p rpc.ThreadStatusChangedParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		if strings.EqualFold(p.Status.Type, "systemError") {
			return []canon.Event{{
				Type:     canon.EventError,
				ThreadID: p.ThreadID,
				TurnID:   p.TurnID,
				Message:  p.Status.Message,
			}}
		}
		return []canon.Event{terminalEventForStatus(p.Status.Type, p.ThreadID, p.TurnID, p.Status.Message)}

	case rpc.NotifyTurnDiffUpdated:
		var p rpc.TurnDiffUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		return []canon.Event{{
			Type:        canon.EventTurnDiff,
			ThreadID:    p.ThreadID,
			TurnID:      p.TurnID,
			UnifiedDiff: p.Diff,
		}}

	case rpc.NotifyThreadTokenUsageUpdated:
		var p rpc.TokenUsageUpdatedParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		return []canon.Event{{
			Type:     canon.EventTokenCount,
			ThreadID: p.ThreadID,
			TurnID:   p.TurnID,
			Token: &canon.TokenInfo{
				InputTokens:       p.InputTokens,
				CachedInputTokens: p.CachedInputTokens,
				OutputTokens:      p.OutputTokens,
				ContextWindow:     p.ContextWindow,
			},
		}}

	case rpc.NotifyError, rpc.NotifyStreamError:
		var p rpc.ErrorParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		if p.WillRetry {
			return nil
		}
		typ := canon.EventError
		if method == rpc.NotifyStreamError {
			typ = canon.EventStreamError
		}
		return []canon.Event{{
			Type:              typ,
			ThreadID:          p.ThreadID,
			TurnID:            p.TurnID,
			Message:           p.Message,
			AdditionalDetails: p.AdditionalDetails,
		}}

	case rpc.NotifyItemAgentMessageDelta:
		// Buffered only; item/completed carries the authoritative text
		// when present, falling back to this buffer otherwise.
		var p rpc.AgentMessageDeltaParams
		if err := json.Unmarshal(params, &p); err == nil {
			c.acc.TextDelta("msg:"+p.ItemID, p.Delta)
		}
		return nil

	case rpc.NotifyItemReasoningTextDelta:
		var p rpc.ReasoningDeltaParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		var events []canon.Event
		if c.acc.ReasoningStarted(p.ItemID) {
			events = append(events, canon.Event{
				Type: canon.EventAgentReasoningSectionBr, ThreadID: p.ThreadID, TurnID: p.TurnID,
			})
		}
		c.acc.ReasoningDelta(p.ItemID, p.Delta)
		events = append(events, canon.Event{
			Type: canon.EventAgentReasoningDelta, ThreadID: p.ThreadID, TurnID: p.TurnID,
			ReasoningID: p.ItemID, ReasoningDelta: p.Delta,
		})
		return events

	case rpc.NotifyItemReasoningSummaryPartAdded:
		var p rpc.ReasoningSummaryPartAddedParams
		if err := json.Unmarshal(params, &p); err != nil {
			c.warnUnparsable(method, err)
			return nil
		}
		return []canon.Event{{
			Type: canon.EventAgentReasoningSectionBr, ThreadID: p.ThreadID, TurnID: p.TurnID, ReasoningID: p.ItemID,
		}}

	case rpc.NotifyItemCmdExecOutputDelta:
		var p rpc.CommandOutputDeltaParams
		if err := json.Unmarshal(params, &p); err == nil {
			c.acc.CommandOutputDelta(p.ItemID, p.Delta)
		}
		return nil

	case rpc.NotifyItemStarted:
		return c.convertItemStarted(params)

	case rpc.NotifyItemCompleted:
		return c.convertItemCompleted(params)

	default:
		if strings.HasPrefix(method, "codex/event") {
			return c.convertCodexEvent(method, params)
		}
		c.logger.Debug("unhandled app-server notification", zap.String("method", method))
		return nil
	}
}

func (c *Converter) convertItemStarted(params json.RawMessage) []canon.Event {
	var p rpc.ItemStartedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		c.warnUnparsable(rpc.NotifyItemStarted, err)
		return nil
	}
	item := p.Item

	switch item.Type {
	case rpc.ItemCommandExecution:
		c.acc.CommandStarted(item.ID, item.Command, item.Cwd, item.AutoApproved)
		return []canon.Event{{
			Type: canon.EventExecCommandBegin, ThreadID: p.ThreadID, TurnID: p.TurnID,
			CallID: item.ID, Command: item.Command, Cwd: item.Cwd, AutoApproved: item.AutoApproved,
		}}

	case rpc.ItemFileChange:
		entries := make([]itemstate.FileChangeEntry, 0, len(item.Changes))
		changes := make(map[string]canon.FileChange, len(item.Changes))
		for _, fc := range item.Changes {
			entries = append(entries, itemstate.FileChangeEntry{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind})
			changes[fc.Path] = canon.FileChange{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind}
		}
		c.acc.FileChangeStarted(item.ID, entries, item.AutoApproved)
		return []canon.Event{{
			Type: canon.EventPatchApplyBegin, ThreadID: p.ThreadID, TurnID: p.TurnID,
			CallID: item.ID, Changes: changes, AutoApproved: item.AutoApproved,
		}}

	default:
		return nil
	}
}

func (c *Converter) convertItemCompleted(params json.RawMessage) []canon.Event {
	var p rpc.ItemCompletedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		c.warnUnparsable(rpc.NotifyItemCompleted, err)
		return nil
	}
	item := p.Item

	switch item.Type {
	case rpc.ItemAgentMessage:
		text := item.Text
		if text == "" {
			text = c.acc.TextComplete("msg:" + item.ID)
		} else {
			c.acc.TextComplete("msg:" + item.ID)
		}
		return []canon.Event{{Type: canon.EventAgentMessage, ThreadID: p.ThreadID, TurnID: p.TurnID, AgentText: text}}

	case "reasoning":
		text := c.acc.ReasoningComplete(item.ID)
		if item.Text != "" {
			text = item.Text
		}
		return []canon.Event{{Type: canon.EventAgentReasoning, ThreadID: p.ThreadID, TurnID: p.TurnID, ReasoningID: item.ID, ReasoningText: text}}

	case rpc.ItemCommandExecution:
		command, cwd, autoApproved, buffered, _ := c.acc.CommandComplete(item.ID)
		output := item.AggregatedOutput
		if output == "" {
			output = buffered
		}
		if command == "" {
			command = item.Command
		}
		if cwd == "" {
			cwd = item.Cwd
		}
		ev := canon.Event{
			Type: canon.EventExecCommandEnd, ThreadID: p.ThreadID, TurnID: p.TurnID,
			CallID: item.ID, Command: command, Cwd: cwd, AutoApproved: autoApproved || item.AutoApproved,
			Output: output, Stderr: item.Stderr, ExitCode: item.ExitCode, Status: item.Status,
		}
		return []canon.Event{ev}

	case rpc.ItemFileChange:
		changesState, autoApproved, ok := c.acc.FileChangeComplete(item.ID)
		changes := make(map[string]canon.FileChange, len(changesState))
		if ok {
			for path, fc := range changesState {
				changes[path] = canon.FileChange{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind}
			}
		} else {
			for _, fc := range item.Changes {
				changes[fc.Path] = canon.FileChange{Path: fc.Path, Diff: fc.Diff, Kind: fc.Kind}
			}
		}
		success := item.Status == "completed"
		if item.Success != nil {
			success = *item.Success
		}
		return []canon.Event{{
			Type: canon.EventPatchApplyEnd, ThreadID: p.ThreadID, TurnID: p.TurnID,
			CallID: item.ID, Changes: changes, AutoApproved: autoApproved || item.AutoApproved,
			Stdout: item.Stdout, Success: success, Status: item.Status,
		}}

	default:
		return nil
	}
}

// convertCodexEvent unwraps codex/event and codex/event/<suffix>
// notifications, recursing on the inner message or method where found.
func (c *Converter) convertCodexEvent(method string, params json.RawMessage) []canon.Event {
	suffix := strings.TrimPrefix(method, "codex/event")
	suffix = strings.TrimPrefix(suffix, "/")

	var env struct {
		Msg     json.RawMessage `json:"msg"`
		Event   json.RawMessage `json:"event"`
		Payload json.RawMessage `json:"payload"`
		Data    json.RawMessage `json:"data"`
		Entries []canon.TodoEntry `json:"entries"`
	}
	if err := json.Unmarshal(params, &env); err != nil {
		c.warnUnparsable(method, err)
		return nil
	}

	if suffix == "plan" {
		return []canon.Event{{Type: canon.EventTodoList, Items: env.Entries}}
	}

	inner := firstNonEmpty(env.Msg, env.Event, env.Payload, env.Data)
	if inner == nil {
		return nil
	}

	var tagged struct {
		Type   string `json:"type"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(inner, &tagged); err != nil {
		return nil
	}
	innerMethod := tagged.Method
	if innerMethod == "" {
		innerMethod = tagged.Type
	}
	if innerMethod == "" {
		return nil
	}
	return c.Convert(innerMethod, inner)
}

func firstNonEmpty(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}

// terminalEventForStatus implements the status→event mapping shared by
// turn/completed and thread/status/changed's non-systemError branch.
func terminalEventForStatus(status, threadID, turnID, errMsg string) canon.Event {
	switch strings.ToLower(status) {
	case "interrupted", "cancelled", "canceled", "aborted":
		return canon.Event{Type: canon.EventTurnAborted, ThreadID: threadID, TurnID: turnID}
	case "failed", "error":
		return canon.Event{Type: canon.EventTaskFailed, ThreadID: threadID, TurnID: turnID, Message: errMsg}
	default: // completed, complete, done, or unrecognized
		return canon.Event{Type: canon.EventTaskComplete, ThreadID: threadID, TurnID: turnID}
	}
}

func (c *Converter) warnUnparsable(method string, err error) {
	c.logger.Debug("failed to parse notification params", zap.String("method", method), zap.Error(err))
}
