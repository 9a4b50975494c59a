// Package mcpwrap implements C4, the MCP wrapper unwrapper. The MCP
// transport wraps each upstream event in an envelope ({type: event_msg
// or response_item, payload: {...}}); this package strips the envelope,
// normalizes the inner type tag, and re-dispatches through the same
// app-server canonicalization (C2) so the two dialects converge on one
// set of rules. The MCP transport itself (transport.go in this package)
// is built on github.com/mark3labs/mcp-go; the Unwrapper only knows
// about the envelope shape, not the MCP session/tool machinery.
package mcpwrap

import (
	"encoding/json"
	"strings"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/transport/appserver"
)

const (
	envelopeEventMsg     = "event_msg"
	envelopeResponseItem = "response_item"
)

// Unwrapper strips MCP envelopes and re-dispatches through an embedded
// app-server converter, so both dialects produce identical canonical
// events for identical inner payloads.
type Unwrapper struct {
	converter *appserver.Converter
}

// NewUnwrapper wraps conv, an app-server converter this unwrapper
// delegates unwrapped payloads to. The caller owns conv's lifecycle
// (Reset on turn boundaries).
func NewUnwrapper(conv *appserver.Converter) *Unwrapper {
	return &Unwrapper{converter: conv}
}

// envelope is the outer MCP wrapper shape.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// payloadTag is the inner payload's type/method tag, read before full
// decode so Unwrap knows which converter method to dispatch to.
type payloadTag struct {
	Type   string `json:"type"`
	Method string `json:"method"`
}

// Unwrap strips zero or more nested envelopes from raw and translates
// the innermost payload into canonical events via the app-server
// converter. Idempotent over repeated wrapping: event_msg(event_msg(E))
// unwraps to the same result as event_msg(E).
func (u *Unwrapper) Unwrap(raw json.RawMessage) []canon.Event {
	inner, ok := peelEnvelope(raw)
	if !ok {
		return u.dispatch(raw)
	}
	return u.Unwrap(inner)
}

// peelEnvelope strips one layer of {type: event_msg|response_item,
// payload} if raw is shaped that way, returning the inner payload.
func peelEnvelope(raw json.RawMessage) (json.RawMessage, bool) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}
	if env.Type != envelopeEventMsg && env.Type != envelopeResponseItem {
		return nil, false
	}
	if len(env.Payload) == 0 {
		return nil, false
	}
	return env.Payload, true
}

func (u *Unwrapper) dispatch(raw json.RawMessage) []canon.Event {
	var tag payloadTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil
	}
	method := normalizeMethod(tag)
	if method == "" {
		return nil
	}
	return u.converter.Convert(method, raw)
}

// normalizeMethod derives the method name the app-server converter
// expects: lowercase, codex/event/ prefix stripped, plan remapped to
// the todo_list-producing codex/event/plan suffix so Convert's existing
// plan-handling branch fires regardless of entry path.
func normalizeMethod(tag payloadTag) string {
	m := tag.Method
	if m == "" {
		m = tag.Type
	}
	m = strings.ToLower(m)
	m = strings.TrimPrefix(m, "codex/event/")
	m = strings.TrimPrefix(m, "codex/event")
	m = strings.TrimPrefix(m, "/")
	if m == "plan" {
		return "codex/event/plan"
	}
	if m == "" {
		return ""
	}
	// A method already named turn/*, item/* or thread/* is passed through
	// unchanged; every other name gets the codex/event/ prefix so
	// Convert's generic unwrap-and-recurse branch handles it.
	switch {
	case strings.HasPrefix(tag.Method, "turn/"), strings.HasPrefix(tag.Method, "item/"), strings.HasPrefix(tag.Method, "thread/"):
		return tag.Method
	default:
		return "codex/event/" + m
	}
}
