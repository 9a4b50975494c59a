// Package processors implements C6: stateful stream processors layered
// on top of the canonical event stream. These do not replace C2/C3's
// per-item accumulators (which exist to correctly shape individual
// canonical events); they exist to turn the canonical stream into the
// higher-level synthetic tool-call pairs and truncated previews the hub
// and Message Buffer consume.
package processors

// ReasoningToolCallName is the synthesized tool name reasoning
// section/completion pairs are reported under.
const ReasoningToolCallName = "CodexReasoning"

// ReasoningCall is one emitted synthetic tool-call/tool-call-result
// pair produced by the reasoning processor.
type ReasoningCall struct {
	Name   string
	Text   string
	Status string // completed, canceled
}

// Reasoning accumulates agent_reasoning_delta text across a turn and
// emits a synthetic tool-call pair on section breaks and completion.
// Not safe for concurrent use; owned exclusively by the launcher's
// single event-demux path.
type Reasoning struct {
	buffer string
}

// NewReasoning returns an empty reasoning processor.
func NewReasoning() *Reasoning {
	return &Reasoning{}
}

// ProcessDelta appends delta to the pending section's buffer.
func (r *Reasoning) ProcessDelta(delta string) {
	r.buffer += delta
}

// HandleSectionBreak flushes the buffered section as a completed
// synthetic call and starts a new section.
func (r *Reasoning) HandleSectionBreak() *ReasoningCall {
	if r.buffer == "" {
		return nil
	}
	call := &ReasoningCall{Name: ReasoningToolCallName, Text: r.buffer, Status: "completed"}
	r.buffer = ""
	return call
}

// Complete flushes the final section at turn end. fullText, when
// non-empty, replaces the buffered text (the backend's authoritative
// agent_reasoning.text, which may differ slightly from the concatenated
// deltas due to summarization).
func (r *Reasoning) Complete(fullText string) *ReasoningCall {
	text := r.buffer
	if fullText != "" {
		text = fullText
	}
	r.buffer = ""
	if text == "" {
		return nil
	}
	return &ReasoningCall{Name: ReasoningToolCallName, Text: text, Status: "completed"}
}

// Abort flushes any pending section with status "canceled" rather than
// "completed", per spec section 4.6.
func (r *Reasoning) Abort() *ReasoningCall {
	if r.buffer == "" {
		return nil
	}
	call := &ReasoningCall{Name: ReasoningToolCallName, Text: r.buffer, Status: "canceled"}
	r.buffer = ""
	return call
}

// TruncateForBuffer shortens s for the Message Buffer's preview field:
// when s is longer than maxLen runes it keeps the first maxLen runes and
// appends an ellipsis marker.
func TruncateForBuffer(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "…"
}
