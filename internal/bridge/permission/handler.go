// Package permission implements C5, the permission handler: it
// correlates backend-initiated approval requests with hub decisions by
// id, and forwards both directions as synthetic tool-call events. The
// request/response shape is grounded on the teacher's
// internal/agentctl/types.PermissionRequest/PermissionResponse pair,
// narrowed to the command/file-change/generic-tool fields this bridge
// actually surfaces.
package permission

import (
	"sync"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Input carries the backend-specific detail of an approval request.
type Input struct {
	Command string
	Cwd     string
	Message string
	Tool    string
}

// Request is an outstanding approval prompt forwarded to the hub.
type Request struct {
	ID       string
	ToolName string
	Input    Input
}

// Decision is the hub's answer to a Request.
type Decision struct {
	ID       string
	Approved bool
	Decision string // accept, acceptForSession, decline, cancel
	Reason   string
}

// Notifier is the subset of the hub client C5 needs: forwarding the
// request and its eventual resolution as synthetic tool-call events.
type Notifier interface {
	SendCodexMessage(event any) error
}

// Handler tracks outstanding approval requests and their hub-side
// correlation. It is safe for concurrent use: requests arrive from the
// orchestrator's event-demux goroutine while decisions arrive from hub
// RPC handler goroutines.
type Handler struct {
	mu          sync.Mutex
	outstanding map[string]*Request

	notifier Notifier
	logger   *logger.Logger
}

// NewHandler returns a handler that forwards requests/decisions via notifier.
func NewHandler(notifier Notifier, log *logger.Logger) *Handler {
	return &Handler{
		outstanding: make(map[string]*Request),
		notifier:    notifier,
		logger:      log.WithFields(zap.String("component", "permission-handler")),
	}
}

// toolCallEvent is the synthetic event shape forwarded to the hub for
// both the request and its resolution, keyed by the approval id so the
// hub can pair them.
type toolCallEvent struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Tool     string `json:"tool,omitempty"`
	Message  string `json:"message,omitempty"`
	Command  string `json:"command,omitempty"`
	Cwd      string `json:"cwd,omitempty"`
	Decision string `json:"decision,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

// OnRequest records req as outstanding and forwards it to the hub as a
// synthetic tool-call.
func (h *Handler) OnRequest(req Request) {
	h.mu.Lock()
	h.outstanding[req.ID] = &req
	h.mu.Unlock()

	if err := h.notifier.SendCodexMessage(&toolCallEvent{
		Type: "tool-call", ID: req.ID, Tool: req.ToolName,
		Message: req.Input.Message, Command: req.Input.Command, Cwd: req.Input.Cwd,
	}); err != nil {
		h.logger.Warn("failed to forward approval request", zap.String("id", req.ID), zap.Error(err))
	}
}

// OnComplete resolves an outstanding request. Decisions whose id is not
// in the outstanding set (already resolved, or dropped by Reset) are
// discarded silently per spec section 4.5.
func (h *Handler) OnComplete(dec Decision) {
	h.mu.Lock()
	_, ok := h.outstanding[dec.ID]
	if ok {
		delete(h.outstanding, dec.ID)
	}
	h.mu.Unlock()

	if !ok {
		h.logger.Debug("discarding decision for unknown or reset approval", zap.String("id", dec.ID))
		return
	}

	if err := h.notifier.SendCodexMessage(&toolCallEvent{
		Type: "tool-call-result", ID: dec.ID, Decision: dec.Decision, Reason: dec.Reason, Approved: dec.Approved,
	}); err != nil {
		h.logger.Warn("failed to forward approval decision", zap.String("id", dec.ID), zap.Error(err))
	}
}

// Reset drops every outstanding request. Called by the launcher on
// abort; any decision for a dropped request that arrives afterward is
// discarded by OnComplete's outstanding-set check.
func (h *Handler) Reset() {
	h.mu.Lock()
	h.outstanding = make(map[string]*Request)
	h.mu.Unlock()
}

// FromApprovalEvent builds a Request from a canonical
// exec_approval_request event.
func FromApprovalEvent(ev canon.Event) Request {
	return Request{
		ID:       ev.CallID,
		ToolName: ev.ApprovalTool,
		Input: Input{
			Command: ev.Command,
			Cwd:     ev.Cwd,
			Message: ev.Message,
			Tool:    ev.ApprovalTool,
		},
	}
}
